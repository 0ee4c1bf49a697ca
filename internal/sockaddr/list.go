package sockaddr

// listInitialCapacity is the capacity a zero-value List grows to on first
// append; growth doubles from there, matching the byte buffer's growth
// discipline.
const listInitialCapacity = 8

// List is a growable, append-only ordered sequence of addresses, used for
// the upstream set and for multi-port bind expansion.
type List struct {
	items []Address
}

// NewList builds a List from the given addresses.
func NewList(addrs ...Address) *List {
	l := &List{}
	for _, a := range addrs {
		l.Append(a)
	}
	return l
}

func (l *List) growTo(n int) {
	if cap(l.items) >= n {
		return
	}
	newCap := cap(l.items)
	if newCap == 0 {
		newCap = listInitialCapacity
	}
	for newCap < n {
		newCap *= 2
	}
	grown := make([]Address, len(l.items), newCap)
	copy(grown, l.items)
	l.items = grown
}

// Append adds a to the end of the list.
func (l *List) Append(a Address) {
	l.growTo(len(l.items) + 1)
	l.items = append(l.items, a)
}

// Len returns the number of addresses in the list.
func (l *List) Len() int {
	return len(l.items)
}

// At returns the address at index i, or false if i is out of range.
func (l *List) At(i int) (Address, bool) {
	if i < 0 || i >= len(l.items) {
		return Address{}, false
	}
	return l.items[i], true
}

// All returns the list's addresses. The returned slice is owned by the
// List and must not be mutated.
func (l *List) All() []Address {
	return l.items
}
