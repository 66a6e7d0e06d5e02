package artifact

import "strconv"

// List is an ordered artifact collection with unique ids. Position is not
// identity: after edits the numeric id need not match the index.
type List[T Identified[T]] struct {
	items []T
}

// Len returns the number of items.
func (l *List[T]) Len() int { return len(l.items) }

// Items returns a copy of the items.
func (l *List[T]) Items() []T {
	out := make([]T, len(l.items))
	copy(out, l.items)
	return out
}

// At returns the item at index.
func (l *List[T]) At(index int) (T, bool) {
	if index < 0 || index >= len(l.items) {
		var zero T
		return zero, false
	}
	return l.items[index], true
}

// ByID finds an item by id.
func (l *List[T]) ByID(id string) (T, bool) {
	for _, it := range l.items {
		if it.GetID() == id {
			return it, true
		}
	}
	var zero T
	return zero, false
}

// Put replaces the item at index when it is within bounds and appends
// exactly one item otherwise. It reports whether an item was replaced.
func (l *List[T]) Put(index int, item T) bool {
	if index >= 0 && index < len(l.items) {
		if item.GetID() == "" || l.idTaken(item.GetID(), index) {
			item = item.WithID(l.items[index].GetID())
		}
		l.items[index] = item
		return true
	}
	if item.GetID() == "" || l.idTaken(item.GetID(), -1) {
		item = item.WithID(l.nextID())
	}
	l.items = append(l.items, item)
	return false
}

// ReplaceAll swaps the whole list, fixing empty or duplicate ids.
func (l *List[T]) ReplaceAll(items []T) {
	l.items = l.items[:0]
	for _, it := range items {
		l.Put(len(l.items), it)
	}
}

// Labels returns item labels in order.
func (l *List[T]) Labels() []string {
	out := make([]string, len(l.items))
	for i, it := range l.items {
		out[i] = it.Label()
	}
	return out
}

// Reset empties the list.
func (l *List[T]) Reset() { l.items = nil }

func (l *List[T]) idTaken(id string, except int) bool {
	for i, it := range l.items {
		if i != except && it.GetID() == id {
			return true
		}
	}
	return false
}

// nextID returns the smallest 1-based numeric id not yet used, starting at Len()+1.
func (l *List[T]) nextID() string {
	for n := len(l.items) + 1; ; n++ {
		id := strconv.Itoa(n)
		if !l.idTaken(id, -1) {
			return id
		}
	}
}
