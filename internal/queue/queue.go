package queue

// queue is an intrusive doubly linked list of Items. Outbound records are kept
// in order of their last transmission so timeouts can be scanned from the head.
type queue struct {
	h, t *Item
	n    int
}

func (q *queue) add(i *Item) {
	if q.h == nil {
		q.h = i
		q.t = i
	} else {
		q.t.next = i
		i.prev = q.t
		q.t = i
	}
	q.n++
}

func (q *queue) remove(i *Item) {
	if i.prev == nil { // is h
		q.h = i.next
	} else {
		i.prev.next = i.next
	}

	if i.next == nil { // is t
		q.t = i.prev
	} else {
		i.next.prev = i.prev
	}

	i.prev, i.next = nil, nil // avoid memory leaks
	q.n--
}

func (q *queue) moveToBack(i *Item) {
	if q.t == i {
		return
	}
	q.remove(i)
	q.add(i)
}

func (q *queue) reset() {
	for i := q.h; i != nil; {
		next := i.next
		i.prev, i.next = nil, nil
		i = next
	}
	q.h, q.t, q.n = nil, nil, 0
}
