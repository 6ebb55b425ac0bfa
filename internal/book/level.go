package book

import "github.com/shopspring/decimal"

// Level is the FIFO queue of orders resting at one price on one side.
// head is the earliest arrival. A drained level keeps its place in the
// side index until an order arrives at the same price again.
type Level struct {
	Price decimal.Decimal
	Side  Side

	head, tail Handle
	count      int
}

func newLevel(side Side, price decimal.Decimal) *Level {
	return &Level{Price: price, Side: side, head: nilHandle, tail: nilHandle}
}

// Empty reports whether the queue holds no orders; head and tail are both
// nil exactly when it is.
func (l *Level) Empty() bool { return l.head == nilHandle }

func (l *Level) Len() int { return l.count }

func (l *Level) append(r *Registry, h Handle) {
	o := r.at(h)
	o.prev, o.next = l.tail, nilHandle
	if l.tail == nilHandle {
		l.head = h
	} else {
		r.at(l.tail).next = h
	}
	l.tail = h
	o.linked = true
	l.count++
}

// unlink splices h out of the chain. It is a no-op on an empty level or
// for an order that is not linked, which happens when a fill has already
// drained the order before its DONE arrives.
func (l *Level) unlink(r *Registry, h Handle) bool {
	o := r.at(h)
	if l.Empty() || !o.linked {
		return false
	}
	if o.prev != nilHandle {
		r.at(o.prev).next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nilHandle {
		r.at(o.next).prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.prev, o.next, o.linked = nilHandle, nilHandle, false
	l.count--
	return true
}
