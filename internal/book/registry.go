package book

import "github.com/shopspring/decimal"

// Handle addresses an order slot inside a Registry. Levels and the
// prev/next links between orders hold handles, never ownership.
type Handle int32

const nilHandle Handle = -1

// Order is a resting order. prev and next place it in exactly one price
// level's FIFO chain while linked is set.
type Order struct {
	ID       string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Side     Side
	Sequence uint64

	prev, next Handle
	linked     bool
}

// Registry owns every resting order. Slots are reused through a free list,
// so removing an id here is the point where an order stops existing.
// Callers unlink an order from its level before removing it.
type Registry struct {
	slots []Order
	free  []Handle
	byID  map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Handle)}
}

// Insert stores o under o.ID and returns its handle. A live entry with the
// same id is replaced.
func (r *Registry) Insert(o Order) Handle {
	if h, ok := r.byID[o.ID]; ok {
		r.release(h)
	}
	o.prev, o.next, o.linked = nilHandle, nilHandle, false

	var h Handle
	if n := len(r.free); n > 0 {
		h = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[h] = o
	} else {
		h = Handle(len(r.slots))
		r.slots = append(r.slots, o)
	}
	r.byID[o.ID] = h
	return h
}

// Get returns a copy of the order stored under id.
func (r *Registry) Get(id string) (Order, bool) {
	h, ok := r.byID[id]
	if !ok {
		return Order{}, false
	}
	return r.slots[h], true
}

// Remove drops id. Unknown ids are a no-op.
func (r *Registry) Remove(id string) {
	h, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.release(h)
}

func (r *Registry) Len() int { return len(r.byID) }

func (r *Registry) handle(id string) (Handle, bool) {
	h, ok := r.byID[id]
	return h, ok
}

// at is valid until the next Insert, which may grow the arena.
func (r *Registry) at(h Handle) *Order { return &r.slots[h] }

func (r *Registry) release(h Handle) {
	r.slots[h] = Order{prev: nilHandle, next: nilHandle}
	r.free = append(r.free, h)
}
