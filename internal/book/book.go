package book

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"l3book/internal/depth"
)

// DefaultDepth is the number of levels per side in a top-of-book view.
const DefaultDepth = 5

// TopHandler receives the top of book derived after every applied MATCH.
type TopHandler func(depth.Snapshot)

// Book reconstructs one product's limit order book from its feed.
//
// A Book has no locks. It must be driven by a single goroutine, and reads
// (TopOfBook, Depth, Orders) must happen between Apply calls on that same
// goroutine.
type Book struct {
	product string
	orders  *Registry
	asks    *SideIndex
	bids    *SideIndex

	lastSequence uint64
	lastTime     time.Time

	depth int
	onTop TopHandler
}

// New returns an empty book. levels <= 0 selects DefaultDepth; onTop may be nil.
func New(product string, levels int, onTop TopHandler) *Book {
	if levels <= 0 {
		levels = DefaultDepth
	}
	return &Book{
		product: product,
		orders:  NewRegistry(),
		asks:    newSideIndex(Sell),
		bids:    newSideIndex(Buy),
		depth:   levels,
		onTop:   onTop,
	}
}

func (b *Book) Product() string      { return b.product }
func (b *Book) LastSequence() uint64 { return b.lastSequence }
func (b *Book) Len() int             { return b.orders.Len() }
func (b *Book) Levels(side Side) int { return b.side(side).Len() }

func (b *Book) side(s Side) *SideIndex {
	if s == Sell {
		return b.asks
	}
	return b.bids
}

// Apply runs one event through the sequence guard and, if it passes,
// the transition for its kind. Events older than the last accepted
// sequence are dropped; equal sequences still apply.
func (b *Book) Apply(ev Event) Outcome {
	if ev.Sequence < b.lastSequence {
		return OutcomeStale
	}
	b.lastSequence = ev.Sequence
	if !ev.Time.IsZero() {
		b.lastTime = ev.Time
	}

	switch ev.Kind {
	case Open:
		b.addOrder(ev)
		return OutcomeApplied
	case Done:
		return b.removeOrder(ev.OrderID, ev.Price, ev.Side)
	case Change:
		return b.changeOrder(ev)
	case Match:
		return b.matchOrder(ev.OrderID, ev.Quantity)
	default:
		return OutcomeIgnored
	}
}

// addOrder appends a new order at the tail of its price level. A live
// order with the same id is detached first so an id never sits in two
// chains.
func (b *Book) addOrder(ev Event) {
	if h, ok := b.orders.handle(ev.OrderID); ok {
		b.detach(h)
	}
	lvl := b.side(ev.Side).LevelAt(ev.Price)
	h := b.orders.Insert(Order{
		ID:       ev.OrderID,
		Price:    ev.Price,
		Quantity: ev.Quantity,
		Side:     ev.Side,
		Sequence: ev.Sequence,
	})
	lvl.append(b.orders, h)
}

// removeOrder needs both a level at (side, price) and a registered id.
func (b *Book) removeOrder(id string, price decimal.Decimal, side Side) Outcome {
	if _, ok := b.side(side).Find(price); !ok {
		return OutcomeIgnored
	}
	h, ok := b.orders.handle(id)
	if !ok {
		return OutcomeIgnored
	}
	b.drop(h)
	return OutcomeApplied
}

// changeOrder removes the order from the level of its stored price and
// re-adds it from the event, so it always goes to the back of the queue.
func (b *Book) changeOrder(ev Event) Outcome {
	h, ok := b.orders.handle(ev.OrderID)
	if !ok {
		return OutcomeIgnored
	}
	b.drop(h)
	b.addOrder(ev)
	return OutcomeApplied
}

// matchOrder fills the maker in place, or removes it when the fill is at
// least its resting size. Oversized fills are absorbed.
func (b *Book) matchOrder(makerID string, size decimal.Decimal) Outcome {
	h, ok := b.orders.handle(makerID)
	if !ok {
		return OutcomeIgnored
	}
	o := b.orders.at(h)
	remaining := o.Quantity.Sub(size)
	if remaining.LessThanOrEqual(decimal.Zero) {
		b.drop(h)
	} else {
		o.Quantity = remaining
	}

	if b.onTop != nil {
		b.onTop(b.TopOfBook())
	}
	return OutcomeApplied
}

// detach unlinks h from the level it rests in, looked up by the order's
// own side and price.
func (b *Book) detach(h Handle) {
	o := b.orders.at(h)
	if lvl, ok := b.side(o.Side).Find(o.Price); ok {
		lvl.unlink(b.orders, h)
	}
}

func (b *Book) drop(h Handle) {
	id := b.orders.at(h).ID
	b.detach(h)
	b.orders.Remove(id)
}

// TopOfBook collects up to depth non-empty levels per side and quotes the
// head order of each. Asks come out worst to best, bids best to worst, so
// both best prices sit next to the spread.
func (b *Book) TopOfBook() depth.Snapshot {
	asks := b.collect(b.asks)
	slices.Reverse(asks)
	return depth.Snapshot{
		Product:  b.product,
		Sequence: b.lastSequence,
		Asks:     asks,
		Bids:     b.collect(b.bids),
		Time:     b.lastTime,
	}
}

func (b *Book) collect(idx *SideIndex) []depth.Quote {
	out := make([]depth.Quote, 0, b.depth)
	idx.BestFirst(func(l *Level) bool {
		if l.Empty() {
			return true
		}
		out = append(out, depth.Quote{
			Side:     idx.side.Label(),
			Price:    l.Price,
			Quantity: b.orders.at(l.head).Quantity,
		})
		return len(out) < b.depth
	})
	return out
}

// Depth aggregates up to n non-empty levels of one side, best first.
func (b *Book) Depth(side Side, n int) []depth.LevelSummary {
	if n <= 0 {
		n = b.depth
	}
	out := make([]depth.LevelSummary, 0, n)
	b.side(side).BestFirst(func(l *Level) bool {
		if l.Empty() {
			return true
		}
		size := decimal.Zero
		for h := l.head; h != nilHandle; h = b.orders.at(h).next {
			size = size.Add(b.orders.at(h).Quantity)
		}
		out = append(out, depth.LevelSummary{
			Side:   side.Label(),
			Price:  l.Price,
			Size:   size,
			Orders: l.Len(),
			Rank:   len(out),
		})
		return len(out) < n
	})
	return out
}

// Orders returns the queue at (side, price) from head to tail.
func (b *Book) Orders(side Side, price decimal.Decimal) []Order {
	lvl, ok := b.side(side).Find(price)
	if !ok {
		return nil
	}
	out := make([]Order, 0, lvl.Len())
	for h := lvl.head; h != nilHandle; h = b.orders.at(h).next {
		out = append(out, *b.orders.at(h))
	}
	return out
}

// Order returns a copy of a resting order.
func (b *Book) Order(id string) (Order, bool) { return b.orders.Get(id) }
