package book

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"l3book/internal/depth"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func open(id, price, size string, side Side, seq uint64) Event {
	return Event{Kind: Open, OrderID: id, Price: d(price), Quantity: d(size), Side: side, Sequence: seq}
}

func done(id, price string, side Side, seq uint64) Event {
	return Event{Kind: Done, OrderID: id, Price: d(price), Quantity: decimal.Zero, Side: side, Sequence: seq}
}

func change(id, price, size string, side Side, seq uint64) Event {
	return Event{Kind: Change, OrderID: id, Price: d(price), Quantity: d(size), Side: side, Sequence: seq}
}

func match(makerID, price, size string, side Side, seq uint64) Event {
	return Event{Kind: Match, OrderID: makerID, Price: d(price), Quantity: d(size), Side: side, Sequence: seq}
}

func ids(orders []Order) []string {
	out := make([]string, 0, len(orders))
	for _, o := range orders {
		out = append(out, o.ID)
	}
	return out
}

// threeAtSameLevel is order1, order2, order3 resting on the ask at 200.2.
func threeAtSameLevel(t *testing.T) *Book {
	t.Helper()
	b := New("BTC-USD", 0, nil)
	for _, id := range []string{"order1", "order2", "order3"} {
		require.Equal(t, OutcomeApplied, b.Apply(open(id, "200.2", "1.00", Sell, 10)))
	}
	return b
}

func levelAt(t *testing.T, b *Book, side Side, price string) *Level {
	t.Helper()
	lvl, ok := b.side(side).Find(d(price))
	require.True(t, ok, "no level at %s", price)
	return lvl
}

func headID(b *Book, l *Level) string { return b.orders.at(l.head).ID }
func tailID(b *Book, l *Level) string { return b.orders.at(l.tail).ID }

// checkInvariants walks every level of both sides.
func checkInvariants(t *testing.T, b *Book) {
	t.Helper()
	seen := map[string]bool{}
	for _, idx := range []*SideIndex{b.asks, b.bids} {
		idx.BestFirst(func(l *Level) bool {
			require.Equal(t, l.head == nilHandle, l.tail == nilHandle, "head/tail nil mismatch at %s", l.Price)
			require.Equal(t, l.Empty(), l.Len() == 0)

			n, last := 0, nilHandle
			for h := l.head; h != nilHandle; h = b.orders.at(h).next {
				o := b.orders.at(h)
				require.Equal(t, last, o.prev, "broken prev link at %s", o.ID)
				require.True(t, o.Price.Equal(l.Price), "order %s price %s in level %s", o.ID, o.Price, l.Price)
				require.Equal(t, idx.side, o.Side)
				require.False(t, seen[o.ID], "order %s linked twice", o.ID)
				seen[o.ID] = true

				reg, ok := b.orders.handle(o.ID)
				require.True(t, ok, "linked order %s missing from registry", o.ID)
				require.Equal(t, h, reg)
				last = h
				n++
			}
			require.Equal(t, l.tail, last)
			require.Equal(t, l.Len(), n)

			m := 0
			for h := l.tail; h != nilHandle; h = b.orders.at(h).prev {
				m++
			}
			require.Equal(t, n, m, "reverse walk length")
			return true
		})
	}
	require.Equal(t, len(seen), b.orders.Len(), "registry holds unlinked orders")
}

func TestAddKeepsArrivalOrder(t *testing.T) {
	b := threeAtSameLevel(t)

	lvl := levelAt(t, b, Sell, "200.2")
	assert.Equal(t, "order1", headID(b, lvl))
	assert.Equal(t, "order3", tailID(b, lvl))
	assert.Equal(t, []string{"order1", "order2", "order3"}, ids(b.Orders(Sell, d("200.2"))))

	head := b.orders.at(lvl.head)
	assert.Equal(t, nilHandle, head.prev)
	assert.Equal(t, "order2", b.orders.at(head.next).ID)
	assert.Equal(t, 3, b.Len())
	checkInvariants(t, b)
}

func TestDoneMiddleRelinksNeighbours(t *testing.T) {
	b := threeAtSameLevel(t)

	require.Equal(t, OutcomeApplied, b.Apply(done("order2", "200.2", Sell, 10)))

	lvl := levelAt(t, b, Sell, "200.2")
	assert.Equal(t, "order1", headID(b, lvl))
	assert.Equal(t, "order3", tailID(b, lvl))
	assert.Equal(t, "order3", b.orders.at(b.orders.at(lvl.head).next).ID)
	assert.Equal(t, "order1", b.orders.at(b.orders.at(lvl.tail).prev).ID)
	_, ok := b.Order("order2")
	assert.False(t, ok)
	checkInvariants(t, b)
}

func TestDoneHeadAndTail(t *testing.T) {
	b := threeAtSameLevel(t)

	b.Apply(done("order1", "200.2", Sell, 10))
	lvl := levelAt(t, b, Sell, "200.2")
	assert.Equal(t, "order2", headID(b, lvl))
	assert.Equal(t, nilHandle, b.orders.at(lvl.head).prev)

	b.Apply(done("order3", "200.2", Sell, 10))
	assert.Equal(t, "order2", tailID(b, lvl))
	assert.Equal(t, nilHandle, b.orders.at(lvl.tail).next)

	b.Apply(done("order2", "200.2", Sell, 10))
	assert.True(t, lvl.Empty())
	assert.Equal(t, 1, b.Levels(Sell), "drained level stays indexed")
	assert.Equal(t, 0, b.Len())
	checkInvariants(t, b)
}

func TestChangeSizeMovesToBack(t *testing.T) {
	b := threeAtSameLevel(t)

	require.Equal(t, OutcomeApplied, b.Apply(change("order1", "200.2", "0.5", Sell, 80)))

	lvl := levelAt(t, b, Sell, "200.2")
	assert.Equal(t, []string{"order2", "order3", "order1"}, ids(b.Orders(Sell, d("200.2"))))
	assert.Equal(t, "order2", headID(b, lvl))
	o, ok := b.Order("order1")
	require.True(t, ok)
	assert.True(t, o.Quantity.Equal(d("0.5")))
	assert.Equal(t, uint64(80), o.Sequence)
	checkInvariants(t, b)
}

func TestChangePriceOpensNewLevel(t *testing.T) {
	b := threeAtSameLevel(t)
	b.Apply(change("order1", "200.2", "0.5", Sell, 80))

	require.Equal(t, OutcomeApplied, b.Apply(change("order2", "100.2", "0.5", Sell, 24753)))

	assert.Equal(t, []string{"order2"}, ids(b.Orders(Sell, d("100.2"))))
	assert.Equal(t, []string{"order3", "order1"}, ids(b.Orders(Sell, d("200.2"))))
	o, _ := b.Order("order2")
	assert.True(t, o.Quantity.Equal(d("0.5")))
	assert.True(t, o.Price.Equal(d("100.2")))
	assert.Equal(t, 2, b.Levels(Sell))
	checkInvariants(t, b)
}

func TestChangeUnknownIsIgnored(t *testing.T) {
	b := threeAtSameLevel(t)
	assert.Equal(t, OutcomeIgnored, b.Apply(change("nope", "150", "1", Sell, 11)))
	_, ok := b.side(Sell).Find(d("150"))
	assert.False(t, ok, "ignored change must not create a level")
}

func TestPartialMatchKeepsPosition(t *testing.T) {
	b := threeAtSameLevel(t)

	require.Equal(t, OutcomeApplied, b.Apply(match("order1", "200.2", "0.75", Sell, 50)))

	o, ok := b.Order("order1")
	require.True(t, ok)
	assert.True(t, o.Quantity.Equal(d("0.25")))
	assert.Equal(t, []string{"order1", "order2", "order3"}, ids(b.Orders(Sell, d("200.2"))))
	checkInvariants(t, b)
}

func TestFullMatchRemovesOrder(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	b.Apply(open("order1", "200.2", "1.00", Sell, 10))

	require.Equal(t, OutcomeApplied, b.Apply(match("order1", "200.2", "1.00", Sell, 50)))

	_, ok := b.Order("order1")
	assert.False(t, ok)
	lvl := levelAt(t, b, Sell, "200.2")
	assert.True(t, lvl.Empty())
	assert.Equal(t, nilHandle, lvl.tail)
	assert.Equal(t, 1, b.Levels(Sell))
	checkInvariants(t, b)
}

func TestOverfillIsAbsorbed(t *testing.T) {
	b := threeAtSameLevel(t)
	require.Equal(t, OutcomeApplied, b.Apply(match("order2", "200.2", "5", Sell, 50)))
	assert.Equal(t, []string{"order1", "order3"}, ids(b.Orders(Sell, d("200.2"))))
	checkInvariants(t, b)
}

func TestDoneAfterFillIsNoop(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	b.Apply(open("order1", "200.2", "1", Sell, 10))
	b.Apply(match("order1", "200.2", "1", Sell, 11))

	assert.Equal(t, OutcomeIgnored, b.Apply(done("order1", "200.2", Sell, 12)))
	checkInvariants(t, b)
}

func TestDoneNeedsLevelAndID(t *testing.T) {
	b := threeAtSameLevel(t)
	assert.Equal(t, OutcomeIgnored, b.Apply(done("order1", "999", Sell, 10)), "no level at price")
	assert.Equal(t, OutcomeIgnored, b.Apply(done("order9", "200.2", Sell, 10)), "unknown id")
	assert.Equal(t, 3, b.Len())
}

func TestDoneAtOtherLevelStillUnlinksFromOwnLevel(t *testing.T) {
	b := threeAtSameLevel(t)
	b.Apply(open("order4", "201", "1", Sell, 10))
	b.Apply(done("order4", "201", Sell, 10)) // 201 is now a drained level

	require.Equal(t, OutcomeApplied, b.Apply(done("order1", "201", Sell, 10)))
	assert.Equal(t, []string{"order2", "order3"}, ids(b.Orders(Sell, d("200.2"))))
	checkInvariants(t, b)
}

func TestReopenSameIDDoesNotDuplicate(t *testing.T) {
	b := threeAtSameLevel(t)
	b.Apply(open("order1", "199", "2", Sell, 11))

	assert.Equal(t, []string{"order2", "order3"}, ids(b.Orders(Sell, d("200.2"))))
	assert.Equal(t, []string{"order1"}, ids(b.Orders(Sell, d("199"))))
	checkInvariants(t, b)
}

func TestEquivalentPricesShareLevel(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	b.Apply(open("a", "100", "1", Buy, 1))
	b.Apply(open("b", "100.00", "1", Buy, 2))
	assert.Equal(t, 1, b.Levels(Buy))
	assert.Equal(t, []string{"a", "b"}, ids(b.Orders(Buy, d("100.0"))))
}

func TestSequenceGuard(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	require.Equal(t, OutcomeApplied, b.Apply(open("a", "100", "1", Buy, 5)))
	assert.Equal(t, uint64(5), b.LastSequence())

	// stale events change nothing, not even the sequence
	assert.Equal(t, OutcomeStale, b.Apply(open("b", "100", "1", Buy, 4)))
	assert.Equal(t, OutcomeStale, b.Apply(done("a", "100", Buy, 3)))
	assert.Equal(t, uint64(5), b.LastSequence())
	assert.Equal(t, []string{"a"}, ids(b.Orders(Buy, d("100"))))

	// equal sequence is applied
	assert.Equal(t, OutcomeApplied, b.Apply(open("c", "100", "1", Buy, 5)))
	// gaps are not detected
	assert.Equal(t, OutcomeApplied, b.Apply(open("d", "100", "1", Buy, 500)))
	assert.Equal(t, uint64(500), b.LastSequence())
}

func TestSequenceZeroIsAccepted(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	assert.Equal(t, OutcomeApplied, b.Apply(open("a", "1", "1", Buy, 0)))
}

func TestUnknownKindIgnored(t *testing.T) {
	b := threeAtSameLevel(t)
	assert.Equal(t, OutcomeIgnored, b.Apply(Event{Kind: KindUnknown, OrderID: "order1", Sequence: 10}))
	assert.Equal(t, 3, b.Len())
}

func TestNoopsLeaveBookUnchanged(t *testing.T) {
	b := threeAtSameLevel(t)
	b.Apply(open("bid1", "199", "2", Buy, 10))
	before := b.TopOfBook()
	beforeAsks := b.Orders(Sell, d("200.2"))

	for _, ev := range []Event{
		done("ghost", "200.2", Sell, 10),
		change("ghost", "201", "3", Sell, 10),
		match("ghost", "200.2", "1", Sell, 10),
	} {
		assert.Equal(t, OutcomeIgnored, b.Apply(ev))
	}

	assert.Equal(t, before, b.TopOfBook())
	assert.Equal(t, beforeAsks, b.Orders(Sell, d("200.2")))
	assert.Equal(t, 1, b.Levels(Sell))
	assert.Equal(t, 1, b.Levels(Buy))
}

func TestTopOfBookOrdering(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	var seq uint64
	next := func() uint64 { seq++; return seq }

	for i := 1; i <= 7; i++ {
		p := strconv.Itoa(100 + i) // asks 101..107
		b.Apply(open("a"+p, p, strconv.Itoa(i), Sell, next()))
		q := strconv.Itoa(100 - i) // bids 99..93
		b.Apply(open("b"+q, q, strconv.Itoa(i), Buy, next()))
	}
	// second order at the best ask does not change the quoted head size
	b.Apply(open("late", "101", "9", Sell, next()))

	top := b.TopOfBook()
	require.Len(t, top.Asks, DefaultDepth)
	require.Len(t, top.Bids, DefaultDepth)

	askPrices := make([]string, 0, len(top.Asks))
	for _, q := range top.Asks {
		askPrices = append(askPrices, q.Price.String())
		assert.Equal(t, "ASK", q.Side)
	}
	assert.Equal(t, []string{"105", "104", "103", "102", "101"}, askPrices)
	assert.True(t, top.Asks[4].Quantity.Equal(d("1")))

	bidPrices := make([]string, 0, len(top.Bids))
	for _, q := range top.Bids {
		bidPrices = append(bidPrices, q.Price.String())
		assert.Equal(t, "BID", q.Side)
	}
	assert.Equal(t, []string{"99", "98", "97", "96", "95"}, bidPrices)
	assert.Equal(t, seq, top.Sequence)
}

func TestTopOfBookSkipsDrainedLevels(t *testing.T) {
	b := New("BTC-USD", 2, nil)
	b.Apply(open("a1", "101", "1", Sell, 1))
	b.Apply(open("a2", "102", "1", Sell, 2))
	b.Apply(open("a3", "103", "1", Sell, 3))
	b.Apply(done("a1", "101", Sell, 4))

	top := b.TopOfBook()
	require.Len(t, top.Asks, 2)
	assert.Equal(t, "103", top.Asks[0].Price.String())
	assert.Equal(t, "102", top.Asks[1].Price.String())
	assert.Equal(t, 3, b.Levels(Sell), "reading the top must not evict the drained level")
}

func TestOnlyMatchPublishesTopOfBook(t *testing.T) {
	var got []depth.Snapshot
	b := New("ETH-USD", 0, func(s depth.Snapshot) { got = append(got, s) })

	b.Apply(open("o1", "10", "2", Sell, 1))
	b.Apply(open("o2", "9", "2", Buy, 2))
	b.Apply(change("o1", "10", "1.5", Sell, 3))
	b.Apply(done("o2", "9", Buy, 4))
	require.Empty(t, got)

	b.Apply(match("o1", "10", "0.5", Sell, 5))
	require.Len(t, got, 1)
	assert.Equal(t, "ETH-USD", got[0].Product)
	require.Len(t, got[0].Asks, 1)
	assert.True(t, got[0].Asks[0].Quantity.Equal(d("1")))
	assert.Empty(t, got[0].Bids)

	// a match against an unknown maker publishes nothing
	b.Apply(match("zzz", "10", "0.5", Sell, 6))
	assert.Len(t, got, 1)
}

func TestDepthAggregatesLevels(t *testing.T) {
	b := New("BTC-USD", 0, nil)
	b.Apply(open("b1", "99", "1.5", Buy, 1))
	b.Apply(open("b2", "99", "2", Buy, 2))
	b.Apply(open("b3", "98", "4", Buy, 3))

	rows := b.Depth(Buy, 10)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Price.Equal(d("99")))
	assert.True(t, rows[0].Size.Equal(d("3.5")))
	assert.Equal(t, 2, rows[0].Orders)
	assert.Equal(t, 0, rows[0].Rank)
	assert.Equal(t, 1, rows[1].Rank)
	assert.Equal(t, "BID", rows[1].Side)
}

func TestRegistrySlotReuse(t *testing.T) {
	r := NewRegistry()
	h1 := r.Insert(Order{ID: "a"})
	r.Insert(Order{ID: "b"})
	r.Remove("a")
	r.Remove("missing")
	h3 := r.Insert(Order{ID: "c"})
	assert.Equal(t, h1, h3)
	assert.Equal(t, 2, r.Len())

	_, ok := r.Get("a")
	assert.False(t, ok)
	o, ok := r.Get("c")
	require.True(t, ok)
	assert.Equal(t, "c", o.ID)
}

// TestRandomFeedKeepsInvariants drives the book with a noisy feed: reused
// ids, unknown ids, out-of-order sequences and oversized fills.
func TestRandomFeedKeepsInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New("BTC-USD", 0, nil)
	prices := []string{"99.5", "99.75", "100", "100.25", "100.5"}
	sizes := []string{"0.1", "0.5", "1", "2.5"}
	var seq uint64 = 100

	for i := 0; i < 5000; i++ {
		id := "o" + strconv.Itoa(rng.Intn(60))
		price := prices[rng.Intn(len(prices))]
		size := sizes[rng.Intn(len(sizes))]
		side := Side(rng.Intn(2))

		// mostly forward, sometimes stale
		if rng.Intn(10) == 0 {
			seq -= uint64(rng.Intn(3))
		} else {
			seq += uint64(rng.Intn(2))
		}

		var ev Event
		switch rng.Intn(4) {
		case 0:
			ev = open(id, price, size, side, seq)
		case 1:
			if o, ok := b.Order(id); ok && rng.Intn(3) > 0 {
				price, side = o.Price.String(), o.Side
			}
			ev = done(id, price, side, seq)
		case 2:
			ev = change(id, price, size, side, seq)
		case 3:
			ev = match(id, price, size, side, seq)
		}

		last := b.LastSequence()
		out := b.Apply(ev)
		if ev.Sequence < last {
			require.Equal(t, OutcomeStale, out)
			require.Equal(t, last, b.LastSequence())
		} else {
			require.GreaterOrEqual(t, b.LastSequence(), last)
		}
		checkInvariants(t, b)
	}
}
