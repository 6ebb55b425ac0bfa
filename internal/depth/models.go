package depth

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one row of a top-of-book view: the size of the order at the
// front of a price level, and that level's price.
type Quote struct {
	Side     string          `json:"side"`     // "ASK" or "BID"
	Price    decimal.Decimal `json:"price"`    // level price
	Quantity decimal.Decimal `json:"quantity"` // head order size at this price
}

// Snapshot is a stacked top-of-book view with the spread in the middle:
// asks run from the worst of the collected levels down to the best ask,
// bids run from the best bid outward.
type Snapshot struct {
	Product  string    `json:"product"`
	Sequence uint64    `json:"sequence"`
	Asks     []Quote   `json:"asks"`
	Bids     []Quote   `json:"bids"`
	Time     time.Time `json:"time"`
}

// LevelSummary aggregates every resting order at one price (an L2 row).
type LevelSummary struct {
	Side   string          `json:"side"`
	Price  decimal.Decimal `json:"price"`
	Size   decimal.Decimal `json:"size"`   // sum of resting quantities
	Orders int             `json:"orders"` // queue length
	Rank   int             `json:"rank"`   // 0 is the best level
}

// BestAsk is the ask adjacent to the spread.
func (s Snapshot) BestAsk() (Quote, bool) {
	if len(s.Asks) == 0 {
		return Quote{}, false
	}
	return s.Asks[len(s.Asks)-1], true
}

// BestBid is the bid adjacent to the spread.
func (s Snapshot) BestBid() (Quote, bool) {
	if len(s.Bids) == 0 {
		return Quote{}, false
	}
	return s.Bids[0], true
}

// Spread is best ask minus best bid. ok is false when either side is empty.
func (s Snapshot) Spread() (spread decimal.Decimal, ok bool) {
	ask, okA := s.BestAsk()
	bid, okB := s.BestBid()
	if !okA || !okB {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}
