package book

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// SideIndex maps price to Level for one side of the book. The tree is
// ordered best-first: ascending prices for asks, descending for bids.
// Levels are compared with decimal.Cmp, so 100 and 100.00 share a level.
type SideIndex struct {
	side   Side
	levels *btree.BTreeG[*Level]
}

func newSideIndex(side Side) *SideIndex {
	less := func(a, b *Level) bool { return a.Price.LessThan(b.Price) }
	if side == Buy {
		less = func(a, b *Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	// the book has a single writer, so the tree's own locking is off
	return &SideIndex{
		side:   side,
		levels: btree.NewBTreeGOptions(less, btree.Options{NoLocks: true}),
	}
}

// LevelAt returns the level at price, creating an empty one if needed.
func (s *SideIndex) LevelAt(price decimal.Decimal) *Level {
	if l, ok := s.Find(price); ok {
		return l
	}
	l := newLevel(s.side, price)
	s.levels.Set(l)
	return l
}

func (s *SideIndex) Find(price decimal.Decimal) (*Level, bool) {
	return s.levels.Get(&Level{Price: price})
}

// BestFirst calls fn for each level in priority order until fn returns
// false. Drained levels are visited too.
func (s *SideIndex) BestFirst(fn func(*Level) bool) {
	s.levels.Scan(fn)
}

func (s *SideIndex) Len() int { return s.levels.Len() }
