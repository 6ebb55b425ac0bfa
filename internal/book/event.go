package book

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

// ParseSide maps the feed's side string. Anything other than "sell" is a bid.
func ParseSide(s string) Side {
	if s == "sell" {
		return Sell
	}
	return Buy
}

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Label is the book-view name of the side: "ASK" or "BID".
func (s Side) Label() string {
	if s == Sell {
		return "ASK"
	}
	return "BID"
}

type Kind uint8

const (
	KindUnknown Kind = iota
	Open
	Done
	Change
	Match
)

func ParseKind(s string) Kind {
	switch s {
	case "open":
		return Open
	case "done":
		return Done
	case "change":
		return Change
	case "match":
		return Match
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case Open:
		return "open"
	case Done:
		return "done"
	case Change:
		return "change"
	case Match:
		return "match"
	default:
		return "unknown"
	}
}

// Event is one normalized feed message. For MATCH, OrderID is the maker
// order and Quantity is the filled size. For CHANGE, Price and Quantity are
// the order's new values.
type Event struct {
	Kind     Kind
	Product  string
	OrderID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Side     Side
	Sequence uint64
	Time     time.Time
}

// Outcome reports what Apply did with an event. It exists for metrics and
// debug logs; an ignored or stale event is never an error.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota
	OutcomeIgnored
	OutcomeStale
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeStale:
		return "stale"
	default:
		return "unknown"
	}
}
