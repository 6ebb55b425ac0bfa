package coinbase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"l3book/internal/book"
)

var (
	// ErrUnhandledType marks frames that carry no book change for this
	// reconstruction (received, activate, heartbeat, subscriptions, ...).
	ErrUnhandledType = errors.New("unhandled message type")
	// ErrMissingPrice is a done message without a price; such orders
	// never rested on the book and the frame is dropped.
	ErrMissingPrice = errors.New("done message without price")
	ErrMissingField = errors.New("missing field")
	// ErrSubscribe is returned when the venue answers a subscription with
	// an error frame.
	ErrSubscribe = errors.New("subscription rejected")
)

// wireMessage is the union of the "full" channel fields we read.
type wireMessage struct {
	Type         string  `json:"type"`
	ProductID    string  `json:"product_id"`
	Sequence     *uint64 `json:"sequence"`
	Time         string  `json:"time"`
	OrderID      string  `json:"order_id"`
	MakerOrderID string  `json:"maker_order_id"`
	Side         string  `json:"side"`
	Reason       string  `json:"reason"`

	Price         decimal.NullDecimal `json:"price"`
	NewPrice      decimal.NullDecimal `json:"new_price"`
	RemainingSize decimal.NullDecimal `json:"remaining_size"`
	NewSize       decimal.NullDecimal `json:"new_size"`
	Size          decimal.NullDecimal `json:"size"`

	// error frames
	Message string `json:"message"`
}

// Decode turns one raw feed frame into a book event.
func Decode(raw []byte) (book.Event, error) {
	var m wireMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return book.Event{}, fmt.Errorf("decode frame: %w", err)
	}

	kind := book.ParseKind(m.Type)
	if kind == book.KindUnknown {
		if m.Type == "error" {
			return book.Event{}, fmt.Errorf("%w: %s (%s)", ErrSubscribe, m.Message, m.Reason)
		}
		return book.Event{}, fmt.Errorf("%w: %q", ErrUnhandledType, m.Type)
	}
	if m.Sequence == nil {
		return book.Event{}, fmt.Errorf("%s: %w: sequence", m.Type, ErrMissingField)
	}

	ev := book.Event{
		Kind:     kind,
		Product:  m.ProductID,
		OrderID:  m.OrderID,
		Side:     book.ParseSide(m.Side),
		Sequence: *m.Sequence,
	}
	if m.Time != "" {
		if ts, err := time.Parse(time.RFC3339Nano, m.Time); err == nil {
			ev.Time = ts
		}
	}

	var err error
	switch kind {
	case book.Open:
		ev.Price, err = need(m.Price, "price")
		if err == nil {
			ev.Quantity, err = need(m.RemainingSize, "remaining_size")
		}
	case book.Done:
		if !m.Price.Valid {
			return book.Event{}, ErrMissingPrice
		}
		ev.Price = m.Price.Decimal
		ev.Quantity = m.RemainingSize.Decimal
	case book.Change:
		// self-trade prevention keeps the price and only shrinks the size
		price := m.NewPrice
		if m.Reason == "STP" || !price.Valid {
			price = m.Price
		}
		ev.Price, err = need(price, "new_price")
		if err == nil {
			ev.Quantity, err = need(m.NewSize, "new_size")
		}
	case book.Match:
		ev.OrderID = m.MakerOrderID
		ev.Price, err = need(m.Price, "price")
		if err == nil {
			ev.Quantity, err = need(m.Size, "size")
		}
	}
	if err != nil {
		return book.Event{}, fmt.Errorf("%s: %w", m.Type, err)
	}
	if ev.OrderID == "" {
		return book.Event{}, fmt.Errorf("%s: %w: order id", m.Type, ErrMissingField)
	}
	return ev, nil
}

func need(v decimal.NullDecimal, field string) (decimal.Decimal, error) {
	if !v.Valid {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	return v.Decimal, nil
}

// DropReason is a short metrics label for a Decode error.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingPrice):
		return "done_without_price"
	case errors.Is(err, ErrMissingField):
		return "missing_field"
	case errors.Is(err, ErrSubscribe):
		return "venue_error"
	default:
		return "malformed"
	}
}
