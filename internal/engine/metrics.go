package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"l3book/internal/book"
)

// Metrics are registered on their own registry so several engines (or
// tests) can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	events     *prometheus.CounterVec
	drops      *prometheus.CounterVec
	sinkErrors *prometheus.CounterVec
	orders     *prometheus.GaugeVec
	levels     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l3book_events_total",
			Help: "Feed events seen by the book, by kind and outcome.",
		}, []string{"product", "kind", "outcome"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l3book_decode_failures_total",
			Help: "Feed frames that did not decode into a book event.",
		}, []string{"reason"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "l3book_sink_errors_total",
			Help: "Top-of-book snapshots a sink failed to publish.",
		}, []string{"sink"}),
		orders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l3book_resting_orders",
			Help: "Orders currently resting on the book.",
		}, []string{"product"}),
		levels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "l3book_price_levels",
			Help: "Price levels indexed per side, drained levels included.",
		}, []string{"product", "side"}),
	}
	m.reg.MustRegister(m.events, m.drops, m.sinkErrors, m.orders, m.levels)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Drop counts a frame the decoder rejected.
func (m *Metrics) Drop(reason string) { m.drops.WithLabelValues(reason).Inc() }

func (m *Metrics) SinkError(sink string) { m.sinkErrors.WithLabelValues(sink).Inc() }

func (m *Metrics) observe(b *book.Book, kind book.Kind, out book.Outcome) {
	p := b.Product()
	m.events.WithLabelValues(p, kind.String(), out.String()).Inc()
	m.orders.WithLabelValues(p).Set(float64(b.Len()))
	m.levels.WithLabelValues(p, "ask").Set(float64(b.Levels(book.Sell)))
	m.levels.WithLabelValues(p, "bid").Set(float64(b.Levels(book.Buy)))
}
