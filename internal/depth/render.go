package depth

import (
	"bufio"
	"io"
)

const spreadRule = "-----------------------------"

// Render writes the stacked console view:
//
//	Best Asks
//	0.50000 @ 200.30
//	0.25000 @ 200.20
//	-----------------------------
//	1.00000 @ 200.10
//	Best Bids
func (s Snapshot) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	bw.WriteString("Best Asks\n")
	for _, q := range s.Asks {
		writeQuote(bw, q)
	}
	bw.WriteString(spreadRule + "\n")
	for _, q := range s.Bids {
		writeQuote(bw, q)
	}
	bw.WriteString("Best Bids\n\n")
	return bw.Flush()
}

func writeQuote(bw *bufio.Writer, q Quote) {
	bw.WriteString(q.Quantity.StringFixed(5))
	bw.WriteString(" @ ")
	bw.WriteString(q.Price.StringFixed(2))
	bw.WriteByte('\n')
}
