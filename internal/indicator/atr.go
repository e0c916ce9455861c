package indicator

import "futures-enginev1/internal/model"

// ATR is Wilder's Average True Range. The seed is the mean of the first
// period true ranges.
type ATR struct {
	period    int
	prevClose float64
	hasPrev   bool
	smma      *SMMA
}

// NewATR creates an ATR (typically 14).
func NewATR(period int) *ATR {
	return &ATR{period: period, smma: NewSMMA(period)}
}

func (a *ATR) Name() string { return "ATR" }

func (a *ATR) Update(c model.Candle) float64 {
	tr := trueRange(c, a.prevClose, a.hasPrev)
	a.prevClose, a.hasPrev = c.Close, true
	return a.smma.Add(tr)
}

func (a *ATR) Value() float64 { return a.smma.Value() }
func (a *ATR) Ready() bool    { return a.smma.Ready() }
func (a *ATR) WarmUp() int    { return a.period }

func (a *ATR) clone() *ATR {
	cp := *a
	s := *a.smma
	cp.smma = &s
	return &cp
}
