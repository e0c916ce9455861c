package indicator

import "futures-enginev1/internal/model"

// ADX is Wilder's Average Directional Index with its +DI/−DI lines.
// DM and TR are Wilder-summed; ADX is the Wilder average of DX.
type ADX struct {
	period    int
	hasPrev   bool
	prevHigh  float64
	prevLow   float64
	prevClose float64
	n         int // DM/TR samples seen
	trSum     float64
	plusSum   float64
	minusSum  float64
	plusDI    float64
	minusDI   float64
	dx        *SMMA
	clamped   bool
}

// NewADX creates an ADX (typically 14).
func NewADX(period int) *ADX {
	return &ADX{period: period, dx: NewSMMA(period)}
}

func (a *ADX) Name() string { return "ADX" }

func (a *ADX) Update(c model.Candle) float64 {
	a.clamped = false
	if !a.hasPrev {
		a.prevHigh, a.prevLow, a.prevClose, a.hasPrev = c.High, c.Low, c.Close, true
		return 0
	}

	up := c.High - a.prevHigh
	down := a.prevLow - c.Low
	plusDM, minusDM := 0.0, 0.0
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	tr := trueRange(c, a.prevClose, true)
	a.prevHigh, a.prevLow, a.prevClose = c.High, c.Low, c.Close

	a.n++
	p := float64(a.period)
	if a.n <= a.period {
		a.trSum += tr
		a.plusSum += plusDM
		a.minusSum += minusDM
		if a.n < a.period {
			return 0
		}
	} else {
		a.trSum = a.trSum - a.trSum/p + tr
		a.plusSum = a.plusSum - a.plusSum/p + plusDM
		a.minusSum = a.minusSum - a.minusSum/p + minusDM
	}

	if a.trSum <= 0 {
		a.clamped = true
		a.plusDI, a.minusDI = 0, 0
	} else {
		a.plusDI = 100 * a.plusSum / a.trSum
		a.minusDI = 100 * a.minusSum / a.trSum
	}

	dx := 0.0
	if sum := a.plusDI + a.minusDI; sum <= 0 {
		a.clamped = true
	} else {
		dx = 100 * abs(a.plusDI-a.minusDI) / sum
	}
	return a.dx.Add(dx)
}

func (a *ADX) Value() float64 { return a.dx.Value() }
func (a *ADX) Ready() bool    { return a.dx.Ready() }
func (a *ADX) WarmUp() int    { return 2 * a.period }
func (a *ADX) Clamped() bool  { return a.clamped }

// DI returns the +DI and −DI lines.
func (a *ADX) DI() (plus, minus float64) { return a.plusDI, a.minusDI }

func (a *ADX) clone() *ADX {
	cp := *a
	d := *a.dx
	cp.dx = &d
	return &cp
}
