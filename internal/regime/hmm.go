package regime

import (
	"context"
	"fmt"
	"math"
	"sort"

	"futures-enginev1/internal/model"
)

const (
	varianceFloor = 1e-4
	scaleFloor    = 1e-8
	probFloor     = 1e-6
)

// GaussianHMM is a hidden Markov model with diagonal-covariance Gaussian
// emissions. Observations are standardised with the training mean/std.
// A fitted model is immutable; retraining builds a new one.
type GaussianHMM struct {
	N      int
	Pi     []float64
	A      [][]float64
	Means  [][]float64
	Vars   [][]float64
	Labels []model.Regime // regime per hidden state

	Center [NumFeatures]float64
	Scale  [NumFeatures]float64

	LogLikelihood float64
	Iterations    int
}

// FitConfig bounds Baum-Welch.
type FitConfig struct {
	States  int
	MaxIter int
	Tol     float64
}

// Fit trains a model on obs. Failures wrap model.ErrModelTraining.
func Fit(ctx context.Context, obs []Observation, cfg FitConfig) (*GaussianHMM, error) {
	n := cfg.States
	if n <= 0 {
		n = 3
	}
	if len(obs) < 10*n {
		return nil, fmt.Errorf("%w: %d observations, need %d", model.ErrModelTraining, len(obs), 10*n)
	}
	if cfg.MaxIter <= 0 {
		cfg.MaxIter = 50
	}

	m := &GaussianHMM{N: n}
	m.fitScaler(obs)
	x := make([][]float64, len(obs))
	for t, o := range obs {
		x[t] = m.standardise(o)
	}
	m.initParams(x)

	prev := math.Inf(-1)
	for it := 0; it < cfg.MaxIter; it++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", model.ErrModelTraining, err)
		}
		ll, err := m.step(x)
		if err != nil {
			return nil, err
		}
		m.LogLikelihood = ll
		m.Iterations = it + 1
		if math.Abs(ll-prev) < cfg.Tol {
			break
		}
		prev = ll
	}
	m.label()
	return m, nil
}

func (m *GaussianHMM) fitScaler(obs []Observation) {
	for d := 0; d < NumFeatures; d++ {
		sum := 0.0
		for _, o := range obs {
			sum += o[d]
		}
		mean := sum / float64(len(obs))
		ss := 0.0
		for _, o := range obs {
			diff := o[d] - mean
			ss += diff * diff
		}
		std := math.Sqrt(ss / float64(len(obs)))
		if std < scaleFloor {
			std = 1
		}
		m.Center[d], m.Scale[d] = mean, std
	}
}

func (m *GaussianHMM) standardise(o Observation) []float64 {
	v := make([]float64, NumFeatures)
	for d := range v {
		v[d] = (o[d] - m.Center[d]) / m.Scale[d]
	}
	return v
}

// initParams seeds states from volatility quantiles.
func (m *GaussianHMM) initParams(x [][]float64) {
	n := m.N
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return x[order[a]][FeatVolatility] < x[order[b]][FeatVolatility] })

	m.Pi = make([]float64, n)
	m.A = make([][]float64, n)
	m.Means = make([][]float64, n)
	m.Vars = make([][]float64, n)
	chunk := len(x) / n
	for s := 0; s < n; s++ {
		m.Pi[s] = 1 / float64(n)
		m.A[s] = make([]float64, n)
		for j := range m.A[s] {
			if j == s {
				m.A[s][j] = 0.9
			} else {
				m.A[s][j] = 0.1 / float64(n-1)
			}
		}
		lo, hi := s*chunk, (s+1)*chunk
		if s == n-1 {
			hi = len(x)
		}
		m.Means[s] = make([]float64, NumFeatures)
		m.Vars[s] = make([]float64, NumFeatures)
		for d := 0; d < NumFeatures; d++ {
			sum := 0.0
			for _, i := range order[lo:hi] {
				sum += x[i][d]
			}
			mean := sum / float64(hi-lo)
			ss := 0.0
			for _, i := range order[lo:hi] {
				diff := x[i][d] - mean
				ss += diff * diff
			}
			m.Means[s][d] = mean
			m.Vars[s][d] = math.Max(ss/float64(hi-lo), varianceFloor)
		}
	}
}

func (m *GaussianHMM) logEmission(s int, v []float64) float64 {
	lp := 0.0
	for d, xv := range v {
		diff := xv - m.Means[s][d]
		lp -= 0.5 * (math.Log(2*math.Pi*m.Vars[s][d]) + diff*diff/m.Vars[s][d])
	}
	return lp
}

// emissions returns per-time emission probabilities rescaled by their max,
// plus the log of each scale.
func (m *GaussianHMM) emissions(x [][]float64) ([][]float64, []float64) {
	b := make([][]float64, len(x))
	shift := make([]float64, len(x))
	for t, v := range x {
		b[t] = make([]float64, m.N)
		mx := math.Inf(-1)
		for s := 0; s < m.N; s++ {
			b[t][s] = m.logEmission(s, v)
			if b[t][s] > mx {
				mx = b[t][s]
			}
		}
		for s := range b[t] {
			b[t][s] = math.Exp(b[t][s] - mx)
		}
		shift[t] = mx
	}
	return b, shift
}

// forward runs the scaled forward pass from prior. alpha rows are normalised.
func (m *GaussianHMM) forward(b [][]float64, prior []float64) (alpha [][]float64, c []float64, err error) {
	T, n := len(b), m.N
	alpha = make([][]float64, T)
	c = make([]float64, T)
	for t := 0; t < T; t++ {
		alpha[t] = make([]float64, n)
		for j := 0; j < n; j++ {
			if t == 0 {
				alpha[t][j] = prior[j] * b[t][j]
				continue
			}
			acc := 0.0
			for i := 0; i < n; i++ {
				acc += alpha[t-1][i] * m.A[i][j]
			}
			alpha[t][j] = acc * b[t][j]
		}
		sum := 0.0
		for _, v := range alpha[t] {
			sum += v
		}
		if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
			return nil, nil, fmt.Errorf("%w: degenerate forward pass at t=%d", model.ErrModelTraining, t)
		}
		for j := range alpha[t] {
			alpha[t][j] /= sum
		}
		c[t] = sum
	}
	return alpha, c, nil
}

// step performs one Baum-Welch iteration and returns the log-likelihood
// of the parameters it started from.
func (m *GaussianHMM) step(x [][]float64) (float64, error) {
	T, n := len(x), m.N
	b, shift := m.emissions(x)
	alpha, c, err := m.forward(b, m.Pi)
	if err != nil {
		return 0, err
	}
	ll := 0.0
	for t := 0; t < T; t++ {
		ll += math.Log(c[t]) + shift[t]
	}
	if math.IsNaN(ll) || math.IsInf(ll, 0) {
		return 0, fmt.Errorf("%w: log-likelihood not finite", model.ErrModelTraining)
	}

	beta := make([][]float64, T)
	beta[T-1] = make([]float64, n)
	for i := range beta[T-1] {
		beta[T-1][i] = 1
	}
	for t := T - 2; t >= 0; t-- {
		beta[t] = make([]float64, n)
		for i := 0; i < n; i++ {
			acc := 0.0
			for j := 0; j < n; j++ {
				acc += m.A[i][j] * b[t+1][j] * beta[t+1][j]
			}
			beta[t][i] = acc / c[t+1]
		}
	}

	gammaSum := make([]float64, n)     // over all t
	gammaSumHead := make([]float64, n) // over t < T-1
	xiSum := make([][]float64, n)
	for i := range xiSum {
		xiSum[i] = make([]float64, n)
	}
	meanAcc := make([][]float64, n)
	for i := range meanAcc {
		meanAcc[i] = make([]float64, NumFeatures)
	}
	gamma := make([][]float64, T)

	for t := 0; t < T; t++ {
		gamma[t] = make([]float64, n)
		norm := 0.0
		for i := 0; i < n; i++ {
			gamma[t][i] = alpha[t][i] * beta[t][i]
			norm += gamma[t][i]
		}
		if norm <= 0 {
			return 0, fmt.Errorf("%w: zero posterior at t=%d", model.ErrModelTraining, t)
		}
		for i := 0; i < n; i++ {
			gamma[t][i] /= norm
			gammaSum[i] += gamma[t][i]
			if t < T-1 {
				gammaSumHead[i] += gamma[t][i]
			}
			for d := 0; d < NumFeatures; d++ {
				meanAcc[i][d] += gamma[t][i] * x[t][d]
			}
		}
		if t < T-1 {
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					xiSum[i][j] += alpha[t][i] * m.A[i][j] * b[t+1][j] * beta[t+1][j] / c[t+1]
				}
			}
		}
	}

	// M-step. States that received no mass keep their previous parameters.
	copy(m.Pi, gamma[0])
	for i := 0; i < n; i++ {
		if gammaSumHead[i] > scaleFloor {
			rowSum := 0.0
			for j := 0; j < n; j++ {
				rowSum += xiSum[i][j]
			}
			if rowSum > 0 {
				for j := 0; j < n; j++ {
					m.A[i][j] = xiSum[i][j] / rowSum
				}
			}
		}
		if gammaSum[i] <= scaleFloor {
			continue
		}
		for d := 0; d < NumFeatures; d++ {
			m.Means[i][d] = meanAcc[i][d] / gammaSum[i]
		}
		for d := 0; d < NumFeatures; d++ {
			ss := 0.0
			for t := 0; t < T; t++ {
				diff := x[t][d] - m.Means[i][d]
				ss += gamma[t][i] * diff * diff
			}
			m.Vars[i][d] = math.Max(ss/gammaSum[i], varianceFloor)
		}
	}
	floorRow(m.Pi)
	for i := range m.A {
		floorRow(m.A[i])
	}
	return ll, nil
}

// floorRow keeps every probability strictly positive so no transition or
// start state becomes unreachable.
func floorRow(row []float64) {
	sum := 0.0
	for j := range row {
		if row[j] < probFloor {
			row[j] = probFloor
		}
		sum += row[j]
	}
	for j := range row {
		row[j] /= sum
	}
}

// label maps hidden states to regimes: lowest mean trend strength is
// RANGING; of the rest, the higher mean volatility is TRENDING_HIGH_VOL.
func (m *GaussianHMM) label() {
	m.Labels = make([]model.Regime, m.N)
	states := make([]int, m.N)
	for i := range states {
		states[i] = i
	}
	sort.SliceStable(states, func(a, b int) bool {
		return m.Means[states[a]][FeatTrend] < m.Means[states[b]][FeatTrend]
	})
	m.Labels[states[0]] = model.RegimeRanging
	rest := states[1:]
	sort.SliceStable(rest, func(a, b int) bool {
		return m.Means[rest[a]][FeatVolatility] < m.Means[rest[b]][FeatVolatility]
	})
	for k, s := range rest {
		if k == len(rest)-1 {
			m.Labels[s] = model.RegimeTrendingHighVol
		} else {
			m.Labels[s] = model.RegimeTrendingLowVol
		}
	}
}

// Posterior returns the filtered regime probabilities after the last
// observation, ordered as model.Regimes.
func (m *GaussianHMM) Posterior(obs []Observation) ([3]float64, error) {
	var out [3]float64
	if len(obs) == 0 {
		return out, fmt.Errorf("%w: no observations", model.ErrModelTraining)
	}
	x := make([][]float64, len(obs))
	for t, o := range obs {
		x[t] = m.standardise(o)
	}
	// The window starts mid-stream, so filter from a uniform prior.
	uniform := make([]float64, m.N)
	for i := range uniform {
		uniform[i] = 1 / float64(m.N)
	}
	b, _ := m.emissions(x)
	alpha, _, err := m.forward(b, uniform)
	if err != nil {
		return out, err
	}
	last := alpha[len(alpha)-1]
	for s, p := range last {
		out[regimeIndex(m.Labels[s])] += p
	}
	return out, nil
}

func regimeIndex(r model.Regime) int {
	for i, v := range model.Regimes {
		if v == r {
			return i
		}
	}
	return 2
}
