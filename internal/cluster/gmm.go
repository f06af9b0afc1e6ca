package cluster

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/oho/corpustree/internal/mathutil"
)

const (
	gmmMaxIter  = 60
	gmmTol      = 1e-4
	varianceEps = 1e-6
)

// gmm is a Gaussian mixture with diagonal covariances.
type gmm struct {
	k       int
	weights []float64
	means   [][]float64
	vars    [][]float64
}

// fitGMM runs EM from a kmeans++ start and returns the fitted mixture with
// its final log-likelihood. The rng makes the fit reproducible.
func fitGMM(points [][]float64, k int, rng *rand.Rand) (*gmm, float64) {
	n := len(points)
	d := len(points[0])

	m := &gmm{
		k:       k,
		weights: make([]float64, k),
		means:   make([][]float64, k),
		vars:    make([][]float64, k),
	}

	// Seed components from a hard kmeans++ assignment.
	pts32 := make([][]float32, n)
	for i, p := range points {
		row := make([]float32, d)
		for j, x := range p {
			row[j] = float32(x)
		}
		pts32[i] = row
	}
	assignments, _ := mathutil.KMeans(pts32, k, 10, rng)

	counts := make([]int, k)
	for c := 0; c < k; c++ {
		m.means[c] = make([]float64, d)
		m.vars[c] = make([]float64, d)
	}
	for i, c := range assignments {
		counts[c]++
		for j, x := range points[i] {
			m.means[c][j] += x
		}
	}
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			// Empty start component: park it on a point picked by the rng.
			copy(m.means[c], points[rng.Intn(n)])
			counts[c] = 1
		} else {
			for j := range m.means[c] {
				m.means[c][j] /= float64(counts[c])
			}
		}
		m.weights[c] = float64(counts[c]) / float64(n)
	}
	for i, c := range assignments {
		for j, x := range points[i] {
			diff := x - m.means[c][j]
			m.vars[c][j] += diff * diff
		}
	}
	for c := 0; c < k; c++ {
		for j := range m.vars[c] {
			m.vars[c][j] = m.vars[c][j]/float64(counts[c]) + varianceEps
		}
	}

	// EM iterations.
	logResp := make([][]float64, n)
	for i := range logResp {
		logResp[i] = make([]float64, k)
	}
	prevLL := math.Inf(-1)
	var ll float64
	for iter := 0; iter < gmmMaxIter; iter++ {
		// E-step.
		ll = 0
		for i, p := range points {
			for c := 0; c < k; c++ {
				logResp[i][c] = math.Log(m.weights[c]) + m.logGaussian(p, c)
			}
			norm := floats.LogSumExp(logResp[i])
			ll += norm
			for c := 0; c < k; c++ {
				logResp[i][c] -= norm
			}
		}

		// M-step.
		for c := 0; c < k; c++ {
			var respSum float64
			mean := make([]float64, d)
			for i, p := range points {
				r := math.Exp(logResp[i][c])
				respSum += r
				for j, x := range p {
					mean[j] += r * x
				}
			}
			if respSum < 1e-10 {
				respSum = 1e-10
			}
			for j := range mean {
				mean[j] /= respSum
			}
			variance := make([]float64, d)
			for i, p := range points {
				r := math.Exp(logResp[i][c])
				for j, x := range p {
					diff := x - mean[j]
					variance[j] += r * diff * diff
				}
			}
			for j := range variance {
				variance[j] = variance[j]/respSum + varianceEps
			}
			m.weights[c] = respSum / float64(n)
			m.means[c] = mean
			m.vars[c] = variance
		}

		if math.Abs(ll-prevLL) < gmmTol {
			break
		}
		prevLL = ll
	}
	return m, ll
}

func (m *gmm) logGaussian(p []float64, c int) float64 {
	var sum float64
	for j, x := range p {
		diff := x - m.means[c][j]
		sum += diff*diff/m.vars[c][j] + math.Log(2*math.Pi*m.vars[c][j])
	}
	return -0.5 * sum
}

// responsibilities returns per-point membership probabilities.
func (m *gmm) responsibilities(points [][]float64) [][]float64 {
	resp := make([][]float64, len(points))
	logs := make([]float64, m.k)
	for i, p := range points {
		for c := 0; c < m.k; c++ {
			logs[c] = math.Log(m.weights[c]) + m.logGaussian(p, c)
		}
		norm := floats.LogSumExp(logs)
		row := make([]float64, m.k)
		for c := 0; c < m.k; c++ {
			row[c] = math.Exp(logs[c] - norm)
		}
		resp[i] = row
	}
	return resp
}

// bic scores a fitted mixture; lower is better. Free parameters per
// component: d means + d variances, plus k-1 mixing weights.
func bic(ll float64, k, n, d int) float64 {
	params := float64(k*2*d + (k - 1))
	return -2*ll + params*math.Log(float64(n))
}
