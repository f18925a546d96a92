package voiceid

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// cosine returns the cosine similarity between two vectors, 0 on mismatched
// or empty input.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	af := toFloat64(a)
	bf := toFloat64(b)
	na := floats.Norm(af, 2)
	nb := floats.Norm(bf, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(af, bf) / (na * nb)
}

// spread returns the variance and max-min range of sims. Both feed the
// over-merge signal.
func spread(sims []float64) (variance, valueRange float64) {
	if len(sims) == 0 {
		return 0, 0
	}
	variance = stat.Variance(sims, nil)
	valueRange = floats.Max(sims) - floats.Min(sims)
	return variance, valueRange
}

// meanVector averages vectors element-wise. Empty input yields nil.
func meanVector(vecs [][]float32) []float32 {
	if len(vecs) == 0 {
		return nil
	}
	out := make([]float32, len(vecs[0]))
	for _, v := range vecs {
		for i := range out {
			if i < len(v) {
				out[i] += v[i]
			}
		}
	}
	inv := 1.0 / float32(len(vecs))
	for i := range out {
		out[i] *= inv
	}
	return out
}

// normalize scales v to unit L2 norm in place and returns it.
func normalize(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}
	n := floats.Norm(toFloat64(v), 2)
	if n == 0 {
		return v
	}
	inv := float32(1.0 / n)
	for i := range v {
		v[i] *= inv
	}
	return v
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
