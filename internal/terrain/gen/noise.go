package gen

import opensimplex "github.com/ojrac/opensimplex-go"

// octaveOffset shifts each octave so lattice points of different octaves
// do not line up at the origin.
const octaveOffset = 31.7

// fractal sums octaves of OpenSimplex noise and normalizes back to [-1, 1].
// opensimplex.Noise only reads its permutation tables, so one instance is
// shared by every generation goroutine.
type fractal struct {
	src opensimplex.Noise
	p   NoiseParams
}

func newFractal(seed int64, p NoiseParams) fractal {
	return fractal{src: opensimplex.New(seed), p: p}
}

func (n fractal) at(x, z float64) float64 {
	sum, amp, norm := 0.0, 1.0, 0.0
	f := n.p.Frequency
	for i := 0; i < n.p.Octaves; i++ {
		o := float64(i) * octaveOffset
		sum += n.src.Eval2(x*f+o, z*f-o) * amp
		norm += amp
		amp *= n.p.Gain
		f *= n.p.Lacunarity
	}
	return sum / norm
}
