package ensemble

import (
	"math/rand"
)

// Streams hands out the independent random streams of a synthetic study:
// one for parameter draws and one noise stream per producer rank. Runs with
// the same seed and options are bit-for-bit identical, and adding noise never
// shifts the parameter draws.
//
// Thread-safety: NOT thread-safe.
type Streams struct {
	seed   int64
	params *rand.Rand
	noise  map[int]*rand.Rand
}

// NewStreams derives every stream of a study from seed.
func NewStreams(seed int64) *Streams {
	return &Streams{
		seed:   seed,
		params: rand.New(rand.NewSource(seed)),
		noise:  make(map[int]*rand.Rand),
	}
}

// Parameters is the stream of parameter draws, seeded with the study seed.
func (s *Streams) Parameters() *rand.Rand { return s.params }

// Noise is the measurement-noise stream of a producer rank.
func (s *Streams) Noise(producer int) *rand.Rand {
	rng, ok := s.noise[producer]
	if !ok {
		rng = rand.New(rand.NewSource(s.seed ^ int64(mix(uint64(producer)+1))))
		s.noise[producer] = rng
	}
	return rng
}

// mix is the splitmix64 finalizer; it spreads consecutive ranks over
// unrelated seeds.
func mix(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// UniformVector fills a fresh vector of length n with draws from U(lo, hi).
func UniformVector(rng *rand.Rand, n int, lo, hi float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = lo + (hi-lo)*rng.Float64()
	}
	return v
}

// AddNoise perturbs every element of v in place with N(0, sigma²) draws.
func AddNoise(rng *rand.Rand, v []float64, sigma float64) {
	for i := range v {
		v[i] += sigma * rng.NormFloat64()
	}
}
