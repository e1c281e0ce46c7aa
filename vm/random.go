package vm

// Random is the linear congruential generator behind the random natives.
// A given seed always produces the same sequence.
type Random struct {
	state uint64
}

// NewRandom returns a generator seeded with seed.
func NewRandom(seed uint64) *Random {
	return &Random{state: seed}
}

// Seed resets the generator.
func (r *Random) Seed(seed uint64) {
	r.state = seed
}

// State returns the current seed.
func (r *Random) State() uint64 {
	return r.state
}

// Next advances the generator and returns 32 bits of output.
func (r *Random) Next() uint64 {
	r.state = r.state*1103515245 + 12345
	return ((r.state & 0xFFFF) << 16) | ((r.state >> 16) & 0xFFFF)
}

// IntN returns a value in [0, n). n must be positive.
func (r *Random) IntN(n int64) int64 {
	return int64(r.Next() % uint64(n))
}

// Float returns a value in [0, 1).
func (r *Random) Float() float64 {
	return float64(r.Next()) / (1 << 32)
}
