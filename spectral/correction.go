package spectral

// IQCorrection compensates amplitude and phase imbalance between the I and Q
// branches of a quadrature receiver. The Q branch is scaled by 1+gain and
// delayed by phaseShift samples; a negative shift delays I instead.
type IQCorrection struct {
	gain  float64
	shift int
	delay []float64
	pos   int
}

// NewIQCorrection creates a correction stage. Zero gain and zero shift pass
// samples through unchanged.
func NewIQCorrection(gain float64, phaseShift int) *IQCorrection {
	c := &IQCorrection{gain: gain, shift: phaseShift}
	n := phaseShift
	if n < 0 {
		n = -n
	}
	if n > 0 {
		c.delay = make([]float64, n)
	}
	return c
}

// Identity reports whether Apply is a no-op.
func (c *IQCorrection) Identity() bool {
	return c.gain == 0 && c.shift == 0
}

// Apply corrects a single sample.
func (c *IQCorrection) Apply(s complex128) complex128 {
	i, q := real(s), imag(s)*(1+c.gain)
	if c.delay == nil {
		return complex(i, q)
	}

	if c.shift > 0 {
		q, c.delay[c.pos] = c.delay[c.pos], q
	} else {
		i, c.delay[c.pos] = c.delay[c.pos], i
	}
	c.pos++
	if c.pos == len(c.delay) {
		c.pos = 0
	}
	return complex(i, q)
}

// Reset clears the delay line.
func (c *IQCorrection) Reset() {
	for i := range c.delay {
		c.delay[i] = 0
	}
	c.pos = 0
}
