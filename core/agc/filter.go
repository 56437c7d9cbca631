package agc

// smoother moves its value a fixed fraction toward every new raw estimate and
// keeps the last values for inspection.
type smoother struct {
	rate    float64
	value   float64
	history []float64
	index   int
	filled  bool
}

func newSmoother(length int, rate float64) *smoother {
	return &smoother{
		rate:    rate,
		history: make([]float64, length),
	}
}

// Seed sets the filter to the given value without any smoothing.
func (s *smoother) Seed(v float64) {
	s.value = v
	for i := range s.history {
		s.history[i] = v
	}
	s.index = 0
	s.filled = true
}

// Put feeds the raw value into the filter and returns the new filtered value.
func (s *smoother) Put(raw float64) float64 {
	if !s.filled {
		s.Seed(raw)
		return s.value
	}
	s.value += s.rate * (raw - s.value)
	s.history[s.index] = s.value
	s.index = (s.index + 1) % len(s.history)
	return s.value
}

// Value returns the current filtered value.
func (s *smoother) Value() float64 {
	return s.value
}

// History returns the last filtered values, oldest first.
func (s *smoother) History() []float64 {
	result := make([]float64, 0, len(s.history))
	for i := 0; i < len(s.history); i++ {
		result = append(result, s.history[(s.index+i)%len(s.history)])
	}
	return result
}
