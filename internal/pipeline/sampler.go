package pipeline

// FrameSampler selects every k-th frame of a session for analysis. The
// first frame is always selected.
type FrameSampler struct {
	skip    int
	counter int
}

func NewFrameSampler(skip int) *FrameSampler {
	if skip < 1 {
		skip = 1
	}
	return &FrameSampler{skip: skip}
}

// Sample advances the counter and reports whether the current frame
// should go through detection.
func (s *FrameSampler) Sample() bool {
	selected := s.counter%s.skip == 0
	s.counter++
	return selected
}

func (s *FrameSampler) Skip() int { return s.skip }
