package pipeline

import (
	"sort"

	"parking-anpr/internal/utils"
)

const (
	DefaultConfirmationThreshold = 3
	DefaultBufferCapacity        = 30
)

type Outcome int

const (
	// OutcomeSuppressed: the text is within the similarity threshold of an
	// already confirmed plate and never reached the buffer.
	OutcomeSuppressed Outcome = iota
	OutcomeBuffered
	OutcomeConfirmed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuppressed:
		return "suppressed"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// ConfirmationEngine votes over the most recent candidate texts of one
// session. It is not safe for concurrent use; a session owns it exclusively.
type ConfirmationEngine struct {
	threshold  int
	similarity int

	ring []string
	head int
	size int

	confirmed map[string]struct{}
}

func NewConfirmationEngine(threshold, capacity, similarity int) *ConfirmationEngine {
	if threshold < 1 {
		threshold = DefaultConfirmationThreshold
	}
	if capacity < 1 {
		capacity = DefaultBufferCapacity
	}
	if similarity < 1 {
		similarity = utils.DefaultSimilarityThreshold
	}
	return &ConfirmationEngine{
		threshold:  threshold,
		similarity: similarity,
		ring:       make([]string, capacity),
		confirmed:  make(map[string]struct{}),
	}
}

// Offer feeds one candidate text and reports what happened to it.
func (e *ConfirmationEngine) Offer(text string) Outcome {
	if e.similarToConfirmed(text) {
		return OutcomeSuppressed
	}

	e.push(text)

	if e.count(text) >= e.threshold && !e.IsConfirmed(text) {
		e.confirmed[text] = struct{}{}
		return OutcomeConfirmed
	}
	return OutcomeBuffered
}

func (e *ConfirmationEngine) IsConfirmed(text string) bool {
	_, ok := e.confirmed[text]
	return ok
}

// Confirmed returns the plates confirmed so far, sorted.
func (e *ConfirmationEngine) Confirmed() []string {
	out := make([]string, 0, len(e.confirmed))
	for p := range e.confirmed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Buffered returns the buffer contents, oldest first.
func (e *ConfirmationEngine) Buffered() []string {
	out := make([]string, 0, e.size)
	for i := 0; i < e.size; i++ {
		out = append(out, e.ring[(e.head+i)%len(e.ring)])
	}
	return out
}

func (e *ConfirmationEngine) similarToConfirmed(text string) bool {
	for p := range e.confirmed {
		if utils.PlatesSimilar(text, p, e.similarity) {
			return true
		}
	}
	return false
}

func (e *ConfirmationEngine) push(text string) {
	capacity := len(e.ring)
	if e.size < capacity {
		e.ring[(e.head+e.size)%capacity] = text
		e.size++
		return
	}
	// full: overwrite the oldest entry
	e.ring[e.head] = text
	e.head = (e.head + 1) % capacity
}

func (e *ConfirmationEngine) count(text string) int {
	n := 0
	for i := 0; i < e.size; i++ {
		if e.ring[(e.head+i)%len(e.ring)] == text {
			n++
		}
	}
	return n
}
