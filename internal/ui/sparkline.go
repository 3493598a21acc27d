package ui

import "strings"

// Sparkline renders recent samples as a row of Unicode block characters.
type Sparkline struct {
	samples []float64 // ring buffer
	head    int
	count   int
	max     float64
}

// SparklineChars are the eight bar heights, lowest first.
var SparklineChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// NewSparkline creates a sparkline keeping the last capacity samples.
func NewSparkline(capacity int) *Sparkline {
	if capacity <= 0 {
		capacity = 60
	}
	return &Sparkline{samples: make([]float64, capacity)}
}

// Add appends a sample, evicting the oldest once full.
func (s *Sparkline) Add(value float64) {
	s.samples[s.head] = value
	s.head = (s.head + 1) % len(s.samples)
	s.count++
	if value > s.max {
		s.max = value
	}
	// The max drifts down once large samples scroll out.
	if s.count%len(s.samples) == 0 {
		s.max = 0
		for _, v := range s.samples {
			s.max = max(s.max, v)
		}
	}
}

// Render draws every retained sample.
func (s *Sparkline) Render() string {
	return s.RenderWithWidth(len(s.samples))
}

// RenderWithWidth draws the newest width samples, padding with spaces
// while fewer have been seen.
func (s *Sparkline) RenderWithWidth(width int) string {
	if width <= 0 || width > len(s.samples) {
		width = len(s.samples)
	}
	if s.count == 0 {
		return strings.Repeat(string(SparklineChars[0]), width)
	}

	recent := s.recent(width)
	var sb strings.Builder
	sb.Grow(width * 3)
	for _, v := range recent {
		sb.WriteRune(s.bar(v))
	}
	for i := len(recent); i < width; i++ {
		sb.WriteRune(' ')
	}
	return sb.String()
}

// recent returns up to n samples, oldest first.
func (s *Sparkline) recent(n int) []float64 {
	have := min(s.count, len(s.samples))
	n = min(n, have)
	out := make([]float64, 0, n)
	for i := have - n; i < have; i++ {
		// index of the i-th oldest retained sample
		idx := (s.head - have + i + 2*len(s.samples)) % len(s.samples)
		out = append(out, s.samples[idx])
	}
	return out
}

func (s *Sparkline) bar(v float64) rune {
	if s.max <= 0 || v <= 0 {
		return SparklineChars[0]
	}
	i := int(v / s.max * float64(len(SparklineChars)-1))
	return SparklineChars[min(max(i, 0), len(SparklineChars)-1)]
}

// Clear resets the sparkline.
func (s *Sparkline) Clear() {
	clear(s.samples)
	s.head, s.count, s.max = 0, 0, 0
}

// Count returns the number of samples added.
func (s *Sparkline) Count() int {
	return s.count
}

// Max returns the current maximum value.
func (s *Sparkline) Max() float64 {
	return s.max
}
