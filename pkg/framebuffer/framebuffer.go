// Package framebuffer accumulates variable-sized audio chunks into
// fixed-size frames. Both buffer types are single-producer-single-consumer;
// the Session is their sole owner and neither type is safe for concurrent
// mutation (§4.2).
package framebuffer

// DurationBuffer accumulates samples until a target duration is reached.
type DurationBuffer struct {
	targetSamples int
	samples       []int16
}

// NewDurationBuffer creates a buffer that becomes ready once it holds
// targetMs worth of samples at sampleRate.
func NewDurationBuffer(targetMs, sampleRate int) *DurationBuffer {
	return &DurationBuffer{
		targetSamples: targetMs * sampleRate / 1000,
	}
}

// Append adds samples to the buffer.
func (b *DurationBuffer) Append(samples []int16) {
	b.samples = append(b.samples, samples...)
}

// IsReady reports whether the buffer holds at least the target duration.
func (b *DurationBuffer) IsReady() bool {
	return len(b.samples) >= b.targetSamples
}

// Flush concatenates and clears the buffer, returning whatever it held.
func (b *DurationBuffer) Flush() []int16 {
	out := b.samples
	b.samples = nil
	return out
}

// Len reports the number of samples currently buffered.
func (b *DurationBuffer) Len() int {
	return len(b.samples)
}

// ChunkSplitter accumulates samples and yields complete fixed-size chunks,
// retaining any incomplete tail.
type ChunkSplitter struct {
	targetSamples int
	pending       []int16
}

// NewChunkSplitter creates a splitter that emits chunks of exactly
// targetSamples length.
func NewChunkSplitter(targetSamples int) *ChunkSplitter {
	return &ChunkSplitter{targetSamples: targetSamples}
}

// Append adds samples to the splitter's pending tail.
func (s *ChunkSplitter) Append(samples []int16) {
	s.pending = append(s.pending, samples...)
}

// DrainChunks yields all complete fixed-size chunks, retaining the
// incomplete remainder for the next Append/DrainChunks cycle.
func (s *ChunkSplitter) DrainChunks() [][]int16 {
	var chunks [][]int16
	for len(s.pending) >= s.targetSamples {
		chunk := make([]int16, s.targetSamples)
		copy(chunk, s.pending[:s.targetSamples])
		chunks = append(chunks, chunk)
		s.pending = s.pending[s.targetSamples:]
	}
	return chunks
}

// Reset clears any pending tail.
func (s *ChunkSplitter) Reset() {
	s.pending = nil
}
