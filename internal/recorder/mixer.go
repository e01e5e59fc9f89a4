package recorder

import (
	"encoding/binary"
	"sync"
)

// MixingRecorder buffers caller and assistant PCM16 samples at a common
// sample rate and writes their per-sample sum, clipped to the int16 range,
// to a single mono WAV track (§4.8): the recording is what a listener on
// the line would have heard, not two separate channels.
type MixingRecorder struct {
	mu        sync.Mutex
	rec       *Recorder
	caller    []int16
	assistant []int16
}

// NewMixingRecorder wraps an already-open Recorder with the mixing buffers.
func NewMixingRecorder(rec *Recorder) *MixingRecorder {
	return &MixingRecorder{rec: rec}
}

// AppendCaller buffers a chunk of the caller's PCM16 samples.
func (m *MixingRecorder) AppendCaller(pcm []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caller = append(m.caller, pcm...)
	return m.drainLocked()
}

// AppendAssistant buffers a chunk of the assistant's PCM16 samples.
func (m *MixingRecorder) AppendAssistant(pcm []int16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assistant = append(m.assistant, pcm...)
	return m.drainLocked()
}

// drainLocked writes out every sample both sides currently have buffered,
// summed and clipped. It never blocks waiting on the slower side, so one
// track falling silent does not grow the other's buffer without bound.
func (m *MixingRecorder) drainLocked() error {
	n := len(m.caller)
	if len(m.assistant) < n {
		n = len(m.assistant)
	}
	if n == 0 {
		return nil
	}

	out := mix(m.caller[:n], m.assistant[:n])
	m.caller = m.caller[n:]
	m.assistant = m.assistant[n:]
	return m.rec.Append(out)
}

// Finalize flushes any leftover unmatched samples (silence-padded on the
// shorter side) and finalizes the underlying WAV file. Safe to call once.
func (m *MixingRecorder) Finalize() error {
	m.mu.Lock()
	n := len(m.caller)
	if len(m.assistant) > n {
		n = len(m.assistant)
	}
	if n > 0 {
		out := mix(padTo(m.caller, n), padTo(m.assistant, n))
		m.caller = nil
		m.assistant = nil
		m.mu.Unlock()
		if err := m.rec.Append(out); err != nil {
			return err
		}
	} else {
		m.mu.Unlock()
	}
	return m.rec.Finalize()
}

func padTo(pcm []int16, n int) []int16 {
	if len(pcm) >= n {
		return pcm
	}
	out := make([]int16, n)
	copy(out, pcm)
	return out
}

func mix(a, b []int16) []byte {
	out := make([]byte, len(a)*2)
	for i := range a {
		sum := int32(a[i]) + int32(b[i])
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum)))
	}
	return out
}
