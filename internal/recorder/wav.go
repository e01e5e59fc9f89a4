// Package recorder implements the optional call recording feature (§4.8):
// mixed PCM16 audio is appended to a WAV file as it arrives, with the
// 44-byte header backfilled once the final length is known.
package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	headerSize    = 44
	bitsPerSample = 16
	channels      = 1
)

// Recorder appends PCM16 samples to a WAV file opened in place, writing a
// placeholder header up front and backfilling the real sizes on Finalize.
// Not safe for concurrent use; the Session is the sole writer.
type Recorder struct {
	file       *os.File
	sampleRate int
	dataSize   uint32
}

// New creates (or truncates) a WAV file at path and writes a placeholder
// header sized for sampleRate, mono, 16-bit PCM.
func New(dir, callID string, sampleRate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create dir: %w", err)
	}

	path := filepath.Join(dir, callID+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create file: %w", err)
	}

	r := &Recorder{file: f, sampleRate: sampleRate}
	if err := r.writeHeader(0); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Append writes raw little-endian PCM16 bytes to the file.
func (r *Recorder) Append(pcm []byte) error {
	n, err := r.file.Write(pcm)
	if err != nil {
		return fmt.Errorf("recorder: write: %w", err)
	}
	r.dataSize += uint32(n)
	return nil
}

// Finalize backfills the RIFF and data chunk sizes now that dataSize is
// known, then closes the file. Safe to call once; a second call is a no-op
// error.
func (r *Recorder) Finalize() error {
	if r.file == nil {
		return fmt.Errorf("recorder: already finalized")
	}
	defer func() {
		r.file.Close()
		r.file = nil
	}()

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("recorder: seek: %w", err)
	}
	return r.writeHeader(r.dataSize)
}

func (r *Recorder) writeHeader(dataSize uint32) error {
	header := make([]byte, headerSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataSize)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)   // PCM
	binary.LittleEndian.PutUint16(header[22:24], channels)
	binary.LittleEndian.PutUint32(header[24:28], uint32(r.sampleRate))

	byteRate := uint32(r.sampleRate * channels * bitsPerSample / 8)
	binary.LittleEndian.PutUint32(header[28:32], byteRate)

	blockAlign := uint16(channels * bitsPerSample / 8)
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataSize)

	if _, err := r.file.Write(header); err != nil {
		return fmt.Errorf("recorder: write header: %w", err)
	}
	return nil
}
