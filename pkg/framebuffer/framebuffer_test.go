package framebuffer

import "testing"

func TestDurationBuffer_ReadyAtTarget(t *testing.T) {
	b := NewDurationBuffer(20, 24000) // 480 samples at 20ms/24kHz
	if b.IsReady() {
		t.Fatal("empty buffer reports ready")
	}

	b.Append(make([]int16, 479))
	if b.IsReady() {
		t.Fatal("buffer below target reports ready")
	}

	b.Append(make([]int16, 1))
	if !b.IsReady() {
		t.Fatal("buffer at target does not report ready")
	}

	flushed := b.Flush()
	if len(flushed) != 480 {
		t.Fatalf("len(Flush()) = %d, want 480", len(flushed))
	}
	if b.Len() != 0 {
		t.Fatalf("buffer not cleared after flush, len = %d", b.Len())
	}
}

func TestChunkSplitter_DrainRetainsTail(t *testing.T) {
	s := NewChunkSplitter(160)
	s.Append(make([]int16, 350))

	chunks := s.DrainChunks()
	if len(chunks) != 2 {
		t.Fatalf("len(chunks) = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if len(c) != 160 {
			t.Fatalf("chunk len = %d, want 160", len(c))
		}
	}

	s.Append(make([]int16, 130))
	more := s.DrainChunks()
	if len(more) != 1 {
		t.Fatalf("len(more) = %d, want 1 (30 + 130 = 160)", len(more))
	}
}
