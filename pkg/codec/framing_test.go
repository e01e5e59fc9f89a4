package codec

import (
	"encoding/base64"
	"testing"
)

func TestUlawBase64ToPCM24kBase64_FrameSize(t *testing.T) {
	// 20ms of 8kHz µ-law is 160 bytes; after decode+resample it must be
	// exactly 480 PCM16 samples = 960 bytes (§8 invariant 3).
	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = 0xFF
	}
	in := base64.StdEncoding.EncodeToString(ulaw)

	out, err := UlawBase64ToPCM24kBase64(in)
	if err != nil {
		t.Fatalf("UlawBase64ToPCM24kBase64: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(raw) != 960 {
		t.Errorf("len(pcm24k bytes) = %d, want 960", len(raw))
	}
}

func TestPCM24kBase64ToUlawBase64_FrameSize(t *testing.T) {
	pcm := make([]int16, 480)
	raw := base64.StdEncoding.EncodeToString(PCM16ToBytes(pcm))

	out, err := PCM24kBase64ToUlawBase64(raw)
	if err != nil {
		t.Fatalf("PCM24kBase64ToUlawBase64: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(decoded) != 160 {
		t.Errorf("len(ulaw bytes) = %d, want 160", len(decoded))
	}
}

func TestFraming_InvalidBase64(t *testing.T) {
	if _, err := UlawBase64ToPCM24kBase64("not-base64!!"); err == nil {
		t.Error("expected error for invalid base64 input")
	}
}
