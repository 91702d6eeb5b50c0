package audio

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]byte, 3200) // 100ms @ 16kHz mono
	out, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	if !LooksLikeWAV(out) {
		t.Fatalf("encoded buffer should sniff as WAV")
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != uint32(36+len(pcm)) {
		t.Fatalf("RIFF size = %d, want %d", got, 36+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
	if len(out) != 44+len(pcm) {
		t.Fatalf("total size = %d, want %d", len(out), 44+len(pcm))
	}
}

func TestEncodeWAVRejectsBadFormat(t *testing.T) {
	if _, err := EncodeWAV(nil, 0, 1); err == nil {
		t.Fatalf("zero sample rate should fail")
	}
	if _, err := EncodeWAV(nil, 16000, 3); err == nil {
		t.Fatalf("three channels should fail")
	}
}

func TestLooksLikeWAV(t *testing.T) {
	if LooksLikeWAV([]byte("RIFFxxxx")) {
		t.Fatalf("truncated header should not sniff as WAV")
	}
	if LooksLikeWAV([]byte("random pcm bytes")) {
		t.Fatalf("raw bytes should not sniff as WAV")
	}
}

func TestPCMDuration(t *testing.T) {
	// 16000 samples * 2 bytes = 1 second mono.
	if d := PCMDuration(32000, 16000, 1); d != time.Second {
		t.Fatalf("duration = %v, want 1s", d)
	}
	if d := PCMDuration(32000, 16000, 2); d != 500*time.Millisecond {
		t.Fatalf("stereo duration = %v, want 500ms", d)
	}
	if d := PCMDuration(100, 0, 1); d != 0 {
		t.Fatalf("invalid rate duration = %v, want 0", d)
	}
}
