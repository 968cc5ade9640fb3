package audio

import (
	"bytes"
	"testing"
)

func TestSwapBytes16(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04}
	SwapBytes16(buf)
	if !bytes.Equal(buf, []byte{0x02, 0x01, 0x04, 0x03}) {
		t.Errorf("unexpected swap result: %v", buf)
	}
}

func TestSwapBytes16_RoundTrip(t *testing.T) {
	orig := make([]byte, 320)
	for i := range orig {
		orig[i] = byte(i % 256)
	}
	buf := append([]byte(nil), orig...)
	SwapBytes16(SwapBytes16(buf))
	if !bytes.Equal(buf, orig) {
		t.Error("swap-then-swap did not restore original payload")
	}
}

func TestSwapBytes16_OddLength(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03}
	SwapBytes16(buf)
	if !bytes.Equal(buf, []byte{0x02, 0x01, 0x03}) {
		t.Errorf("trailing odd byte must be untouched, got %v", buf)
	}
}

func TestSwapBytes16_Empty(t *testing.T) {
	if got := SwapBytes16(nil); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}
}

func TestStripWAVHeader(t *testing.T) {
	payload := make([]byte, WAVHeaderSize+10)
	for i := range payload {
		payload[i] = byte(i)
	}

	got := StripWAVHeader(payload)
	if len(got) != 10 {
		t.Fatalf("expected 10 bytes after strip, got %d", len(got))
	}
	if got[0] != byte(WAVHeaderSize) {
		t.Errorf("expected first payload byte %d, got %d", WAVHeaderSize, got[0])
	}
}

func TestStripWAVHeader_TooShort(t *testing.T) {
	if got := StripWAVHeader(make([]byte, 20)); len(got) != 0 {
		t.Errorf("short payload should strip to empty, got %d bytes", len(got))
	}
	if got := StripWAVHeader(make([]byte, WAVHeaderSize)); len(got) != 0 {
		t.Errorf("header-only payload should strip to empty, got %d bytes", len(got))
	}
}

func TestFrameCount(t *testing.T) {
	cases := []struct {
		name       string
		payloadLen int
		frameBytes int
		want       int
	}{
		{"exact multiple", 3200, 320, 10},
		{"remainder", 3210, 320, 11},
		{"single short frame", 60, 320, 1},
		{"empty payload", 0, 320, 0},
		{"zero frame size", 3200, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FrameCount(tc.payloadLen, tc.frameBytes); got != tc.want {
				t.Errorf("FrameCount(%d, %d) = %d, want %d", tc.payloadLen, tc.frameBytes, got, tc.want)
			}
		})
	}
}
