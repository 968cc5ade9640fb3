// Package audio provides audio processing utilities.
//
// pcm.go implements the wire-format normalization needed when relaying
// linear PCM between Asterisk external-media channels and a speech
// backend:
//
//   - 16-bit sample byte-order swapping (Asterisk slin16 is big endian,
//     most speech backends produce/consume little endian)
//   - WAV container header stripping for backend response audio
//   - frame math for splitting response audio into RTP-sized chunks

package audio

// WAVHeaderSize is the size of the canonical RIFF/WAVE header that
// Dialogflow prepends to LINEAR16 output audio.
const WAVHeaderSize = 44

// FrameDurationMs is the wall-clock spacing between paced RTP frames.
const FrameDurationMs = 20

// SwapBytes16 swaps the byte order of every 16-bit sample in buf, in
// place, and returns buf. A trailing odd byte is left untouched.
func SwapBytes16(buf []byte) []byte {
	n := len(buf) &^ 1
	for i := 0; i < n; i += 2 {
		buf[i], buf[i+1] = buf[i+1], buf[i]
	}
	return buf
}

// StripWAVHeader drops the WAV container header from a response audio
// payload. Payloads shorter than the header are returned empty rather
// than sliced out of range.
func StripWAVHeader(buf []byte) []byte {
	if len(buf) <= WAVHeaderSize {
		return buf[:0]
	}
	return buf[WAVHeaderSize:]
}

// FrameCount returns how many frames of frameBytes are needed to carry
// payloadLen bytes. The last frame carries the remainder when payloadLen
// is not an exact multiple.
func FrameCount(payloadLen, frameBytes int) int {
	if payloadLen <= 0 || frameBytes <= 0 {
		return 0
	}
	return (payloadLen + frameBytes - 1) / frameBytes
}
