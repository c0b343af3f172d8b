package audio

import (
	"bytes"
	"encoding/binary"
	"math"
)

// PCMToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be even
// (two bytes per sample); any trailing odd byte is silently ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// PCMToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame. If channels is 1 this is equivalent to
// PCMToFloat32.
func PCMToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels <= 1 {
		return PCMToFloat32(pcm)
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerChannel)
	for i := range samplesPerChannel {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// DownmixToMono averages interleaved multi-channel 16-bit PCM into a mono
// PCM stream at the same sample rate. If channels is 1 the input is returned
// unchanged.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	samplesPerChannel := len(pcm) / (2 * channels)
	mono := make([]byte, samplesPerChannel*2)
	for i := range samplesPerChannel {
		var sum int32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx : idx+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:i*2+2], uint16(int16(sum/int32(channels))))
	}
	return mono
}

// RMS computes the root-mean-square amplitude of a 16-bit PCM chunk,
// normalised to [0.0, 1.0]. Used for energy-based silence detection.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		sum += sample * sample
	}
	return math.Sqrt(sum / float64(n))
}

// ChunkDurationMS returns the playback duration in milliseconds of a 16-bit
// PCM chunk in the given format. Returns 0 for an invalid format.
func ChunkDurationMS(pcm []byte, format Format) int {
	bytesPerMs := format.SampleRate * format.Channels * 2 / 1000
	if bytesPerMs <= 0 {
		return 0
	}
	return len(pcm) / bytesPerMs
}

// EncodeWAV wraps raw 16-bit little-endian PCM in a minimal RIFF/WAVE header
// so it can be posted to transcription APIs that require a container format.
func EncodeWAV(pcm []byte, format Format) []byte {
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	byteRate := format.SampleRate * channels * 2
	blockAlign := channels * 2

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(16)) // bits per sample
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}
