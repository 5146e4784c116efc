// Package voice implements the realtime audio pipeline: PCM format math,
// uplink framing, downlink playback scheduling, and the stream state
// machine shared by the terminal client and the gateway's live bridge.
package voice

import "time"

// Format specifies raw PCM audio parameters.
type Format struct {
	// SampleRate in Hz. The pipeline uses 16000 uplink, 24000 downlink.
	SampleRate int `json:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample"`
}

// CaptureFormat is the uplink microphone format: 16 kHz mono 16-bit PCM.
func CaptureFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// PlaybackFormat is the downlink speaker format: 24 kHz mono 16-bit PCM.
func PlaybackFormat() Format {
	return Format{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// BytesPerSample returns the size of one sample across all channels.
func (f Format) BytesPerSample() int {
	return f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the playback duration of the given byte count.
func (f Format) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (f Format) DurationMs(bytes int) int {
	return int(f.Duration(bytes) / time.Millisecond)
}

// BytesForDuration returns the byte count for the given duration, aligned
// down to a whole sample.
func (f Format) BytesForDuration(d time.Duration) int {
	n := int(time.Duration(f.BytesPerSecond()) * d / time.Second)
	if step := f.BytesPerSample(); step > 0 {
		n -= n % step
	}
	return n
}

// FrameSamples is the uplink frame size in samples. At 16 kHz this is
// 256 ms of audio per frame, 8192 bytes at 16-bit mono.
const FrameSamples = 4096

// Framer accumulates raw capture bytes and cuts fixed-size uplink frames.
// Partial frames are held until enough bytes arrive; Flush drains whatever
// remains at end of capture.
type Framer struct {
	format    Format
	frameSize int
	buf       []byte
}

// NewFramer returns a Framer cutting frames of the given sample count in
// the given format.
func NewFramer(format Format, samples int) *Framer {
	if samples <= 0 {
		samples = FrameSamples
	}
	return &Framer{
		format:    format,
		frameSize: samples * format.BytesPerSample(),
	}
}

// FrameBytes returns the size in bytes of a full frame.
func (fr *Framer) FrameBytes() int { return fr.frameSize }

// Push appends captured bytes and returns zero or more complete frames.
// Returned slices are copies; callers may retain them.
func (fr *Framer) Push(p []byte) [][]byte {
	fr.buf = append(fr.buf, p...)
	var frames [][]byte
	for len(fr.buf) >= fr.frameSize {
		frame := make([]byte, fr.frameSize)
		copy(frame, fr.buf[:fr.frameSize])
		frames = append(frames, frame)
		fr.buf = fr.buf[fr.frameSize:]
	}
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return frames
}

// Flush returns the buffered partial frame, if any, and resets the framer.
// The returned slice is aligned down to a whole sample.
func (fr *Framer) Flush() []byte {
	if len(fr.buf) == 0 {
		return nil
	}
	n := len(fr.buf)
	if step := fr.format.BytesPerSample(); step > 0 {
		n -= n % step
	}
	if n == 0 {
		fr.buf = nil
		return nil
	}
	out := make([]byte, n)
	copy(out, fr.buf[:n])
	fr.buf = nil
	return out
}

// Buffered returns the number of bytes held back waiting for a full frame.
func (fr *Framer) Buffered() int { return len(fr.buf) }
