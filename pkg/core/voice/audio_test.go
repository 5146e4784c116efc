package voice

import (
	"bytes"
	"testing"
	"time"
)

func TestFormatMath(t *testing.T) {
	tests := []struct {
		name           string
		format         Format
		bytesPerSecond int
		bytesPerSample int
	}{
		{"capture 16k mono", CaptureFormat(), 32000, 2},
		{"playback 24k mono", PlaybackFormat(), 48000, 2},
		{"stereo 48k", Format{SampleRate: 48000, Channels: 2, BitsPerSample: 16}, 192000, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.format.BytesPerSecond(); got != tt.bytesPerSecond {
				t.Errorf("BytesPerSecond() = %d, want %d", got, tt.bytesPerSecond)
			}
			if got := tt.format.BytesPerSample(); got != tt.bytesPerSample {
				t.Errorf("BytesPerSample() = %d, want %d", got, tt.bytesPerSample)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	f := PlaybackFormat()
	if got := f.Duration(48000); got != time.Second {
		t.Errorf("Duration(48000) = %v, want 1s", got)
	}
	if got := f.DurationMs(12000); got != 250 {
		t.Errorf("DurationMs(12000) = %d, want 250", got)
	}
	if got := (Format{}).Duration(1000); got != 0 {
		t.Errorf("zero format Duration = %v, want 0", got)
	}
}

func TestFormatBytesForDuration(t *testing.T) {
	f := CaptureFormat()
	if got := f.BytesForDuration(time.Second); got != 32000 {
		t.Errorf("BytesForDuration(1s) = %d, want 32000", got)
	}
	// Durations that land mid-sample align down to a sample boundary.
	got := f.BytesForDuration(time.Millisecond / 32 * 3)
	if got%f.BytesPerSample() != 0 {
		t.Errorf("BytesForDuration returned %d bytes, not sample-aligned", got)
	}
}

func TestFramerCutsFixedFrames(t *testing.T) {
	fr := NewFramer(CaptureFormat(), FrameSamples)
	if got := fr.FrameBytes(); got != 8192 {
		t.Fatalf("FrameBytes() = %d, want 8192", got)
	}

	if frames := fr.Push(make([]byte, 5000)); len(frames) != 0 {
		t.Errorf("partial push produced %d frames, want 0", len(frames))
	}
	if got := fr.Buffered(); got != 5000 {
		t.Errorf("Buffered() = %d, want 5000", got)
	}

	frames := fr.Push(make([]byte, 5000))
	if len(frames) != 1 {
		t.Fatalf("second push produced %d frames, want 1", len(frames))
	}
	if len(frames[0]) != 8192 {
		t.Errorf("frame size = %d, want 8192", len(frames[0]))
	}
	if got := fr.Buffered(); got != 1808 {
		t.Errorf("Buffered() after frame cut = %d, want 1808", got)
	}
}

func TestFramerMultipleFramesPerPush(t *testing.T) {
	fr := NewFramer(CaptureFormat(), FrameSamples)
	frames := fr.Push(make([]byte, 8192*2+100))
	if len(frames) != 2 {
		t.Fatalf("push produced %d frames, want 2", len(frames))
	}
	if got := fr.Buffered(); got != 100 {
		t.Errorf("Buffered() = %d, want 100", got)
	}
}

func TestFramerPreservesByteOrder(t *testing.T) {
	fr := NewFramer(CaptureFormat(), 4)
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	frames := fr.Push(in)
	if len(frames) != 1 {
		t.Fatalf("push produced %d frames, want 1", len(frames))
	}
	if !bytes.Equal(frames[0], in[:8]) {
		t.Errorf("frame = %v, want %v", frames[0], in[:8])
	}
	if rest := fr.Flush(); !bytes.Equal(rest, in[8:]) {
		t.Errorf("flush = %v, want %v", rest, in[8:])
	}
}

func TestFramerFlush(t *testing.T) {
	fr := NewFramer(CaptureFormat(), FrameSamples)
	if got := fr.Flush(); got != nil {
		t.Errorf("flush of empty framer = %v, want nil", got)
	}

	fr.Push(make([]byte, 101))
	rest := fr.Flush()
	if len(rest) != 100 {
		t.Errorf("flush returned %d bytes, want 100 (sample-aligned)", len(rest))
	}
	if got := fr.Buffered(); got != 0 {
		t.Errorf("Buffered() after flush = %d, want 0", got)
	}

	fr.Push(make([]byte, 1))
	if got := fr.Flush(); got != nil {
		t.Errorf("flush of sub-sample remainder = %v, want nil", got)
	}
}
