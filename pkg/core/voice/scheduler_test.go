package voice

import (
	"testing"
	"time"
)

// At 24 kHz mono 16-bit, 48000 bytes is one second of audio.
func pcmBytes(d time.Duration) int {
	return PlaybackFormat().BytesForDuration(d)
}

func TestSchedulerBackToBackSegments(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return base })

	d1 := 250 * time.Millisecond
	d2 := 400 * time.Millisecond
	first := s.Schedule(pcmBytes(d1))
	second := s.Schedule(pcmBytes(d2))

	if !first.StartAt.Equal(base) {
		t.Errorf("first segment starts at %v, want %v", first.StartAt, base)
	}
	if first.Duration != d1 {
		t.Errorf("first segment duration = %v, want %v", first.Duration, d1)
	}
	if second.StartAt.Before(first.StartAt.Add(d1)) {
		t.Errorf("second segment starts at %v, before first ends at %v",
			second.StartAt, first.StartAt.Add(d1))
	}
	if !second.StartAt.Equal(first.End()) {
		t.Errorf("second segment starts at %v, want back-to-back at %v",
			second.StartAt, first.End())
	}
	if want := base.Add(d1 + d2); !s.Cursor().Equal(want) {
		t.Errorf("cursor = %v, want %v", s.Cursor(), want)
	}
}

func TestSchedulerStartsAtNowAfterGap(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return now })

	s.Schedule(pcmBytes(100 * time.Millisecond))

	// Playback finished long ago; the next chunk must not be scheduled in
	// the past.
	now = now.Add(5 * time.Second)
	seg := s.Schedule(pcmBytes(100 * time.Millisecond))
	if !seg.StartAt.Equal(now) {
		t.Errorf("segment after gap starts at %v, want %v", seg.StartAt, now)
	}
}

func TestSchedulerCancelAll(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return base })

	for i := 0; i < 3; i++ {
		s.Schedule(pcmBytes(200 * time.Millisecond))
	}
	if got := len(s.Live()); got != 3 {
		t.Fatalf("live segments before cancel = %d, want 3", got)
	}

	if n := s.CancelAll(); n != 3 {
		t.Errorf("CancelAll dropped %d segments, want 3", n)
	}
	if got := len(s.Live()); got != 0 {
		t.Errorf("live segments after cancel = %d, want 0", got)
	}
	if !s.Cursor().IsZero() {
		t.Errorf("cursor after cancel = %v, want zero", s.Cursor())
	}

	// The next segment after a barge-in starts immediately.
	seg := s.Schedule(pcmBytes(100 * time.Millisecond))
	if !seg.StartAt.Equal(base) {
		t.Errorf("segment after cancel starts at %v, want %v", seg.StartAt, base)
	}
}

func TestSchedulerLivePrunesFinished(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return now })

	s.Schedule(pcmBytes(100 * time.Millisecond))
	second := s.Schedule(pcmBytes(300 * time.Millisecond))

	now = now.Add(150 * time.Millisecond)
	live := s.Live()
	if len(live) != 1 {
		t.Fatalf("live segments = %d, want 1", len(live))
	}
	if live[0].Seq != second.Seq {
		t.Errorf("surviving segment seq = %d, want %d", live[0].Seq, second.Seq)
	}
}

func TestSchedulerLiveOrderedByStart(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		s.Schedule(pcmBytes(50 * time.Millisecond))
	}
	live := s.Live()
	for i := 1; i < len(live); i++ {
		if live[i].StartAt.Before(live[i-1].StartAt) {
			t.Fatalf("live segments out of order: %v before %v",
				live[i].StartAt, live[i-1].StartAt)
		}
	}
}

func TestSchedulerBacklog(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return now })

	if got := s.Backlog(); got != 0 {
		t.Errorf("backlog of empty scheduler = %v, want 0", got)
	}

	s.Schedule(pcmBytes(250 * time.Millisecond))
	s.Schedule(pcmBytes(250 * time.Millisecond))
	if got, want := s.Backlog(), 500*time.Millisecond; got != want {
		t.Errorf("backlog = %v, want %v", got, want)
	}

	now = now.Add(time.Second)
	if got := s.Backlog(); got != 0 {
		t.Errorf("backlog after playback finished = %v, want 0", got)
	}

	s.Schedule(pcmBytes(100 * time.Millisecond))
	s.CancelAll()
	if got := s.Backlog(); got != 0 {
		t.Errorf("backlog after cancel = %v, want 0", got)
	}
}

func TestSchedulerZeroLengthChunk(t *testing.T) {
	s := NewScheduler(PlaybackFormat())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.setClock(func() time.Time { return base })

	seg := s.Schedule(0)
	if seg.Duration != 0 {
		t.Errorf("zero-length chunk duration = %v, want 0", seg.Duration)
	}
	next := s.Schedule(pcmBytes(100 * time.Millisecond))
	if !next.StartAt.Equal(base) {
		t.Errorf("segment after empty chunk starts at %v, want %v", next.StartAt, base)
	}
}
