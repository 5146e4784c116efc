package voice

import (
	"sort"
	"sync"
	"time"
)

// Segment is one scheduled chunk of downlink audio.
type Segment struct {
	// Seq is the scheduling order, starting at 1.
	Seq int
	// StartAt is when playback of this segment begins.
	StartAt time.Time
	// Duration is the segment's playback length.
	Duration time.Duration
}

// End returns the instant playback of the segment finishes.
func (s Segment) End() time.Time { return s.StartAt.Add(s.Duration) }

// Scheduler sequences downlink audio segments back-to-back. Each segment
// starts at max(now, cursor) and the cursor advances by its duration, so
// chunks that arrive faster than real time queue up without overlap.
// Delivery of the bytes is the caller's job; the scheduler only does the
// bookkeeping that makes barge-in cancellation and drain waits possible.
type Scheduler struct {
	mu     sync.Mutex
	format Format
	now    func() time.Time

	cursor time.Time
	seq    int
	live   map[int]Segment
}

// NewScheduler returns a scheduler for audio in the given format.
func NewScheduler(format Format) *Scheduler {
	return &Scheduler{
		format: format,
		now:    time.Now,
		live:   make(map[int]Segment),
	}
}

// Schedule books playback for a chunk of nbytes and returns the segment.
// Zero-length chunks book a zero-duration segment at the cursor.
func (s *Scheduler) Schedule(nbytes int) Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.now()
	if s.cursor.After(start) {
		start = s.cursor
	}
	s.seq++
	seg := Segment{
		Seq:      s.seq,
		StartAt:  start,
		Duration: s.format.Duration(nbytes),
	}
	s.cursor = seg.End()
	s.live[seg.Seq] = seg
	return seg
}

// CancelAll clears every scheduled segment and resets the cursor, so the
// next segment starts immediately. Returns the number of segments dropped.
// Called on barge-in.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.live)
	s.live = make(map[int]Segment)
	s.cursor = time.Time{}
	return n
}

// Live prunes finished segments and returns the rest ordered by start time.
func (s *Scheduler) Live() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]Segment, 0, len(s.live))
	for seq, seg := range s.live {
		if !seg.End().After(now) {
			delete(s.live, seq)
			continue
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartAt.Before(out[j].StartAt) })
	return out
}

// Cursor returns the instant the last scheduled segment finishes. The zero
// time means nothing is scheduled.
func (s *Scheduler) Cursor() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Backlog returns how much scheduled audio remains unplayed, clamped at
// zero. Callers drain for this long before tearing playback down.
func (s *Scheduler) Backlog() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor.IsZero() {
		return 0
	}
	d := s.cursor.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// setClock replaces the time source; tests use it to script the clock.
func (s *Scheduler) setClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
