package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// Scheduler decides whether an eligible event gets a reply now. Once the
// minimum interval since the last reply has elapsed it always fires;
// before that it fires with a fixed percentage.
type Scheduler struct {
	minInterval time.Duration
	percent     float64

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(minInterval time.Duration, percent float64, rnd *rand.Rand) *Scheduler {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Scheduler{
		minInterval: minInterval,
		percent:     percent,
		rnd:         rnd,
	}
}

// ShouldReply reports whether an event created at createdAt warrants a reply
// given the time of the last reply. Landing exactly on the boundary counts
// as elapsed.
func (s *Scheduler) ShouldReply(createdAt, lastReply time.Time) bool {
	if !createdAt.Before(lastReply.Add(s.minInterval)) {
		return true
	}
	return s.roll()
}

func (s *Scheduler) roll() bool {
	if s.percent <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()*100 < s.percent
}
