package runner

import "time"

// Timer is a pending callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// timerSlot holds at most one pending callback. Every schedule or cancel
// bumps the generation, so a callback that already left the runtime timer
// queue still finds itself stale when it tries to claim the slot.
//
// The slot has no lock of its own; the owner serializes access.
type timerSlot struct {
	sched Scheduler
	timer Timer
	gen   uint64
}

func (s *timerSlot) schedule(d time.Duration, fire func(gen uint64)) {
	s.cancel()
	gen := s.gen
	s.timer = s.sched.AfterFunc(d, func() { fire(gen) })
}

func (s *timerSlot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

// claim reports whether gen is the live callback and empties the slot.
func (s *timerSlot) claim(gen uint64) bool {
	if s.timer == nil || gen != s.gen {
		return false
	}
	s.timer = nil
	s.gen++
	return true
}

func (s *timerSlot) pending() bool {
	return s.timer != nil
}
