package ring

import (
	"runtime"
	"time"
)

// spinner implements a simple exponential spin/yield/sleep ladder for the
// short busy-wait windows in Push/Pop, where a competing goroutine is
// expected to publish within microseconds.
type spinner struct {
	n int
}

func (s *spinner) wait() {
	switch {
	case s.n < 6:
		for i := 0; i < 1<<uint(s.n); i++ {
			// pure spin
		}
	case s.n < 10:
		runtime.Gosched()
	default:
		time.Sleep(time.Microsecond)
	}
	s.n++
}

// newSpinner starts a fresh exponential backoff sequence for one busy-wait
// loop; call wait() on each failed retry.
func newSpinner() *spinner {
	return &spinner{}
}
