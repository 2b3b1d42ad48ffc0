package image

import "sync"

type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseWaitingExisting Phase = "waiting-existing"
	PhasePulling         Phase = "pulling"
	PhaseComplete        Phase = "complete"
	PhaseFailed          Phase = "failed"
)

// PullSession is the process-wide record of one image retrieval. At most one
// session exists per image reference; later requests for the same reference
// attach to it instead of starting a second pull.
type PullSession struct {
	Ref string

	mu    sync.Mutex
	phase Phase
	done  chan struct{}
	err   error
}

func newSession(ref string) *PullSession {
	return &PullSession{
		Ref:   ref,
		phase: PhaseIdle,
		done:  make(chan struct{}),
	}
}

func (s *PullSession) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *PullSession) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// finish moves the session to a terminal phase and releases waiters.
func (s *PullSession) finish(p Phase, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseComplete || s.phase == PhaseFailed {
		return
	}
	s.phase = p
	s.err = err
	close(s.done)
}

// Done is closed when the session reaches complete or failed.
func (s *PullSession) Done() <-chan struct{} {
	return s.done
}

func (s *PullSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
