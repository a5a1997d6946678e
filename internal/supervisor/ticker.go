package supervisor

import "time"

// ticker abstracts the heartbeat poller's wait loop so tests can drive it
// without sleeping through real multi-second intervals.
type ticker interface {
	// wait blocks until the next tick and reports true, or returns false
	// once the ticker has been stopped.
	wait() bool
	stop()
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) wait() bool {
	_, ok := <-r.t.C
	return ok
}

func (r *realTicker) stop() {
	r.t.Stop()
}

func newRealTicker(d time.Duration) ticker {
	return &realTicker{t: time.NewTicker(d)}
}

// newTickerOrDefault returns the tickerFactory field, which tests set to
// substitute a fast or manually-driven ticker; when it is unset it returns
// newRealTicker.
func (s *Supervisor) newTickerOrDefault() func(time.Duration) ticker {
	if s.tickerFactory != nil {
		return s.tickerFactory
	}
	return newRealTicker
}

func (s *Supervisor) newTicker(d time.Duration) ticker {
	return s.newTickerOrDefault()(d)
}

// withTickerFactory overrides how the heartbeat poller's ticker is built.
// Unexported: only used by this package's own tests.
func withTickerFactory(f func(time.Duration) ticker) Option {
	return func(s *Supervisor) {
		if f != nil {
			s.tickerFactory = f
		}
	}
}
