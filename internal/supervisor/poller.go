package supervisor

import "github.com/fenwick-run/worksupervisor/internal/heartbeat"

// runHeartbeatPoller periodically checks the heartbeat monitor for this
// session and escalates to a restart the first time it reports Unhealthy.
// It exits without acting whenever sessionID has been superseded or the
// worker was deliberately stopped or circuit-broken.
func (s *Supervisor) runHeartbeatPoller(sessionID int64) {
	ticker := s.newTicker(s.cfg.HeartbeatInterval)
	defer ticker.stop()

	for {
		if !ticker.wait() {
			return
		}

		s.mu.Lock()
		if s.sessionID != sessionID || s.state == StateStopped || s.state == StateCircuitBroken {
			s.mu.Unlock()
			return
		}
		result := s.heartbeat.Check()
		if result.State != heartbeat.Unhealthy {
			s.mu.Unlock()
			continue
		}
		s.state = StateUnhealthy
		s.mu.Unlock()

		s.publishStatus()
		s.scheduleRestart("heartbeat timeout")
		return
	}
}
