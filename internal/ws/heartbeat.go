package ws

import "time"

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those with
// no activity within Interval + Timeout. It exits when the server stops.
func (s *Server) startHeartbeat(config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(config, time.Now())
			}
		}
	}()
}

// checkConnections evicts stale connections and pings the rest. Browsers
// answer the ping frame with a pong, which counts as activity.
func (s *Server) checkConnections(config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			s.log.Infow("heartbeat timeout", "session", c.ID, "idle", idle.Round(time.Second))
			s.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			s.log.Debugw("heartbeat ping failed", "session", c.ID, "error", err)
			s.RemoveConnection(c)
		}
	}
}
