package realtime

import "time"

// startPoller starts e's fixed-interval message re-fetch. The first tick
// fires immediately. Each tick is posted to the loop, which ignores it once
// e has left the polling modes.
func (r *Registry) startPoller(e *entry) {
	if e.poller != nil {
		return
	}
	stop := make(chan struct{})
	e.poller = stop
	roomID, gen, interval := e.roomID, e.gen, r.cfg.PollInterval
	e.log.Infow("polling started", "interval", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if !r.postUnless(pollReq{roomID: roomID, gen: gen}, stop) {
				return
			}
			select {
			case <-ticker.C:
			case <-stop:
				return
			case <-r.done:
				return
			}
		}
	}()
}

func (r *Registry) stopPoller(e *entry) {
	if e.poller == nil {
		return
	}
	close(e.poller)
	e.poller = nil
	e.log.Info("polling stopped")
}
