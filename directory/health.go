package directory

import (
	"time"

	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/types"
)

// StartHealthSweep launches the periodic heartbeat-age sweep. A second call
// while the sweep is running is a no-op; the loop is never re-entrant.
func (d *Directory) StartHealthSweep() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	if d.sweepRunning {
		return
	}
	d.sweepRunning = true
	d.sweepCancel = make(chan struct{})

	go d.sweepLoop(d.sweepCancel)
	d.logger.Info("health sweep started",
		zap.Duration("interval", d.config.SweepInterval))
}

// StopHealthSweep cancels the sweep loop. Safe to call when not running.
func (d *Directory) StopHealthSweep() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()

	if !d.sweepRunning {
		return
	}
	close(d.sweepCancel)
	d.sweepRunning = false
}

func (d *Directory) sweepLoop(cancel <-chan struct{}) {
	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			d.SweepOnce()
		}
	}
}

// SweepOnce applies heartbeat-age transitions once: online agents whose
// heartbeat is older than DegradedAfter degrade, and any non-offline agent
// older than OfflineAfter goes offline. Quarantined agents are left alone;
// only reputation recovery releases them.
func (d *Directory) SweepOnce() {
	now := time.Now()
	type transition struct {
		id       string
		old, new types.AgentStatus
	}
	var transitions []transition

	d.mu.Lock()
	for id, agent := range d.agents {
		if agent.Status == types.AgentOffline || agent.Status == types.AgentQuarantined {
			continue
		}
		age := now.Sub(agent.LastHeartbeat)
		switch {
		case age > d.config.OfflineAfter:
			transitions = append(transitions, transition{id, agent.Status, types.AgentOffline})
			agent.Status = types.AgentOffline
		case age > d.config.DegradedAfter && agent.Status == types.AgentOnline:
			transitions = append(transitions, transition{id, agent.Status, types.AgentDegraded})
			agent.Status = types.AgentDegraded
		}
	}
	d.mu.Unlock()

	for _, tr := range transitions {
		d.logger.Warn("agent health transition",
			zap.String("agent_id", tr.id),
			zap.String("from", string(tr.old)),
			zap.String("to", string(tr.new)))
		d.emit(Event{
			Type: EventStatusChange, AgentID: tr.id,
			OldStatus: tr.old, NewStatus: tr.new, Timestamp: now,
		})
	}
}
