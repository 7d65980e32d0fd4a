package device

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liverelay/liverelay/internal/logging"
)

// Reaper sweeps devices and host clients whose agents stopped heartbeating
// without a clean close (killed process, dropped network) and marks them
// offline. A peer is stale after missing three heartbeat intervals.
type Reaper struct {
	store     *Store
	heartbeat time.Duration
	log       *logging.Logger
	cron      *cron.Cron
}

// NewReaper creates a reaper over the given store.
func NewReaper(store *Store, heartbeat time.Duration, log *logging.Logger) *Reaper {
	return &Reaper{store: store, heartbeat: heartbeat, log: log, cron: cron.New()}
}

// Start schedules the sweep every minute. Returns an error only if the
// schedule spec fails to parse.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc("@every 1m", r.Sweep); err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep runs one pass, flipping stale online devices and host clients to
// offline.
func (r *Reaper) Sweep() {
	cutoff := time.Now().UTC().Add(-3 * r.heartbeat)

	devices, err := r.store.OfflineStaleDevices(cutoff)
	if err != nil {
		r.log.Error("stale device sweep failed", "error", err)
	} else if len(devices) > 0 {
		r.log.Info("marked stale devices offline", "count", len(devices), "devices", devices)
	}

	clients, err := r.store.OfflineStaleClients(cutoff)
	if err != nil {
		r.log.Error("stale client sweep failed", "error", err)
	} else if len(clients) > 0 {
		r.log.Info("marked stale clients offline", "count", len(clients), "clients", clients)
	}
}
