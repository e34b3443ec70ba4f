package app

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/robfig/cron/v3"
)

// housekeeper is the work the maintenance schedule runs
type housekeeper interface {
	CleanupRateLimits() int
}

type statsSource interface {
	GetStats() map[string]int
}

// Maintenance runs periodic housekeeping on a cron schedule: idle rate
// limit windows are dropped and connection/call counts are logged.
type Maintenance struct {
	cron   *cron.Cron
	relay  housekeeper
	stats  statsSource
	logger *log.Logger
}

// NewMaintenance parses schedule (standard 5-field or @every descriptor)
func NewMaintenance(schedule string, relay housekeeper, stats statsSource) (*Maintenance, error) {
	m := &Maintenance{
		cron:   cron.New(),
		relay:  relay,
		stats:  stats,
		logger: log.New(os.Stdout, "[MAINTENANCE] ", log.LstdFlags),
	}
	if _, err := m.cron.AddFunc(schedule, m.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", schedule, err)
	}
	return m, nil
}

// RunOnce performs one housekeeping pass
func (m *Maintenance) RunOnce() {
	removed := m.relay.CleanupRateLimits()
	stats := m.stats.GetStats()
	m.logger.Printf("connections=%d online=%d ringing=%d active=%d rate_limit_windows_dropped=%d",
		stats["total_connections"], stats["online_users"], stats["calls_ringing"], stats["calls_active"], removed)
}

func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish or ctx to expire
func (m *Maintenance) Stop(ctx context.Context) {
	select {
	case <-m.cron.Stop().Done():
	case <-ctx.Done():
	}
}
