package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ErrScanInProgress is returned when a manual run is requested while a scan
// is already running.
var ErrScanInProgress = errors.New("library scan already in progress")

// Manager owns the scan schedule. A cron expression drives unattended runs;
// RunNow triggers one on demand. Runs never overlap.
type Manager struct {
	scanner  *Scanner
	schedule string

	cron        *cron.Cron
	cronEntryID cron.EntryID

	mu       sync.RWMutex
	running  bool
	scanning bool
	lastRun  time.Time
	lastSum  Summary

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a manager around the scanner. schedule is a cron
// expression; empty disables unattended runs.
func NewManager(scanner *Scanner, schedule string) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		scanner:  scanner,
		schedule: schedule,
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the schedule. Invalid expressions disable unattended runs but
// leave manual runs available.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	m.cron.Start()
	if m.schedule != "" {
		id, err := m.cron.AddFunc(m.schedule, func() {
			if _, err := m.RunNow(); err != nil && !errors.Is(err, ErrScanInProgress) {
				log.Warn().Err(err).Msg("Scheduled library scan failed")
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("schedule", m.schedule).Msg("Invalid scan schedule, unattended scans disabled")
		} else {
			m.cronEntryID = id
			log.Info().Str("schedule", m.schedule).Msg("Library scan scheduled")
		}
	}
}

// Stop halts the schedule and waits for a scheduled invocation in flight.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	<-m.cron.Stop().Done()
	log.Info().Msg("Library scan scheduler stopped")
}

// RunNow executes one scan run, refusing to overlap another.
func (m *Manager) RunNow() (Summary, error) {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return Summary{}, ErrScanInProgress
	}
	m.scanning = true
	ctx := m.ctx
	m.mu.Unlock()

	summary, err := m.scanner.Run(ctx)

	m.mu.Lock()
	m.scanning = false
	m.lastRun = time.Now()
	m.lastSum = summary
	m.mu.Unlock()

	return summary, err
}

// Status reports the last run for the status endpoint.
func (m *Manager) Status() (scanning bool, lastRun time.Time, last Summary) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning, m.lastRun, m.lastSum
}
