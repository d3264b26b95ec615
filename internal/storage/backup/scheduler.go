package backup

import (
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/quantadb/quantadb/internal/log"
	"github.com/quantadb/quantadb/internal/qerr"
)

// Scheduler runs backups on cron expressions: typically a nightly full and
// hourly incrementals chained to the latest full.
type Scheduler struct {
	m      *Manager
	cron   *cron.Cron
	logger zerolog.Logger

	mu         sync.Mutex
	lastFullID string
	running    bool
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(m *Manager) *Scheduler {
	return &Scheduler{
		m:      m,
		cron:   cron.New(),
		logger: log.WithComponent("backup-scheduler"),
	}
}

// ScheduleFull registers a full backup at the given cron spec.
func (s *Scheduler) ScheduleFull(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		meta, err := s.m.Full()
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduled full backup failed")
			return
		}
		s.mu.Lock()
		s.lastFullID = meta.ID
		s.mu.Unlock()
	})
	if err != nil {
		return qerr.Wrap(qerr.KindConfigInvalid, err, "cron spec %q", spec)
	}
	return nil
}

// ScheduleIncremental registers incrementals chained to the most recent
// full backup (skipped until one exists).
func (s *Scheduler) ScheduleIncremental(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.Lock()
		base := s.lastFullID
		s.mu.Unlock()
		if base == "" {
			// Fall back to the newest stored full backup.
			if backups, err := s.m.List(); err == nil {
				for i := len(backups) - 1; i >= 0; i-- {
					if backups[i].Type == TypeFull {
						base = backups[i].ID
						break
					}
				}
			}
		}
		if base == "" {
			s.logger.Warn().Msg("incremental skipped: no full backup yet")
			return
		}
		if _, err := s.m.Incremental(base); err != nil {
			s.logger.Error().Err(err).Msg("scheduled incremental backup failed")
		}
	})
	if err != nil {
		return qerr.Wrap(qerr.KindConfigInvalid, err, "cron spec %q", spec)
	}
	return nil
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.cron.Start()
		s.running = true
	}
}

// Stop halts the schedules, waiting for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
	}
}
