// Package scheduler drives periodic sync cycles: one cron-shaped
// trigger that walks every active sync config sequentially and invokes
// the engine for each.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/quietpage/notesync/internal/notes"
	"github.com/quietpage/notesync/internal/syncer"
)

type ConfigLister interface {
	ListActiveSyncConfigs(ctx context.Context) ([]notes.SyncConfig, error)
}

type Runner interface {
	PerformSync(ctx context.Context, configID string) (*syncer.RunReport, error)
}

type Scheduler struct {
	configs ConfigLister
	runner  Runner
	spec    string
	log     *zap.SugaredLogger

	cron *cron.Cron
	// busy serializes cycles: an overlapping trigger skips its whole
	// cycle rather than queueing behind the running one.
	busy atomic.Bool
}

func New(configs ConfigLister, runner Runner, spec string, log *zap.SugaredLogger) *Scheduler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Scheduler{
		configs: configs,
		runner:  runner,
		spec:    spec,
		log:     log,
	}
}

func (s *Scheduler) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.spec, func() {
		s.RunCycle(context.Background())
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.log.Infow("scheduler started", "schedule", s.spec)
	return nil
}

// Stop halts the trigger and returns once any in-flight cycle's cron
// slot has drained.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Infow("scheduler stopped")
}

// RunCycle performs one pass over all active configs. Config runs are
// strictly sequential, and a failure or panic in one config's run never
// reaches the next.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.busy.CompareAndSwap(false, true) {
		s.log.Infow("previous sync cycle still running, skipping this cycle")
		return
	}
	defer s.busy.Store(false)

	configs, err := s.configs.ListActiveSyncConfigs(ctx)
	if err != nil {
		s.log.Errorw("listing active sync configs failed", "error", err)
		return
	}
	for _, cfg := range configs {
		s.runOne(ctx, cfg)
	}
}

func (s *Scheduler) runOne(ctx context.Context, cfg notes.SyncConfig) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("sync run panicked", "configId", cfg.ID, "panic", r)
		}
	}()
	if _, err := s.runner.PerformSync(ctx, cfg.ID); err != nil {
		if errors.Is(err, syncer.ErrBusy) {
			s.log.Infow("engine busy, skipping config this cycle", "configId", cfg.ID)
			return
		}
		s.log.Errorw("sync run failed", "configId", cfg.ID, "error", err)
	}
}
