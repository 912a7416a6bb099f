package jobs

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reclaimer resets rooms held by mentors that are no longer connected.
type Reclaimer interface {
	ReclaimOrphans(ctx context.Context, isLive func(connID string) bool) (int, error)
}

// Janitor periodically frees rooms whose mentor connection is gone without a
// processed disconnect. Liveness is local, so it only runs on single-node
// deployments.
type Janitor struct {
	reclaimer Reclaimer
	isLive    func(connID string) bool
	schedule  string
	cron      *cron.Cron
	log       *zap.Logger
}

func NewJanitor(reclaimer Reclaimer, isLive func(string) bool, schedule string, log *zap.Logger) *Janitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{
		reclaimer: reclaimer,
		isLive:    isLive,
		schedule:  schedule,
		cron:      cron.New(),
		log:       log,
	}
}

// Start schedules the sweep. An empty schedule disables the janitor.
func (j *Janitor) Start() error {
	if j.schedule == "" {
		j.log.Info("janitor disabled")
		return nil
	}
	_, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.log.Warn("janitor sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	j.log.Info("janitor started", zap.String("schedule", j.schedule))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

// RunOnce performs a single sweep.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	n, err := j.reclaimer.ReclaimOrphans(ctx, j.isLive)
	if n > 0 {
		j.log.Info("reclaimed orphaned rooms", zap.Int("rooms", n))
	}
	return n, err
}
