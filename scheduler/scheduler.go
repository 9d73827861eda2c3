// Package scheduler runs the periodic maintenance jobs and serves their
// on-demand counterparts arriving over the manual trigger lists. Scheduled
// and manual runs funnel into the same handlers so behavior stays unified.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/umich-balloons/balloontrack/ingest"
	"github.com/umich-balloons/balloontrack/monitoring"
	"github.com/umich-balloons/balloontrack/storage"
)

// Scheduler owns the cron table. All schedules evaluate in UTC.
type Scheduler struct {
	store *storage.Store
	cron  *cron.Cron
	ctx   context.Context
}

// New builds the scheduler with the standard job table: the path view
// refreshes every minute, the flight prediction hook fires hourly.
func New(store *storage.Store) *Scheduler {
	s := &Scheduler{
		store: store,
		cron:  cron.New(cron.WithLocation(time.UTC)),
	}
	// Refresh is idempotent and slow; it never runs on the ingest hot path.
	mustAdd(s.cron, "* * * * *", func() { s.refreshPathView("scheduled") })
	mustAdd(s.cron, "0 * * * *", func() { s.predictFlight(nil) })
	return s
}

// Start launches the cron loop. When ctx is canceled the cron is stopped and
// running jobs are waited for.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

func (s *Scheduler) refreshPathView(trigger string) {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.store.RefreshPathView(ctx); err != nil {
		monitoring.Errorf("path view refresh failed trigger=%s: %v", trigger, err)
		return
	}
	monitoring.PathViewRefreshes.WithLabelValues(trigger).Inc()
	monitoring.Debugf("path view refreshed trigger=%s", trigger)
}

// predictFlight is the hourly prediction hook. The prediction math lives in
// a separate service; this hook only marks the run.
func (s *Scheduler) predictFlight(payloadID *int64) {
	if payloadID != nil {
		monitoring.Debugf("flight prediction hook payload_id=%d", *payloadID)
		return
	}
	monitoring.Debugf("flight prediction hook scheduled run")
}

// HandleManualPath serves `get_path` list elements: an operator-requested
// refresh routed through the dispatcher.
func (s *Scheduler) HandleManualPath(ctx context.Context, raw string) error {
	if _, err := decodeTrigger(raw); err != nil {
		return err
	}
	if err := s.store.RefreshPathView(ctx); err != nil {
		return err
	}
	monitoring.PathViewRefreshes.WithLabelValues("manual").Inc()
	return nil
}

// HandleManualPrediction serves `predict_flight` list elements.
func (s *Scheduler) HandleManualPrediction(ctx context.Context, raw string) error {
	payloadID, err := decodeTrigger(raw)
	if err != nil {
		return err
	}
	s.predictFlight(payloadID)
	return nil
}

// decodeTrigger parses a manual trigger envelope whose payload is the target
// payload id (absent for whole-fleet runs).
func decodeTrigger(raw string) (*int64, error) {
	env, err := ingest.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	var payloadID *int64
	if err := json.Unmarshal(env.Payload, &payloadID); err != nil {
		// A trigger without a payload id runs fleet-wide.
		return nil, nil
	}
	// A null payload leaves payloadID nil: also a fleet-wide run.
	return payloadID, nil
}

func mustAdd(c *cron.Cron, spec string, job func()) {
	if _, err := c.AddFunc(spec, job); err != nil {
		panic("scheduler: bad cron spec " + spec + ": " + err.Error())
	}
}
