package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/umich-balloons/balloontrack/broker"
	"github.com/umich-balloons/balloontrack/monitoring"
)

// Handler processes one raw work-list element. Returning a Terminal error
// drops the element; any other error retries per the dispatcher policy.
type Handler func(ctx context.Context, raw string) error

const (
	// retryInitial and maxRetries give the 30s, 60s, 120s retry ladder.
	retryInitial = 30 * time.Second
	maxRetries   = 3

	// reconnectDelay paces reattempts after the broker drops the blocking pop.
	reconnectDelay = 10 * time.Second

	// maxInflight bounds concurrently running workers so a burst cannot
	// exhaust the DB pool.
	maxInflight = 16
)

// Dispatcher drains all work lists through one blocking pop and hands each
// element to its protocol worker. Workers run off the pop path so a slow
// handler cannot starve the other lists.
type Dispatcher struct {
	broker   *broker.Client
	handlers map[string]Handler
	sem      chan struct{}
}

// NewDispatcher builds a dispatcher over the given list-to-handler routing.
func NewDispatcher(b *broker.Client, handlers map[string]Handler) *Dispatcher {
	return &Dispatcher{
		broker:   b,
		handlers: handlers,
		sem:      make(chan struct{}, maxInflight),
	}
}

// Run blocks on the union of work lists until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	lists := make([]string, 0, len(d.handlers))
	for list := range d.handlers {
		lists = append(lists, list)
	}
	monitoring.Debugf("dispatcher watching lists=%v", lists)

	for {
		list, raw, err := d.broker.PopAny(ctx, lists, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if broker.IsNil(err) {
				continue
			}
			monitoring.Errorf("dispatcher pop error: %v, reconnecting in %s", err, reconnectDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		handler, ok := d.handlers[list]
		if !ok {
			// Unreachable with a correct routing table; keep the element for
			// forensics instead of dropping it silently.
			monitoring.Errorf("dispatcher received element from unrouted list %q", list)
			d.deadLetter(ctx, list, raw, errors.New("no handler for list"))
			continue
		}

		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(list, raw string) {
			defer func() { <-d.sem }()
			d.process(ctx, list, handler, raw)
		}(list, raw)
	}
}

// process runs one handler with the retry policy: terminal failures are
// logged and dropped, transient failures back off exponentially and
// dead-letter after the last attempt.
func (d *Dispatcher) process(ctx context.Context, list string, handler Handler, raw string) {
	attempt := 0
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryInitial
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		attempt++
		err := handler(ctx, raw)
		if err == nil {
			return nil
		}
		if IsTerminal(err) {
			return backoff.Permanent(err)
		}
		monitoring.WorkerRetries.WithLabelValues(list).Inc()
		monitoring.Warnf("worker transient failure list=%s attempt=%d: %v", list, attempt, err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, maxRetries), ctx))

	if err == nil {
		return
	}
	if IsTerminal(err) {
		monitoring.WorkerFailures.WithLabelValues(list, "terminal").Inc()
		monitoring.Errorf("worker dropped bad input list=%s: %v", list, err)
		return
	}
	monitoring.WorkerFailures.WithLabelValues(list, "transient").Inc()
	d.deadLetter(ctx, list, raw, err)
}

// deadLetter preserves an element that exhausted its retries, together with
// the last error, on the dead-letter list.
func (d *Dispatcher) deadLetter(ctx context.Context, list, raw string, cause error) {
	entry, _ := json.Marshal(map[string]any{
		"list":      list,
		"envelope":  raw,
		"error":     cause.Error(),
		"failed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := d.broker.Push(ctx, broker.ListDeadLetter, entry); err != nil {
		monitoring.Errorf("dead-letter push failed list=%s: %v (element lost)", list, err)
		return
	}
	monitoring.DeadLettered.WithLabelValues(list).Inc()
	monitoring.Warnf("element dead-lettered list=%s cause=%v", list, cause)
}
