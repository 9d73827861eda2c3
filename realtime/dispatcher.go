package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/umich-balloons/balloontrack/broker"
	"github.com/umich-balloons/balloontrack/geocell"
	"github.com/umich-balloons/balloontrack/monitoring"
)

const (
	// receiveTimeout doubles as a liveness probe on the subscription.
	receiveTimeout = 45 * time.Second

	resubscribeDelay = 5 * time.Second
)

// positionEvent mirrors the fan-out message the workers publish.
type positionEvent struct {
	TelemetryID string  `json:"telemetry_id"`
	PayloadID   int64   `json:"payload_id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	TS          string  `json:"ts"`
}

// Dispatcher is the single process-wide subscriber on the realtime channel.
// Each event resolves to its spatial cell and broadcasts to that cell's
// subscribers.
type Dispatcher struct {
	Broker     *broker.Client
	Registry   *Registry
	Resolution int
}

// Run subscribes and delivers events until ctx is canceled. Broker drops
// resubscribe with a fixed backoff; client state is never discarded.
func (d *Dispatcher) Run(ctx context.Context) {
	for ctx.Err() == nil {
		sub := d.Broker.Subscribe(ctx, broker.ChannelRealtime)
		monitoring.Debugf("realtime dispatcher subscribed channel=%s", broker.ChannelRealtime)

		for ctx.Err() == nil {
			msg, err := sub.ReceiveTimeout(ctx, receiveTimeout)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				if isTimeout(err) {
					// Idle channel; the timeout is just the liveness probe.
					continue
				}
				monitoring.Errorf("realtime receive error: %v, resubscribing in %s", err, resubscribeDelay)
				break
			}
			d.deliver(msg)
		}

		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (d *Dispatcher) deliver(msg any) {
	payload, ok := messagePayload(msg)
	if !ok {
		return
	}
	var ev positionEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		monitoring.Errorf("realtime event is not valid JSON: %v", err)
		return
	}

	cell := geocell.CellForPoint(ev.Lat, ev.Lon, d.Resolution)
	out, _ := json.Marshal(map[string]any{
		"type": "newPosition",
		"data": map[string]any{
			"payload_id":   ev.PayloadID,
			"telemetry_id": ev.TelemetryID,
			"lat":          ev.Lat,
			"lon":          ev.Lon,
			"ts":           ev.TS,
		},
	})
	d.Registry.BroadcastToCell(cell, out)
	monitoring.Debugf("realtime delivered payload_id=%d cell=%s", ev.PayloadID, cell)
}
