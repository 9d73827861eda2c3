package ingest

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/umich-balloons/balloontrack/aprs"
	"github.com/umich-balloons/balloontrack/broker"
	"github.com/umich-balloons/balloontrack/monitoring"
	"github.com/umich-balloons/balloontrack/storage"
	"github.com/umich-balloons/balloontrack/telemetry"
)

// Pipeline carries the shared dependencies every protocol worker uses.
type Pipeline struct {
	Store      *storage.Store
	Broker     *broker.Client
	Normalizer *telemetry.Normalizer
}

// iridiumPayload is the satellite webhook body as forwarded by ingress.
type iridiumPayload struct {
	MOMSN            int     `json:"momsn"`
	IMEI             string  `json:"imei"`
	Data             string  `json:"data"`
	Serial           int64   `json:"serial"`
	DeviceType       string  `json:"device_type"`
	IridiumLatitude  float64 `json:"iridium_latitude"`
	IridiumLongitude float64 `json:"iridium_longitude"`
	IridiumCEP       float64 `json:"iridium_cep"`
	TransmitTime     string  `json:"transmit_time"`
}

// ProcessAPRS handles one envelope from the aprs list: persist the raw
// frame, decode it, normalize, upsert, and fan out.
func (p *Pipeline) ProcessAPRS(ctx context.Context, raw string) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	frame := env.PayloadString()

	rawMsgID, err := p.Store.InsertRawMessage(ctx, env.Sender, frame, env.IngestMethod, "APRS", env.Timestamp)
	if err != nil {
		return err
	}

	pkt, err := aprs.ParseAt(frame, env.Timestamp)
	if err != nil {
		return Terminal(fmt.Errorf("aprs decode: %w", err))
	}

	fields := map[string]any{
		"callsign":     pkt.Source,
		"latitude":     pkt.Latitude,
		"longitude":    pkt.Longitude,
		"accuracy":     float64(pkt.Ambiguity),
		"comment":      pkt.Comment,
		"symbol_id":    string(pkt.SymbolID),
		"symbol_table": string(pkt.SymbolTable),
		"destination":  pkt.Destination,
		"data_type_id": string(pkt.DataTypeID),
	}
	// Wire units convert before normalization: feet to meters, knots to m/s.
	if pkt.AltitudeFeet != nil {
		fields["altitude"] = *pkt.AltitudeFeet * telemetry.FeetToMeters
	}
	if pkt.SpeedKnots != nil {
		fields["speed"] = *pkt.SpeedKnots * telemetry.KnotsToMPS
	}
	if pkt.CourseDeg != nil {
		fields["course"] = *pkt.CourseDeg
	}
	if pkt.Timestamp != nil {
		fields["data_time"] = *pkt.Timestamp
	}
	var relay *string
	if len(pkt.Path) > 0 {
		path := pkt.Path[len(pkt.Path)-1]
		fields["path"] = pkt.Path
		relay = &path
	}

	return p.finish(ctx, broker.ListAPRS, env, rawMsgID, fields, relay)
}

// ProcessIridium handles one envelope from the iridium list. The payload is
// the full webhook body; its data field is hex-encoded UTF-8 JSON.
func (p *Pipeline) ProcessIridium(ctx context.Context, raw string) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}

	rawMsgID, err := p.Store.InsertRawMessage(ctx, env.Sender, string(env.Payload), env.IngestMethod, "Iridium", env.Timestamp)
	if err != nil {
		return err
	}

	var msg iridiumPayload
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return Terminal(fmt.Errorf("iridium payload: %w", err))
	}

	data, err := hex.DecodeString(msg.Data)
	if err != nil {
		return Terminal(fmt.Errorf("iridium data is not hex: %w", err))
	}
	if !utf8.Valid(data) {
		return Terminal(fmt.Errorf("iridium data is not valid UTF-8"))
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Terminal(fmt.Errorf("iridium data is not JSON: %w", err))
	}

	// Device identity and transmit time ride along in extras.
	extra, _ := fields["extra"].(map[string]any)
	if extra == nil {
		extra = make(map[string]any)
	}
	extra["serial"] = msg.Serial
	extra["transmit_time"] = msg.TransmitTime
	fields["extra"] = extra

	relay := fmt.Sprintf("%d", msg.Serial)
	return p.finish(ctx, broker.ListIridium, env, rawMsgID, fields, &relay)
}

// ProcessLoRa handles one envelope from the lora list; the payload is a
// JSON telemetry object. Direct HTTP JSON posts share this list and differ
// only in the method stamps their envelopes carry.
func (p *Pipeline) ProcessLoRa(ctx context.Context, raw string) error {
	return p.processJSON(ctx, broker.ListLoRa, raw)
}

func (p *Pipeline) processJSON(ctx context.Context, list, raw string) error {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	transmitMethod := env.TransmitMethod
	if transmitMethod == "" {
		transmitMethod = "LoRa"
	}

	rawMsgID, err := p.Store.InsertRawMessage(ctx, env.Sender, env.PayloadString(), env.IngestMethod, transmitMethod, env.Timestamp)
	if err != nil {
		return err
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(env.PayloadString()), &fields); err != nil {
		return Terminal(fmt.Errorf("%s payload is not a JSON object: %w", transmitMethod, err))
	}

	if env.Sender != "" {
		// Every non-empty sender refreshes its liveness key: a gateway id
		// when the post names one, otherwise the client IP ingress filled in.
		if err := p.Broker.GatewaySeen(ctx, env.Sender); err != nil {
			monitoring.Debugf("gateway last-seen update failed sender=%s: %v", env.Sender, err)
		}
	}

	return p.finish(ctx, list, env, rawMsgID, fields, nil)
}

// finish runs the shared tail of every worker: normalize, clamp packet time
// to the envelope, resolve the payload, upsert, link the raw row back, and
// publish the position event on insert.
func (p *Pipeline) finish(ctx context.Context, list string, env *RawEnvelope, rawMsgID int64, fields map[string]any, relay *string) error {
	pkt, err := p.Normalizer.Normalize(fields)
	if err != nil {
		return Terminal(fmt.Errorf("normalize: %w", err))
	}

	// A packet cannot postdate the relay that delivered it. Skew beyond the
	// envelope time is clamped and surfaced as a metric.
	if pkt.DataTime.IsZero() {
		pkt.DataTime = env.Timestamp
	} else if pkt.DataTime.After(env.Timestamp) {
		skew := pkt.DataTime.Sub(env.Timestamp).Seconds()
		monitoring.ClockSkew.Observe(skew)
		monitoring.Warnf("packet data_time ahead of envelope by %.1fs, clamping callsign=%s", skew, pkt.Callsign)
		pkt.DataTime = env.Timestamp
	}

	payloadID, err := p.Store.GetOrCreatePayload(ctx, pkt.Callsign)
	if err != nil {
		return err
	}

	telemetryID, inserted, err := p.Store.UpsertTelemetry(ctx, pkt, payloadID)
	if err != nil {
		return err
	}

	if err := p.Store.LinkRawToTelemetry(ctx, rawMsgID, telemetryID, pkt.Callsign.String(), relay); err != nil {
		return err
	}

	if inserted {
		event := PositionEvent{
			TelemetryID: telemetryID.String(),
			PayloadID:   payloadID,
			Lat:         pkt.Latitude,
			Lon:         pkt.Longitude,
			TS:          pkt.DataTime.UTC().Format(time.RFC3339),
		}
		b, _ := json.Marshal(event)
		if _, err := p.Broker.Publish(ctx, broker.ChannelRealtime, b); err != nil {
			// The row is persisted; losing one fan-out beats re-running the
			// whole worker and duplicating the raw row.
			monitoring.Errorf("publish position event payload=%d: %v", payloadID, err)
		}
	}

	monitoring.WorkerProcessed.WithLabelValues(list).Inc()
	monitoring.Debugf("worker processed list=%s callsign=%s payload_id=%d telemetry_id=%s inserted=%t",
		list, pkt.Callsign, payloadID, telemetryID, inserted)
	return nil
}

// PositionEvent is the realtime fan-out message emitted on every fresh
// telemetry insert.
type PositionEvent struct {
	TelemetryID string  `json:"telemetry_id"`
	PayloadID   int64   `json:"payload_id"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	TS          string  `json:"ts"`
}
