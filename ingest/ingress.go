package ingest

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/umich-balloons/balloontrack/aprs"
	"github.com/umich-balloons/balloontrack/broker"
	"github.com/umich-balloons/balloontrack/monitoring"
	"github.com/umich-balloons/balloontrack/security"
	"github.com/umich-balloons/balloontrack/storage"
)

// API exposes the HTTP ingress surface: one enqueue endpoint per transport,
// manual trigger endpoints, the telemetry detail read path, and health.
type API struct {
	Broker   *broker.Client
	Store    *storage.Store
	Verifier *security.Verifier
}

// queueResponse is the 202 body for every enqueue endpoint.
type queueResponse struct {
	QueueNumber   int64 `json:"queue_number"`
	DecodeSuccess *bool `json:"decode_success,omitempty"`
}

// transportBody is the shared JSON shape for the APRS and LoRa posts.
type transportBody struct {
	Sender    string          `json:"sender"`
	RawData   json.RawMessage `json:"raw_data"`
	Timestamp *time.Time      `json:"timestamp"`
}

// iridiumBody is the satellite webhook shape. The token never reaches the
// queue; everything else does.
type iridiumBody struct {
	MOMSN            int     `json:"momsn"`
	IMEI             string  `json:"imei"`
	Data             string  `json:"data"`
	Serial           int64   `json:"serial"`
	DeviceType       string  `json:"device_type"`
	IridiumLatitude  float64 `json:"iridium_latitude"`
	IridiumLongitude float64 `json:"iridium_longitude"`
	IridiumCEP       float64 `json:"iridium_cep"`
	TransmitTime     string  `json:"transmit_time"`
	JWT              string  `json:"JWT"`
}

// Routes mounts all ingress endpoints on the router.
func (a *API) Routes(r chi.Router) {
	r.Post("/aprs", a.postAPRS)
	r.Post("/lora", a.postLoRa)
	r.Post("/iridium", a.postIridium)
	r.Post("/manual/aprs", a.postManual(broker.ListAPRS))
	r.Post("/manual/lora", a.postManual(broker.ListLoRa))
	r.Get("/manual/prediction/{payloadID}", a.getManualTrigger(broker.ListPredictFlight))
	r.Get("/manual/path/{payloadID}", a.getManualTrigger(broker.ListGetPath))
	r.Get("/telemetry", a.getTelemetry)
	r.Get("/health", a.getHealth)
}

func (a *API) postAPRS(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeTransportBody(w, r, broker.ListAPRS)
	if !ok {
		return
	}

	// Trial decode so the relay learns immediately whether its frame made
	// sense; the authoritative decode still happens in the worker.
	var decodeSuccess *bool
	var frame string
	if err := json.Unmarshal(body.RawData, &frame); err == nil {
		_, derr := aprs.Parse(frame)
		v := derr == nil
		decodeSuccess = &v
		if derr != nil {
			monitoring.Debugf("aprs trial decode failed: %v", derr)
		}
	}

	a.enqueue(w, r, broker.ListAPRS, &RawEnvelope{
		Sender:       senderOrIP(body.Sender, r),
		Payload:      body.RawData,
		Timestamp:    timestampOrNow(body.Timestamp),
		IngestMethod: "HTTP",
	}, decodeSuccess)
}

func (a *API) postLoRa(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeTransportBody(w, r, broker.ListLoRa)
	if !ok {
		return
	}
	a.enqueue(w, r, broker.ListLoRa, &RawEnvelope{
		Sender:       senderOrIP(body.Sender, r),
		Payload:      body.RawData,
		Timestamp:    timestampOrNow(body.Timestamp),
		IngestMethod: "HTTP",
	}, nil)
}

func (a *API) postIridium(w http.ResponseWriter, r *http.Request) {
	var body iridiumBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		monitoring.IngestRejected.WithLabelValues(broker.ListIridium, "shape").Inc()
		respond422(w, "body", "invalid JSON body: "+err.Error())
		return
	}
	if body.Data == "" || body.IMEI == "" {
		monitoring.IngestRejected.WithLabelValues(broker.ListIridium, "shape").Inc()
		respond422(w, "data", "data and imei are required")
		return
	}

	if _, err := a.Verifier.Verify(body.JWT); err != nil {
		monitoring.IngestRejected.WithLabelValues(broker.ListIridium, "auth").Inc()
		monitoring.Warnf("iridium token rejected: %v", err)
		http.Error(w, "could not validate token signature", http.StatusUnauthorized)
		return
	}

	// Trial hex decode for the response; the worker does the real one.
	_, derr := hex.DecodeString(body.Data)
	decodeSuccess := derr == nil

	body.JWT = ""
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to serialize payload", http.StatusInternalServerError)
		return
	}

	ts := time.Now().UTC()
	if t, err := time.Parse("06-01-02 15:04:05", body.TransmitTime); err == nil {
		ts = t.UTC()
	}

	a.enqueue(w, r, broker.ListIridium, &RawEnvelope{
		Sender:       monitoring.ClientIP(r),
		Payload:      payload,
		Timestamp:    ts,
		IngestMethod: "HTTP",
	}, &decodeSuccess)
}

// postManual accepts a raw string body and enqueues it verbatim; operators
// use it to replay captured frames.
func (a *API) postManual(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil || len(raw) == 0 {
			respond422(w, "body", "raw string body required")
			return
		}
		payload, err := json.Marshal(string(raw))
		if err != nil {
			http.Error(w, "failed to serialize payload", http.StatusInternalServerError)
			return
		}
		a.enqueue(w, r, list, &RawEnvelope{
			Sender:       monitoring.ClientIP(r),
			Payload:      payload,
			Timestamp:    time.Now().UTC(),
			IngestMethod: "manual",
		}, nil)
	}
}

// getManualTrigger enqueues an on-demand run of a scheduled job for one
// payload.
func (a *API) getManualTrigger(list string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payloadID, err := strconv.ParseInt(chi.URLParam(r, "payloadID"), 10, 64)
		if err != nil {
			respond422(w, "payload_id", "payload id must be an integer")
			return
		}
		payload, _ := json.Marshal(payloadID)
		a.enqueue(w, r, list, &RawEnvelope{
			Sender:       monitoring.ClientIP(r),
			Payload:      payload,
			Timestamp:    time.Now().UTC(),
			IngestMethod: "manual",
		}, nil)
	}
}

// enqueue serializes the envelope, appends it to the list, and writes the
// 202 response. Broker unavailability surfaces as 503 so callers retry.
func (a *API) enqueue(w http.ResponseWriter, r *http.Request, list string, env *RawEnvelope, decodeSuccess *bool) {
	b, err := json.Marshal(env)
	if err != nil {
		http.Error(w, "failed to serialize envelope", http.StatusInternalServerError)
		return
	}
	n, err := a.Broker.Push(r.Context(), list, b)
	if err != nil {
		monitoring.IngestRejected.WithLabelValues(list, "broker").Inc()
		monitoring.Errorf("enqueue failed list=%s: %v", list, err)
		http.Error(w, "queue unavailable, retry later", http.StatusServiceUnavailable)
		return
	}
	monitoring.IngestAccepted.WithLabelValues(list).Inc()
	monitoring.Debugf("enqueued list=%s sender=%s queue_number=%d", list, env.Sender, n)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(queueResponse{QueueNumber: n, DecodeSuccess: decodeSuccess})
}

// getTelemetry serves the same cache-first detail lookup the WebSocket
// protocol offers, over plain HTTP.
func (a *API) getTelemetry(w http.ResponseWriter, r *http.Request) {
	payloadID, err := strconv.ParseInt(r.URL.Query().Get("payloadId"), 10, 64)
	if err != nil {
		respond422(w, "payloadId", "payloadId must be an integer")
		return
	}
	timestamp := r.URL.Query().Get("timestamp")
	if timestamp == "" {
		respond422(w, "timestamp", "timestamp is required")
		return
	}

	key := broker.TelemetryCacheKey(payloadID, timestamp)
	if cached, ok, err := a.Broker.CacheGet(r.Context(), key); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(cached))
		return
	}

	detail, err := a.Store.FetchTelemetry(r.Context(), payloadID, timestamp)
	if err != nil {
		http.Error(w, "database error fetching telemetry", http.StatusInternalServerError)
		return
	}
	// Absence is cached too so repeated probes stay off the database.
	b, _ := json.Marshal(detail)
	if err := a.Broker.CacheSet(r.Context(), key, string(b), broker.TelemetryCacheTTL); err != nil {
		monitoring.Debugf("telemetry cache set failed key=%s: %v", key, err)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}

// getHealth reports broker and database connectivity for container probes.
func (a *API) getHealth(w http.ResponseWriter, r *http.Request) {
	brokerStatus, dbStatus := "OK", "OK"
	if err := a.Broker.Ping(r.Context()); err != nil {
		brokerStatus = "Error: " + err.Error()
	}
	if err := a.Store.Ping(r.Context()); err != nil {
		dbStatus = "Error: " + err.Error()
	}
	status := "OK"
	if brokerStatus != "OK" || dbStatus != "OK" {
		status = "Degraded"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status,
		"broker":    brokerStatus,
		"database":  dbStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func decodeTransportBody(w http.ResponseWriter, r *http.Request, list string) (*transportBody, bool) {
	var body transportBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		monitoring.IngestRejected.WithLabelValues(list, "shape").Inc()
		respond422(w, "body", "invalid JSON body: "+err.Error())
		return nil, false
	}
	if len(body.RawData) == 0 {
		monitoring.IngestRejected.WithLabelValues(list, "shape").Inc()
		respond422(w, "raw_data", "raw_data is required")
		return nil, false
	}
	return &body, true
}

func senderOrIP(sender string, r *http.Request) string {
	if sender != "" {
		return sender
	}
	return monitoring.ClientIP(r)
}

func timestampOrNow(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// respond422 reports which field failed and why.
func respond422(w http.ResponseWriter, field, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]string{"field": field, "reason": reason})
}
