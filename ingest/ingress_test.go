package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umich-balloons/balloontrack/security"
)

// An API without a connected broker: valid bodies reach the enqueue step and
// come back 503, invalid bodies are rejected with 422 before it.
func newDisconnectedAPI(t *testing.T) *API {
	t.Helper()
	return &API{}
}

func TestPostAPRSBadBody(t *testing.T) {
	a := newDisconnectedAPI(t)

	rec := httptest.NewRecorder()
	a.postAPRS(rec, httptest.NewRequest(http.MethodPost, "/aprs", strings.NewReader(`{broken`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["field"])
	assert.NotEmpty(t, body["reason"])
}

func TestPostAPRSMissingRawData(t *testing.T) {
	a := newDisconnectedAPI(t)
	rec := httptest.NewRecorder()
	a.postAPRS(rec, httptest.NewRequest(http.MethodPost, "/aprs", strings.NewReader(`{"sender":"x"}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "raw_data", body["field"])
}

func TestPostAPRSBrokerDown(t *testing.T) {
	a := newDisconnectedAPI(t)
	rec := httptest.NewRecorder()
	a.postAPRS(rec, httptest.NewRequest(http.MethodPost, "/aprs",
		strings.NewReader(`{"raw_data":"KF8ABL-11>APRS,WIDE2-1:!4217.67N/08342.78WO010/005100 ft"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPostLoRaBrokerDown(t *testing.T) {
	a := newDisconnectedAPI(t)
	rec := httptest.NewRecorder()
	a.postLoRa(rec, httptest.NewRequest(http.MethodPost, "/lora",
		strings.NewReader(`{"raw_data":{"callsign":"KD2XYZ","lat":40.0,"lon":-75.0}}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetTelemetryValidation(t *testing.T) {
	a := newDisconnectedAPI(t)

	rec := httptest.NewRecorder()
	a.getTelemetry(rec, httptest.NewRequest(http.MethodGet, "/telemetry?payloadId=abc&timestamp=now", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = httptest.NewRecorder()
	a.getTelemetry(rec, httptest.NewRequest(http.MethodGet, "/telemetry?payloadId=3", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPostIridiumAuthAndShape(t *testing.T) {
	verifier, err := security.NewVerifier("")
	require.NoError(t, err)
	a := &API{Verifier: verifier}

	// Shape failures reject before authentication.
	rec := httptest.NewRecorder()
	a.postIridium(rec, httptest.NewRequest(http.MethodPost, "/iridium", strings.NewReader(`{"momsn":1}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// A malformed token is a 401 and nothing is enqueued.
	body := `{"momsn":1,"imei":"300434063999999","data":"7b7d","serial":12345,` +
		`"device_type":"ROCKBLOCK","iridium_latitude":42.0,"iridium_longitude":-83.0,` +
		`"iridium_cep":8.0,"transmit_time":"25-03-26 23:45:44","JWT":"not.a.token"}`
	rec = httptest.NewRecorder()
	a.postIridium(rec, httptest.NewRequest(http.MethodPost, "/iridium", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
