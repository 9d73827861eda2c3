package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umich-balloons/balloontrack/storage"
)

func TestClientMessageEnvelope(t *testing.T) {
	raw := `{"type":"getInitialData","payload":{"bbox":{"minLat":41,"minLon":-85,"maxLat":43,"maxLon":-82},"history_seconds":3600},"request_id":"r1"}`
	var msg clientMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "getInitialData", msg.Type)
	assert.Equal(t, "r1", msg.RequestID)

	var req initialDataRequest
	require.NoError(t, json.Unmarshal(msg.Payload, &req))
	assert.Equal(t, 3600, req.HistorySeconds)
	assert.True(t, req.Bbox.Valid())
}

func TestServerMessageOmitsEmptyFields(t *testing.T) {
	b, err := json.Marshal(serverMessage{Type: "error", Error: "boom"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":"boom"}`, string(b))

	b, err = json.Marshal(serverMessage{Type: "telemetryResponse", Data: map[string]any{"telemetry": nil}, RequestID: "r2"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"telemetryResponse","data":{"telemetry":null},"request_id":"r2"}`, string(b))
}

func TestToFeatureCollection(t *testing.T) {
	segs := []storage.PathSegment{
		{PayloadID: 7, Geometry: json.RawMessage(`{"type":"LineString","coordinates":[[-83.7,42.3],[-83.6,42.4]]}`)},
		{PayloadID: 9, Geometry: json.RawMessage(`{"type":"LineString","coordinates":[[-75.0,40.0],[-75.1,40.1]]}`)},
	}
	fc := toFeatureCollection(segs)
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)
	assert.Equal(t, "Feature", fc.Features[0].Type)
	assert.Equal(t, int64(7), fc.Features[0].Properties.PayloadID)

	b, err := json.Marshal(fc)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"coordinates":[[-83.7,42.3],[-83.6,42.4]]`)
	assert.Contains(t, string(b), `"payload_id":9`)
}

func TestToFeatureCollectionEmpty(t *testing.T) {
	fc := toFeatureCollection(nil)
	b, err := json.Marshal(fc)
	require.NoError(t, err)
	// An empty collection serializes with an array, not null.
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(b))
}
