package ingest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	raw := `{"sender":"10.0.0.5","payload":{"callsign":"K8XYZ"},"timestamp":"2025-04-12T18:30:00Z","ingest_method":"HTTP","transmit_method":"LoRa"}`
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", env.Sender)
	assert.Equal(t, "HTTP", env.IngestMethod)
	assert.Equal(t, "LoRa", env.TransmitMethod)
	assert.True(t, env.Timestamp.Equal(time.Date(2025, 4, 12, 18, 30, 0, 0, time.UTC)))
}

func TestDecodeEnvelopeDefaultsTimestamp(t *testing.T) {
	before := time.Now().UTC()
	env, err := DecodeEnvelope(`{"sender":"gw-1","payload":"raw frame"}`)
	require.NoError(t, err)
	assert.False(t, env.Timestamp.Before(before))
}

func TestDecodeEnvelopeMalformedIsTerminal(t *testing.T) {
	_, err := DecodeEnvelope(`{not json`)
	require.Error(t, err)
	assert.True(t, IsTerminal(err))
}

func TestPayloadString(t *testing.T) {
	env, err := DecodeEnvelope(`{"sender":"x","payload":"KF8ABL-11>APRS:!4217.67N/08342.78WO"}`)
	require.NoError(t, err)
	assert.Equal(t, "KF8ABL-11>APRS:!4217.67N/08342.78WO", env.PayloadString())

	env, err = DecodeEnvelope(`{"sender":"x","payload":{"lat":1}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":1}`, env.PayloadString())
}

func TestTerminalClassification(t *testing.T) {
	base := errors.New("bad input")
	assert.False(t, IsTerminal(base))
	assert.True(t, IsTerminal(Terminal(base)))
	// Wrapping keeps the classification visible.
	assert.True(t, IsTerminal(fmt.Errorf("decode: %w", Terminal(base))))
	assert.Nil(t, Terminal(nil))
}
