package realtime

import (
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMessagePayload(t *testing.T) {
	p, ok := messagePayload(&redis.Message{Payload: `{"payload_id":1}`})
	assert.True(t, ok)
	assert.Equal(t, `{"payload_id":1}`, p)

	_, ok = messagePayload(&redis.Subscription{})
	assert.False(t, ok)
	_, ok = messagePayload(&redis.Pong{})
	assert.False(t, ok)
	_, ok = messagePayload("something else")
	assert.False(t, ok)
}

func TestIsTimeout(t *testing.T) {
	assert.False(t, isTimeout(errors.New("broken pipe")))
	assert.True(t, isTimeout(timeoutErr{}))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// deliver tolerates malformed events and events for cells nobody watches.
func TestDeliverRobustness(t *testing.T) {
	d := &Dispatcher{Registry: NewRegistry(), Resolution: 7}
	d.deliver(&redis.Message{Payload: `not json`})
	d.deliver(&redis.Message{Payload: `{"telemetry_id":"x","payload_id":3,"lat":40.0,"lon":-75.0,"ts":"2025-04-12T18:30:00Z"}`})
	d.deliver(&redis.Subscription{})
}
