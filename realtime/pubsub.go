package realtime

import (
	"errors"
	"net"

	"github.com/redis/go-redis/v9"
)

// messagePayload extracts the payload from a pub/sub receive result,
// ignoring subscription confirmations and pongs.
func messagePayload(msg any) (string, bool) {
	switch m := msg.(type) {
	case *redis.Message:
		return m.Payload, true
	case *redis.Subscription, *redis.Pong:
		return "", false
	}
	return "", false
}

// isTimeout reports whether a receive error is just the liveness timeout
// expiring rather than a broken subscription.
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
