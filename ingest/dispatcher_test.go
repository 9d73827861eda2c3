package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Terminal failures drop immediately: the handler runs exactly once and the
// dispatcher never schedules a retry.
func TestProcessDropsTerminalWithoutRetry(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, raw string) error {
		calls++
		return Terminal(errors.New("unparseable payload"))
	}
	d := NewDispatcher(nil, map[string]Handler{"aprs": handler})
	d.process(context.Background(), "aprs", handler, `{"sender":"x","payload":"junk"}`)
	assert.Equal(t, 1, calls)
}

// A handler that succeeds first try involves no retry machinery.
func TestProcessSuccessSingleAttempt(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, raw string) error {
		calls++
		return nil
	}
	d := NewDispatcher(nil, map[string]Handler{"lora": handler})
	d.process(context.Background(), "lora", handler, `{}`)
	assert.Equal(t, 1, calls)
}

// Cancellation stops the retry ladder between attempts instead of sleeping
// out the full backoff.
func TestProcessTransientStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	handler := func(ctx context.Context, raw string) error {
		calls++
		cancel()
		return errors.New("db unavailable")
	}
	d := NewDispatcher(nil, map[string]Handler{"iridium": handler})
	d.process(ctx, "iridium", handler, `{}`)
	// First attempt runs; the canceled context prevents the 30s backoff wait.
	assert.Equal(t, 1, calls)
}
