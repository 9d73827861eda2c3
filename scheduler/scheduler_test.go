package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleManualPredictionParsesTrigger(t *testing.T) {
	s := New(nil)

	// A payload-targeted trigger.
	err := s.HandleManualPrediction(context.Background(),
		`{"sender":"10.0.0.5","payload":42,"timestamp":"2025-04-12T18:30:00Z"}`)
	assert.NoError(t, err)

	// A trigger without a payload id runs fleet-wide.
	err = s.HandleManualPrediction(context.Background(),
		`{"sender":"10.0.0.5","payload":null}`)
	assert.NoError(t, err)
}

func TestHandleManualPredictionRejectsMalformed(t *testing.T) {
	s := New(nil)
	err := s.HandleManualPrediction(context.Background(), `{broken`)
	require.Error(t, err)
}

func TestHandleManualPathStorageDown(t *testing.T) {
	s := New(nil)
	// Without storage the refresh fails transiently; the dispatcher retries.
	err := s.HandleManualPath(context.Background(),
		`{"sender":"10.0.0.5","payload":7}`)
	assert.Error(t, err)
}
