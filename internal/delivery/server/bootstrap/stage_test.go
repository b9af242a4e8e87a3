package bootstrap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimg/internal/shared/logging"
)

func TestRunStagesFailsOnRequired(t *testing.T) {
	degraded := NewDegradedComponents()
	stages := []Stage{
		{Name: "ok", Required: true, Init: func() error { return nil }},
		{Name: "fail", Required: true, Init: func() error { return errors.New("boom") }},
		{Name: "unreached", Required: true, Init: func() error {
			t.Fatal("should not be reached")
			return nil
		}},
	}

	err := RunStages(stages, degraded, logging.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"fail"`)
	assert.True(t, degraded.IsEmpty())
}

func TestRunStagesRecordsDegradedForOptional(t *testing.T) {
	degraded := NewDegradedComponents()
	reached := false
	stages := []Stage{
		{Name: "tracing", Required: false, Init: func() error { return errors.New("collector down") }},
		{Name: "storage", Required: true, Init: func() error { reached = true; return nil }},
	}

	require.NoError(t, RunStages(stages, degraded, logging.Nop()))
	assert.True(t, reached)
	assert.Equal(t, []string{"tracing"}, degraded.Names())
	reason, ok := degraded.Reason("tracing")
	assert.True(t, ok)
	assert.Equal(t, "collector down", reason)
}
