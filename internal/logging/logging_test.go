package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactsSecretKeys(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := FromZap(zap.New(core)).With("project_id", "p1")
	l.Info("webhook delivered", "url", "https://hooks.example/x", "secret", "s3cr3t", "Authorization", "Bearer abc")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "p1", fields["project_id"])
	assert.Equal(t, "https://hooks.example/x", fields["url"])
	assert.Equal(t, "[REDACTED]", fields["secret"])
	assert.Equal(t, "[REDACTED]", fields["Authorization"])
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("dev", "loud")
	assert.Error(t, err)
	l, err := New("prod", "warn")
	require.NoError(t, err)
	assert.False(t, l.SugaredLogger.Desugar().Core().Enabled(zap.InfoLevel))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil).SugaredLogger)
	l := Nop()
	assert.Same(t, l, OrNop(l))
}
