package utils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLogger_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{
		Level:     DEBUG,
		Component: "ringio",
		Output:    &buf,
	})

	logger.Info("acquired", Int("size", 64), String("role", "writer"))
	require.NoError(t, logger.Sync())

	out := buf.String()
	assert.Contains(t, out, "ringio")
	assert.Contains(t, out, "acquired")
	assert.Contains(t, out, "size")
	assert.Contains(t, out, "writer")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: WARN, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("visible")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "visible")

	logger.SetLevel(DEBUG)
	logger.Debug("now shown")
	assert.Contains(t, buf.String(), "now shown")
}

func TestLogger_WithKeepsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LoggerConfig{Level: INFO, Output: &buf}).With(String("instance", "audio0"))

	logger.Info("opened")
	assert.Contains(t, buf.String(), "audio0")
}

func TestLogger_InstancesKeepTheirOwnLevel(t *testing.T) {
	var a, b bytes.Buffer
	gpp := NewLogger(LoggerConfig{Level: INFO, Component: "gpp", Output: &a})
	dsp := NewLogger(LoggerConfig{Level: INFO, Component: "dsp", Output: &b})
	child := gpp.Named("ringio")

	gpp.SetLevel(DEBUG)
	child.Debug("child follows its parent")
	dsp.Debug("stays quiet")

	assert.Contains(t, a.String(), "child follows its parent")
	assert.Empty(t, b.String())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("DEBUG"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
	assert.Equal(t, "WARN", WARN.String())
}

func TestWrapError(t *testing.T) {
	base := errors.New("boom")
	wrapped := WrapError(base, "enter lock")

	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, "enter lock: boom", wrapped.Error())
	assert.Equal(t, "bare", WrapError(nil, "bare").Error())
	assert.Equal(t, "pool 3: boom", WrapErrorf(base, "pool %d", 3).Error())
}

type failingCloser struct{ err error }

func (f failingCloser) Close() error { return f.err }

func TestCloseAll_CombinesErrors(t *testing.T) {
	e1 := errors.New("first")
	e2 := errors.New("second")

	err := CloseAll(failingCloser{e1}, nil, failingCloser{nil}, failingCloser{e2})
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.True(t, errors.Is(err, e1))
	assert.True(t, errors.Is(err, e2))

	assert.NoError(t, CloseAll([]io.Closer{}...))
}

func TestGracefulShutdown_RunsInReverseOrder(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, NopLogger())

	var order []string
	gs.Register("region", func() error { order = append(order, "region"); return nil })
	gs.Register("service", func() error { order = append(order, "service"); return nil })
	gs.Register("client", func() error { order = append(order, "client"); return nil })

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"client", "service", "region"}, order)
}

func TestGracefulShutdown_AggregatesFailures(t *testing.T) {
	gs := NewGracefulShutdown(time.Second, NopLogger())
	gs.Register("a", func() error { return errors.New("a failed") })
	gs.Register("b", func() error { return nil })
	gs.Register("c", func() error { return errors.New("c failed") })

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "c failed")
}

func TestGracefulShutdown_Timeout(t *testing.T) {
	gs := NewGracefulShutdown(20*time.Millisecond, NopLogger())
	release := make(chan struct{})
	gs.Register("slow", func() error { <-release; return nil })

	err := gs.Shutdown(context.Background())
	close(release)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
