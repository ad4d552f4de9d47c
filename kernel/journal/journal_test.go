package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dsplink/kernel/ringio"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(Config{Path: path, Logger: utils.NopLogger()})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func lifecycle(name string) []ringio.Event {
	return []ringio.Event{
		{Kind: ringio.EventCreate, Name: name, Peer: 0, Proc: sab.ProcessorGPP},
		{Kind: ringio.EventOpen, Name: name, Peer: 0, Proc: sab.ProcessorGPP, Role: ringio.RoleWriter},
		{Kind: ringio.EventOpen, Name: name, Peer: sab.ProcessorGPP, Proc: 0, Role: ringio.RoleReader},
		{Kind: ringio.EventClose, Name: name, Peer: 0, Proc: sab.ProcessorGPP, Role: ringio.RoleWriter},
	}
}

func TestJournal_History(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()
	at := time.Unix(1700000000, 42)
	for _, ev := range lifecycle("audio") {
		ev.At = at
		require.NoError(t, j.Record(ctx, ev))
	}
	j.Observe(ringio.Event{Kind: ringio.EventCreate, Name: "video"})

	h, err := j.History(ctx, "audio")
	require.NoError(t, err)
	require.Len(t, h, 4)
	assert.Equal(t, ringio.EventCreate, h[0].Kind)
	assert.False(t, h[0].HasRole)
	assert.True(t, h[0].At.Equal(at))
	assert.True(t, h[2].HasRole)
	assert.Equal(t, ringio.RoleReader, h[2].Role)
	assert.Equal(t, sab.ProcessorID(0), h[2].Proc)
	assert.Equal(t, ringio.EventClose, h[3].Kind)
}

func TestJournal_Recent(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()
	for _, ev := range lifecycle("a") {
		require.NoError(t, j.Record(ctx, ev))
	}

	r, err := j.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, r, 2)
	assert.Equal(t, ringio.EventClose, r[0].Kind)
	assert.Greater(t, r[0].ID, r[1].ID)
}

func TestJournal_Live(t *testing.T) {
	j, _ := openTemp(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		j.Observe(ringio.Event{Kind: ringio.EventCreate, Name: name})
	}
	j.Observe(ringio.Event{Kind: ringio.EventDelete, Name: "b"})
	// recreated after delete
	j.Observe(ringio.Event{Kind: ringio.EventDelete, Name: "c"})
	j.Observe(ringio.Event{Kind: ringio.EventCreate, Name: "c"})

	live, err := j.Live(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, live)
}

func TestJournal_SurvivesReopen(t *testing.T) {
	j, path := openTemp(t)
	j.Observe(ringio.Event{Kind: ringio.EventCreate, Name: "kept"})
	require.NoError(t, j.Close())

	again, err := Open(Config{Path: path, Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer again.Close()
	live, err := again.Live(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, live)
}

func TestJournal_Closed(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Record(context.Background(), ringio.Event{Kind: ringio.EventCreate}), ErrClosed)
	_, err := j.History(context.Background(), "x")
	assert.ErrorIs(t, err, ErrClosed)
	j.Observe(ringio.Event{Kind: ringio.EventCreate, Name: "dropped"})
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(Config{Logger: utils.NopLogger()})
	assert.Error(t, err)
}
