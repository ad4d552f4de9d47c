package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

func remotePair(t *testing.T, tune func(*RemoteConfig)) (gpp, dsp *Remote) {
	t.Helper()
	mk := func(local, peer sab.ProcessorID) *Remote {
		cfg := DefaultRemoteConfig()
		cfg.Local, cfg.Peer = local, peer
		cfg.Logger = utils.NopLogger()
		if tune != nil {
			tune(&cfg)
		}
		r, err := NewRemote(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = r.Close() })
		return r
	}
	gpp = mk(sab.ProcessorGPP, dsp0)
	dsp = mk(dsp0, sab.ProcessorGPP)

	addr, err := gpp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dsp.Dial(ctx, "ws://"+addr.String()+"/notify"))

	for _, r := range []*Remote{gpp, dsp} {
		select {
		case <-r.Ready():
		case <-time.After(5 * time.Second):
			t.Fatal("hello not exchanged")
		}
	}
	return gpp, dsp
}

func TestRemote_RoundTrip(t *testing.T) {
	gpp, dsp := remotePair(t, nil)

	got := make(chan uint32, 2)
	require.NoError(t, gpp.Register(dsp0, 9, func(from sab.ProcessorID, ev Event, payload uint32) {
		got <- payload
	}))
	require.NoError(t, dsp.Register(sab.ProcessorGPP, 9, func(from sab.ProcessorID, ev Event, payload uint32) {
		got <- payload + 1000
	}))

	require.NoError(t, dsp.Notify(sab.ProcessorGPP, 9, 42))
	require.NoError(t, gpp.Notify(dsp0, 9, 1))

	seen := map[uint32]bool{}
	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			seen[p] = true
		case <-time.After(5 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.True(t, seen[42])
	assert.True(t, seen[1001])
	assert.Equal(t, dsp.Session(), gpp.PeerSession())
	assert.Equal(t, gpp.Session(), dsp.PeerSession())
	assert.Equal(t, uint64(1), dsp.Stats().Sent.Load())
}

func TestRemote_HTTPTestServer(t *testing.T) {
	mk := func(local, peer sab.ProcessorID) *Remote {
		cfg := DefaultRemoteConfig()
		cfg.Local, cfg.Peer = local, peer
		cfg.Logger = utils.NopLogger()
		r, err := NewRemote(cfg)
		require.NoError(t, err)
		return r
	}
	server := mk(sab.ProcessorGPP, dsp0)
	client := mk(dsp0, sab.ProcessorGPP)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()
	defer server.Close()
	defer client.Close()

	got := make(chan uint32, 1)
	require.NoError(t, server.Register(dsp0, 1, func(_ sab.ProcessorID, _ Event, p uint32) { got <- p }))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	require.NoError(t, client.Dial(context.Background(), url))
	<-client.Ready()
	require.NoError(t, client.Notify(sab.ProcessorGPP, 1, 77))

	select {
	case p := <-got:
		assert.Equal(t, uint32(77), p)
	case <-time.After(5 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestRemote_CloseTurnsAwayLatePeers(t *testing.T) {
	mk := func(local, peer sab.ProcessorID) *Remote {
		cfg := DefaultRemoteConfig()
		cfg.Local, cfg.Peer = local, peer
		cfg.Logger = utils.NopLogger()
		r, err := NewRemote(cfg)
		require.NoError(t, err)
		return r
	}
	server := mk(sab.ProcessorGPP, dsp0)
	client := mk(dsp0, sab.ProcessorGPP)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()
	defer client.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var dialers sync.WaitGroup
	for i := 0; i < 4; i++ {
		dialers.Add(1)
		go func() {
			defer dialers.Done()
			for j := 0; j < 5; j++ {
				_ = client.Dial(ctx, url)
			}
		}()
	}

	closed := make(chan struct{})
	go func() {
		_ = server.Close()
		close(closed)
	}()
	dialers.Wait()
	_ = client.Dial(ctx, url)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close still waiting on peer connections")
	}
	require.NoError(t, server.Close())
	_, err := server.Listen("127.0.0.1:0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRemote_RateLimited(t *testing.T) {
	gpp, dsp := remotePair(t, func(cfg *RemoteConfig) {
		cfg.RatePerSecond = 1
		cfg.Burst = 5
	})
	require.NoError(t, gpp.Register(dsp0, 4, func(sab.ProcessorID, Event, uint32) {}))

	var limited, sent int
	for i := 0; i < 50; i++ {
		err := dsp.Notify(sab.ProcessorGPP, 4, uint32(i))
		switch {
		case err == nil:
			sent++
		case assert.ErrorIs(t, err, ErrRateLimited):
			limited++
		}
	}
	assert.Greater(t, sent, 0)
	assert.Greater(t, limited, 0)
	assert.Equal(t, uint64(limited), dsp.Stats().Limited.Load())
}

func TestRemote_BreakerOpensWhenDisconnected(t *testing.T) {
	cfg := DefaultRemoteConfig()
	cfg.Local, cfg.Peer = sab.ProcessorGPP, dsp0
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	cfg.Logger = utils.NopLogger()
	r, err := NewRemote(cfg)
	require.NoError(t, err)
	defer r.Close()

	assert.ErrorIs(t, r.Notify(dsp0, 1, 0), ErrNotConnected)
	assert.ErrorIs(t, r.Notify(dsp0, 1, 0), ErrNotConnected)
	assert.ErrorIs(t, r.Notify(dsp0, 1, 0), ErrBreakerOpen)
}

func TestRemote_RejectsWrongPeer(t *testing.T) {
	cfg := DefaultRemoteConfig()
	cfg.Local, cfg.Peer = sab.ProcessorGPP, dsp0
	cfg.Logger = utils.NopLogger()
	r, err := NewRemote(cfg)
	require.NoError(t, err)
	defer r.Close()

	assert.ErrorIs(t, r.Notify(3, 1, 0), ErrUnknownPeer)
	assert.ErrorIs(t, r.Register(3, 1, func(sab.ProcessorID, Event, uint32) {}), ErrUnknownPeer)

	cfg.Peer = sab.ProcessorGPP
	_, err = NewRemote(cfg)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestFrame_Codec(t *testing.T) {
	in := frame{Kind: frameEvent, Src: sab.ProcessorGPP, Dst: 2, Event: 11, Payload: 0xDEADBEEF}
	data, err := encodeFrame(in)
	require.NoError(t, err)
	out, err := decodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeFrame([]byte{1, 2, 3})
	assert.Error(t, err)
}
