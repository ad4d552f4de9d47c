package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/ringio"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint32(sab.ProcessorGPP), cfg.Node.Proc)
	assert.Len(t, cfg.Pools, 3)
	assert.Equal(t, utils.INFO, cfg.LogLevel())

	spec := cfg.LayoutSpec()
	assert.Equal(t, mpcs.DirectorySize(32), spec.MpcsCtrlSize)
	assert.Equal(t, ringio.RegistrySize(32), spec.RingCtrlSize)
	_, err := sab.ComputeLayout(spec)
	assert.NoError(t, err)
}

func TestParse_OverridesKeepDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"node": {"log_level": "debug", "shutdown_timeout": 2000000000},
		"ringio": {"max_entries": 8},
		"journal": {"enabled": true, "path": "/tmp/j.db"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, utils.DEBUG, cfg.LogLevel())
	assert.Equal(t, 2*time.Second, cfg.Node.ShutdownTimeout)
	assert.Equal(t, uint32(8), cfg.Ring.MaxEntries)
	assert.True(t, cfg.Journal.Enabled)

	def := DefaultConfig()
	assert.Equal(t, def.Node.MetricsAddr, cfg.Node.MetricsAddr)
	assert.Equal(t, def.Pools, cfg.Pools)
	assert.Equal(t, def.Mpcs, cfg.Mpcs)
}

func TestParse_ListsReplace(t *testing.T) {
	cfg, err := Parse([]byte(`{
		"pool": [{"size": 131072, "min_block": 64, "owner": 16}],
		"ringio": {"registry_lock_pool": 0},
		"links": [{"peer": 1, "path": "/dev/shm/a"}, {"peer": 2, "path": "/dev/shm/b", "dial": "ws://dsp2"}]
	}`))
	require.NoError(t, err)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, uint32(131072), cfg.Pools[0].Size)
	require.Len(t, cfg.Links, 2)
	assert.Equal(t, "ws://dsp2", cfg.Links[1].Dial)

	pc := cfg.PoolConfig(utils.NopLogger())
	require.Len(t, pc.Pools, 1)
	assert.Equal(t, sab.ProcessorGPP, pc.Pools[0].Owner)
}

func TestParse_BadJSON(t *testing.T) {
	_, err := Parse([]byte(`{"node": `))
	assert.Error(t, err)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"node": {"proc": 0}, "links": [{"peer": 16, "path": "/x"}]}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), cfg.Node.Proc)

	rc := cfg.RemoteConfig(cfg.Links[0], nil)
	assert.Equal(t, sab.ProcessorID(0), rc.Local)
	assert.Equal(t, sab.ProcessorGPP, rc.Peer)
	assert.Equal(t, cfg.Notify.Burst, rc.Burst)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Node.Proc = 99
	cfg.Node.LogLevel = "loud"
	cfg.Pools[1].MinBlock = 12
	cfg.Ring.RegistryLockPool = 7
	cfg.Journal = JournalConfig{Enabled: true}
	cfg.Links = append(cfg.Links, cfg.Links[0])
	cfg.Links[0].Dial = "ws://peer"
	cfg.Links[0].Listen = ":0"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	msgs := multierr.Errors(err)
	assert.Len(t, msgs, 7)
}

func TestValidate_LinkToSelf(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Links[0].Peer = cfg.Node.Proc
	assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
}

func TestValidate_LayoutDoesNotFit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Region.Size = sab.LINK_SIZE_MIN
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "layout")
}

func TestMemInfo_Overrides(t *testing.T) {
	cfg := DefaultConfig()
	info := cfg.MemInfo()
	assert.Equal(t, sab.SimulatedMemInfo(sab.ProcessorGPP, cfg.Region.Size), info)

	cfg.Region.PhysAddr = 0x9000_0000
	info = cfg.MemInfo()
	assert.Equal(t, sab.Addr(0x9000_0000), info.PhysAddr)
	assert.Equal(t, sab.Addr(0x9000_0000), info.DSPAddr)
}

func TestRingConfig_Converts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ring.NotifyEvent = 9
	rc := cfg.RingConfig(nil)
	assert.Equal(t, uint32(32), rc.MaxEntries)
	assert.EqualValues(t, 9, rc.NotifyEvent)

	mc := cfg.MpcsConfig(nil)
	assert.Equal(t, cfg.Mpcs.SpinLimit, mc.SpinLimit)
}
