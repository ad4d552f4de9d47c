// Package config holds the settings of a ring node: the link regions it
// maps, the pools inside them, lock and registry capacities, the
// notification transport and the lifecycle journal.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"

	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/multierr"

	"github.com/nmxmxh/dsplink/kernel/mpcs"
	"github.com/nmxmxh/dsplink/kernel/notify"
	"github.com/nmxmxh/dsplink/kernel/pool"
	"github.com/nmxmxh/dsplink/kernel/ringio"
	"github.com/nmxmxh/dsplink/kernel/sab"
	"github.com/nmxmxh/dsplink/kernel/utils"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Node    NodeConfig    `json:"node"`
	Region  RegionConfig  `json:"sab"`
	Pools   []PoolConfig  `json:"pool"`
	Mpcs    MpcsConfig    `json:"mpcs"`
	Ring    RingConfig    `json:"ringio"`
	Notify  NotifyConfig  `json:"notify"`
	Journal JournalConfig `json:"journal"`
	Links   []LinkConfig  `json:"links"`
}

type NodeConfig struct {
	// Proc is this side's processor id. The GPP is sab.ProcessorGPP.
	Proc            uint32        `json:"proc"`
	LogLevel        string        `json:"log_level"`
	MetricsAddr     string        `json:"metrics_addr"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// RegionConfig sizes every link region. Zero address bases fall back to
// the simulated views.
type RegionConfig struct {
	Size     uint32 `json:"size"`
	PhysAddr uint32 `json:"phys_addr"`
	KernAddr uint32 `json:"kern_addr"`
	UserAddr uint32 `json:"user_addr"`
	DSPAddr  uint32 `json:"dsp_addr"`
}

type PoolConfig struct {
	Size     uint32 `json:"size"`
	MinBlock uint32 `json:"min_block"`
	Owner    uint32 `json:"owner"`
}

type MpcsConfig struct {
	MaxEntries uint32 `json:"max_entries"`
	SpinLimit  int    `json:"spin_limit"`
	YieldEvery int    `json:"yield_every"`
	CacheOps   bool   `json:"cache_ops"`
}

type RingConfig struct {
	MaxEntries       uint32 `json:"max_entries"`
	RegistryLockPool uint32 `json:"registry_lock_pool"`
	NotifyEvent      uint32 `json:"notify_event"`
}

type NotifyConfig struct {
	Path             string        `json:"path"`
	RatePerSecond    int64         `json:"rate_per_second"`
	Burst            int64         `json:"burst"`
	BreakerFailures  uint32        `json:"breaker_failures"`
	BreakerTimeout   time.Duration `json:"breaker_timeout"`
	MaxConns         int           `json:"max_conns"`
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
}

type JournalConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LinkConfig is one processor pairing. The region file is shared with the
// peer process; exactly one side formats it. Listen or Dial sets up the
// notification link when the peer runs in another process.
type LinkConfig struct {
	Peer   uint32 `json:"peer"`
	Path   string `json:"path"`
	Format bool   `json:"format"`
	Listen string `json:"listen"`
	Dial   string `json:"dial"`
}

func DefaultConfig() Config {
	pools := pool.DefaultConfig().Pools
	pc := make([]PoolConfig, len(pools))
	for i, p := range pools {
		pc[i] = PoolConfig{Size: p.Size, MinBlock: p.MinBlock, Owner: uint32(p.Owner)}
	}
	mc := mpcs.DefaultConfig()
	rc := ringio.DefaultConfig()
	nc := notify.DefaultRemoteConfig()
	return Config{
		Node: NodeConfig{
			Proc:            uint32(sab.ProcessorGPP),
			LogLevel:        "INFO",
			MetricsAddr:     ":9464",
			ShutdownTimeout: 10 * time.Second,
		},
		Region: RegionConfig{Size: 2 << 20},
		Pools:  pc,
		Mpcs: MpcsConfig{
			MaxEntries: 32,
			SpinLimit:  mc.SpinLimit,
			YieldEvery: mc.YieldEvery,
			CacheOps:   mc.CacheOps,
		},
		Ring: RingConfig{
			MaxEntries:       rc.MaxEntries,
			RegistryLockPool: rc.RegistryLockPool,
			NotifyEvent:      uint32(rc.NotifyEvent),
		},
		Notify: NotifyConfig{
			Path:             nc.Path,
			RatePerSecond:    nc.RatePerSecond,
			Burst:            nc.Burst,
			BreakerFailures:  nc.BreakerFailures,
			BreakerTimeout:   nc.BreakerTimeout,
			MaxConns:         nc.MaxConns,
			HandshakeTimeout: nc.HandshakeTimeout,
			WriteTimeout:     nc.WriteTimeout,
		},
		Journal: JournalConfig{Path: "ringio-journal.db"},
		Links: []LinkConfig{{
			Peer:   0,
			Path:   sab.DefaultSharedMemoryPath(),
			Format: true,
		}},
	}
}

// Load reads a JSON file over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, utils.WrapError(err, "read config")
	}
	return Parse(data)
}

// Parse decodes JSON over the defaults. Fields absent from data keep
// their default; a list present in data replaces the default list.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := sonnet.Unmarshal(data, &cfg); err != nil {
		return Config{}, utils.WrapError(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate reports every problem it finds, not just the first.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, invalid(format, args...))
	}

	local := sab.ProcessorID(c.Node.Proc)
	if !local.Valid() {
		add("node.proc %d is not a processor", c.Node.Proc)
	}
	switch strings.ToUpper(c.Node.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		add("node.log_level %q", c.Node.LogLevel)
	}
	if c.Node.ShutdownTimeout <= 0 {
		add("node.shutdown_timeout must be positive")
	}

	if c.Region.Size < sab.LINK_SIZE_MIN || c.Region.Size > sab.LINK_SIZE_MAX {
		add("sab.size %d outside [%d, %d]", c.Region.Size, sab.LINK_SIZE_MIN, sab.LINK_SIZE_MAX)
	}
	if len(c.Pools) == 0 {
		add("no pools")
	}
	for i, p := range c.Pools {
		if p.Size == 0 {
			add("pool[%d].size is zero", i)
		}
		if p.MinBlock < 8 || bits.OnesCount32(p.MinBlock) != 1 {
			add("pool[%d].min_block %d must be a power of two >= 8", i, p.MinBlock)
		}
		if !sab.ProcessorID(p.Owner).Valid() {
			add("pool[%d].owner %d is not a processor", i, p.Owner)
		}
	}

	if c.Mpcs.MaxEntries == 0 {
		add("mpcs.max_entries is zero")
	}
	if c.Mpcs.SpinLimit < 0 || c.Mpcs.YieldEvery < 0 {
		add("mpcs spin settings must not be negative")
	}
	if c.Ring.MaxEntries == 0 {
		add("ringio.max_entries is zero")
	}
	if int(c.Ring.RegistryLockPool) >= len(c.Pools) {
		add("ringio.registry_lock_pool %d: only %d pools", c.Ring.RegistryLockPool, len(c.Pools))
	}
	if errs == nil {
		if _, err := sab.ComputeLayout(c.LayoutSpec()); err != nil {
			add("layout: %v", err)
		}
	}

	if c.Notify.RatePerSecond <= 0 || c.Notify.Burst <= 0 {
		add("notify rate and burst must be positive")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		add("journal.path required when the journal is enabled")
	}

	if len(c.Links) == 0 {
		add("no links")
	}
	seen := make(map[uint32]bool, len(c.Links))
	for i, l := range c.Links {
		peer := sab.ProcessorID(l.Peer)
		switch {
		case !peer.Valid():
			add("links[%d].peer %d is not a processor", i, l.Peer)
		case peer == local:
			add("links[%d].peer is this node", i)
		case seen[l.Peer]:
			add("links[%d]: second link to %s", i, peer)
		}
		seen[l.Peer] = true
		if l.Path == "" {
			add("links[%d].path is empty", i)
		}
		if l.Listen != "" && l.Dial != "" {
			add("links[%d] sets both listen and dial", i)
		}
	}
	return errs
}

// LayoutSpec sizes the control regions from the configured capacities.
func (c Config) LayoutSpec() sab.LayoutSpec {
	sizes := make([]uint32, len(c.Pools))
	for i, p := range c.Pools {
		sizes[i] = p.Size
	}
	return sab.LayoutSpec{
		RegionSize:   c.Region.Size,
		MpcsCtrlSize: mpcs.DirectorySize(c.Mpcs.MaxEntries),
		RingCtrlSize: ringio.RegistrySize(c.Ring.MaxEntries),
		PoolSizes:    sizes,
	}
}

func (c Config) MemInfo() sab.MemInfo {
	info := sab.SimulatedMemInfo(sab.ProcessorID(c.Node.Proc), c.Region.Size)
	if c.Region.PhysAddr != 0 {
		info.PhysAddr = sab.Addr(c.Region.PhysAddr)
		info.DSPAddr = info.PhysAddr
	}
	if c.Region.KernAddr != 0 {
		info.KernAddr = sab.Addr(c.Region.KernAddr)
	}
	if c.Region.UserAddr != 0 {
		info.UserAddr = sab.Addr(c.Region.UserAddr)
	}
	if c.Region.DSPAddr != 0 {
		info.DSPAddr = sab.Addr(c.Region.DSPAddr)
	}
	return info
}

func (c Config) PoolConfig(logger *utils.Logger) pool.Config {
	specs := make([]pool.Spec, len(c.Pools))
	for i, p := range c.Pools {
		specs[i] = pool.Spec{Size: p.Size, MinBlock: p.MinBlock, Owner: sab.ProcessorID(p.Owner)}
	}
	return pool.Config{Pools: specs, Logger: logger}
}

func (c Config) MpcsConfig(logger *utils.Logger) mpcs.Config {
	return mpcs.Config{
		SpinLimit:  c.Mpcs.SpinLimit,
		YieldEvery: c.Mpcs.YieldEvery,
		CacheOps:   c.Mpcs.CacheOps,
		Logger:     logger,
	}
}

func (c Config) RingConfig(logger *utils.Logger) ringio.Config {
	rc := ringio.DefaultConfig()
	rc.MaxEntries = c.Ring.MaxEntries
	rc.RegistryLockPool = c.Ring.RegistryLockPool
	rc.NotifyEvent = notify.Event(c.Ring.NotifyEvent)
	rc.Logger = logger
	return rc
}

func (c Config) RemoteConfig(l LinkConfig, logger *utils.Logger) notify.RemoteConfig {
	return notify.RemoteConfig{
		Local:            sab.ProcessorID(c.Node.Proc),
		Peer:             sab.ProcessorID(l.Peer),
		Path:             c.Notify.Path,
		RatePerSecond:    c.Notify.RatePerSecond,
		Burst:            c.Notify.Burst,
		BreakerFailures:  c.Notify.BreakerFailures,
		BreakerTimeout:   c.Notify.BreakerTimeout,
		MaxConns:         c.Notify.MaxConns,
		HandshakeTimeout: c.Notify.HandshakeTimeout,
		WriteTimeout:     c.Notify.WriteTimeout,
		Logger:           logger,
	}
}

func (c Config) LogLevel() utils.LogLevel {
	return utils.ParseLevel(strings.ToUpper(c.Node.LogLevel))
}
