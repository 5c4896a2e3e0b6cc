package store

import (
	"testing"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/msgstore/protocol"
)

func TestConfigFlagDefaultsMatchDefaultConfig(t *testing.T) {
	var cfg Config
	var _, err = flags.NewParser(&cfg, flags.None).ParseArgs(nil)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestConfigFlagParsing(t *testing.T) {
	var cfg Config
	var _, err = flags.NewParser(&cfg, flags.None).ParseArgs([]string{
		"--mem-size", "1GiB",
		"--in-mem-gens", "4",
		"--granule", "2KiB",
		"--cache-flush", "adr",
	})
	require.NoError(t, err)
	require.Equal(t, ByteSize(1<<30), cfg.MemSize)
	require.Equal(t, 4, cfg.InMemGensCount)
	require.Equal(t, ByteSize(2048), cfg.GranuleSize)
	require.Equal(t, "adr", cfg.CacheFlushMode)
	require.Equal(t, "1.0 GiB", cfg.MemSize.String())

	_, err = flags.NewParser(&cfg, flags.None).ParseArgs([]string{"--mem-size", "lots"})
	require.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	for _, tc := range []struct {
		fn     func(*Config)
		expect string
	}{
		{func(c *Config) { c.InMemGensCount = 1 }, "InMemGensCount"},
		{func(c *Config) { c.InMemGensCount = 9 }, "InMemGensCount"},
		{func(c *Config) { c.GenAlertOffPct = 95 }, "GenAlertOffPct"},
		{func(c *Config) { c.RefGenPoolLWM = 100 }, "RefGenPoolLWM"},
		{func(c *Config) { c.CacheFlushMode = "always" }, "CacheFlushMode"},
		{func(c *Config) { c.MaintenanceInterval = 0 }, "MaintenanceInterval"},
		{func(c *Config) { c.MemSize = 16 << 10 }, "generation"},
		{func(c *Config) { c.GranuleSize = 100 }, "granule size"},
	} {
		var cfg = DefaultConfig()
		tc.fn(&cfg)

		var err = cfg.Validate()
		require.Error(t, err)
		require.Contains(t, err.Error(), tc.expect)
		require.Equal(t, pb.KindConfig, pb.KindOf(err))
	}
}

func TestConfigLayouts(t *testing.T) {
	var cfg = DefaultConfig()
	var mgmt, data, err = cfg.layouts()
	require.NoError(t, err)

	require.Equal(t, uint64(16<<20), mgmt.MemSize)
	require.Equal(t, uint64(16<<20), data.MemSize)
	require.Equal(t, uint32(256), mgmt.Pools[0].GranuleSize)
	require.Equal(t, uint32(1024), data.Pools[1].GranuleSize)
	require.Equal(t, uint64(0), mgmt.RsrvSize)

	cfg.RsrvPoolPct = 10
	mgmt, _, err = cfg.layouts()
	require.NoError(t, err)
	require.NotZero(t, mgmt.RsrvSize)
	require.Equal(t, mgmt.MemSize-mgmt.RsrvSize, mgmt.RsrvOffset)
}

func TestHeapMemory(t *testing.T) {
	var m = NewHeapMemory()
	m.Limit = 1 << 10

	var b, existed, err = m.Map(0, 512)
	require.NoError(t, err)
	require.False(t, existed)
	b[0] = 0xff

	b, existed, err = m.Map(0, 512)
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, byte(0xff), b[0])

	// Regions are remapped only at their original size.
	_, _, err = m.Map(0, 256)
	require.Equal(t, pb.ErrAllocError, errors.Cause(err))
	// And may not exceed the Limit.
	_, _, err = m.Map(1, 1024)
	require.Equal(t, pb.ErrAllocError, errors.Cause(err))

	require.NoError(t, m.Release())
	_, existed, err = m.Map(0, 512)
	require.NoError(t, err)
	require.False(t, existed)
}
