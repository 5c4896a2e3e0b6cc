package store

import (
	"time"

	"github.com/dustin/go-humanize"
	"go.gazette.dev/msgstore/generation"
	pb "go.gazette.dev/msgstore/protocol"
)

// ByteSize is a size in bytes which is parsed from, and printed as, a human
// readable string such as "64MiB".
type ByteSize uint64

// UnmarshalFlag implements flags.Unmarshaler.
func (b *ByteSize) UnmarshalFlag(value string) error {
	var n, err = humanize.ParseBytes(value)
	if err != nil {
		return pb.Errorf(pb.KindConfig, "parsing byte size %q: %s", value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalFlag implements flags.Marshaler.
func (b ByteSize) MarshalFlag() (string, error) { return b.String(), nil }

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Config of an Engine.
type Config struct {
	MemSize              ByteSize `long:"mem-size" env:"MEM_SIZE" default:"64MiB" description:"Total memory of the store, including the management generation"`
	MgmtMemPct           int      `long:"mgmt-mem-pct" env:"MGMT_MEM_PCT" default:"25" description:"Percentage of memory given to the management generation"`
	InMemGensCount       int      `long:"in-mem-gens" env:"IN_MEM_GENS" default:"3" description:"Number of in-memory data generations (2-8)"`
	MgmtSmallGranuleSize ByteSize `long:"mgmt-small-granule" env:"MGMT_SMALL_GRANULE" default:"256B" description:"Granule size of the management small pool"`
	MgmtGranuleSize      ByteSize `long:"mgmt-granule" env:"MGMT_GRANULE" default:"1KiB" description:"Granule size of the management large pool"`
	MgmtSmallPoolPct     int      `long:"mgmt-small-pool-pct" env:"MGMT_SMALL_POOL_PCT" default:"50" description:"Percentage of management memory given to the small pool"`
	SmallGranuleSize     ByteSize `long:"small-granule" env:"SMALL_GRANULE" default:"256B" description:"Granule size of data generation small pools"`
	GranuleSize          ByteSize `long:"granule" env:"GRANULE" default:"1KiB" description:"Granule size of data generation large pools"`
	SmallPoolPct         int      `long:"small-pool-pct" env:"SMALL_POOL_PCT" default:"30" description:"Percentage of data generation memory given to the small pool"`
	RsrvPoolPct          int      `long:"rsrv-pool-pct" env:"RSRV_POOL_PCT" default:"0" description:"Percentage of management memory held back as a reserved pool"`

	OwnerLimitPct     int `long:"owner-limit-pct" env:"OWNER_LIMIT_PCT" default:"90" description:"Percentage of the management small pool which owners may use"`
	StoreTransRsrvOps int `long:"trans-rsrv-ops" env:"TRANS_RSRV_OPS" default:"256" description:"Operations reserved by each stream's transaction log"`

	RefSearchCacheSize int  `long:"ref-cache" env:"REF_CACHE" default:"64" description:"Size of each RefGen's chunk search cache (0 disables)"`
	DisableRefFingers  bool `long:"disable-ref-fingers" env:"DISABLE_REF_FINGERS" description:"Disable the reference chunk skip-index"`
	RefCtxtLocksCount  int  `long:"ref-locks" env:"REF_LOCKS" default:"32" description:"Number of striped reference context locks"`
	RefGenPoolStripes  int  `long:"refgen-stripes" env:"REFGEN_STRIPES" default:"4" description:"Stripes of the RefGen pool"`
	RefGenPoolLWM      int  `long:"refgen-lwm" env:"REFGEN_LWM" default:"8" description:"Low watermark of each RefGen pool stripe"`
	RefGenPoolHWM      int  `long:"refgen-hwm" env:"REFGEN_HWM" default:"64" description:"High watermark of each RefGen pool stripe"`

	GenAlertOnPct   int `long:"gen-alert-on" env:"GEN_ALERT_ON" default:"90" description:"Used percentage of a data pool at which its generation is closed"`
	GenAlertOffPct  int `long:"gen-alert-off" env:"GEN_ALERT_OFF" default:"80" description:"Used percentage of a data pool below which its alert clears"`
	MgmtAlertOnPct  int `long:"mgmt-alert-on" env:"MGMT_ALERT_ON" default:"90" description:"Used percentage of a management pool raising an alert event"`
	MgmtAlertOffPct int `long:"mgmt-alert-off" env:"MGMT_ALERT_OFF" default:"80" description:"Used percentage of a management pool clearing its alert event"`
	DiskAlertOnPct  int `long:"disk-alert-on" env:"DISK_ALERT_ON" default:"90" description:"Disk usage percentage raising an alert event and forcing compaction"`
	DiskAlertOffPct int `long:"disk-alert-off" env:"DISK_ALERT_OFF" default:"80" description:"Disk usage percentage clearing the disk alert event"`

	CompactGensCount int    `long:"compact-gens" env:"COMPACT_GENS" default:"2" description:"Generations considered per compaction pass"`
	CompactImages    bool   `long:"compact-images" env:"COMPACT_IMAGES" description:"Zero free granules of generation images written to disk"`
	CacheFlushMode   string `long:"cache-flush" env:"CACHE_FLUSH" default:"none" choice:"none" choice:"adr" description:"Persist barrier of memory regions"`
	DiskErrorLimit   int    `long:"disk-error-limit" env:"DISK_ERROR_LIMIT" default:"5" description:"Consecutive generation write failures before the store enters DISKERROR"`
	ImageCacheSize   int    `long:"image-cache" env:"IMAGE_CACHE" default:"4" description:"Number of disk generation images cached for reading"`

	JobQueueSize        int           `long:"job-queue" env:"JOB_QUEUE" default:"1024" description:"Buffered background jobs"`
	MaintenanceInterval time.Duration `long:"maintenance" env:"MAINTENANCE" default:"1s" description:"Interval of background maintenance"`

	Standby   bool `long:"standby" env:"STANDBY" description:"Start as an HA standby"`
	ColdStart bool `long:"cold-start" env:"COLD_START" description:"Discard surviving memory and start an empty store"`
}

// DefaultConfig returns the Config having default values of each field.
func DefaultConfig() Config {
	return Config{
		MemSize:              64 << 20,
		MgmtMemPct:           25,
		InMemGensCount:       3,
		MgmtSmallGranuleSize: 256,
		MgmtGranuleSize:      1 << 10,
		MgmtSmallPoolPct:     50,
		SmallGranuleSize:     256,
		GranuleSize:          1 << 10,
		SmallPoolPct:         30,
		OwnerLimitPct:        90,
		StoreTransRsrvOps:    256,
		RefSearchCacheSize:   64,
		RefCtxtLocksCount:    32,
		RefGenPoolStripes:    4,
		RefGenPoolLWM:        8,
		RefGenPoolHWM:        64,
		GenAlertOnPct:        90,
		GenAlertOffPct:       80,
		MgmtAlertOnPct:       90,
		MgmtAlertOffPct:      80,
		DiskAlertOnPct:       90,
		DiskAlertOffPct:      80,
		CompactGensCount:     2,
		CacheFlushMode:       "none",
		DiskErrorLimit:       5,
		ImageCacheSize:       4,
		JobQueueSize:         1024,
		MaintenanceInterval:  time.Second,
	}
}

// Validate returns an error if the Config is not well-formed.
func (cfg Config) Validate() error {
	for _, r := range []struct {
		name     string
		v        int
		min, max int64
	}{
		{"MgmtMemPct", cfg.MgmtMemPct, 1, 90},
		{"InMemGensCount", cfg.InMemGensCount, 2, generation.MaxInMemGens},
		{"MgmtSmallPoolPct", cfg.MgmtSmallPoolPct, 1, 99},
		{"SmallPoolPct", cfg.SmallPoolPct, 1, 99},
		{"RsrvPoolPct", cfg.RsrvPoolPct, 0, 50},
		{"OwnerLimitPct", cfg.OwnerLimitPct, 1, 100},
		{"StoreTransRsrvOps", cfg.StoreTransRsrvOps, 1, 1 << 20},
		{"RefSearchCacheSize", cfg.RefSearchCacheSize, 0, 1 << 16},
		{"RefCtxtLocksCount", cfg.RefCtxtLocksCount, 1, 1 << 16},
		{"RefGenPoolStripes", cfg.RefGenPoolStripes, 1, 1 << 10},
		{"RefGenPoolLWM", cfg.RefGenPoolLWM, 0, int64(cfg.RefGenPoolHWM)},
		{"GenAlertOnPct", cfg.GenAlertOnPct, 1, 100},
		{"GenAlertOffPct", cfg.GenAlertOffPct, 0, int64(cfg.GenAlertOnPct)},
		{"MgmtAlertOnPct", cfg.MgmtAlertOnPct, 1, 100},
		{"MgmtAlertOffPct", cfg.MgmtAlertOffPct, 0, int64(cfg.MgmtAlertOnPct)},
		{"DiskAlertOnPct", cfg.DiskAlertOnPct, 1, 100},
		{"DiskAlertOffPct", cfg.DiskAlertOffPct, 0, int64(cfg.DiskAlertOnPct)},
		{"CompactGensCount", cfg.CompactGensCount, 1, generation.MaxInMemGens * 8},
		{"DiskErrorLimit", cfg.DiskErrorLimit, 1, 1 << 10},
		{"ImageCacheSize", cfg.ImageCacheSize, 1, 1 << 10},
		{"JobQueueSize", cfg.JobQueueSize, 1, 1 << 20},
	} {
		if err := pb.ValidateRange(r.name, int64(r.v), r.min, r.max); err != nil {
			return pb.Errorf(pb.KindConfig, "%s", err)
		}
	}
	if cfg.CacheFlushMode != "none" && cfg.CacheFlushMode != "adr" {
		return pb.Errorf(pb.KindConfig, "invalid CacheFlushMode (%q; expected none or adr)", cfg.CacheFlushMode)
	} else if cfg.MaintenanceInterval <= 0 {
		return pb.Errorf(pb.KindConfig, "invalid MaintenanceInterval (%s; expected > 0)", cfg.MaintenanceInterval)
	}
	var _, _, err = cfg.layouts()
	return err
}

// layouts plans the management and data generation Layouts of the Config.
func (cfg Config) layouts() (mgmt, data generation.Layout, err error) {
	var mgmtSize = uint64(cfg.MemSize) * uint64(cfg.MgmtMemPct) / 100 &^ 7
	var genSize = (uint64(cfg.MemSize) - mgmtSize) / uint64(cfg.InMemGensCount) &^ 7

	if mgmt, err = generation.PlanLayout(mgmtSize, cfg.MgmtSmallPoolPct,
		uint32(cfg.MgmtSmallGranuleSize), uint32(cfg.MgmtGranuleSize), cfg.RsrvPoolPct); err != nil {
		return mgmt, data, pb.Errorf(pb.KindConfig, "management generation: %s", err)
	}
	if data, err = generation.PlanLayout(genSize, cfg.SmallPoolPct,
		uint32(cfg.SmallGranuleSize), uint32(cfg.GranuleSize), 0); err != nil {
		return mgmt, data, pb.Errorf(pb.KindConfig, "data generation: %s", err)
	}
	return mgmt, data, nil
}
