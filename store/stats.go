package store

import (
	"go.gazette.dev/msgstore/generation"
	pb "go.gazette.dev/msgstore/protocol"
)

// Statistics returns statistics of the store as a whole.
func (e *Engine) Statistics() pb.Statistics {
	var mgmt = e.gens.Mgmt()
	var hdr = mgmt.Header()
	var ds = e.disk.Statistics()

	var st = pb.Statistics{
		GenerationsCount:  uint32(e.ids.Len()) + 1,
		StoreTransRsrvOps: uint32(e.cfg.StoreTransRsrvOps),
		ActiveGenID:       e.ActiveGenID(),
		StoreDiskUsagePct: uint8(ds.UsagePct),

		HASyncCompletionPct: -1,
		DiskFreeSpaceBytes:  ds.FreeBytes,
		DiskUsedSpaceBytes:  ds.UsedBytes,

		MgmtSmallGranuleSizeBytes: mgmt.Pools[0].GranuleSize(),
		MgmtGranuleSizeBytes:      mgmt.Pools[1].GranuleSize(),
	}
	if hdr.WasPrimary || hdr.Role == generation.RolePrimary {
		st.PrimaryLastTime = hdr.PrimaryTime
	}
	if pct := e.ha.SyncCompletionPct(); pct >= 0 && pct < 100 {
		st.HASyncCompletionPct = int8(pct)
	}

	e.mu.Lock()
	st.StreamsCount = uint32(len(e.streams))
	st.RecoveryCompletionPct = e.recoveryPct
	e.mu.Unlock()

	st.MemStats = e.memStats(mgmt)
	return st
}

func (e *Engine) memStats(mgmt *generation.Generation) pb.MemStats {
	var p0, p1 = mgmt.Pools[0], mgmt.Pools[1]
	var ms pb.MemStats

	var total = func(gs, n uint32) uint64 { return uint64(gs) * uint64(n) }

	ms.Pool1TotalBytes = total(p0.GranuleSize(), p0.MaxCount())
	ms.Pool1UsedBytes = total(p0.GranuleSize(), p0.MaxCount()-p0.FreeCount())
	ms.Pool2TotalBytes = total(p1.GranuleSize(), p1.MaxCount())
	ms.Pool2UsedBytes = total(p1.GranuleSize(), p1.MaxCount()-p1.FreeCount())
	ms.Pool1RecordsLimitBytes = ms.Pool1TotalBytes * uint64(e.cfg.OwnerLimitPct) / 100

	ms.MemoryTotalBytes = ms.Pool1TotalBytes + ms.Pool2TotalBytes
	ms.MemoryFreeBytes = ms.MemoryTotalBytes - ms.Pool1UsedBytes - ms.Pool2UsedBytes
	ms.RecordSize = p0.GranuleSize()

	e.ownerMu.Lock()
	for typ, n := range e.ownerBytes {
		ms.Pool1RecordsUsedBytes += n

		switch typ {
		case pb.RecordClient:
			ms.ClientStatesBytes += n
		case pb.RecordQueue:
			ms.QueuesBytes += n
		case pb.RecordTopic:
			ms.TopicsBytes += n
		case pb.RecordSubsc:
			ms.SubscriptionsBytes += n
		case pb.RecordTrans:
			ms.TransactionsBytes += n
		case pb.RecordBMgr:
			ms.MQConnectivityBytes += n
		case pb.RecordRemSrv:
			ms.RemoteServerBytes += n
		}
	}
	e.ownerMu.Unlock()

	ms.MemoryUsedPercent = percent(ms.MemoryTotalBytes-ms.MemoryFreeBytes, ms.MemoryTotalBytes)
	ms.Pool1UsedPercent = percent(ms.Pool1UsedBytes, ms.Pool1TotalBytes)
	ms.Pool2UsedPercent = percent(ms.Pool2UsedBytes, ms.Pool2TotalBytes)
	return ms
}

func percent(n, d uint64) uint8 {
	if d == 0 {
		return 0
	}
	return uint8(n * 100 / d)
}

// GenerationInfo describes a data generation of the store.
type GenerationInfo struct {
	ID    pb.GenID
	State generation.State
	// Slot is the in-memory slot of the generation, or -1 if it's resident
	// only on disk.
	Slot int
	// Pools are statistics of the generation's pools, if it's in memory.
	Pools    [generation.PoolsCount]generation.PoolStats
	DiskSize uint64
	// LiveGranules and TotalGranules are tracked for generations which are
	// no longer writable.
	LiveGranules  uint32
	TotalGranules uint32
	Records       uint64
	Deleted       uint64
}

// Generations returns a GenerationInfo of each data generation, ordered
// from oldest to newest.
func (e *Engine) Generations() []GenerationInfo {
	var out []GenerationInfo

	for _, id := range e.ids.IDs() {
		var info = GenerationInfo{ID: id, Slot: -1, State: generation.StateWriteCompleted}

		if g, ok := e.gens.Lookup(id); ok {
			var st = g.Stats()
			info.State, info.Slot, info.Pools = st.State, g.Index, st.Pools
		}
		e.mapsMu.Lock()
		var m = e.maps[id]
		e.mapsMu.Unlock()

		if m != nil {
			m.Mu.Lock()
			info.DiskSize = m.DiskFileSize
			info.LiveGranules = m.Live()
			info.TotalGranules = m.Total()
			info.Records = m.RecordsCount
			info.Deleted = m.DelRecordsCount
			m.Mu.Unlock()
		}
		out = append(out, info)
	}
	return out
}
