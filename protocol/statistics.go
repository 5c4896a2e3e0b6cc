package protocol

import "time"

// MemStats describes usage of the management generation.
type MemStats struct {
	MemoryTotalBytes       uint64
	MemoryFreeBytes        uint64
	Pool1TotalBytes        uint64 // Small granules pool.
	Pool1UsedBytes         uint64
	Pool1RecordsLimitBytes uint64 // Owner limit.
	Pool1RecordsUsedBytes  uint64
	Pool2TotalBytes        uint64 // Large granules pool.
	Pool2UsedBytes         uint64

	// Bytes used by owner records, by record type.
	ClientStatesBytes   uint64
	QueuesBytes         uint64
	TopicsBytes         uint64
	SubscriptionsBytes  uint64
	TransactionsBytes   uint64
	MQConnectivityBytes uint64
	RemoteServerBytes   uint64

	RecordSize        uint32
	MemoryUsedPercent uint8
	Pool1UsedPercent  uint8
	Pool2UsedPercent  uint8
}

// Statistics describes the store as a whole.
type Statistics struct {
	// Number of generations (memory and disk), including management.
	GenerationsCount  uint32
	StreamsCount      uint32
	StoreTransRsrvOps uint32
	ActiveGenID       GenID
	StoreDiskUsagePct uint8
	// -1 if no HA synchronization is in progress.
	HASyncCompletionPct int8
	// -1 if the store is not recovering.
	RecoveryCompletionPct int8
	DiskFreeSpaceBytes    uint64
	DiskUsedSpaceBytes    uint64
	// Zero if the last role of this node was not primary.
	PrimaryLastTime           time.Time
	MgmtSmallGranuleSizeBytes uint32
	MgmtGranuleSizeBytes      uint32
	MemStats                  MemStats
}
