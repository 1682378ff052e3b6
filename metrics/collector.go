// Package metrics provides per-agent metrics collection.
//
// The Collector accumulates counters during a single sweep agent
// process's lifetime. It is a leaf package with no internal
// dependencies. Consumer policy metrics are set in one step through
// AbsorbPolicyStats, which replaces them rather than adding to them.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all metrics. Returned
// by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Sweep agent lifecycle
	TrialsLaunched int64
	TrialsFinished int64
	TrialsFailed   int64
	FlapStops      int64
	Heartbeats     int64

	// Consumer/policy (set by AbsorbPolicyStats)
	RowsReceived  int64
	RowsPersisted int64
	PolicyErrors  int64

	// Storage
	CacheHits       int64
	CacheMisses     int64
	HandlerStoreOK  int64
	HandlerStoreErr int64
	HandlerLoadOK   int64
	HandlerLoadErr  int64
	StorageRetries  int64

	// Dimensions (informational, set at construction)
	Policy         string
	StorageBackend string
	SweepID        string
	AgentID        string
}

// Collector accumulates metrics during a single agent run. Thread-safe
// via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	trialsLaunched int64
	trialsFinished int64
	trialsFailed   int64
	flapStops      int64
	heartbeats     int64

	cacheHits       int64
	cacheMisses     int64
	handlerStoreOK  int64
	handlerStoreErr int64
	handlerLoadOK   int64
	handlerLoadErr  int64
	storageRetries  int64

	rowsReceived  int64
	rowsPersisted int64
	policyErrors  int64

	policy         string
	storageBackend string
	sweepID        string
	agentID        string
}

// NewCollector creates a Collector with dimension labels. sweepID and
// agentID are optional dimensions.
func NewCollector(policy, storageBackend, sweepID, agentID string) *Collector {
	return &Collector{
		policy:         policy,
		storageBackend: storageBackend,
		sweepID:        sweepID,
		agentID:        agentID,
	}
}

// --- Sweep agent lifecycle ---

// IncTrialLaunched records a trial launch (run command dispatched).
func (c *Collector) IncTrialLaunched() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.trialsLaunched++
	c.mu.Unlock()
}

// IncTrialFinished records a trial completion, any exit code.
func (c *Collector) IncTrialFinished() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.trialsFinished++
	c.mu.Unlock()
}

// IncTrialFailed records a trial that exited non-zero.
func (c *Collector) IncTrialFailed() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.trialsFailed++
	c.mu.Unlock()
}

// IncFlapStop records the agent stopping itself via flap protection.
func (c *Collector) IncFlapStop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.flapStops++
	c.mu.Unlock()
}

// IncHeartbeat records a heartbeat round-trip to RemoteAPI.
func (c *Collector) IncHeartbeat() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.heartbeats++
	c.mu.Unlock()
}

// --- Storage ---

// IncCacheHit records a cache.Cache hit.
func (c *Collector) IncCacheHit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// IncCacheMiss records a cache.Cache miss.
func (c *Collector) IncCacheMiss() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cacheMisses++
	c.mu.Unlock()
}

// IncHandlerStore records a storage.Handler.StorePath call outcome.
func (c *Collector) IncHandlerStore(ok bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if ok {
		c.handlerStoreOK++
	} else {
		c.handlerStoreErr++
	}
	c.mu.Unlock()
}

// IncHandlerLoad records a storage.Handler.LoadPath call outcome.
func (c *Collector) IncHandlerLoad(ok bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if ok {
		c.handlerLoadOK++
	} else {
		c.handlerLoadErr++
	}
	c.mu.Unlock()
}

// IncStorageRetry records one retry attempt by storagepolicy.Policy.
func (c *Collector) IncStorageRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.storageRetries++
	c.mu.Unlock()
}

// --- Consumer (absorbed from policy.Stats) ---

// AbsorbPolicyStats copies ingestion counters from policy.Stats into the
// collector, replacing the previous values. The composition root in
// cmd/trackcore-agent does not call it, so there these counters stay zero.
func (c *Collector) AbsorbPolicyStats(totalRows, persisted, errs int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rowsReceived = totalRows
	c.rowsPersisted = persisted
	c.policyErrors = errs
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all metrics. The
// returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		TrialsLaunched: c.trialsLaunched,
		TrialsFinished: c.trialsFinished,
		TrialsFailed:   c.trialsFailed,
		FlapStops:      c.flapStops,
		Heartbeats:     c.heartbeats,

		RowsReceived:  c.rowsReceived,
		RowsPersisted: c.rowsPersisted,
		PolicyErrors:  c.policyErrors,

		CacheHits:       c.cacheHits,
		CacheMisses:     c.cacheMisses,
		HandlerStoreOK:  c.handlerStoreOK,
		HandlerStoreErr: c.handlerStoreErr,
		HandlerLoadOK:   c.handlerLoadOK,
		HandlerLoadErr:  c.handlerLoadErr,
		StorageRetries:  c.storageRetries,

		Policy:         c.policy,
		StorageBackend: c.storageBackend,
		SweepID:        c.sweepID,
		AgentID:        c.agentID,
	}
}
