package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("strict", "fs", "sweep-001", "agent-001")

	c.IncTrialLaunched()
	c.IncTrialFinished()
	c.IncTrialFailed()
	c.IncFlapStop()
	c.IncHeartbeat()
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncHandlerStore(true)
	c.IncHandlerStore(false)
	c.IncHandlerLoad(true)
	c.IncHandlerLoad(false)
	c.IncStorageRetry()

	s := c.Snapshot()

	if s.TrialsLaunched != 1 {
		t.Errorf("TrialsLaunched = %d, want 1", s.TrialsLaunched)
	}
	if s.TrialsFinished != 1 {
		t.Errorf("TrialsFinished = %d, want 1", s.TrialsFinished)
	}
	if s.TrialsFailed != 1 {
		t.Errorf("TrialsFailed = %d, want 1", s.TrialsFailed)
	}
	if s.FlapStops != 1 {
		t.Errorf("FlapStops = %d, want 1", s.FlapStops)
	}
	if s.Heartbeats != 1 {
		t.Errorf("Heartbeats = %d, want 1", s.Heartbeats)
	}
	if s.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", s.CacheHits)
	}
	if s.CacheMisses != 1 {
		t.Errorf("CacheMisses = %d, want 1", s.CacheMisses)
	}
	if s.HandlerStoreOK != 1 || s.HandlerStoreErr != 1 {
		t.Errorf("HandlerStore ok/err = %d/%d, want 1/1", s.HandlerStoreOK, s.HandlerStoreErr)
	}
	if s.HandlerLoadOK != 1 || s.HandlerLoadErr != 1 {
		t.Errorf("HandlerLoad ok/err = %d/%d, want 1/1", s.HandlerLoadOK, s.HandlerLoadErr)
	}
	if s.StorageRetries != 1 {
		t.Errorf("StorageRetries = %d, want 1", s.StorageRetries)
	}
}

func TestCollector_Dimensions(t *testing.T) {
	c := NewCollector("buffered", "s3", "sweep-42", "agent-7")
	s := c.Snapshot()

	if s.Policy != "buffered" {
		t.Errorf("Policy = %q, want %q", s.Policy, "buffered")
	}
	if s.StorageBackend != "s3" {
		t.Errorf("StorageBackend = %q, want %q", s.StorageBackend, "s3")
	}
	if s.SweepID != "sweep-42" {
		t.Errorf("SweepID = %q, want %q", s.SweepID, "sweep-42")
	}
	if s.AgentID != "agent-7" {
		t.Errorf("AgentID = %q, want %q", s.AgentID, "agent-7")
	}
}

func TestCollector_AbsorbPolicyStats(t *testing.T) {
	c := NewCollector("strict", "fs", "sweep-001", "")
	c.AbsorbPolicyStats(100, 92, 8)

	s := c.Snapshot()
	if s.RowsReceived != 100 {
		t.Errorf("RowsReceived = %d, want 100", s.RowsReceived)
	}
	if s.RowsPersisted != 92 {
		t.Errorf("RowsPersisted = %d, want 92", s.RowsPersisted)
	}
	if s.PolicyErrors != 8 {
		t.Errorf("PolicyErrors = %d, want 8", s.PolicyErrors)
	}
}

func TestCollector_SnapshotImmutability(t *testing.T) {
	c := NewCollector("strict", "fs", "sweep-001", "")
	c.IncTrialLaunched()
	c.IncHandlerStore(true)

	s1 := c.Snapshot()

	c.IncTrialFinished()
	c.IncHandlerStore(true)
	c.IncHandlerStore(true)

	if s1.TrialsFinished != 0 {
		t.Errorf("s1.TrialsFinished = %d, want 0 (snapshot should be frozen)", s1.TrialsFinished)
	}
	if s1.HandlerStoreOK != 1 {
		t.Errorf("s1.HandlerStoreOK = %d, want 1 (snapshot should be frozen)", s1.HandlerStoreOK)
	}

	s2 := c.Snapshot()
	if s2.TrialsFinished != 1 {
		t.Errorf("s2.TrialsFinished = %d, want 1", s2.TrialsFinished)
	}
	if s2.HandlerStoreOK != 3 {
		t.Errorf("s2.HandlerStoreOK = %d, want 3", s2.HandlerStoreOK)
	}
}

func TestCollector_NilReceiverSafety(t *testing.T) {
	var c *Collector

	c.IncTrialLaunched()
	c.IncTrialFinished()
	c.IncTrialFailed()
	c.IncFlapStop()
	c.IncHeartbeat()
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncHandlerStore(true)
	c.IncHandlerLoad(false)
	c.IncStorageRetry()
	c.AbsorbPolicyStats(10, 8, 2)

	s := c.Snapshot()
	if s.TrialsLaunched != 0 {
		t.Errorf("nil collector snapshot TrialsLaunched = %d, want 0", s.TrialsLaunched)
	}
	if s.RowsReceived != 0 {
		t.Errorf("nil collector snapshot RowsReceived = %d, want 0", s.RowsReceived)
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	c := NewCollector("strict", "fs", "sweep-001", "")
	const goroutines = 10
	const iterations = 1000

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for range goroutines {
		go func() {
			defer wg.Done()
			for range iterations {
				c.IncTrialLaunched()
				c.IncHandlerStore(true)
				c.IncCacheMiss()
			}
		}()
	}

	wg.Wait()

	s := c.Snapshot()
	want := int64(goroutines * iterations)

	if s.TrialsLaunched != want {
		t.Errorf("TrialsLaunched = %d, want %d", s.TrialsLaunched, want)
	}
	if s.HandlerStoreOK != want {
		t.Errorf("HandlerStoreOK = %d, want %d", s.HandlerStoreOK, want)
	}
	if s.CacheMisses != want {
		t.Errorf("CacheMisses = %d, want %d", s.CacheMisses, want)
	}
}

func TestCollector_ZeroValueSnapshot(t *testing.T) {
	c := NewCollector("strict", "fs", "sweep-001", "")
	s := c.Snapshot()

	if s.TrialsLaunched != 0 || s.TrialsFinished != 0 || s.TrialsFailed != 0 || s.FlapStops != 0 {
		t.Error("fresh collector should have zero trial lifecycle counters")
	}
	if s.RowsReceived != 0 || s.RowsPersisted != 0 || s.PolicyErrors != 0 {
		t.Error("fresh collector should have zero ingestion counters")
	}
	if s.CacheHits != 0 || s.CacheMisses != 0 || s.StorageRetries != 0 {
		t.Error("fresh collector should have zero storage counters")
	}
}
