package commitlog_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/downfa11-org/go-broker/pkg/commitlog"
	"github.com/downfa11-org/go-broker/pkg/config"
	"github.com/downfa11-org/go-broker/pkg/segment"
	"github.com/downfa11-org/go-broker/pkg/types"
)

type recordingSink struct {
	dispatched []*types.DispatchRequest
	truncated  []int64
	destroyed  bool
}

func (s *recordingSink) Dispatch(req *types.DispatchRequest) {
	s.dispatched = append(s.dispatched, req)
}

func (s *recordingSink) TruncateDirtyLogics(phyOffset int64) {
	s.truncated = append(s.truncated, phyOffset)
}

func (s *recordingSink) DestroyLogics() { s.destroyed = true }

// seedLog writes n records and returns the log directory, the final max
// offset and the individual append results.
func seedLog(t *testing.T, n int, mutate func(cfg *config.Config)) (string, int64, []*types.AppendResult) {
	t.Helper()
	c, cfg, cp := newTestLog(t, mutate)

	var results []*types.AppendResult
	for i := 0; i < n; i++ {
		r := c.PutMessage(newRecord("recoverable", 0, []byte("record body payload")))
		if !r.IsOK() {
			t.Fatalf("seed put %d failed: %v", i, r.Status)
		}
		results = append(results, r.AppendResult)
	}
	max := c.GetMaxOffset()
	c.Flush()
	cp.SetPhysicMsgTimestamp(time.Now().UnixMilli())
	cp.SetLogicsMsgTimestamp(time.Now().UnixMilli())
	cp.Flush()
	c.Shutdown()
	return cfg.LogDir, max, results
}

func reopenLog(t *testing.T, dir string, lastExitOK bool, sink commitlog.DispatchSink, mutate func(cfg *config.Config)) *commitlog.CommitLog {
	t.Helper()
	cfg := &config.Config{LogDir: dir}
	cfg.CommitLog.FileSize = 1024 * 1024
	cfg.CommitLog.UseReentrantLockOnPut = true
	if mutate != nil {
		mutate(cfg)
	}
	cfg.Normalize()

	cp, err := segment.OpenCheckpoint(filepath.Join(dir, "checkpoint"))
	if err != nil {
		t.Fatalf("OpenCheckpoint: %v", err)
	}
	t.Cleanup(cp.Close)

	c, err := commitlog.New(cfg, cp, commitlog.Options{Dispatch: sink, StoreHost: testHost()})
	if err != nil {
		t.Fatalf("commitlog.New: %v", err)
	}
	if err := c.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	c.Recover(lastExitOK)
	return c
}

func TestNormalRecoveryRestoresOffsets(t *testing.T) {
	dir, max, _ := seedLog(t, 5, nil)

	c := reopenLog(t, dir, true, nil, nil)
	defer c.Shutdown()

	if c.GetMaxOffset() != max {
		t.Fatalf("recovered maxOffset=%d, expected %d", c.GetMaxOffset(), max)
	}
	if c.Store().FlushedWhere() != max || c.Store().CommittedWhere() != max {
		t.Fatalf("flushed=%d committed=%d, expected %d",
			c.Store().FlushedWhere(), c.Store().CommittedWhere(), max)
	}

	// The queue table was replayed: the next put continues the sequence.
	r := c.PutMessage(newRecord("recoverable", 0, []byte("after restart")))
	if r.AppendResult.LogicsOffset != 5 {
		t.Fatalf("queueOffset after recovery=%d, expected 5", r.AppendResult.LogicsOffset)
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir, max, _ := seedLog(t, 3, nil)

	c := reopenLog(t, dir, true, nil, nil)
	flushed := c.Store().FlushedWhere()

	c.Recover(true)
	if c.GetMaxOffset() != max || c.Store().FlushedWhere() != flushed {
		t.Fatalf("second recovery changed state: max=%d flushed=%d", c.GetMaxOffset(), c.Store().FlushedWhere())
	}
	c.Shutdown()
}

func TestAbnormalRecoveryTruncatesTornRecord(t *testing.T) {
	dir, max, results := seedLog(t, 4, nil)
	last := results[len(results)-1]
	boundary := last.WroteOffset

	// Tear the last record's header, as a crash mid-write would.
	segPath := filepath.Join(dir, "commitlog", "00000000000000000000")
	f, err := os.OpenFile(segPath, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	if _, err := f.WriteAt(make([]byte, 8), boundary); err != nil {
		t.Fatalf("corrupt segment: %v", err)
	}
	f.Close()

	sink := &recordingSink{}
	c := reopenLog(t, dir, false, sink, nil)
	defer c.Shutdown()

	if c.GetMaxOffset() != boundary {
		t.Fatalf("recovered maxOffset=%d, expected truncation at %d (full was %d)", c.GetMaxOffset(), boundary, max)
	}
	if c.Store().FlushedWhere() != boundary {
		t.Fatalf("flushedWhere=%d, expected %d", c.Store().FlushedWhere(), boundary)
	}
	// The three intact records were re-dispatched for index rebuild, and
	// the sink was told to truncate past the boundary.
	if len(sink.dispatched) != 3 {
		t.Fatalf("dispatched %d records, expected 3", len(sink.dispatched))
	}
	if len(sink.truncated) != 1 || sink.truncated[0] != boundary {
		t.Fatalf("truncate notifications: %v", sink.truncated)
	}

	// New appends continue from the truncation point.
	r := c.PutMessage(newRecord("recoverable", 0, []byte("post crash")))
	if r.AppendResult.WroteOffset != boundary {
		t.Fatalf("next append at %d, expected %d", r.AppendResult.WroteOffset, boundary)
	}
	if r.AppendResult.LogicsOffset != 3 {
		t.Fatalf("queueOffset=%d, expected 3 (torn record never counted)", r.AppendResult.LogicsOffset)
	}
}

func TestAbnormalRecoveryEmptyStoreDestroysLogics(t *testing.T) {
	sink := &recordingSink{}
	c := reopenLog(t, t.TempDir(), false, sink, nil)
	defer c.Shutdown()

	if !sink.destroyed {
		t.Fatal("empty store should destroy logical structures")
	}
	if c.GetMaxOffset() != 0 || c.Store().FlushedWhere() != 0 {
		t.Fatal("empty store should recover to zero offsets")
	}
}

func TestDuplicationModeGatesDispatch(t *testing.T) {
	dir, _, results := seedLog(t, 4, nil)

	sink := &recordingSink{}
	c := reopenLog(t, dir, false, sink, func(cfg *config.Config) {
		cfg.CommitLog.DuplicationEnable = true
	})
	defer c.Shutdown()

	// Confirm offset is zero, so nothing is below it and nothing dispatches.
	if len(sink.dispatched) != 0 {
		t.Fatalf("dispatched %d records with confirmOffset=0, expected none", len(sink.dispatched))
	}
	_ = results
}

func TestResetOffsetClearsQueueTable(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	var second int64
	for i := 0; i < 3; i++ {
		r := c.PutMessage(newRecord("reset", 0, []byte("row")))
		if i == 2 {
			second = r.AppendResult.WroteOffset
		}
	}

	if !c.ResetOffset(second) {
		t.Fatal("reset within the log should succeed")
	}
	if c.GetMaxOffset() != second {
		t.Fatalf("maxOffset=%d after reset, expected %d", c.GetMaxOffset(), second)
	}

	// Table was cleared; replaying from disk would rebuild it, a fresh put
	// starts from slot 0.
	r := c.PutMessage(newRecord("reset", 0, []byte("fresh")))
	if r.AppendResult.LogicsOffset != 0 {
		t.Fatalf("queueOffset after reset=%d, expected 0", r.AppendResult.LogicsOffset)
	}
}

func TestPickupStoreTimestamp(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	r := c.PutMessage(newRecord("ts", 0, []byte("stamped")))
	ts := c.PickupStoreTimestamp(r.AppendResult.WroteOffset, r.AppendResult.WroteBytes)
	if ts != r.AppendResult.StoreTimestamp {
		t.Fatalf("pickup=%d, expected %d", ts, r.AppendResult.StoreTimestamp)
	}
	if c.PickupStoreTimestamp(1<<40, 100) != -1 {
		t.Fatal("out of range pickup should be -1")
	}
}
