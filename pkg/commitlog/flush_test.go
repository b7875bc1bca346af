package commitlog_test

import (
	"testing"
	"time"

	"github.com/downfa11-org/go-broker/pkg/commitlog"
	"github.com/downfa11-org/go-broker/pkg/config"
	"github.com/downfa11-org/go-broker/pkg/types"
)

func TestSyncFlushDurable(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.FlushDiskType = "sync"
	})
	c.Start()
	defer c.Shutdown()

	msg := newRecord("durable", 0, []byte("must hit disk"))
	msg.WaitStoreMsgOK = true

	result := c.PutMessage(msg)
	if result.Status != types.PutOK {
		t.Fatalf("sync put status=%v", result.Status)
	}
	if flushed := c.Store().FlushedWhere(); flushed < c.GetMaxOffset() {
		t.Fatalf("flushedWhere=%d behind maxOffset=%d after sync put", flushed, c.GetMaxOffset())
	}
}

// A paused group-commit service makes a 1ms sync wait time out, but the
// record stays in the log and becomes durable once the service runs.
func TestSyncFlushTimeoutWhenServicePaused(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.FlushDiskType = "sync"
		cfg.CommitLog.SyncFlushTimeoutMS = 1
	})
	// Deliberately not started: the service is "paused".

	msg := newRecord("stalled", 0, []byte("late but safe"))
	msg.WaitStoreMsgOK = true

	begin := time.Now()
	result := c.PutMessage(msg)
	if result.Status != types.PutFlushDiskTimeout {
		t.Fatalf("status=%v, expected FLUSH_DISK_TIMEOUT", result.Status)
	}
	if time.Since(begin) > 500*time.Millisecond {
		t.Fatalf("timeout took %s, expected ~1ms", time.Since(begin))
	}

	// Visible despite the timeout.
	if c.GetMaxOffset() == 0 {
		t.Fatal("record should be in the log")
	}

	// Resume the service: the queued request drains and the log flushes.
	c.Start()
	defer c.Shutdown()
	deadline := time.Now().Add(2 * time.Second)
	for c.Store().FlushedWhere() < c.GetMaxOffset() {
		if time.Now().After(deadline) {
			t.Fatalf("flushedWhere=%d never reached maxOffset=%d", c.Store().FlushedWhere(), c.GetMaxOffset())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAsyncFlushEventuallyDurable(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.FlushIntervalMS = 10
		cfg.CommitLog.FlushThoroughIntervalMS = 20
	})
	c.Start()
	defer c.Shutdown()

	c.PutMessage(newRecord("async", 0, []byte("eventually")))

	deadline := time.Now().Add(2 * time.Second)
	for c.Store().FlushedWhere() < c.GetMaxOffset() {
		if time.Now().After(deadline) {
			t.Fatalf("async flush never caught up: flushed=%d max=%d", c.Store().FlushedWhere(), c.GetMaxOffset())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShutdownDrainsFlush(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	c.Start()

	for i := 0; i < 10; i++ {
		c.PutMessage(newRecord("drain", 0, []byte("pending bytes")))
	}
	max := c.GetMaxOffset()
	c.Shutdown()

	if c.Store().FlushedWhere() != max {
		t.Fatalf("shutdown left unflushed bytes: flushed=%d max=%d", c.Store().FlushedWhere(), max)
	}
}

func TestTransientPoolCommitPath(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.TransientStorePoolEnable = true
		cfg.CommitLog.TransientPoolBuffers = 2
		cfg.CommitLog.FileSize = 64 * 1024
		cfg.CommitLog.CommitIntervalMS = 10
		cfg.CommitLog.FlushIntervalMS = 10
	})
	c.Start()
	defer c.Shutdown()

	result := c.PutMessage(newRecord("transient", 0, []byte("through the pool")))
	if !result.IsOK() {
		t.Fatalf("put failed: %v", result.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.RemainDataToCommit() > 0 || c.Store().FlushedWhere() < c.GetMaxOffset() {
		if time.Now().After(deadline) {
			t.Fatalf("commit path stalled: remainCommit=%d flushed=%d max=%d",
				c.RemainDataToCommit(), c.Store().FlushedWhere(), c.GetMaxOffset())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Readable only after commit moved bytes into the mapping.
	buf := c.GetMessage(result.AppendResult.WroteOffset, result.AppendResult.WroteBytes)
	if buf == nil {
		t.Fatal("committed record not readable")
	}
	buf.Release()
}

func TestGroupCommitRequestLatch(t *testing.T) {
	req := commitlog.NewGroupCommitRequest(100)

	done := make(chan bool, 1)
	go func() {
		done <- req.WaitTimeout(time.Second)
	}()
	req.WakeupCustomer(true)
	if ok := <-done; !ok {
		t.Fatal("latch should report success")
	}

	// Single use: a second wakeup cannot change the outcome.
	req.WakeupCustomer(false)
	if !req.WaitTimeout(time.Millisecond) {
		t.Fatal("resolved latch must keep its value")
	}

	slow := commitlog.NewGroupCommitRequest(200)
	if slow.WaitTimeout(5 * time.Millisecond) {
		t.Fatal("unresolved latch should time out false")
	}
}
