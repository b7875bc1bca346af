package commitlog

import (
	"sync"
	"time"

	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

const shutdownRetryTimes = 10

// GroupCommitRequest is one producer's wait for durability (or replication)
// of everything up to NextOffset. Single-use latch.
type GroupCommitRequest struct {
	NextOffset int64

	done    chan struct{}
	once    sync.Once
	flushOK bool
}

func NewGroupCommitRequest(nextOffset int64) *GroupCommitRequest {
	return &GroupCommitRequest{
		NextOffset: nextOffset,
		done:       make(chan struct{}),
	}
}

// WakeupCustomer resolves the request and releases the waiting producer.
func (r *GroupCommitRequest) WakeupCustomer(flushOK bool) {
	r.once.Do(func() {
		r.flushOK = flushOK
		close(r.done)
	})
}

// WaitTimeout blocks until resolved or the timeout passes. A timeout
// reports false; the data may still become durable later.
func (r *GroupCommitRequest) WaitTimeout(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.flushOK
	case <-timer.C:
		return false
	}
}

// groupCommitService coalesces synchronous-flush waiters: requests land in
// the write list, each wake swaps it with the read list, one flush covers
// every waiter collected since the previous wake.
type groupCommitService struct {
	serviceState
	c *CommitLog

	mu            sync.Mutex
	requestsWrite []*GroupCommitRequest
	requestsRead  []*GroupCommitRequest
}

func newGroupCommitService(c *CommitLog) *groupCommitService {
	s := &groupCommitService{c: c}
	s.init()
	return s
}

func (s *groupCommitService) putRequest(req *GroupCommitRequest) {
	s.mu.Lock()
	s.requestsWrite = append(s.requestsWrite, req)
	metrics.CommitLogGroupCommitQueueDepth.Set(float64(len(s.requestsWrite)))
	s.mu.Unlock()
	s.wakeup()
}

func (s *groupCommitService) swapRequests() {
	s.mu.Lock()
	s.requestsWrite, s.requestsRead = s.requestsRead, s.requestsWrite
	s.mu.Unlock()
}

func (s *groupCommitService) doCommit() {
	if len(s.requestsRead) > 0 {
		for _, req := range s.requestsRead {
			// The record may straddle a segment boundary, so at most two
			// flushes per request.
			flushOK := false
			for i := 0; i < 2 && !flushOK; i++ {
				flushOK = s.c.store.FlushedWhere() >= req.NextOffset
				if !flushOK {
					s.c.store.Flush(0)
				}
			}
			req.WakeupCustomer(flushOK)
		}

		if ts := s.c.store.StoreTimestamp(); ts > 0 {
			s.c.checkpoint.SetPhysicMsgTimestamp(ts)
		}
		s.requestsRead = s.requestsRead[:0]
	} else {
		// A not-wait-store producer woke us without queueing a request.
		s.c.store.Flush(0)
	}
}

func (s *groupCommitService) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *groupCommitService) run() {
	defer s.wg.Done()
	util.Info("group commit service started")

	for !s.isStopped() {
		s.waitForRunning(10 * time.Millisecond)
		s.swapRequests()
		s.doCommit()
	}

	// Let stragglers land, then drain one more pass.
	time.Sleep(10 * time.Millisecond)
	s.swapRequests()
	s.doCommit()
	util.Info("group commit service end")
}

// flushRealTimeService is the asynchronous flush loop: page-threshold
// driven, with a thorough interval that forces a full flush periodically.
type flushRealTimeService struct {
	serviceState
	c *CommitLog

	lastFlushTimestamp int64
}

func newFlushRealTimeService(c *CommitLog) *flushRealTimeService {
	s := &flushRealTimeService{c: c}
	s.init()
	return s
}

func (s *flushRealTimeService) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *flushRealTimeService) run() {
	defer s.wg.Done()
	util.Info("flush service started")

	for !s.isStopped() {
		cl := s.c.cfg.CommitLog
		interval := time.Duration(cl.FlushIntervalMS) * time.Millisecond
		leastPages := int32(cl.FlushLeastPages)
		thoroughInterval := int64(cl.FlushThoroughIntervalMS)

		now := time.Now().UnixMilli()
		if now >= s.lastFlushTimestamp+thoroughInterval {
			s.lastFlushTimestamp = now
			leastPages = 0
		}

		if cl.FlushTimed {
			time.Sleep(interval)
		} else {
			s.waitForRunning(interval)
		}

		begin := time.Now()
		s.c.store.Flush(leastPages)
		if ts := s.c.store.StoreTimestamp(); ts > 0 {
			s.c.checkpoint.SetPhysicMsgTimestamp(ts)
		}
		elapsed := time.Since(begin)
		metrics.CommitLogFlushLatency.Observe(elapsed.Seconds())
		if elapsed > 500*time.Millisecond {
			util.Warn("flush to disk took %s", elapsed)
		}
	}

	for i := 0; i < shutdownRetryTimes; i++ {
		if s.c.store.Flush(0) {
			continue
		}
		util.Info("flush service shutdown, drained after %d passes", i+1)
		break
	}
	util.Info("flush service end")
}

// commitRealTimeService drains transient write buffers into the mapping;
// only started when the transient store pool is enabled. Moving data wakes
// the flush service.
type commitRealTimeService struct {
	serviceState
	c *CommitLog

	lastCommitTimestamp int64
}

func newCommitRealTimeService(c *CommitLog) *commitRealTimeService {
	s := &commitRealTimeService{c: c}
	s.init()
	return s
}

func (s *commitRealTimeService) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *commitRealTimeService) run() {
	defer s.wg.Done()
	util.Info("commit service started")

	for !s.isStopped() {
		cl := s.c.cfg.CommitLog
		interval := time.Duration(cl.CommitIntervalMS) * time.Millisecond
		leastPages := int32(cl.CommitLeastPages)
		thoroughInterval := int64(cl.CommitThoroughIntervalMS)

		begin := time.Now().UnixMilli()
		if begin >= s.lastCommitTimestamp+thoroughInterval {
			s.lastCommitTimestamp = begin
			leastPages = 0
		}

		if s.c.store.Commit(leastPages) {
			s.lastCommitTimestamp = time.Now().UnixMilli()
			s.c.flusher.wakeup()
		}

		if elapsed := time.Now().UnixMilli() - begin; elapsed > 500 {
			util.Warn("commit to file channel took %dms", elapsed)
		}
		s.waitForRunning(interval)
	}

	for i := 0; i < shutdownRetryTimes; i++ {
		if s.c.store.Commit(0) {
			continue
		}
		util.Info("commit service shutdown, drained after %d passes", i+1)
		break
	}
	util.Info("commit service end")
}

// handleDiskFlush applies the configured durability policy after a
// successful append, outside the put lock.
func (c *CommitLog) handleDiskFlush(result *types.AppendResult, putResult *types.PutResult, waitStoreOK bool) {
	if c.cfg.CommitLog.IsSyncFlush() {
		service := c.flusher.(*groupCommitService)
		if !waitStoreOK {
			service.wakeup()
			return
		}
		req := NewGroupCommitRequest(result.WroteOffset + int64(result.WroteBytes))
		service.putRequest(req)
		timeout := time.Duration(c.cfg.CommitLog.SyncFlushTimeoutMS) * time.Millisecond
		if !req.WaitTimeout(timeout) {
			util.Error("group commit wait failed, offset=%d timeout=%s", req.NextOffset, timeout)
			putResult.Status = types.PutFlushDiskTimeout
		}
		return
	}

	if c.committer != nil {
		c.committer.wakeup()
	} else {
		c.flusher.wakeup()
	}
}
