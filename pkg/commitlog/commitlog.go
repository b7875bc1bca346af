package commitlog

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-broker/pkg/config"
	"github.com/downfa11-org/go-broker/pkg/segment"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

// DispatchSink receives decoded records during recovery so secondary
// structures (consume queues, message index) can be rebuilt, truncated or
// destroyed alongside the log.
type DispatchSink interface {
	Dispatch(req *types.DispatchRequest)
	TruncateDirtyLogics(phyOffset int64)
	DestroyLogics()
}

// HAService is the replication subsystem as the log sees it: enough to ask
// whether a follower can take the next offset, queue a wait request, and
// kick the transfer thread.
type HAService interface {
	IsSlaveOK(nextOffset int64) bool
	Submit(req *GroupCommitRequest)
	WakeupTransfer()
}

type flushService interface {
	start()
	shutdown()
	wakeup()
}

// CommitLog is the append-only persistent log. All appends serialize
// through one put lock; durability and replication waits happen outside it.
type CommitLog struct {
	cfg        *config.Config
	store      *segment.Store
	checkpoint *segment.StoreCheckpoint
	dispatch   DispatchSink
	ha         HAService
	sched      ScheduleService

	putLock         PutLock
	beginTimeInLock atomic.Int64
	confirmOffset   atomic.Int64

	// "topic-queueId" -> next queue offset; mutated only under the put lock,
	// removal takes its own critical section.
	topicQueueTable map[string]int64
	removeQueueMu   sync.Mutex

	appendCB *appendCallback
	encoders sync.Pool

	flusher   flushService
	committer *commitRealTimeService

	storeHost types.HostAddr
}

// Options carries the collaborator handles. Dispatch is required for
// abnormal recovery; HA may be nil outside SYNC_MASTER setups; Schedule
// defaults to the built-in delay ladder.
type Options struct {
	Dispatch  DispatchSink
	HA        HAService
	Schedule  ScheduleService
	StoreHost types.HostAddr
}

func New(cfg *config.Config, checkpoint *segment.StoreCheckpoint, opts Options) (*CommitLog, error) {
	cl := cfg.CommitLog

	sched := opts.Schedule
	if sched == nil {
		table, err := NewDelayLevelTable(cl.MessageDelayLevels)
		if err != nil {
			return nil, fmt.Errorf("delay level table: %w", err)
		}
		sched = table
	}

	var pool *segment.TransientPool
	if cl.TransientStorePoolEnable {
		pool = segment.NewTransientPool(cl.TransientPoolBuffers, int32(cl.FileSize))
	}

	c := &CommitLog{
		cfg:             cfg,
		store:           segment.NewStore(filepath.Join(cfg.LogDir, "commitlog"), int32(cl.FileSize), pool),
		checkpoint:      checkpoint,
		dispatch:        opts.Dispatch,
		ha:              opts.HA,
		sched:           sched,
		putLock:         NewPutLock(cl.UseReentrantLockOnPut),
		topicQueueTable: make(map[string]int64, 1024),
		storeHost:       opts.StoreHost,
	}
	c.appendCB = newAppendCallback(c, int32(cl.MaxMessageSize))
	c.encoders = sync.Pool{
		New: func() any { return newBatchEncoder(int32(cl.MaxMessageSize)) },
	}

	if cl.IsSyncFlush() {
		c.flusher = newGroupCommitService(c)
	} else {
		c.flusher = newFlushRealTimeService(c)
	}
	if cl.TransientStorePoolEnable {
		c.committer = newCommitRealTimeService(c)
	}
	return c, nil
}

// Load maps the on-disk segments. Recovery runs separately before Start.
func (c *CommitLog) Load() error {
	if err := c.store.Load(); err != nil {
		return err
	}
	util.Info("commitlog loaded, %d segments in %s", len(c.store.Segments()), c.store.Dir())
	return nil
}

// Start launches the durability services.
func (c *CommitLog) Start() {
	c.flusher.start()
	if c.committer != nil {
		c.committer.start()
	}
}

// Shutdown stops the services, draining pending flushes with bounded
// retries, then unmaps the store.
func (c *CommitLog) Shutdown() {
	if c.committer != nil {
		c.committer.shutdown()
	}
	c.flusher.shutdown()
	c.store.Shutdown(1000 * 3)
	util.Info("commitlog shut down, flushedWhere=%d", c.store.FlushedWhere())
}

// Flush forces everything written so far to disk and returns the flushed
// offset.
func (c *CommitLog) Flush() int64 {
	c.store.Commit(0)
	c.store.Flush(0)
	return c.store.FlushedWhere()
}

func (c *CommitLog) GetMaxOffset() int64 { return c.store.MaxOffset() }

// GetMinOffset is the first readable physical offset; a first segment that
// is mid-deletion rolls forward to the next boundary.
func (c *CommitLog) GetMinOffset() int64 {
	min := c.store.MinOffset()
	if min < 0 {
		return 0
	}
	return min
}

// RollNextFile is the starting offset of the segment after the one holding
// offset.
func (c *CommitLog) RollNextFile(offset int64) int64 {
	size := int64(c.store.SegmentSize())
	return offset + size - offset%size
}

// AttachHA wires the replication subsystem in after construction; the
// replication manager itself reads from this log, so wiring is two-step.
func (c *CommitLog) AttachHA(ha HAService) {
	c.ha = ha
}

func (c *CommitLog) ConfirmOffset() int64 { return c.confirmOffset.Load() }

// SetConfirmOffset records the highest replicated physical offset;
// monotonic, lower values are ignored.
func (c *CommitLog) SetConfirmOffset(phyOffset int64) {
	for {
		cur := c.confirmOffset.Load()
		if phyOffset <= cur || c.confirmOffset.CompareAndSwap(cur, phyOffset) {
			return
		}
	}
}

// RemainDataToCommit is the gap between written and committed bytes.
func (c *CommitLog) RemainDataToCommit() int64 { return c.store.RemainDataToCommit() }

// RemainDataToFlush is the gap between readable and flushed bytes.
func (c *CommitLog) RemainDataToFlush() int64 { return c.store.RemainDataToFlush() }

// LockTimeMills reports how long the current in-lock appender has held the
// put lock, or 0 when nobody holds it. Hang detection only.
func (c *CommitLog) LockTimeMills() int64 {
	begin := c.beginTimeInLock.Load()
	if begin <= 0 {
		return 0
	}
	diff := time.Now().UnixMilli() - begin
	if diff < 0 {
		return 0
	}
	return diff
}

// DeleteExpiredFile retires whole segments older than expiredTime ms.
func (c *CommitLog) DeleteExpiredFile(expiredTime int64, deleteFilesInterval int, intervalForcibly int64, cleanImmediately bool) int {
	return c.store.DeleteExpiredByTime(expiredTime, deleteFilesInterval, intervalForcibly, cleanImmediately)
}

// RetryDeleteFirstFile retries a delete the readers previously blocked.
func (c *CommitLog) RetryDeleteFirstFile(intervalForcibly int64) bool {
	return c.store.RetryDeleteFirstFile(intervalForcibly)
}

// ResetOffset rewinds the log to offset. Administrative surface.
func (c *CommitLog) ResetOffset(offset int64) bool {
	if !c.store.ResetOffset(offset) {
		return false
	}
	c.putLock.Lock()
	c.topicQueueTable = make(map[string]int64, 1024)
	c.putLock.Unlock()
	return true
}

// RemoveQueueFromTopicQueueTable drops the next-offset entry for a retired
// queue.
func (c *CommitLog) RemoveQueueFromTopicQueueTable(topic string, queueID int32) {
	key := topicQueueKey(topic, queueID)
	c.removeQueueMu.Lock()
	delete(c.topicQueueTable, key)
	c.removeQueueMu.Unlock()
	util.Info("removed queue from topic queue table, topic=%s queueId=%d", topic, queueID)
}

// SetTopicQueueTable replaces the table wholesale; recovery replay uses it.
func (c *CommitLog) SetTopicQueueTable(table map[string]int64) {
	c.topicQueueTable = table
}

// Destroy removes every segment. Only for tests and full resets.
func (c *CommitLog) Destroy() {
	c.store.Destroy()
}

// Store exposes the underlying segment store to the enclosing broker for
// maintenance surfaces.
func (c *CommitLog) Store() *segment.Store { return c.store }

func topicQueueKey(topic string, queueID int32) string {
	return fmt.Sprintf("%s-%d", topic, queueID)
}
