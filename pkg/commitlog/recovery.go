package commitlog

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/downfa11-org/go-broker/pkg/segment"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

// Recover reconstructs the logical end of the log from raw bytes. Runs
// before Start; lastExitOK comes from the enclosing store's shutdown
// marker.
func (c *CommitLog) Recover(lastExitOK bool) {
	begin := time.Now()
	if lastExitOK {
		c.recoverNormally()
	} else {
		c.recoverAbnormally()
	}
	metrics.CommitLogRecoveryDuration.Set(time.Since(begin).Seconds())
	util.Info("commitlog recovery done in %s, maxOffset=%d flushedWhere=%d",
		time.Since(begin), c.GetMaxOffset(), c.store.FlushedWhere())
}

// recoverNormally rescans the last three segments of a cleanly shut down
// log and truncates anything past the last well-formed record.
func (c *CommitLog) recoverNormally() {
	checkCRC := c.cfg.CommitLog.CheckCRCOnRecover
	segs := c.store.Segments()
	if len(segs) == 0 {
		c.store.SetFlushedWhere(0)
		c.store.SetCommittedWhere(0)
		return
	}

	index := len(segs) - 3
	if index < 0 {
		index = 0
	}

	seg := segs[index]
	buf := seg.SliceFrom(0)
	if buf == nil {
		return
	}
	processOffset := seg.FileFromOffset()
	localOffset := int64(0)

	for {
		req := DecodeRecord(buf.Data[localOffset:], checkCRC, true, c.sched)
		switch {
		case req.Success && req.MsgSize > 0:
			c.replayTopicQueue(req.Topic, req.QueueID, req.ConsumeQueueOffset, req.SysFlag)
			localOffset += int64(req.MsgSize)
		case req.Success && req.MsgSize == 0:
			// Blank trailer: move to the next segment. The trailer itself is
			// never part of the truncation point.
			index++
			buf.Release()
			if index >= len(segs) {
				util.Info("recover reached the last segment %s", filepath.Base(seg.Path()))
				c.finishRecover(processOffset + localOffset)
				return
			}
			seg = segs[index]
			buf = seg.SliceFrom(0)
			if buf == nil {
				c.finishRecover(processOffset + localOffset)
				return
			}
			processOffset = seg.FileFromOffset()
			localOffset = 0
			util.Info("recover next segment %s", filepath.Base(seg.Path()))
		default:
			util.Info("recover stopped at segment %s offset %d", filepath.Base(seg.Path()), localOffset)
			buf.Release()
			c.finishRecover(processOffset + localOffset)
			return
		}
	}
}

// recoverAbnormally rescans after a crash: start from the newest segment
// the checkpoint vouches for and rebuild secondary indexes through the
// dispatch sink while scanning.
func (c *CommitLog) recoverAbnormally() {
	checkCRC := c.cfg.CommitLog.CheckCRCOnRecover
	segs := c.store.Segments()
	if len(segs) == 0 {
		c.store.SetFlushedWhere(0)
		c.store.SetCommittedWhere(0)
		if c.dispatch != nil {
			c.dispatch.DestroyLogics()
		}
		return
	}

	index := len(segs) - 1
	for ; index >= 0; index-- {
		if c.isSegmentMatchedRecover(segs[index]) {
			util.Info("abnormal recover starts from segment %s", filepath.Base(segs[index].Path()))
			break
		}
	}
	if index < 0 {
		index = 0
	}

	seg := segs[index]
	buf := seg.SliceFrom(0)
	if buf == nil {
		return
	}
	processOffset := seg.FileFromOffset()
	localOffset := int64(0)

	for {
		req := DecodeRecord(buf.Data[localOffset:], checkCRC, true, c.sched)
		switch {
		case req.Success && req.MsgSize > 0:
			c.replayTopicQueue(req.Topic, req.QueueID, req.ConsumeQueueOffset, req.SysFlag)
			if c.dispatch != nil {
				if c.cfg.CommitLog.DuplicationEnable {
					if req.CommitLogOffset < c.ConfirmOffset() {
						c.dispatch.Dispatch(req)
					}
				} else {
					c.dispatch.Dispatch(req)
				}
			}
			localOffset += int64(req.MsgSize)
		case req.Success && req.MsgSize == 0:
			index++
			buf.Release()
			if index >= len(segs) {
				util.Info("abnormal recover reached the last segment %s", filepath.Base(seg.Path()))
				c.finishAbnormalRecover(processOffset + localOffset)
				return
			}
			seg = segs[index]
			buf = seg.SliceFrom(0)
			if buf == nil {
				c.finishAbnormalRecover(processOffset + localOffset)
				return
			}
			processOffset = seg.FileFromOffset()
			localOffset = 0
			util.Info("abnormal recover next segment %s", filepath.Base(seg.Path()))
		default:
			util.Info("abnormal recover stopped at segment %s offset %d", filepath.Base(seg.Path()), localOffset)
			buf.Release()
			c.finishAbnormalRecover(processOffset + localOffset)
			return
		}
	}
}

func (c *CommitLog) finishRecover(processOffset int64) {
	c.store.SetFlushedWhere(processOffset)
	c.store.SetCommittedWhere(processOffset)
	c.store.Truncate(processOffset)
}

func (c *CommitLog) finishAbnormalRecover(processOffset int64) {
	c.finishRecover(processOffset)
	if c.dispatch != nil {
		c.dispatch.TruncateDirtyLogics(processOffset)
	}
}

// replayTopicQueue rebuilds the next-offset table from scanned records.
// Prepared and rollback records carry no queue slot.
func (c *CommitLog) replayTopicQueue(topic string, queueID int32, queueOffset int64, sysFlag int32) {
	switch types.TransactionValue(sysFlag) {
	case types.TransactionPreparedType, types.TransactionRollbackType:
		return
	}
	key := topicQueueKey(topic, queueID)
	if next := queueOffset + 1; next > c.topicQueueTable[key] {
		c.topicQueueTable[key] = next
	}
}

// isSegmentMatchedRecover accepts a segment whose first record is valid and
// no newer than the checkpoint's slowest durable timestamp.
func (c *CommitLog) isSegmentMatchedRecover(seg *segment.Segment) bool {
	buf := seg.SliceFrom(0)
	if buf == nil || len(buf.Data) < storeTimestampPos+8 {
		buf.Release()
		return false
	}
	defer buf.Release()

	if magic := binary.BigEndian.Uint32(buf.Data[magicPos : magicPos+4]); magic != MessageMagicCode {
		return false
	}
	storeTimestamp := int64(binary.BigEndian.Uint64(buf.Data[storeTimestampPos : storeTimestampPos+8]))
	if storeTimestamp == 0 {
		return false
	}

	var min int64
	if c.cfg.CommitLog.MessageIndexSafe {
		min = c.checkpoint.MinTimestampIndex()
	} else {
		min = c.checkpoint.MinTimestamp()
	}
	if storeTimestamp <= min {
		util.Info("found recover checkpoint timestamp %d (min %d)", storeTimestamp, min)
		return true
	}
	return false
}
