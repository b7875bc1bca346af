package commitlog

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

// appendCallback serializes records into segment space. One instance serves
// all appends: it only ever runs under the put lock, so its scratch buffer
// is effectively per-appender with zero allocation on the hot path.
type appendCallback struct {
	c              *CommitLog
	maxMessageSize int32
	scratch        []byte
	msgIDs         strings.Builder
}

func newAppendCallback(c *CommitLog, maxMessageSize int32) *appendCallback {
	return &appendCallback{
		c:              c,
		maxMessageSize: maxMessageSize,
		scratch:        make([]byte, maxMessageSize+endFileMinBlank),
	}
}

func (cb *appendCallback) DoAppendRecord(fileFromOffset int64, dst []byte, pos int32, msg *types.Record) types.AppendResult {
	wroteOffset := fileFromOffset + int64(pos)
	msgID := CreateMessageID(msg.StoreHost, wroteOffset)

	key := topicQueueKey(msg.Topic, msg.QueueID)
	queueOffset := cb.c.topicQueueTable[key]

	// Prepared and rollback records are invisible to consumers and carry no
	// queue slot.
	tranType := types.TransactionValue(msg.SysFlag)
	switch tranType {
	case types.TransactionPreparedType, types.TransactionRollbackType:
		queueOffset = 0
	}

	propsData := []byte(msg.PropertiesString)
	if len(propsData) > 32767 {
		util.Warn("properties length %d too long, topic=%s", len(propsData), msg.Topic)
		return types.AppendResult{Status: types.AppendPropertiesSizeExceeded}
	}
	topicData := []byte(msg.Topic)
	msgLen := int32(CalMsgLength(len(msg.Body), len(topicData), len(propsData)))
	if msgLen > cb.maxMessageSize {
		util.Warn("message size exceeded, total=%d body=%d max=%d", msgLen, len(msg.Body), cb.maxMessageSize)
		return types.AppendResult{Status: types.AppendMessageSizeExceeded}
	}

	maxBlank := int32(len(dst))
	if msgLen+endFileMinBlank > maxBlank {
		writeBlank(dst, maxBlank)
		return types.AppendResult{
			Status:         types.AppendEndOfFile,
			WroteOffset:    wroteOffset,
			WroteBytes:     maxBlank,
			MsgID:          msgID,
			StoreTimestamp: msg.StoreTimestamp,
			LogicsOffset:   queueOffset,
		}
	}

	encodeRecord(cb.scratch[:msgLen], msg, msgLen, queueOffset, wroteOffset, topicData, propsData)
	copy(dst, cb.scratch[:msgLen])

	switch tranType {
	case types.TransactionNotType, types.TransactionCommitType:
		cb.c.topicQueueTable[key] = queueOffset + 1
	}

	return types.AppendResult{
		Status:         types.AppendOK,
		WroteOffset:    wroteOffset,
		WroteBytes:     msgLen,
		MsgID:          msgID,
		StoreTimestamp: msg.StoreTimestamp,
		LogicsOffset:   queueOffset,
		MsgNum:         1,
	}
}

func (cb *appendCallback) DoAppendBatch(fileFromOffset int64, dst []byte, pos int32, batch *types.RecordBatch) types.AppendResult {
	wroteOffset := fileFromOffset + int64(pos)

	key := topicQueueKey(batch.Topic, batch.QueueID)
	queueOffset := cb.c.topicQueueTable[key]
	beginQueueOffset := queueOffset

	maxBlank := int32(len(dst))
	buf := batch.EncodedBuff
	totalMsgLen := int32(0)
	msgNum := int32(0)
	cb.msgIDs.Reset()

	for cursor := int32(0); cursor < int32(len(buf)); {
		msgPos := cursor
		msgLen := int32(binary.BigEndian.Uint32(buf[msgPos : msgPos+4]))
		if msgLen > cb.maxMessageSize {
			util.Warn("batch record size exceeded, total=%d max=%d", msgLen, cb.maxMessageSize)
			return types.AppendResult{Status: types.AppendMessageSizeExceeded}
		}

		totalMsgLen += msgLen
		if totalMsgLen+endFileMinBlank > maxBlank {
			// Abandon the partially patched batch; nothing was copied into
			// the segment yet and the queue table only advances on success,
			// so the whole batch retries cleanly in the next segment.
			writeBlank(dst, maxBlank)
			return types.AppendResult{
				Status:         types.AppendEndOfFile,
				WroteOffset:    wroteOffset,
				WroteBytes:     maxBlank,
				MsgID:          cb.msgIDs.String(),
				StoreTimestamp: batch.StoreTimestamp,
				LogicsOffset:   beginQueueOffset,
			}
		}

		physicalOffset := wroteOffset + int64(totalMsgLen) - int64(msgLen)
		binary.BigEndian.PutUint64(buf[msgPos+queueOffsetPos:], uint64(queueOffset))
		binary.BigEndian.PutUint64(buf[msgPos+physicalOffsetPos:], uint64(physicalOffset))

		msgID := CreateMessageID(batch.StoreHost, physicalOffset)
		if cb.msgIDs.Len() > 0 {
			cb.msgIDs.WriteByte(',')
		}
		cb.msgIDs.WriteString(msgID)

		queueOffset++
		msgNum++
		cursor = msgPos + msgLen
	}

	copy(dst, buf[:totalMsgLen])
	batch.EncodedBuff = nil
	cb.c.topicQueueTable[key] = queueOffset

	return types.AppendResult{
		Status:         types.AppendOK,
		WroteOffset:    wroteOffset,
		WroteBytes:     totalMsgLen,
		MsgID:          cb.msgIDs.String(),
		StoreTimestamp: batch.StoreTimestamp,
		LogicsOffset:   beginQueueOffset,
		MsgNum:         msgNum,
	}
}

// PutMessage appends one record, then waits out the configured durability
// and replication policies.
func (c *CommitLog) PutMessage(msg *types.Record) *types.PutResult {
	msg.StoreTimestamp = time.Now().UnixMilli()
	msg.BodyCRC = BodyCRC(msg.Body)
	if msg.StoreHost.IP == nil {
		msg.StoreHost = c.storeHost
	}

	// Delay delivery: park the record under the schedule topic, remembering
	// where it really belongs.
	tranType := types.TransactionValue(msg.SysFlag)
	if tranType == types.TransactionNotType || tranType == types.TransactionCommitType {
		if msg.DelayTimeLevel > 0 {
			if msg.DelayTimeLevel > c.sched.MaxDelayLevel() {
				msg.DelayTimeLevel = c.sched.MaxDelayLevel()
			}

			props := util.DecodeProperties(msg.PropertiesString)
			props[types.PropertyRealTopic] = msg.Topic
			props[types.PropertyRealQueueID] = strconv.Itoa(int(msg.QueueID))
			props[types.PropertyDelayLevel] = strconv.Itoa(int(msg.DelayTimeLevel))
			msg.PropertiesString = util.EncodeProperties(props)

			msg.Topic = c.sched.ScheduleTopic()
			msg.QueueID = c.sched.DelayLevel2QueueID(msg.DelayTimeLevel)
		}
	}

	var result types.AppendResult
	var elapsed int64

	seg := c.store.GetLast()

	c.putLock.Lock()
	beginLockTimestamp := time.Now().UnixMilli()
	c.beginTimeInLock.Store(beginLockTimestamp)

	// The in-lock timestamp keeps store timestamps globally ordered.
	msg.StoreTimestamp = beginLockTimestamp

	if seg == nil || seg.IsFull() {
		seg = c.store.GetLastOrCreate(0)
	}
	if seg == nil {
		util.Error("create segment failed, topic=%s bornHost=%s", msg.Topic, msg.BornHost)
		c.beginTimeInLock.Store(0)
		c.putLock.Unlock()
		return &types.PutResult{Status: types.PutCreateSegmentFailed}
	}

	result = seg.AppendOne(msg, c.appendCB)
	switch result.Status {
	case types.AppendOK:
	case types.AppendEndOfFile:
		seg = c.store.GetLastOrCreate(0)
		if seg == nil {
			util.Error("create segment after rollover failed, topic=%s bornHost=%s", msg.Topic, msg.BornHost)
			c.beginTimeInLock.Store(0)
			c.putLock.Unlock()
			return &types.PutResult{Status: types.PutCreateSegmentFailed, AppendResult: &result}
		}
		result = seg.AppendOne(msg, c.appendCB)
		if result.Status == types.AppendEndOfFile {
			util.Error("second END_OF_FILE from one append, topic=%s segment=%d", msg.Topic, seg.FileFromOffset())
			result.Status = types.AppendUnknownError
		}
		if result.Status != types.AppendOK {
			c.beginTimeInLock.Store(0)
			c.putLock.Unlock()
			return &types.PutResult{Status: putStatusFor(result.Status), AppendResult: &result}
		}
	case types.AppendMessageSizeExceeded, types.AppendPropertiesSizeExceeded:
		c.beginTimeInLock.Store(0)
		c.putLock.Unlock()
		return &types.PutResult{Status: types.PutMessageIllegal, AppendResult: &result}
	default:
		c.beginTimeInLock.Store(0)
		c.putLock.Unlock()
		return &types.PutResult{Status: types.PutUnknownError, AppendResult: &result}
	}

	elapsed = time.Now().UnixMilli() - beginLockTimestamp
	c.beginTimeInLock.Store(0)
	c.putLock.Unlock()

	if elapsed > 500 {
		util.Warn("put message held the lock %dms, bodyLength=%d result=%v", elapsed, len(msg.Body), result.Status)
	}

	metrics.CommitLogAppendLatency.Observe(float64(elapsed) / 1000.0)
	metrics.CommitLogTopicPuts.WithLabelValues(msg.Topic).Inc()
	metrics.CommitLogBytesWritten.Add(float64(result.WroteBytes))

	putResult := &types.PutResult{Status: types.PutOK, AppendResult: &result}
	c.handleDiskFlush(&result, putResult, msg.WaitStoreMsgOK)
	c.handleHA(&result, putResult, msg.WaitStoreMsgOK)
	return putResult
}

// PutMessages appends a pre-encoded producer batch. Transactional and empty
// batches are rejected; a batch carries no delay level.
func (c *CommitLog) PutMessages(batch *types.RecordBatch) *types.PutResult {
	if types.TransactionValue(batch.SysFlag) != types.TransactionNotType {
		return &types.PutResult{Status: types.PutMessageIllegal}
	}
	if len(batch.Entries) == 0 {
		return &types.PutResult{Status: types.PutMessageIllegal}
	}
	batch.StoreTimestamp = time.Now().UnixMilli()
	if batch.StoreHost.IP == nil {
		batch.StoreHost = c.storeHost
	}

	// Encode outside the lock with a leased per-appender encoder.
	encoder := c.encoders.Get().(*batchEncoder)
	err := encoder.encode(batch)
	if err != nil {
		c.encoders.Put(encoder)
		util.Warn("batch encode rejected: %v", err)
		return &types.PutResult{Status: types.PutMessageIllegal}
	}

	var result types.AppendResult
	seg := c.store.GetLast()

	c.putLock.Lock()
	beginLockTimestamp := time.Now().UnixMilli()
	c.beginTimeInLock.Store(beginLockTimestamp)

	if seg == nil || seg.IsFull() {
		seg = c.store.GetLastOrCreate(0)
	}
	if seg == nil {
		util.Error("create segment failed, topic=%s", batch.Topic)
		c.beginTimeInLock.Store(0)
		c.putLock.Unlock()
		c.encoders.Put(encoder)
		return &types.PutResult{Status: types.PutCreateSegmentFailed}
	}

	result = seg.AppendBatch(batch, c.appendCB)
	switch result.Status {
	case types.AppendOK:
	case types.AppendEndOfFile:
		seg = c.store.GetLastOrCreate(0)
		if seg == nil {
			util.Error("create segment after rollover failed, topic=%s", batch.Topic)
			c.beginTimeInLock.Store(0)
			c.putLock.Unlock()
			c.encoders.Put(encoder)
			return &types.PutResult{Status: types.PutCreateSegmentFailed, AppendResult: &result}
		}
		result = seg.AppendBatch(batch, c.appendCB)
		if result.Status == types.AppendEndOfFile {
			util.Error("second END_OF_FILE from one batch append, topic=%s", batch.Topic)
			result.Status = types.AppendUnknownError
		}
		if result.Status != types.AppendOK {
			c.beginTimeInLock.Store(0)
			c.putLock.Unlock()
			c.encoders.Put(encoder)
			return &types.PutResult{Status: putStatusFor(result.Status), AppendResult: &result}
		}
	case types.AppendMessageSizeExceeded, types.AppendPropertiesSizeExceeded:
		c.beginTimeInLock.Store(0)
		c.putLock.Unlock()
		c.encoders.Put(encoder)
		return &types.PutResult{Status: types.PutMessageIllegal, AppendResult: &result}
	default:
		c.beginTimeInLock.Store(0)
		c.putLock.Unlock()
		c.encoders.Put(encoder)
		return &types.PutResult{Status: types.PutUnknownError, AppendResult: &result}
	}

	elapsed := time.Now().UnixMilli() - beginLockTimestamp
	c.beginTimeInLock.Store(0)
	c.putLock.Unlock()
	c.encoders.Put(encoder)

	if elapsed > 500 {
		util.Warn("put batch held the lock %dms, entries=%d result=%v", elapsed, len(batch.Entries), result.Status)
	}

	metrics.CommitLogAppendLatency.Observe(float64(elapsed) / 1000.0)
	metrics.CommitLogTopicPuts.WithLabelValues(batch.Topic).Add(float64(result.MsgNum))
	metrics.CommitLogBytesWritten.Add(float64(result.WroteBytes))

	putResult := &types.PutResult{Status: types.PutOK, AppendResult: &result}
	c.handleDiskFlush(&result, putResult, batch.WaitStoreMsgOK)
	c.handleHA(&result, putResult, batch.WaitStoreMsgOK)
	return putResult
}

// AppendData writes already-encoded log bytes at startOffset. Replication
// ingress on followers; shares the put lock with local producers.
func (c *CommitLog) AppendData(startOffset int64, data []byte) bool {
	c.putLock.Lock()
	defer c.putLock.Unlock()

	seg := c.store.GetLastOrCreate(startOffset)
	if seg == nil {
		util.Error("append data: no segment for offset %d", startOffset)
		return false
	}
	if expected := seg.FileFromOffset() + int64(seg.WrotePos()); expected != startOffset {
		util.Error("append data offset mismatch: expected %d, got %d", expected, startOffset)
		return false
	}
	return seg.AppendRaw(data)
}

func putStatusFor(s types.AppendStatus) types.PutStatus {
	switch s {
	case types.AppendOK:
		return types.PutOK
	case types.AppendMessageSizeExceeded, types.AppendPropertiesSizeExceeded:
		return types.PutMessageIllegal
	default:
		return types.PutUnknownError
	}
}
