package commitlog_test

import (
	"encoding/binary"
	"strings"
	"sync"
	"testing"

	"github.com/downfa11-org/go-broker/pkg/commitlog"
	"github.com/downfa11-org/go-broker/pkg/config"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

func TestPutMessageFreshSegment(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	body := make([]byte, 128)
	result := c.PutMessage(newRecord("fresh", 0, body))
	if !result.IsOK() {
		t.Fatalf("put failed: %v", result.Status)
	}

	ar := result.AppendResult
	if ar.WroteOffset != 0 {
		t.Fatalf("wroteOffset=%d, expected 0", ar.WroteOffset)
	}
	wantBytes := int32(commitlog.CalMsgLength(128, len("fresh"), 0))
	if ar.WroteBytes != wantBytes {
		t.Fatalf("wroteBytes=%d, expected %d", ar.WroteBytes, wantBytes)
	}
	if ar.LogicsOffset != 0 {
		t.Fatalf("queueOffset=%d, expected 0", ar.LogicsOffset)
	}
	if c.GetMaxOffset() != int64(wantBytes) {
		t.Fatalf("maxOffset=%d, expected %d", c.GetMaxOffset(), wantBytes)
	}

	// The next put on the same queue takes slot 1.
	second := c.PutMessage(newRecord("fresh", 0, body))
	if second.AppendResult.LogicsOffset != 1 {
		t.Fatalf("second queueOffset=%d, expected 1", second.AppendResult.LogicsOffset)
	}
}

// A record that leaves exactly the 8-byte minimum trailer fits; one byte
// more rolls the segment.
func TestSegmentBoundary(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.FileSize = 1024
	})
	defer c.Shutdown()

	// CalMsgLength(body, 1, 0) = 92 + body; 1016 total leaves 8 spare.
	fits := c.PutMessage(newRecord("t", 0, make([]byte, 924)))
	if !fits.IsOK() {
		t.Fatalf("exact-fit put failed: %v", fits.Status)
	}
	if fits.AppendResult.WroteBytes != 1016 {
		t.Fatalf("wroteBytes=%d, expected 1016", fits.AppendResult.WroteBytes)
	}

	// Remaining 8 bytes cannot host a record: EOF path, blank trailer,
	// retry lands at the next segment boundary with no premature queue
	// offset bump.
	next := c.PutMessage(newRecord("t", 0, make([]byte, 64)))
	if !next.IsOK() {
		t.Fatalf("rollover put failed: %v", next.Status)
	}
	if next.AppendResult.WroteOffset != 1024 {
		t.Fatalf("rollover offset=%d, expected 1024", next.AppendResult.WroteOffset)
	}
	if next.AppendResult.LogicsOffset != 1 {
		t.Fatalf("rollover queueOffset=%d, expected 1", next.AppendResult.LogicsOffset)
	}

	// The trailer fills bytes 1016..1023 and reads as end-of-segment.
	buf := c.GetMessage(1016, 8)
	if buf == nil {
		t.Fatal("trailer not readable")
	}
	defer buf.Release()
	if size := binary.BigEndian.Uint32(buf.Data[0:4]); size != 8 {
		t.Fatalf("trailer totalSize=%d, expected 8", size)
	}
	if magic := binary.BigEndian.Uint32(buf.Data[4:8]); magic != commitlog.BlankMagicCode {
		t.Fatalf("trailer magic=0x%x", magic)
	}
}

func TestPropertiesSizeLimit(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	msg := newRecord("limits", 0, []byte("x"))
	msg.PropertiesString = strings.Repeat("a", 32768)

	before := c.GetMaxOffset()
	result := c.PutMessage(msg)
	if result.Status != types.PutMessageIllegal {
		t.Fatalf("status=%v, expected MESSAGE_ILLEGAL", result.Status)
	}
	if c.GetMaxOffset() != before {
		t.Fatal("rejected put must not write")
	}

	// One byte less is legal.
	msg.PropertiesString = strings.Repeat("a", 32767)
	if result := c.PutMessage(msg); !result.IsOK() {
		t.Fatalf("32767-byte properties should fit: %v", result.Status)
	}
}

func TestMessageSizeLimit(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.MaxMessageSize = 1024
	})
	defer c.Shutdown()

	result := c.PutMessage(newRecord("big", 0, make([]byte, 2048)))
	if result.Status != types.PutMessageIllegal {
		t.Fatalf("status=%v, expected MESSAGE_ILLEGAL", result.Status)
	}
}

func TestConcurrentProducersOrdering(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	const producers = 8
	const perProducer = 50

	results := make([][]*types.PutResult, producers)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r := c.PutMessage(newRecord("shared", 0, []byte("concurrent body")))
				results[p] = append(results[p], r)
			}
		}(p)
	}
	wg.Wait()

	type row struct {
		phys  int64
		queue int64
		ts    int64
	}
	var rows []row
	for p := range results {
		for _, r := range results[p] {
			if !r.IsOK() {
				t.Fatalf("concurrent put failed: %v", r.Status)
			}
			rows = append(rows, row{r.AppendResult.WroteOffset, r.AppendResult.LogicsOffset, r.AppendResult.StoreTimestamp})
		}
	}

	// Sort by physical offset: queue offsets must be gapless 0..n-1 and
	// store timestamps non-decreasing.
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			if rows[j].phys < rows[i].phys {
				rows[i], rows[j] = rows[j], rows[i]
			}
		}
	}
	for i, r := range rows {
		if r.queue != int64(i) {
			t.Fatalf("queueOffset at physical rank %d is %d", i, r.queue)
		}
		if i > 0 && r.ts < rows[i-1].ts {
			t.Fatalf("storeTimestamp regressed at rank %d: %d < %d", i, r.ts, rows[i-1].ts)
		}
	}
}

func TestDelayedDeliveryRewrite(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	table, err := commitlog.NewDelayLevelTable("")
	if err != nil {
		t.Fatalf("delay table: %v", err)
	}

	msg := newRecord("orders", 5, []byte("later"))
	msg.DelayTimeLevel = 3
	result := c.PutMessage(msg)
	if !result.IsOK() {
		t.Fatalf("put failed: %v", result.Status)
	}

	buf := c.GetMessage(result.AppendResult.WroteOffset, result.AppendResult.WroteBytes)
	if buf == nil {
		t.Fatal("GetMessage returned nil")
	}
	defer buf.Release()

	req := commitlog.DecodeRecord(buf.Data, true, true, table)
	if req.Topic != commitlog.ScheduleTopic {
		t.Fatalf("topic=%q, expected the schedule topic", req.Topic)
	}
	if req.QueueID != 2 {
		t.Fatalf("queueId=%d, expected delayLevel-1=2", req.QueueID)
	}
	if req.PropertiesMap[types.PropertyRealTopic] != "orders" {
		t.Fatalf("REAL_TOPIC=%q", req.PropertiesMap[types.PropertyRealTopic])
	}
	if req.PropertiesMap[types.PropertyRealQueueID] != "5" {
		t.Fatalf("REAL_QID=%q", req.PropertiesMap[types.PropertyRealQueueID])
	}
	want := table.ComputeDeliverTimestamp(3, req.StoreTimestamp)
	if req.TagsCode != want {
		t.Fatalf("tagsCode=%d, expected deliver timestamp %d", req.TagsCode, want)
	}
}

func TestPreparedTransactionSkipsQueueSlot(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	normal := c.PutMessage(newRecord("tx", 0, []byte("a")))
	if normal.AppendResult.LogicsOffset != 0 {
		t.Fatalf("first queueOffset=%d", normal.AppendResult.LogicsOffset)
	}

	prepared := newRecord("tx", 0, []byte("b"))
	prepared.SysFlag = types.TransactionPreparedType
	if r := c.PutMessage(prepared); r.AppendResult.LogicsOffset != 0 {
		t.Fatalf("prepared queueOffset=%d, expected 0", r.AppendResult.LogicsOffset)
	}

	// The prepared record consumed no slot.
	after := c.PutMessage(newRecord("tx", 0, []byte("c")))
	if after.AppendResult.LogicsOffset != 1 {
		t.Fatalf("post-prepared queueOffset=%d, expected 1", after.AppendResult.LogicsOffset)
	}
}

func TestPutMessagesBatch(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	batch := &types.RecordBatch{
		Topic:         "batched",
		QueueID:       1,
		BornTimestamp: 1700000000000,
		BornHost:      testHost(),
		Entries: []types.BatchEntry{
			{Body: []byte("one")},
			{Body: []byte("two"), Properties: util.EncodeProperties(map[string]string{types.PropertyTags: "b"})},
			{Body: []byte("three")},
		},
	}

	result := c.PutMessages(batch)
	if !result.IsOK() {
		t.Fatalf("batch put failed: %v", result.Status)
	}
	if result.AppendResult.MsgNum != 3 {
		t.Fatalf("msgNum=%d, expected 3", result.AppendResult.MsgNum)
	}
	if ids := strings.Split(result.AppendResult.MsgID, ","); len(ids) != 3 {
		t.Fatalf("expected 3 msgIds, got %d", len(ids))
	}

	// Walk the three records and check the patched offsets.
	offset := result.AppendResult.WroteOffset
	for i := 0; i < 3; i++ {
		buf := c.GetData(offset)
		if buf == nil {
			t.Fatalf("record %d not readable at %d", i, offset)
		}
		req := commitlog.DecodeRecord(buf.Data, true, true, nil)
		buf.Release()
		if !req.Success || req.MsgSize <= 0 {
			t.Fatalf("record %d decode failed", i)
		}
		if req.CommitLogOffset != offset {
			t.Fatalf("record %d physicalOffset=%d, expected %d", i, req.CommitLogOffset, offset)
		}
		if req.ConsumeQueueOffset != int64(i) {
			t.Fatalf("record %d queueOffset=%d", i, req.ConsumeQueueOffset)
		}
		offset += int64(req.MsgSize)
	}
	if offset != c.GetMaxOffset() {
		t.Fatalf("batch bytes end at %d, maxOffset=%d", offset, c.GetMaxOffset())
	}

	// Table advanced by the batch size.
	next := c.PutMessage(newRecord("batched", 1, []byte("solo")))
	if next.AppendResult.LogicsOffset != 3 {
		t.Fatalf("queueOffset after batch=%d, expected 3", next.AppendResult.LogicsOffset)
	}
}

func TestPutMessagesRejectsTransactionsAndEmpty(t *testing.T) {
	c, _, _ := newTestLog(t, nil)
	defer c.Shutdown()

	batch := &types.RecordBatch{
		Topic:   "batched",
		SysFlag: types.TransactionPreparedType,
		Entries: []types.BatchEntry{{Body: []byte("x")}},
	}
	if r := c.PutMessages(batch); r.Status != types.PutMessageIllegal {
		t.Fatalf("transactional batch should be illegal, got %v", r.Status)
	}

	if r := c.PutMessages(&types.RecordBatch{Topic: "empty"}); r.Status != types.PutMessageIllegal {
		t.Fatalf("empty batch should be illegal, got %v", r.Status)
	}
}

func TestBatchRollover(t *testing.T) {
	c, _, _ := newTestLog(t, func(cfg *config.Config) {
		cfg.CommitLog.FileSize = 1024
	})
	defer c.Shutdown()

	// Nearly fill the first segment.
	c.PutMessage(newRecord("t", 0, make([]byte, 800)))

	batch := &types.RecordBatch{
		Topic:    "t",
		QueueID:  0,
		BornHost: testHost(),
		Entries: []types.BatchEntry{
			{Body: make([]byte, 60)},
			{Body: make([]byte, 60)},
		},
	}
	result := c.PutMessages(batch)
	if !result.IsOK() {
		t.Fatalf("batch rollover failed: %v", result.Status)
	}
	// The whole batch lands in the second segment.
	if result.AppendResult.WroteOffset != 1024 {
		t.Fatalf("batch offset=%d, expected 1024", result.AppendResult.WroteOffset)
	}
	// Queue offsets continue from the single record, no premature bump.
	if result.AppendResult.LogicsOffset != 1 {
		t.Fatalf("batch begin queueOffset=%d, expected 1", result.AppendResult.LogicsOffset)
	}
}

func TestAppendDataIngest(t *testing.T) {
	source, _, _ := newTestLog(t, nil)
	defer source.Shutdown()
	for i := 0; i < 5; i++ {
		source.PutMessage(newRecord("mirror", 0, []byte("replicate me")))
	}
	max := source.GetMaxOffset()

	buf := source.GetData(0)
	if buf == nil {
		t.Fatal("GetData returned nil")
	}
	raw := make([]byte, len(buf.Data))
	copy(raw, buf.Data)
	buf.Release()

	follower, _, _ := newTestLog(t, nil)
	defer follower.Shutdown()
	if !follower.AppendData(0, raw) {
		t.Fatal("AppendData failed")
	}
	if follower.GetMaxOffset() != max {
		t.Fatalf("follower maxOffset=%d, expected %d", follower.GetMaxOffset(), max)
	}
	if !follower.AppendData(max-10, []byte("hole")) {
		t.Log("offset mismatch correctly rejected")
	} else {
		t.Fatal("mismatched start offset must be rejected")
	}

	// Follower bytes decode identically.
	fbuf := follower.GetData(0)
	defer fbuf.Release()
	req := commitlog.DecodeRecord(fbuf.Data, true, true, nil)
	if !req.Success || req.Topic != "mirror" {
		t.Fatalf("follower decode: success=%v topic=%q", req.Success, req.Topic)
	}
}
