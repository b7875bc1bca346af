package commitlog

import (
	"fmt"

	"github.com/downfa11-org/go-broker/pkg/types"
)

// batchEncoder pre-encodes a producer batch into one contiguous buffer of
// complete records, leaving the queueOffset and physicalOffset fields as
// zero holes for the append engine to patch under the lock. Encoders are
// per-appender: leased from a pool, never shared.
type batchEncoder struct {
	buf            []byte
	maxMessageSize int32
}

func newBatchEncoder(maxMessageSize int32) *batchEncoder {
	return &batchEncoder{
		buf:            make([]byte, maxMessageSize),
		maxMessageSize: maxMessageSize,
	}
}

// encode fills batch.EncodedBuff. A batch whose total encoded length would
// exceed the max message size fails here, before the put lock is taken.
func (e *batchEncoder) encode(batch *types.RecordBatch) error {
	topicData := []byte(batch.Topic)
	if len(topicData) > 255 {
		return fmt.Errorf("topic length %d exceeds 255", len(topicData))
	}

	total := int32(0)
	for i := range batch.Entries {
		entry := &batch.Entries[i]
		propsData := []byte(entry.Properties)
		if len(propsData) > 32767 {
			return fmt.Errorf("batch entry %d properties length %d exceeds 32767", i, len(propsData))
		}

		msgLen := int32(CalMsgLength(len(entry.Body), len(topicData), len(propsData)))
		if msgLen > e.maxMessageSize {
			return fmt.Errorf("batch entry %d encoded length %d exceeds max message size %d", i, msgLen, e.maxMessageSize)
		}
		if total+msgLen > e.maxMessageSize {
			return fmt.Errorf("batch encoded length %d exceeds max message size %d", total+msgLen, e.maxMessageSize)
		}

		inner := types.Record{
			Topic:            batch.Topic,
			QueueID:          batch.QueueID,
			Flag:             entry.Flag,
			Body:             entry.Body,
			PropertiesString: entry.Properties,
			SysFlag:          batch.SysFlag,
			BornTimestamp:    batch.BornTimestamp,
			BornHost:         batch.BornHost,
			StoreTimestamp:   batch.StoreTimestamp,
			StoreHost:        batch.StoreHost,
			ReconsumeTimes:   batch.ReconsumeTimes,
			BodyCRC:          BodyCRC(entry.Body),
		}
		encodeRecord(e.buf[total:total+msgLen], &inner, msgLen, 0, 0, topicData, propsData)
		total += msgLen
	}

	batch.EncodedBuff = e.buf[:total]
	return nil
}
