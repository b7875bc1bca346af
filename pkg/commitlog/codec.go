package commitlog

import (
	"encoding/binary"
	"encoding/hex"
	"hash/crc32"
	"strconv"

	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

// On-disk magic values. A record opens with MessageMagicCode; the filler
// consuming a segment's unusable tail opens with BlankMagicCode.
const (
	MessageMagicCode uint32 = 0xDAA320A7
	BlankMagicCode   uint32 = 0xCBD43194
)

const (
	// endFileMinBlank is the smallest tail a segment may end with: enough
	// for a blank trailer's totalSize + magic.
	endFileMinBlank = 8

	msgIDLength = 16

	// Byte positions of fields within an encoded record.
	magicPos          = 4
	queueOffsetPos    = 20
	physicalOffsetPos = 28
	storeTimestampPos = 56
)

// CalMsgLength is the full encoded size of a record with the given
// variable-part lengths.
func CalMsgLength(bodyLen, topicLen, propsLen int) int {
	return 4 + // totalSize
		4 + // magic
		4 + // bodyCRC
		4 + // queueId
		4 + // flag
		8 + // queueOffset
		8 + // physicalOffset
		4 + // sysFlag
		8 + // bornTimestamp
		8 + // bornHost
		8 + // storeTimestamp
		8 + // storeHost
		4 + // reconsumeTimes
		8 + // preparedTransactionOffset
		4 + bodyLen +
		1 + topicLen +
		2 + propsLen
}

// BodyCRC computes the checksum stored in field 3.
func BodyCRC(body []byte) uint32 {
	return crc32.ChecksumIEEE(body)
}

// CreateMessageID builds the 16-byte storeHost||wroteOffset id, hex encoded.
func CreateMessageID(host types.HostAddr, wroteOffset int64) string {
	var raw [msgIDLength]byte
	hb := host.Bytes()
	copy(raw[:8], hb[:])
	binary.BigEndian.PutUint64(raw[8:], uint64(wroteOffset))
	return hex.EncodeToString(raw[:])
}

// DecodeRecord reads one record from buf and returns its dispatch view.
// MsgSize signals the outcome: >0 a record, 0 a blank trailer (end of
// segment), -1 corruption. A length mismatch reports the declared size with
// Success=false so callers can choose to step over it.
func DecodeRecord(buf []byte, checkCRC, readBody bool, sched ScheduleService) *types.DispatchRequest {
	corrupt := &types.DispatchRequest{MsgSize: -1, Success: false}
	if len(buf) < 8 {
		return corrupt
	}

	totalSize := int32(binary.BigEndian.Uint32(buf[0:4]))
	magic := binary.BigEndian.Uint32(buf[magicPos : magicPos+4])
	switch magic {
	case MessageMagicCode:
	case BlankMagicCode:
		return &types.DispatchRequest{MsgSize: 0, Success: true}
	default:
		util.Warn("illegal magic code 0x%x", magic)
		return corrupt
	}

	if totalSize < int32(CalMsgLength(0, 0, 0)) || int(totalSize) > len(buf) {
		return corrupt
	}

	bodyCRC := binary.BigEndian.Uint32(buf[8:12])
	queueID := int32(binary.BigEndian.Uint32(buf[12:16]))
	_ = int32(binary.BigEndian.Uint32(buf[16:20])) // flag, opaque to the store
	queueOffset := int64(binary.BigEndian.Uint64(buf[20:28]))
	physicOffset := int64(binary.BigEndian.Uint64(buf[28:36]))
	sysFlag := int32(binary.BigEndian.Uint32(buf[36:40]))
	_ = int64(binary.BigEndian.Uint64(buf[40:48])) // bornTimestamp
	_ = types.HostAddrFromBytes(buf[48:56])        // bornHost
	storeTimestamp := int64(binary.BigEndian.Uint64(buf[storeTimestampPos : storeTimestampPos+8]))
	_ = types.HostAddrFromBytes(buf[64:72]) // storeHost
	_ = int32(binary.BigEndian.Uint32(buf[72:76]))
	preparedTransactionOffset := int64(binary.BigEndian.Uint64(buf[76:84]))

	pos := 84
	bodyLen := int(int32(binary.BigEndian.Uint32(buf[pos : pos+4])))
	pos += 4
	if bodyLen < 0 || pos+bodyLen > len(buf) {
		return corrupt
	}
	if bodyLen > 0 {
		if readBody && checkCRC {
			if crc := crc32.ChecksumIEEE(buf[pos : pos+bodyLen]); crc != bodyCRC {
				util.Warn("body CRC check failed, stored=%d computed=%d", bodyCRC, crc)
				return corrupt
			}
		}
		pos += bodyLen
	}

	if pos+1 > len(buf) {
		return corrupt
	}
	topicLen := int(buf[pos])
	pos++
	if pos+topicLen > len(buf) {
		return corrupt
	}
	topic := string(buf[pos : pos+topicLen])
	pos += topicLen

	if pos+2 > len(buf) {
		return corrupt
	}
	propsLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	if pos+propsLen > len(buf) {
		return corrupt
	}

	var tagsCode int64
	var keys, uniqKey string
	var propsMap map[string]string
	if propsLen > 0 {
		propsMap = util.DecodeProperties(string(buf[pos : pos+propsLen]))
		keys = propsMap[types.PropertyKeys]
		uniqKey = propsMap[types.PropertyUniqKey]

		if tags := propsMap[types.PropertyTags]; tags != "" {
			tagsCode = int64(util.GenerateID(tags))
		}

		// Delayed delivery: the tags code carries the deliver timestamp.
		if sched != nil && topic == sched.ScheduleTopic() {
			if t := propsMap[types.PropertyDelayLevel]; t != "" {
				delayLevel, err := strconv.ParseInt(t, 10, 32)
				if err == nil {
					level := int32(delayLevel)
					if level > sched.MaxDelayLevel() {
						level = sched.MaxDelayLevel()
					}
					if level > 0 {
						tagsCode = sched.ComputeDeliverTimestamp(level, storeTimestamp)
					}
				}
			}
		}
	}

	if readLength := CalMsgLength(bodyLen, topicLen, propsLen); int32(readLength) != totalSize {
		util.Error("declared record size %d does not match computed %d (bodyLen=%d topicLen=%d propsLen=%d)",
			totalSize, readLength, bodyLen, topicLen, propsLen)
		return &types.DispatchRequest{MsgSize: totalSize, Success: false}
	}

	return &types.DispatchRequest{
		Topic:                     topic,
		QueueID:                   queueID,
		MsgSize:                   totalSize,
		Success:                   true,
		CommitLogOffset:           physicOffset,
		ConsumeQueueOffset:        queueOffset,
		TagsCode:                  tagsCode,
		StoreTimestamp:            storeTimestamp,
		Keys:                      keys,
		UniqKey:                   uniqKey,
		SysFlag:                   sysFlag,
		PreparedTransactionOffset: preparedTransactionOffset,
		PropertiesMap:             propsMap,
	}
}

// encodeRecord serializes a record into dst, which must hold msgLen bytes.
// queueOffset and physicalOffset are the append-lock assigned fields.
func encodeRecord(dst []byte, msg *types.Record, msgLen int32, queueOffset, physicalOffset int64, topicData, propsData []byte) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(msgLen))
	binary.BigEndian.PutUint32(dst[4:8], MessageMagicCode)
	binary.BigEndian.PutUint32(dst[8:12], msg.BodyCRC)
	binary.BigEndian.PutUint32(dst[12:16], uint32(msg.QueueID))
	binary.BigEndian.PutUint32(dst[16:20], uint32(msg.Flag))
	binary.BigEndian.PutUint64(dst[20:28], uint64(queueOffset))
	binary.BigEndian.PutUint64(dst[28:36], uint64(physicalOffset))
	binary.BigEndian.PutUint32(dst[36:40], uint32(msg.SysFlag))
	binary.BigEndian.PutUint64(dst[40:48], uint64(msg.BornTimestamp))
	born := msg.BornHost.Bytes()
	copy(dst[48:56], born[:])
	binary.BigEndian.PutUint64(dst[56:64], uint64(msg.StoreTimestamp))
	store := msg.StoreHost.Bytes()
	copy(dst[64:72], store[:])
	binary.BigEndian.PutUint32(dst[72:76], uint32(msg.ReconsumeTimes))
	binary.BigEndian.PutUint64(dst[76:84], uint64(msg.PreparedTransactionOffset))

	pos := 84
	binary.BigEndian.PutUint32(dst[pos:pos+4], uint32(len(msg.Body)))
	pos += 4
	copy(dst[pos:], msg.Body)
	pos += len(msg.Body)

	dst[pos] = byte(len(topicData))
	pos++
	copy(dst[pos:], topicData)
	pos += len(topicData)

	binary.BigEndian.PutUint16(dst[pos:pos+2], uint16(len(propsData)))
	pos += 2
	copy(dst[pos:], propsData)
}

// writeBlank fills dst's head with a blank trailer declaring the given
// total size. Bytes past the 8-byte header keep whatever was there.
func writeBlank(dst []byte, totalSize int32) {
	binary.BigEndian.PutUint32(dst[0:4], uint32(totalSize))
	binary.BigEndian.PutUint32(dst[4:8], BlankMagicCode)
}
