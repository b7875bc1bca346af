package types

import (
	"encoding/binary"
	"net"
)

// Reserved property keys carried in a record's property string.
const (
	PropertyKeys        = "KEYS"
	PropertyTags        = "TAGS"
	PropertyUniqKey     = "UNIQ_KEY"
	PropertyDelayLevel  = "DELAY"
	PropertyRealTopic   = "REAL_TOPIC"
	PropertyRealQueueID = "REAL_QID"
)

// HostAddr is an IPv4 address and port, stored as 8 bytes on disk.
type HostAddr struct {
	IP   net.IP
	Port int32
}

func (h HostAddr) Bytes() [8]byte {
	var b [8]byte
	if ip4 := h.IP.To4(); ip4 != nil {
		copy(b[:4], ip4)
	}
	binary.BigEndian.PutUint32(b[4:], uint32(h.Port))
	return b
}

func HostAddrFromBytes(b []byte) HostAddr {
	ip := make(net.IP, 4)
	copy(ip, b[:4])
	return HostAddr{IP: ip, Port: int32(binary.BigEndian.Uint32(b[4:8]))}
}

func (h HostAddr) String() string {
	if h.IP == nil {
		return ""
	}
	return h.IP.String()
}

// Record is a single message as the append engine stores it: the producer
// fields plus the broker-assigned storage fields.
type Record struct {
	Topic   string
	QueueID int32
	Flag    int32
	Body    []byte

	PropertiesString string
	SysFlag          int32
	BornTimestamp    int64
	BornHost         HostAddr
	StoreTimestamp   int64
	StoreHost        HostAddr
	ReconsumeTimes   int32

	PreparedTransactionOffset int64
	BodyCRC                   uint32

	DelayTimeLevel int32
	WaitStoreMsgOK bool
}

// BatchEntry is one inner message of a producer batch. Topic, queue and the
// host/timestamp fields are shared across the batch.
type BatchEntry struct {
	Flag       int32
	Body       []byte
	Properties string
}

// RecordBatch is a producer batch sharing topic, queue and sysflag. The
// batch encoder turns it into a contiguous pre-encoded buffer; transactions
// and delay levels are not supported for batches.
type RecordBatch struct {
	Topic          string
	QueueID        int32
	SysFlag        int32
	BornTimestamp  int64
	BornHost       HostAddr
	StoreTimestamp int64
	StoreHost      HostAddr
	ReconsumeTimes int32
	WaitStoreMsgOK bool

	Entries []BatchEntry

	// EncodedBuff is filled by the batch encoder before the append lock is
	// taken and consumed by the batch append path.
	EncodedBuff []byte
}
