package segment

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/downfa11-org/go-broker/util"
)

const checkpointFileSize = 24

// StoreCheckpoint persists the slowest-advancing durable timestamps of the
// commit log and its secondary indexes. Abnormal recovery uses the minimum
// to pick its starting segment.
type StoreCheckpoint struct {
	path string
	file *os.File

	physicMsgTimestamp atomic.Int64
	logicsMsgTimestamp atomic.Int64
	indexMsgTimestamp  atomic.Int64
}

func OpenCheckpoint(path string) (*StoreCheckpoint, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", path, err)
	}

	cp := &StoreCheckpoint{path: path, file: f}

	var buf [checkpointFileSize]byte
	if _, err := f.ReadAt(buf[:], 0); err == nil {
		cp.physicMsgTimestamp.Store(int64(binary.BigEndian.Uint64(buf[0:8])))
		cp.logicsMsgTimestamp.Store(int64(binary.BigEndian.Uint64(buf[8:16])))
		cp.indexMsgTimestamp.Store(int64(binary.BigEndian.Uint64(buf[16:24])))
		util.Info("checkpoint loaded, physicMsgTimestamp=%d logicsMsgTimestamp=%d indexMsgTimestamp=%d",
			cp.PhysicMsgTimestamp(), cp.LogicsMsgTimestamp(), cp.IndexMsgTimestamp())
	} else if err != io.EOF {
		f.Close()
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	return cp, nil
}

func (cp *StoreCheckpoint) PhysicMsgTimestamp() int64 { return cp.physicMsgTimestamp.Load() }
func (cp *StoreCheckpoint) LogicsMsgTimestamp() int64 { return cp.logicsMsgTimestamp.Load() }
func (cp *StoreCheckpoint) IndexMsgTimestamp() int64  { return cp.indexMsgTimestamp.Load() }

func (cp *StoreCheckpoint) SetPhysicMsgTimestamp(ts int64) { cp.physicMsgTimestamp.Store(ts) }
func (cp *StoreCheckpoint) SetLogicsMsgTimestamp(ts int64) { cp.logicsMsgTimestamp.Store(ts) }
func (cp *StoreCheckpoint) SetIndexMsgTimestamp(ts int64)  { cp.indexMsgTimestamp.Store(ts) }

// MinTimestamp is the slower of the commitlog and queue-index timestamps,
// pulled back 3s to absorb clock skew between flush points.
func (cp *StoreCheckpoint) MinTimestamp() int64 {
	min := cp.physicMsgTimestamp.Load()
	if l := cp.logicsMsgTimestamp.Load(); l < min {
		min = l
	}
	min -= 1000 * 3
	if min < 0 {
		min = 0
	}
	return min
}

// MinTimestampIndex additionally bounds by the message-index timestamp.
func (cp *StoreCheckpoint) MinTimestampIndex() int64 {
	min := cp.MinTimestamp()
	if i := cp.indexMsgTimestamp.Load(); i < min {
		min = i
	}
	return min
}

// Flush persists the three timestamps.
func (cp *StoreCheckpoint) Flush() {
	var buf [checkpointFileSize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(cp.physicMsgTimestamp.Load()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(cp.logicsMsgTimestamp.Load()))
	binary.BigEndian.PutUint64(buf[16:24], uint64(cp.indexMsgTimestamp.Load()))

	if _, err := cp.file.WriteAt(buf[:], 0); err != nil {
		util.Error("write checkpoint %s: %v", cp.path, err)
		return
	}
	if err := cp.file.Sync(); err != nil {
		util.Error("sync checkpoint %s: %v", cp.path, err)
	}
}

func (cp *StoreCheckpoint) Close() {
	cp.Flush()
	if err := cp.file.Close(); err != nil {
		util.Error("close checkpoint %s: %v", cp.path, err)
	}
}
