package replication

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/downfa11-org/go-broker/util"
	"github.com/hashicorp/raft"
)

// LogIngest is the commit log surface the FSM writes through on followers.
type LogIngest interface {
	AppendData(startOffset int64, data []byte) bool
	GetMaxOffset() int64
}

// Command is one replicated log mutation, JSON-encoded into the raft log.
type Command struct {
	Type        string `json:"type"`
	StartOffset int64  `json:"start_offset"`
	Data        []byte `json:"data"`
}

const commandAppend = "append"

// LogFSM applies replicated commit log chunks. The leader's own apply is a
// no-op because the bytes are already in its log; followers ingest them at
// the same physical offsets.
type LogFSM struct {
	ingest  LogIngest
	applied atomic.Int64
}

func NewLogFSM(ingest LogIngest) *LogFSM {
	return &LogFSM{ingest: ingest}
}

// SetIngest attaches the commit log after construction; the log itself is
// built with the replication manager as a collaborator, so wiring happens
// in two steps before raft starts.
func (f *LogFSM) SetIngest(ingest LogIngest) {
	f.ingest = ingest
}

// AppliedOffset is the highest physical offset this node has applied.
func (f *LogFSM) AppliedOffset() int64 {
	return f.applied.Load()
}

func (f *LogFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		util.Error("Failed to unmarshal replication command: %v", err)
		return err
	}

	if f.ingest == nil {
		err := fmt.Errorf("replication fsm has no log attached")
		util.Error("%v", err)
		return err
	}

	switch cmd.Type {
	case commandAppend:
		end := cmd.StartOffset + int64(len(cmd.Data))
		if f.ingest.GetMaxOffset() >= end {
			// Already present locally (leader apply or replay).
			f.advance(end)
			return nil
		}
		if !f.ingest.AppendData(cmd.StartOffset, cmd.Data) {
			err := fmt.Errorf("append %d bytes at offset %d failed", len(cmd.Data), cmd.StartOffset)
			util.Error("Replication ingest: %v", err)
			return err
		}
		f.advance(end)
		return nil
	default:
		err := fmt.Errorf("unknown replication command %q", cmd.Type)
		util.Error("%v", err)
		return err
	}
}

func (f *LogFSM) advance(offset int64) {
	for {
		cur := f.applied.Load()
		if offset <= cur || f.applied.CompareAndSwap(cur, offset) {
			return
		}
	}
}

type fsmSnapshot struct {
	Applied int64 `json:"applied"`
}

func (f *LogFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{Applied: f.applied.Load()}, nil
}

func (f *LogFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode replication snapshot: %w", err)
	}
	f.applied.Store(snap.Applied)
	util.Info("replication state restored, applied=%d", snap.Applied)
	return nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
