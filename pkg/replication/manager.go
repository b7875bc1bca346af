package replication

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/go-broker/pkg/commitlog"
	"github.com/downfa11-org/go-broker/pkg/config"
	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/downfa11-org/go-broker/pkg/segment"
	"github.com/downfa11-org/go-broker/util"
	"github.com/hashicorp/raft"
)

const (
	applyTimeout     = 10 * time.Second
	maxTransferChunk = 64 * 1024
)

type RaftInterface interface {
	Apply([]byte, time.Duration) raft.ApplyFuture
	AddVoter(raft.ServerID, raft.ServerAddress, uint64, time.Duration) raft.IndexFuture
	RemoveServer(raft.ServerID, uint64, time.Duration) raft.IndexFuture
	Leader() raft.ServerAddress
	State() raft.RaftState
	GetConfiguration() raft.ConfigurationFuture
	BootstrapCluster(raft.Configuration) raft.Future
	Shutdown() raft.Future
}

// LogReader is the commit log surface the transfer loop reads from.
type LogReader interface {
	GetData(offset int64) *segment.MappedBuffer
	GetMaxOffset() int64
}

// Manager replicates the commit log to followers over raft and implements
// the HA contract the append engine consults after each put: transfer runs
// on its own thread, producers only queue wait requests.
type Manager struct {
	raft RaftInterface
	fsm  *LogFSM
	cfg  *config.Config

	brokerID  string
	localAddr string

	log LogReader

	slaveAck     atomic.Int64
	pushedOffset atomic.Int64

	pendingMu sync.Mutex
	pending   []*commitlog.GroupCommitRequest

	notify   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds the raft node and the transfer machinery. The log
// reader is attached afterwards with SetLog because the commit log itself
// is constructed with this manager as its HA handle.
func NewManager(cfg *config.Config, fsm *LogFSM) (*Manager, error) {
	localAddr := fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.RaftPort)
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.BrokerID)
	raftCfg.ProtocolVersion = raft.ProtocolVersionMax
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 1500 * time.Millisecond
	raftCfg.CommitTimeout = 100 * time.Millisecond

	dataDir := filepath.Join(cfg.LogDir, "raft")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		util.Error("Failed to create raft data directory %s: %v", dataDir, err)
		return nil, fmt.Errorf("failed to create raft data directory: %w", err)
	}

	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()

	snapshots, err := raft.NewFileSnapshotStore(dataDir, 3, os.Stderr)
	if err != nil {
		util.Error("Failed to create snapshot store: %v", err)
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	advertiseTCPAddr, err := net.ResolveTCPAddr("tcp", localAddr)
	if err != nil {
		util.Error("Failed to resolve advertised address %s: %v", localAddr, err)
		return nil, fmt.Errorf("failed to resolve advertised address: %w", err)
	}

	bindAddr := fmt.Sprintf("0.0.0.0:%d", cfg.RaftPort)
	transport, err := raft.NewTCPTransport(bindAddr, advertiseTCPAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		util.Error("Failed to create raft transport: %v", err)
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		util.Error("Failed to create raft instance: %v", err)
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	m := newManagerWithRaft(cfg, r, fsm)
	if cfg.BootstrapCluster {
		m.bootstrap()
	}
	return m, nil
}

// newManagerWithRaft wires a manager over any raft implementation; tests
// pass a mock.
func newManagerWithRaft(cfg *config.Config, r RaftInterface, fsm *LogFSM) *Manager {
	return &Manager{
		raft:      r,
		fsm:       fsm,
		cfg:       cfg,
		brokerID:  cfg.BrokerID,
		localAddr: fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.RaftPort),
		notify:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (m *Manager) bootstrap() {
	confFuture := m.raft.GetConfiguration()
	if confFuture.Error() != nil || len(confFuture.Configuration().Servers) > 0 {
		return
	}
	util.Info("🚀 Starting static cluster bootstrap")

	members := m.cfg.StaticClusterMembers
	if len(members) == 0 {
		if env := os.Getenv("STATIC_CLUSTER_MEMBERS"); env != "" {
			members = strings.Split(env, ",")
		}
	}

	var servers []raft.Server
	for _, member := range members {
		parts := strings.SplitN(strings.TrimSpace(member), "@", 2)
		if len(parts) != 2 {
			util.Warn("Skipping malformed cluster member %q (want id@host:port)", member)
			continue
		}
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(parts[0]),
			Address: raft.ServerAddress(parts[1]),
		})
	}
	if len(servers) == 0 {
		servers = []raft.Server{{
			ID:      raft.ServerID(m.brokerID),
			Address: raft.ServerAddress(m.localAddr),
		}}
	}

	if err := m.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		util.Warn("Bootstrap cluster: %v", err)
	}
}

// SetLog attaches the commit log read surface and seeds the push cursor at
// its current end so only new appends are shipped.
func (m *Manager) SetLog(log LogReader) {
	m.log = log
	m.pushedOffset.Store(log.GetMaxOffset())
	m.slaveAck.Store(log.GetMaxOffset())
}

// Start launches the transfer loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.transferLoop()
}

func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
	m.failPending()
	if err := m.raft.Shutdown().Error(); err != nil {
		util.Error("raft shutdown: %v", err)
	}
}

func (m *Manager) IsLeader() bool {
	return m.raft.State() == raft.Leader
}

// IsSlaveOK reports whether a follower exists and is close enough to accept
// nextOffset without unbounded catch-up.
func (m *Manager) IsSlaveOK(nextOffset int64) bool {
	if !m.hasFollowers() {
		return false
	}
	return nextOffset-m.slaveAck.Load() <= m.cfg.HAMaxGapBytes
}

// Submit queues a producer's replication wait.
func (m *Manager) Submit(req *commitlog.GroupCommitRequest) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, req)
	m.pendingMu.Unlock()
}

// WakeupTransfer pokes the transfer loop without blocking.
func (m *Manager) WakeupTransfer() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) hasFollowers() bool {
	confFuture := m.raft.GetConfiguration()
	if confFuture.Error() != nil {
		return false
	}
	return len(confFuture.Configuration().Servers) > 1
}

func (m *Manager) transferLoop() {
	defer m.wg.Done()
	util.Info("replication transfer service started")

	for {
		select {
		case <-m.stop:
			util.Info("replication transfer service end")
			return
		case <-m.notify:
		case <-time.After(100 * time.Millisecond):
		}

		if m.log == nil || !m.IsLeader() {
			continue
		}
		m.transferOnce()
	}
}

// transferOnce ships [pushedOffset, maxOffset) in bounded chunks. A chunk
// committed by the raft quorum counts as follower-acknowledged.
func (m *Manager) transferOnce() {
	for {
		pushed := m.pushedOffset.Load()
		max := m.log.GetMaxOffset()
		if pushed >= max {
			return
		}

		buf := m.log.GetData(pushed)
		if buf == nil {
			return
		}
		n := len(buf.Data)
		if n > maxTransferChunk {
			n = maxTransferChunk
		}
		chunk := make([]byte, n)
		copy(chunk, buf.Data[:n])
		start := buf.StartOffset
		buf.Release()

		// A retired head may make the slice start past the push cursor.
		if start != pushed {
			m.pushedOffset.Store(start)
			continue
		}

		data, err := json.Marshal(Command{Type: commandAppend, StartOffset: start, Data: chunk})
		if err != nil {
			util.Error("marshal replication command: %v", err)
			return
		}
		if err := m.raft.Apply(data, applyTimeout).Error(); err != nil {
			util.Warn("replicate chunk at %d: %v", start, err)
			return
		}

		end := start + int64(n)
		m.pushedOffset.Store(end)
		m.advanceAck(end)
		metrics.ReplicationTransferTotal.Inc()
	}
}

// advanceAck moves the follower ack watermark and releases every producer
// whose boundary is covered.
func (m *Manager) advanceAck(offset int64) {
	for {
		cur := m.slaveAck.Load()
		if offset <= cur || m.slaveAck.CompareAndSwap(cur, offset) {
			break
		}
	}

	metrics.ReplicationSlaveAckOffset.Set(float64(m.slaveAck.Load()))
	if m.log != nil {
		metrics.ReplicationLagBytes.Set(float64(m.log.GetMaxOffset() - m.slaveAck.Load()))
	}

	m.pendingMu.Lock()
	remaining := m.pending[:0]
	for _, req := range m.pending {
		if req.NextOffset <= m.slaveAck.Load() {
			req.WakeupCustomer(true)
		} else {
			remaining = append(remaining, req)
		}
	}
	m.pending = remaining
	m.pendingMu.Unlock()
}

// SlaveAckOffset is the confirm offset the enclosing store publishes.
func (m *Manager) SlaveAckOffset() int64 {
	return m.slaveAck.Load()
}

func (m *Manager) failPending() {
	m.pendingMu.Lock()
	for _, req := range m.pending {
		req.WakeupCustomer(false)
	}
	m.pending = nil
	m.pendingMu.Unlock()
}
