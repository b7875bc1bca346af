package commitlog

import (
	"time"

	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

// handleHA hands the append boundary to the replication subsystem. Only a
// SYNC_MASTER with a wait-store producer blocks; async masters and slaves
// replicate out of band.
func (c *CommitLog) handleHA(result *types.AppendResult, putResult *types.PutResult, waitStoreOK bool) {
	if !c.cfg.CommitLog.IsSyncMaster() || c.ha == nil || !waitStoreOK {
		return
	}

	nextOffset := result.WroteOffset + int64(result.WroteBytes)
	if !c.ha.IsSlaveOK(nextOffset) {
		putResult.Status = types.PutSlaveNotAvailable
		metrics.ReplicationSlaveNotAvailable.Inc()
		return
	}

	req := NewGroupCommitRequest(nextOffset)
	c.ha.Submit(req)
	c.ha.WakeupTransfer()

	timeout := time.Duration(c.cfg.CommitLog.SlaveFlushTimeoutMS) * time.Millisecond
	if !req.WaitTimeout(timeout) {
		util.Error("sync transfer to slave failed, offset=%d timeout=%s", nextOffset, timeout)
		putResult.Status = types.PutFlushSlaveTimeout
	}
}
