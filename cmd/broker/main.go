package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/downfa11-org/go-broker/pkg/commitlog"
	"github.com/downfa11-org/go-broker/pkg/config"
	"github.com/downfa11-org/go-broker/pkg/metrics"
	"github.com/downfa11-org/go-broker/pkg/replication"
	"github.com/downfa11-org/go-broker/pkg/segment"
	"github.com/downfa11-org/go-broker/pkg/types"
	"github.com/downfa11-org/go-broker/util"
)

func abortFile(cfg *config.Config) string {
	return filepath.Join(cfg.LogDir, "abort")
}

func localHost(cfg *config.Config) types.HostAddr {
	ip := net.ParseIP(cfg.AdvertisedHost)
	if ip == nil {
		if addrs, err := net.LookupIP(cfg.AdvertisedHost); err == nil && len(addrs) > 0 {
			ip = addrs[0]
		} else {
			ip = net.IPv4(127, 0, 0, 1)
		}
	}
	return types.HostAddr{IP: ip, Port: int32(cfg.RaftPort)}
}

func main() {
	// Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	fmt.Printf("🚀 Starting broker storage, role %s, log dir %s\n", cfg.CommitLog.BrokerRole, cfg.LogDir)

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		log.Fatalf("❌ Failed to create log dir: %v", err)
	}

	// The abort marker survives a crash; a clean shutdown removes it.
	_, statErr := os.Stat(abortFile(cfg))
	lastExitOK := os.IsNotExist(statErr)
	if !lastExitOK {
		util.Warn("abort marker found, running abnormal recovery")
	}

	checkpoint, err := segment.OpenCheckpoint(filepath.Join(cfg.LogDir, "checkpoint"))
	if err != nil {
		log.Fatalf("❌ Failed to open checkpoint: %v", err)
	}

	// Replication wires in two steps: the raft FSM needs the log for
	// ingest, the log needs the manager as its HA handle.
	var fsm *replication.LogFSM
	clustered := len(cfg.StaticClusterMembers) > 0 || cfg.BootstrapCluster
	if clustered {
		fsm = replication.NewLogFSM(nil)
	}

	clog, err := commitlog.New(cfg, checkpoint, commitlog.Options{StoreHost: localHost(cfg)})
	if err != nil {
		log.Fatalf("❌ Failed to build commitlog: %v", err)
	}
	if err := clog.Load(); err != nil {
		log.Fatalf("❌ Failed to load commitlog: %v", err)
	}
	clog.Recover(lastExitOK)

	var manager *replication.Manager
	if clustered {
		fsm.SetIngest(clog)
		manager, err = replication.NewManager(cfg, fsm)
		if err != nil {
			log.Fatalf("❌ Failed to start replication: %v", err)
		}
		manager.SetLog(clog)
		clog.AttachHA(manager)
		manager.Start()
	}

	if err := os.WriteFile(abortFile(cfg), []byte{}, 0o644); err != nil {
		log.Fatalf("❌ Failed to write abort marker: %v", err)
	}

	clog.Start()

	stopRetention := make(chan struct{})
	go retentionLoop(cfg, clog, manager, stopRetention)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	util.Info("shutting down")
	close(stopRetention)
	if manager != nil {
		manager.Shutdown()
	}
	clog.Shutdown()
	checkpoint.Close()
	if err := os.Remove(abortFile(cfg)); err != nil {
		util.Error("remove abort marker: %v", err)
	}
}

// retentionLoop retires expired segments wholesale and publishes the
// replicated confirm offset.
func retentionLoop(cfg *config.Config, clog *commitlog.CommitLog, manager *replication.Manager, stop chan struct{}) {
	ticker := time.NewTicker(time.Duration(cfg.RetentionCheckIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	expired := int64(cfg.RetentionHours) * 3600 * 1000
	for {
		select {
		case <-ticker.C:
			if n := clog.DeleteExpiredFile(expired, cfg.DeleteFilesIntervalMS, int64(cfg.DestroyForciblyMS), false); n > 0 {
				util.Info("retired %d expired segments", n)
			}
			clog.RetryDeleteFirstFile(int64(cfg.DestroyForciblyMS))
			if manager != nil {
				clog.SetConfirmOffset(manager.SlaveAckOffset())
			}
		case <-stop:
			return
		}
	}
}
