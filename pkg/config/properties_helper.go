package config

import (
	"os"
	"strings"

	"github.com/downfa11-org/go-broker/util"
)

func (cfg *Config) Normalize() {
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}

	// disk storage
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "broker-logs"
	}

	// retention
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 72
	}
	if cfg.RetentionCheckIntervalMS <= 0 {
		cfg.RetentionCheckIntervalMS = 300000
	}
	if cfg.DeleteFilesIntervalMS < 0 {
		cfg.DeleteFilesIntervalMS = 0
	}
	if cfg.DestroyForciblyMS <= 0 {
		cfg.DestroyForciblyMS = 1000 * 120
	}

	// distributed cluster
	if cfg.RaftPort <= 0 {
		cfg.RaftPort = 9001
	}
	if strings.TrimSpace(cfg.AdvertisedHost) == "" {
		cfg.AdvertisedHost = "localhost"
	}
	if strings.TrimSpace(cfg.BrokerID) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "broker"
		}
		cfg.BrokerID = host
	}
	if cfg.HAMaxGapBytes <= 0 {
		cfg.HAMaxGapBytes = 256 * 1024 * 1024
	}

	cfg.CommitLog.normalize()
}

func (c *CommitLogConfig) normalize() {
	c.FlushDiskType = strings.ToLower(strings.TrimSpace(c.FlushDiskType))
	switch c.FlushDiskType {
	case "sync", "async":
	default:
		util.Warn("Invalid flush_disk_type '%s', defaulting to 'async'", c.FlushDiskType)
		c.FlushDiskType = "async"
	}
	if c.SyncFlushTimeoutMS <= 0 {
		c.SyncFlushTimeoutMS = 5000
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = 500
	}
	if c.FlushLeastPages <= 0 {
		c.FlushLeastPages = 4
	}
	if c.FlushThoroughIntervalMS <= 0 {
		c.FlushThoroughIntervalMS = 10000
	}
	if c.CommitIntervalMS <= 0 {
		c.CommitIntervalMS = 200
	}
	if c.CommitLeastPages <= 0 {
		c.CommitLeastPages = 4
	}
	if c.CommitThoroughIntervalMS <= 0 {
		c.CommitThoroughIntervalMS = 200
	}
	if c.TransientPoolBuffers <= 0 {
		c.TransientPoolBuffers = 5
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 * 1024 * 1024
	}
	if c.FileSize < 1024 {
		c.FileSize = 1 << 30
	}
	c.BrokerRole = strings.ToUpper(strings.TrimSpace(c.BrokerRole))
	switch c.BrokerRole {
	case "SYNC_MASTER", "ASYNC_MASTER", "SLAVE":
	default:
		util.Warn("Invalid broker_role '%s', defaulting to 'ASYNC_MASTER'", c.BrokerRole)
		c.BrokerRole = "ASYNC_MASTER"
	}
	if c.SlaveFlushTimeoutMS <= 0 {
		c.SlaveFlushTimeoutMS = 5000
	}
}

func overrideEnvInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt(v, *target)
	}
}

func overrideEnvInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseInt64(v, *target)
	}
}

func overrideEnvBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = util.ParseBool(v, *target)
	}
}

func overrideEnvString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func overrideEnvStringSlice(target *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, s := range parts {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		*target = result
	}
}
