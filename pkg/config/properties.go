package config

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"strings"

	"github.com/downfa11-org/go-broker/util"
	"gopkg.in/yaml.v3"
)

// Config is the broker storage configuration: file + flags + env overrides.
type Config struct {
	// Server settings
	EnableExporter bool          `yaml:"enable_exporter" json:"enable.exporter"`
	ExporterPort   int           `yaml:"exporter_port" json:"exporter.port"`
	LogLevel       util.LogLevel `yaml:"log_level" json:"log_level"`

	// Disk persistence
	LogDir string `yaml:"log_dir" json:"log.dir"`

	// Retention
	RetentionHours           int `yaml:"retention_hours" json:"retention.hours"`
	RetentionCheckIntervalMS int `yaml:"retention_check_interval_ms" json:"retention.check.interval.ms"`
	DeleteFilesIntervalMS    int `yaml:"delete_files_interval_ms" json:"delete.files.interval.ms"`
	DestroyForciblyMS        int `yaml:"destroy_forcibly_ms" json:"destroy.forcibly.ms"`

	// Distributed cluster (raft membership, replication)
	BrokerID             string   `yaml:"broker_id" json:"broker.id"`
	RaftPort             int      `yaml:"raft_port" json:"raft.port"`
	AdvertisedHost       string   `yaml:"advertised_host" json:"advertised.host"`
	StaticClusterMembers []string `yaml:"static_cluster_members" json:"static_cluster_members"`
	BootstrapCluster     bool     `yaml:"bootstrap_cluster" json:"bootstrap.cluster"`
	HAMaxGapBytes        int64    `yaml:"ha_max_gap_bytes" json:"ha.max.gap.bytes"`

	// Write-ahead log durability & recovery tunables
	CommitLog CommitLogConfig `yaml:"commit_log" json:"commit_log"`
}

// CommitLogConfig holds the tunables for the append-only write-ahead log:
// durability policy, segment sizing, and crash-recovery behavior.
type CommitLogConfig struct {
	// FlushDiskType selects the durability service: "sync" starts the
	// group-commit service, anything else the async flush service.
	FlushDiskType      string `yaml:"flush_disk_type" json:"flush.disk.type"`
	SyncFlushTimeoutMS int    `yaml:"sync_flush_timeout_ms" json:"sync.flush.timeout.ms"`

	FlushIntervalMS         int  `yaml:"flush_interval_ms" json:"flush.interval.ms"`
	FlushLeastPages         int  `yaml:"flush_least_pages" json:"flush.least.pages"`
	FlushThoroughIntervalMS int  `yaml:"flush_thorough_interval_ms" json:"flush.thorough.interval.ms"`
	FlushTimed              bool `yaml:"flush_timed" json:"flush.timed"`

	CommitIntervalMS         int `yaml:"commit_interval_ms" json:"commit.interval.ms"`
	CommitLeastPages         int `yaml:"commit_least_pages" json:"commit.least.pages"`
	CommitThoroughIntervalMS int `yaml:"commit_thorough_interval_ms" json:"commit.thorough.interval.ms"`

	TransientStorePoolEnable bool `yaml:"transient_store_pool_enable" json:"transient.store.pool.enable"`
	TransientPoolBuffers     int  `yaml:"transient_pool_buffers" json:"transient.pool.buffers"`

	UseReentrantLockOnPut bool `yaml:"use_reentrant_lock_on_put" json:"use.reentrant.lock.on.put"`

	MaxMessageSize     int    `yaml:"max_message_size" json:"max.message.size"`
	FileSize           int    `yaml:"file_size" json:"file.size"`
	MessageDelayLevels string `yaml:"message_delay_levels" json:"message.delay.levels"`

	CheckCRCOnRecover bool `yaml:"check_crc_on_recover" json:"check.crc.on.recover"`
	DuplicationEnable bool `yaml:"duplication_enable" json:"duplication.enable"`
	MessageIndexSafe  bool `yaml:"message_index_safe" json:"message.index.safe"`

	// BrokerRole: SYNC_MASTER waits for a follower ack per put, ASYNC_MASTER
	// replicates out of band, SLAVE only ingests.
	BrokerRole          string `yaml:"broker_role" json:"broker.role"`
	SlaveFlushTimeoutMS int    `yaml:"slave_flush_timeout_ms" json:"slave.flush.timeout.ms"`
}

func (c *CommitLogConfig) IsSyncFlush() bool  { return c.FlushDiskType == "sync" }
func (c *CommitLogConfig) IsSyncMaster() bool { return c.BrokerRole == "SYNC_MASTER" }
func (c *CommitLogConfig) IsSlave() bool      { return c.BrokerRole == "SLAVE" }

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	configPath := flag.String("config", "", "Path to YAML/JSON config file")
	logDirStr := flag.String("log-dir", "broker-logs", "Path for logs")
	exporterStr := flag.String("exporter", "true", "Enable Prometheus exporter")
	exporterPortStr := flag.String("exporter-port", "9100", "Exporter port")
	logLevelStr := flag.String("log-level", "info", "Log Level (debug, info, warn, error)")

	retentionHoursStr := flag.String("retention-hours", "72", "Hours a segment lives before retirement")
	brokerIDStr := flag.String("broker-id", "", "Broker identity in the cluster")
	raftPortStr := flag.String("raft-port", "9001", "Raft transport port")
	advertisedHostStr := flag.String("advertised-host", "localhost", "Host advertised to peers")
	brokerRoleStr := flag.String("broker-role", "ASYNC_MASTER", "Broker role (SYNC_MASTER, ASYNC_MASTER, SLAVE)")
	flushDiskTypeStr := flag.String("flush-disk-type", "async", "Durability policy (sync, async)")

	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flag.Parse()

	applyDefaults(cfg, logDirStr, exporterStr, exporterPortStr, logLevelStr,
		retentionHoursStr, brokerIDStr, raftPortStr, advertisedHostStr, brokerRoleStr, flushDiskTypeStr)

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, err
		}

		if strings.HasSuffix(*configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyExplicitFlags(cfg, logDirStr, exporterStr, exporterPortStr, logLevelStr,
		retentionHoursStr, brokerIDStr, raftPortStr, advertisedHostStr, brokerRoleStr, flushDiskTypeStr)
	applyEnvOverrides(cfg)

	cfg.Normalize()
	util.SetLevel(cfg.LogLevel)

	return cfg, nil
}

func parseLogLevel(s string) util.LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return util.LogLevelDebug
	case "info":
		return util.LogLevelInfo
	case "warn", "warning":
		return util.LogLevelWarn
	case "error":
		return util.LogLevelError
	default:
		return util.LogLevelInfo
	}
}

func applyDefaults(cfg *Config, logDirStr, exporterStr, exporterPortStr, logLevelStr,
	retentionHoursStr, brokerIDStr, raftPortStr, advertisedHostStr, brokerRoleStr, flushDiskTypeStr *string) {

	cfg.LogDir = *logDirStr
	if exporter, err := strconv.ParseBool(*exporterStr); err == nil {
		cfg.EnableExporter = exporter
	}
	cfg.ExporterPort = util.ParseInt(*exporterPortStr, 9100)
	cfg.LogLevel = parseLogLevel(*logLevelStr)

	cfg.RetentionHours = util.ParseInt(*retentionHoursStr, 72)
	cfg.BrokerID = *brokerIDStr
	cfg.RaftPort = util.ParseInt(*raftPortStr, 9001)
	cfg.AdvertisedHost = *advertisedHostStr
	cfg.CommitLog.BrokerRole = *brokerRoleStr
	cfg.CommitLog.FlushDiskType = *flushDiskTypeStr
	cfg.CommitLog.UseReentrantLockOnPut = true
}

func applyExplicitFlags(cfg *Config, logDirStr, exporterStr, exporterPortStr, logLevelStr,
	retentionHoursStr, brokerIDStr, raftPortStr, advertisedHostStr, brokerRoleStr, flushDiskTypeStr *string) {

	if *logDirStr != "broker-logs" {
		cfg.LogDir = *logDirStr
	}
	if *exporterStr != "true" {
		if exporter, err := strconv.ParseBool(*exporterStr); err == nil {
			cfg.EnableExporter = exporter
		}
	}
	if *exporterPortStr != "9100" {
		cfg.ExporterPort = util.ParseInt(*exporterPortStr, cfg.ExporterPort)
	}
	if *logLevelStr != "info" {
		cfg.LogLevel = parseLogLevel(*logLevelStr)
	}
	if *retentionHoursStr != "72" {
		cfg.RetentionHours = util.ParseInt(*retentionHoursStr, cfg.RetentionHours)
	}
	if *brokerIDStr != "" {
		cfg.BrokerID = *brokerIDStr
	}
	if *raftPortStr != "9001" {
		cfg.RaftPort = util.ParseInt(*raftPortStr, cfg.RaftPort)
	}
	if *advertisedHostStr != "localhost" {
		cfg.AdvertisedHost = *advertisedHostStr
	}
	if *brokerRoleStr != "ASYNC_MASTER" {
		cfg.CommitLog.BrokerRole = *brokerRoleStr
	}
	if *flushDiskTypeStr != "async" {
		cfg.CommitLog.FlushDiskType = *flushDiskTypeStr
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideEnvString(&cfg.LogDir, "LOG_DIR")
	overrideEnvBool(&cfg.EnableExporter, "ENABLE_EXPORTER")
	overrideEnvInt(&cfg.ExporterPort, "EXPORTER_PORT")
	overrideEnvInt(&cfg.RetentionHours, "RETENTION_HOURS")
	overrideEnvString(&cfg.BrokerID, "BROKER_ID")
	overrideEnvInt(&cfg.RaftPort, "RAFT_PORT")
	overrideEnvString(&cfg.AdvertisedHost, "ADVERTISED_HOST")
	overrideEnvStringSlice(&cfg.StaticClusterMembers, "STATIC_CLUSTER_MEMBERS")
	overrideEnvInt64(&cfg.HAMaxGapBytes, "HA_MAX_GAP_BYTES")
	overrideEnvString(&cfg.CommitLog.BrokerRole, "BROKER_ROLE")
	overrideEnvString(&cfg.CommitLog.FlushDiskType, "FLUSH_DISK_TYPE")
	overrideEnvInt(&cfg.CommitLog.FileSize, "COMMITLOG_FILE_SIZE")
	overrideEnvInt(&cfg.CommitLog.MaxMessageSize, "MAX_MESSAGE_SIZE")
}
