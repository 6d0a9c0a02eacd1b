package api

import (
	"fmt"
	"time"

	"github.com/copycat-project/copycat/pkg/logger"
)

// RaftConfig bundles every tunable of a Copycat member. Constructed via
// DefaultConfig or TestConfig and validated at Build time -- invalid values
// are a construction error, never a panic.
type RaftConfig struct {
	Log                LoggerCfg
	Timings            RaftTimings
	Storage            StorageCfg
	Session            SessionCfg
	CBreaker           CircuitBreakerCfg
	HttpMonitoringAddr string
	MessagesQueueSize  int
	MaxBatchSize       int
}

type LoggerCfg struct {
	Env logger.Enviroment
}

type RaftTimings struct {
	ElectionTimeoutBase        time.Duration
	ElectionTimeoutRandomDelta time.Duration
	HeartbeatTimeout           time.Duration
	RPCTimeout                 time.Duration
	ShutdownTimeout            time.Duration
	LeaseTimeout               time.Duration
}

// FsyncCfg controls how the persister batches writes before fsyncing.
type FsyncCfg struct {
	BatchSize int
	Timeout   time.Duration
}

// StorageCfg controls segment sizing and compaction thresholds.
type StorageCfg struct {
	Dir               string
	Fsync             FsyncCfg
	SegmentMaxBytes   int64
	MinorCompactEvery int64
	MajorSegmentCount int
}

// SessionCfg controls client session bookkeeping.
type SessionCfg struct {
	Timeout time.Duration
}

// CircuitBreakerCfg controls the per-peer breaker a Transport opens around
// outbound RPCs, isolating calls to an unreachable member from the rest of
// the cluster.
type CircuitBreakerCfg struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns production-sensible defaults.
func DefaultConfig() RaftConfig {
	return RaftConfig{
		Log: LoggerCfg{Env: logger.Prod},
		Timings: RaftTimings{
			ElectionTimeoutBase:        150 * time.Millisecond,
			ElectionTimeoutRandomDelta: 150 * time.Millisecond,
			HeartbeatTimeout:           50 * time.Millisecond,
			RPCTimeout:                 500 * time.Millisecond,
			ShutdownTimeout:            5 * time.Second,
			LeaseTimeout:               100 * time.Millisecond,
		},
		Storage: StorageCfg{
			Dir:               "data",
			Fsync:             FsyncCfg{BatchSize: 64, Timeout: 5 * time.Millisecond},
			SegmentMaxBytes:   64 * 1024 * 1024,
			MinorCompactEvery: 8 * 1024 * 1024,
			MajorSegmentCount: 4,
		},
		Session: SessionCfg{Timeout: 30 * time.Second},
		CBreaker: CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		MessagesQueueSize: 256,
		MaxBatchSize:      512 * 1024,
	}
}

// TestConfig returns fast timings suited to in-process tests.
func TestConfig() RaftConfig {
	cfg := DefaultConfig()
	cfg.Log.Env = logger.Dev
	cfg.Timings = RaftTimings{
		ElectionTimeoutBase:        20 * time.Millisecond,
		ElectionTimeoutRandomDelta: 20 * time.Millisecond,
		HeartbeatTimeout:           10 * time.Millisecond,
		RPCTimeout:                 100 * time.Millisecond,
		ShutdownTimeout:            time.Second,
		LeaseTimeout:               15 * time.Millisecond,
	}
	cfg.Storage.SegmentMaxBytes = 64 * 1024
	cfg.Storage.MinorCompactEvery = 16 * 1024
	cfg.Session.Timeout = 2 * time.Second
	cfg.CBreaker = CircuitBreakerCfg{
		FailureThreshold: 6,
		SuccessThreshold: 4,
		ResetTimeout:     500 * time.Millisecond,
	}
	return cfg
}

// Validate reports the first configuration error found, if any.
func (c RaftConfig) Validate() error {
	if c.Timings.ElectionTimeoutBase <= 0 {
		return fmt.Errorf("api: election timeout base must be positive")
	}
	if c.Timings.HeartbeatTimeout <= 0 {
		return fmt.Errorf("api: heartbeat timeout must be positive")
	}
	if c.Timings.HeartbeatTimeout >= c.Timings.ElectionTimeoutBase {
		return fmt.Errorf("api: heartbeat timeout must be smaller than election timeout base")
	}
	if c.Storage.SegmentMaxBytes <= 0 {
		return fmt.Errorf("api: segment max bytes must be positive")
	}
	if c.Storage.Fsync.BatchSize <= 0 {
		return fmt.Errorf("api: fsync batch size must be positive")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("api: session timeout must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("api: max batch size must be positive")
	}
	return nil
}
