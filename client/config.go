// Package client is the public facade (spec.md §2 "Facade"): the single
// long-lived object a user constructs, starts, writes records through,
// and reads decoded events from. It wires every internal component
// together exactly as spec.md §2's control flow describes.
package client

import (
	"fmt"
	"os"
	"time"

	"github.com/lifion/lifion-kinesis-sub000/internal/codec"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
)

// Config enumerates every field in spec.md §6 "Configuration". Clamping
// is applied once, at New, rather than scattered across call sites.
type Config struct {
	LogName       string
	ConsumerGroup string

	Compression          string
	CreateStreamIfNeeded bool
	ShardCount           int32
	EncryptionType       string
	EncryptionKeyID      string

	Limit                   int32
	NoRecordsPollDelay      time.Duration
	PollDelay               time.Duration
	UseAutoCheckpoints      bool
	UseAutoShardAssignment  bool
	UseEnhancedFanOut       bool
	UsePausedPolling        bool
	UseS3ForLargeItems      bool
	LargeItemThresholdBytes int
	NonS3Keys               []string
	InitialPositionInStream string
	MaxEnhancedConsumers    int
	StatsInterval           time.Duration
	Tags                    map[string]string

	JSONMode codec.JSONMode

	CoordinatorTableName string
	BlobStoreBucket      string
	Region               string

	// Credentials, when set, are used instead of the default AWS
	// provider chain (spec.md §6 "credentials are obtained from a
	// provider chain or explicit values").
	Credentials *Credentials

	// OutputBufferSize sizes the bounded facade output channel (spec.md §5
	// "Backpressure"). (added) not named in spec.md's configuration table,
	// which only specifies the channel is bounded, not its capacity.
	OutputBufferSize int
}

// Credentials holds explicit static AWS credentials for the case where
// the caller does not want to rely on the default provider chain
// (environment, shared config file, EC2/ECS metadata, etc).
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Defaults (spec.md §6).
const (
	DefaultLimit                   = int32(10000)
	MaxLimit                       = int32(10000)
	DefaultNoRecordsPollDelay      = time.Second
	MinNoRecordsPollDelay          = 250 * time.Millisecond
	DefaultPollDelay               = 250 * time.Millisecond
	DefaultLargeItemThresholdBytes = 400 * 1024
	DefaultMaxEnhancedConsumers    = 5
	DefaultStatsInterval           = 30 * time.Second
	MinStatsInterval               = time.Second
	DefaultOutputBufferSize        = 1000
)

func (c Config) normalize() (Config, error) {
	if c.LogName == "" {
		return c, errs.New(errs.CodeMissingField, "logName", nil)
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = hostingProjectName()
	}
	if c.Limit <= 0 || c.Limit > MaxLimit {
		c.Limit = DefaultLimit
	}
	if c.NoRecordsPollDelay < MinNoRecordsPollDelay {
		if c.NoRecordsPollDelay == 0 {
			c.NoRecordsPollDelay = DefaultNoRecordsPollDelay
		} else {
			c.NoRecordsPollDelay = MinNoRecordsPollDelay
		}
	}
	if c.PollDelay < 0 {
		c.PollDelay = DefaultPollDelay
	}
	if c.LargeItemThresholdBytes <= 0 {
		c.LargeItemThresholdBytes = DefaultLargeItemThresholdBytes
	}
	if c.InitialPositionInStream == "" {
		c.InitialPositionInStream = "LATEST"
	}
	if c.MaxEnhancedConsumers <= 0 {
		c.MaxEnhancedConsumers = DefaultMaxEnhancedConsumers
	}
	if c.StatsInterval < MinStatsInterval {
		c.StatsInterval = DefaultStatsInterval
	}
	if c.OutputBufferSize <= 0 {
		c.OutputBufferSize = DefaultOutputBufferSize
	}
	if c.CoordinatorTableName == "" {
		c.CoordinatorTableName = fmt.Sprintf("%s-kinesis-state", c.ConsumerGroup)
	}
	if c.BlobStoreBucket == "" {
		c.BlobStoreBucket = fmt.Sprintf("%s-kinesis-large-items", c.ConsumerGroup)
	}
	if _, ok := resolveCompressionName(c.Compression); !ok {
		return c, errs.New(errs.CodeValidation, fmt.Sprintf("unknown compression %q", c.Compression), nil)
	}
	return c, nil
}

func resolveCompressionName(name string) (string, bool) {
	switch name {
	case "", "none", "LZ-UTF8":
		return name, true
	default:
		return "", false
	}
}

func hostingProjectName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "default"
}
