package config

import (
	"encoding/json"
	"os"

	"github.com/fileflow/fileflow/internal/flagx"
	"github.com/fileflow/fileflow/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON
// unmarshalling. It uses timex.Duration for interval fields, which allows
// parsing both string values such as "30s" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON
// configuration files. After unmarshalling, its non-zero fields are copied
// into the runtime Config struct.
type JsonConfig struct {
	DatabaseDSN   string `json:"database_dsn"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	QueueKey      string `json:"queue_key"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	PresignExpiry   timex.Duration `json:"presign_expiry"`
	DefaultPartSize int64          `json:"default_part_size"`

	OutboxBatchSize   int            `json:"outbox_batch_size"`
	OutboxInterval    timex.Duration `json:"outbox_interval"`
	OutboxMaxAttempts int            `json:"outbox_max_attempts"`

	ExpirySweepInterval timex.Duration `json:"expiry_sweep_interval"`
	SweepPageSize       int            `json:"sweep_page_size"`

	ZombieSweepInterval timex.Duration `json:"zombie_sweep_interval"`
	ZombieThreshold     timex.Duration `json:"zombie_threshold"`

	LockTTL timex.Duration `json:"lock_ttl"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path is taken from the -c or -config flags; if
// neither is set, no JSON file is loaded. Invalid files panic: a server
// started with broken configuration should not come up.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		panic(err)
	}

	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.RedisAddr != "" {
		config.RedisAddr = c.RedisAddr
	}
	if c.RedisPassword != "" {
		config.RedisPassword = c.RedisPassword
	}
	if c.RedisDB != 0 {
		config.RedisDB = c.RedisDB
	}
	if c.QueueKey != "" {
		config.QueueKey = c.QueueKey
	}
	if c.S3RootUser != "" {
		config.S3RootUser = c.S3RootUser
	}
	if c.S3RootPassword != "" {
		config.S3RootPassword = c.S3RootPassword
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
	if c.PresignExpiry.Duration != 0 {
		config.PresignExpiry = c.PresignExpiry.Duration
	}
	if c.DefaultPartSize != 0 {
		config.DefaultPartSize = c.DefaultPartSize
	}
	if c.OutboxBatchSize != 0 {
		config.OutboxBatchSize = c.OutboxBatchSize
	}
	if c.OutboxInterval.Duration != 0 {
		config.OutboxInterval = c.OutboxInterval.Duration
	}
	if c.OutboxMaxAttempts != 0 {
		config.OutboxMaxAttempts = c.OutboxMaxAttempts
	}
	if c.ExpirySweepInterval.Duration != 0 {
		config.ExpirySweepInterval = c.ExpirySweepInterval.Duration
	}
	if c.SweepPageSize != 0 {
		config.SweepPageSize = c.SweepPageSize
	}
	if c.ZombieSweepInterval.Duration != 0 {
		config.ZombieSweepInterval = c.ZombieSweepInterval.Duration
	}
	if c.ZombieThreshold.Duration != 0 {
		config.ZombieThreshold = c.ZombieThreshold.Duration
	}
	if c.LockTTL.Duration != 0 {
		config.LockTTL = c.LockTTL.Duration
	}
}
