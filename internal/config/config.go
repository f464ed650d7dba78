// Package config loads the engine's tunables via viper, following the
// teacher's Config/DefaultConfig/MarshalLogObject pattern
// (hare3.Config, hare4/eligibility.Config) so the whole configuration can be
// logged in one structured line at startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config mirrors the original plugin's `_CONFIG` defaults (SEND_PERIOD,
// SEND_INTERVAL, USE_R1FS, ORACLE_LIST_REFRESH_INTERVAL, ...), renamed to Go
// idiom and typed as time.Duration where the source used raw seconds.
type Config struct {
	SendInterval               time.Duration `mapstructure:"send-interval"`
	SendPeriod                 time.Duration `mapstructure:"send-period"`
	ProcessDelay                time.Duration `mapstructure:"process-delay"`
	OracleListRefreshInterval  time.Duration `mapstructure:"oracle-list-refresh-interval"`
	SelfAssessmentInterval     time.Duration `mapstructure:"self-assessment-interval"`
	UseBlobOffload             bool          `mapstructure:"use-blob-offload"`
	UseBlobOffloadDuringConsensus bool       `mapstructure:"use-blob-offload-during-consensus"`
	SqueezeEpochDictionaries   bool          `mapstructure:"squeeze-epoch-dictionaries"`
	AcceptedReportsThreshold   int           `mapstructure:"accepted-reports-threshold"`
	InboxCapacityPerSender     int           `mapstructure:"inbox-capacity-per-sender"`
	DebugSync                  bool          `mapstructure:"debug-sync"`
	DebugSyncFull              bool          `mapstructure:"debug-sync-full"`
}

// Phase timeout multipliers, ported 1:1 from ora_sync_constants.py.
const (
	LocalTableSendMultiplier       = 2
	SignaturesExchangeMultiplier   = 2
	RequestAgreementTableMultiplier = 2
)

// DefaultConfig returns the engine defaults, matching the Python plugin's
// non-debug `_CONFIG` block.
func DefaultConfig() Config {
	return Config{
		SendInterval:                  30 * time.Second,
		SendPeriod:                    90 * time.Second,
		ProcessDelay:                  0,
		OracleListRefreshInterval:     300 * time.Second,
		SelfAssessmentInterval:        30 * time.Minute,
		UseBlobOffload:                false,
		UseBlobOffloadDuringConsensus: false,
		SqueezeEpochDictionaries:      true,
		AcceptedReportsThreshold:      0,
		InboxCapacityPerSender:        50,
		DebugSync:                     true,
		DebugSyncFull:                 false,
	}
}

// MarshalLogObject implements zapcore.ObjectMarshaler so the whole config can
// be logged with zap.Inline, per teacher convention.
func (c *Config) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddDuration("send interval", c.SendInterval)
	enc.AddDuration("send period", c.SendPeriod)
	enc.AddDuration("process delay", c.ProcessDelay)
	enc.AddDuration("oracle list refresh interval", c.OracleListRefreshInterval)
	enc.AddDuration("self assessment interval", c.SelfAssessmentInterval)
	enc.AddBool("use blob offload", c.UseBlobOffload)
	enc.AddBool("use blob offload during consensus", c.UseBlobOffloadDuringConsensus)
	enc.AddBool("squeeze epoch dictionaries", c.SqueezeEpochDictionaries)
	enc.AddInt("accepted reports threshold", c.AcceptedReportsThreshold)
	enc.AddInt("inbox capacity per sender", c.InboxCapacityPerSender)
	return nil
}

// Load reads configuration from (in increasing priority) built-in defaults,
// an optional config file, environment variables prefixed ORACLESYNC_, and
// command-line flags. fs allows tests to substitute an in-memory
// afero.Fs instead of touching the real disk.
func Load(fs afero.Fs, configPath string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetFs(fs)
	defaults := DefaultConfig()
	v.SetDefault("send-interval", defaults.SendInterval)
	v.SetDefault("send-period", defaults.SendPeriod)
	v.SetDefault("process-delay", defaults.ProcessDelay)
	v.SetDefault("oracle-list-refresh-interval", defaults.OracleListRefreshInterval)
	v.SetDefault("self-assessment-interval", defaults.SelfAssessmentInterval)
	v.SetDefault("use-blob-offload", defaults.UseBlobOffload)
	v.SetDefault("use-blob-offload-during-consensus", defaults.UseBlobOffloadDuringConsensus)
	v.SetDefault("squeeze-epoch-dictionaries", defaults.SqueezeEpochDictionaries)
	v.SetDefault("accepted-reports-threshold", defaults.AcceptedReportsThreshold)
	v.SetDefault("inbox-capacity-per-sender", defaults.InboxCapacityPerSender)
	v.SetDefault("debug-sync", defaults.DebugSync)
	v.SetDefault("debug-sync-full", defaults.DebugSyncFull)

	v.SetEnvPrefix("oraclesync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
