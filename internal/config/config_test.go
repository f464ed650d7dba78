package config

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfigMatchesKnownDefaults(t *testing.T) {
	d := DefaultConfig()
	assert.Equal(t, 30*time.Second, d.SendInterval)
	assert.Equal(t, 90*time.Second, d.SendPeriod)
	assert.Equal(t, 50, d.InboxCapacityPerSender)
	assert.True(t, d.SqueezeEpochDictionaries)
	assert.False(t, d.UseBlobOffload)
}

func TestLoadWithoutConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadHonorsBoundFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Duration("send-interval", 0, "")
	require.NoError(t, flags.Set("send-interval", "5s"))

	cfg, err := Load(afero.NewMemMapFs(), "", flags)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.SendInterval)
}

func TestLoadHonorsConfigFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/cfg.yaml", []byte("use-blob-offload: true\n"), 0o644))

	cfg, err := Load(fs, "/cfg.yaml", nil)
	require.NoError(t, err)
	assert.True(t, cfg.UseBlobOffload)
}

func TestLoadReturnsErrorForMissingConfigFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/does/not/exist.yaml", nil)
	assert.Error(t, err)
}

func TestMarshalLogObjectEncodesFields(t *testing.T) {
	cfg := DefaultConfig()
	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, cfg.MarshalLogObject(enc))
	assert.Equal(t, 50, enc.Fields["inbox capacity per sender"])
}
