package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Remote = RemoteConfig{Host: "127.0.0.1", Port: 5000}
	cfg.Local.Port = 5001
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, uint32(8000), cfg.Audio.SampleRate)
	assert.Equal(t, 160, cfg.Audio.FrameSize)
	assert.Equal(t, uint8(96), cfg.Audio.PayloadType)
	assert.Equal(t, 20*time.Millisecond, cfg.FrameDuration())
	assert.Equal(t, 10*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, FramePolicyPad, cfg.Bridge.FramePolicy)

	// Без адреса удаленной стороны конфигурация неполна
	assert.Error(t, cfg.Validate())
	assert.NoError(t, validConfig().Validate())
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
remote:
  host: 10.0.0.2
  port: 6000
local:
  port: 6001
audio:
  sample_rate: 16000
  frame_size: 320
  byte_order: big
bridge:
  poll_interval: 5ms
  frame_policy: drop
teardown:
  linger: 250ms
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.2", cfg.Remote.Host)
	assert.Equal(t, 6001, cfg.Local.Port)
	assert.Equal(t, uint32(16000), cfg.Audio.SampleRate)
	assert.Equal(t, "big", cfg.Audio.ByteOrder)
	assert.Equal(t, 5*time.Millisecond, cfg.Bridge.PollInterval)
	assert.Equal(t, FramePolicyDrop, cfg.Bridge.FramePolicy)
	assert.Equal(t, 250*time.Millisecond, cfg.Teardown.Linger)

	// Не указанные значения остаются по умолчанию
	assert.Equal(t, uint8(96), cfg.Audio.PayloadType)
	assert.Equal(t, "tone", cfg.Capture.Kind)
	assert.Equal(t, "Session ended", cfg.Teardown.ByeReason)
	assert.NoError(t, cfg.Validate())
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("remote:\n  hots: 1.2.3.4\n"))
	assert.Error(t, err)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Session.SourceIdleTimeout = 30 * time.Second

	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "30s")

	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"неверный IP", func(c *Config) { c.Remote.Host = "not-an-ip" }, "неверный IP"},
		{"порт удаленной стороны", func(c *Config) { c.Remote.Port = 70000 }, "порт удаленной стороны"},
		{"локальный порт", func(c *Config) { c.Local.Port = -1 }, "локальный порт"},
		{"нулевая частота", func(c *Config) { c.Audio.SampleRate = 0 }, "частота"},
		{"большой кадр", func(c *Config) { c.Audio.FrameSize = 1000 }, "не помещается"},
		{"PT вне диапазона", func(c *Config) { c.Audio.PayloadType = 200 }, "вне диапазона"},
		{"PT конфликтует с RTCP", func(c *Config) { c.Audio.PayloadType = 72 }, "RTCP"},
		{"порядок байт", func(c *Config) { c.Audio.ByteOrder = "middle" }, "порядок байт"},
		{"SDP с little-endian", func(c *Config) { c.SDP.Path = "bridge.sdp" }, "byte_order big"},
		{"устройство захвата", func(c *Config) { c.Capture.Kind = "mic" }, "capture"},
		{"файл без пути", func(c *Config) { c.Playback.Kind = "file" }, "путь"},
		{"опрос не короче кадра", func(c *Config) { c.Bridge.PollInterval = 20 * time.Millisecond }, "интервал опроса"},
		{"политика кадра", func(c *Config) { c.Bridge.FramePolicy = "stretch" }, "политика"},
		{"отрицательный linger", func(c *Config) { c.Teardown.Linger = -time.Second }, "linger"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSDPByteOrder(t *testing.T) {
	cfg := validConfig()
	cfg.SDP.Path = "bridge.sdp"
	cfg.Audio.ByteOrder = "little"
	require.Error(t, cfg.Validate())

	for _, order := range []string{"big", "be", "network"} {
		cfg.Audio.ByteOrder = order
		assert.NoError(t, cfg.Validate(), order)
	}
}

func TestAddresses(t *testing.T) {
	cfg := validConfig()
	remote, err := cfg.RemoteAddr()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5000", remote.String())
	assert.Equal(t, ":5001", cfg.LocalAddr())

	cfg.Local.Host = "::1"
	assert.Equal(t, "[::1]:5001", cfg.LocalAddr())
}
