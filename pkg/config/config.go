// Package config загружает и проверяет конфигурацию моста.
//
// Конфигурация читается из YAML; значения, не указанные в файле, берутся
// из Default. Длительности записываются строками вида "20ms".
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Политики короткого кадра захвата
const (
	FramePolicyPad  = "pad"
	FramePolicyDrop = "drop"
)

// Config - полная конфигурация моста
type Config struct {
	Remote   RemoteConfig   `yaml:"remote"`
	Local    LocalConfig    `yaml:"local"`
	Audio    AudioConfig    `yaml:"audio"`
	Capture  DeviceConfig   `yaml:"capture"`
	Playback DeviceConfig   `yaml:"playback"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Session  SessionConfig  `yaml:"session"`
	Teardown TeardownConfig `yaml:"teardown"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Pcap     PcapConfig     `yaml:"pcap"`
	SDP      SDPConfig      `yaml:"sdp"`
}

// RemoteConfig - адрес удаленной стороны
type RemoteConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LocalConfig - локальная привязка
type LocalConfig struct {
	Host string `yaml:"host"` // Пусто - все интерфейсы
	Port int    `yaml:"port"`
	DSCP int    `yaml:"dscp"`
}

// AudioConfig - формат аудио и RTP
type AudioConfig struct {
	SampleRate  uint32 `yaml:"sample_rate"`
	FrameSize   int    `yaml:"frame_size"`
	PayloadType uint8  `yaml:"payload_type"`
	ByteOrder   string `yaml:"byte_order"`
}

// DeviceConfig - выбор аудио устройства
type DeviceConfig struct {
	Kind      string  `yaml:"kind"`
	Path      string  `yaml:"path"`
	ToneHz    float64 `yaml:"tone_hz"`
	Amplitude float64 `yaml:"amplitude"`
	Loop      bool    `yaml:"loop"`
}

// BridgeConfig - параметры циклов отправки и приема
type BridgeConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	FramePolicy  string        `yaml:"frame_policy"`
	EventDriven  bool          `yaml:"event_driven"`
}

// SessionConfig - параметры RTP сессии
type SessionConfig struct {
	CNAME               string        `yaml:"cname"`
	MaxQueueDepth       int           `yaml:"max_queue_depth"`
	SourceIdleTimeout   time.Duration `yaml:"source_idle_timeout"`
	MaxDatagramsPerPoll int           `yaml:"max_datagrams_per_poll"`
	DropOwnPackets      bool          `yaml:"drop_own_packets"`
}

// TeardownConfig - завершение сессии
type TeardownConfig struct {
	ByeReason string        `yaml:"bye_reason"`
	Linger    time.Duration `yaml:"linger"`
}

// LogConfig - логирование
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig - HTTP эндпоинт Prometheus, пусто - выключено
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// PcapConfig - запись трафика, пусто - выключено
type PcapConfig struct {
	Path string `yaml:"path"`
}

// SDPConfig - запись SDP offer, пусто - выключено
type SDPConfig struct {
	Path        string `yaml:"path"`
	SessionName string `yaml:"session_name"`
}

// Default возвращает конфигурацию по умолчанию:
// 8 kHz, кадр 160 отсчетов (20ms), PT 96, тон 440 Hz на отправку, прием в никуда.
func Default() *Config {
	return &Config{
		Local: LocalConfig{
			DSCP: 46,
		},
		Audio: AudioConfig{
			SampleRate:  8000,
			FrameSize:   160,
			PayloadType: 96,
			ByteOrder:   "little",
		},
		Capture: DeviceConfig{
			Kind:      "tone",
			ToneHz:    440,
			Amplitude: 0.3,
		},
		Playback: DeviceConfig{
			Kind: "discard",
		},
		Bridge: BridgeConfig{
			PollInterval: 10 * time.Millisecond,
			ReadTimeout:  100 * time.Millisecond,
			WriteTimeout: 100 * time.Millisecond,
			FramePolicy:  FramePolicyPad,
			EventDriven:  true,
		},
		Session: SessionConfig{
			MaxDatagramsPerPoll: 64,
		},
		Teardown: TeardownConfig{
			ByeReason: "Session ended",
			Linger:    time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		SDP: SDPConfig{
			SessionName: "rtpbridge",
		},
	}
}

// Load читает YAML файл поверх значений по умолчанию
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию.
// Неизвестные ключи считаются ошибкой.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("ошибка разбора конфигурации: %w", err)
	}
	return cfg, nil
}

// Marshal сериализует конфигурацию в YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// FrameDuration возвращает длительность кадра
func (c *Config) FrameDuration() time.Duration {
	if c.Audio.SampleRate == 0 {
		return 0
	}
	return time.Duration(c.Audio.FrameSize) * time.Second / time.Duration(c.Audio.SampleRate)
}

// RemoteAddr возвращает адрес удаленной стороны
func (c *Config) RemoteAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(c.Remote.Host)
	if ip == nil {
		return nil, fmt.Errorf("неверный IP адрес удаленной стороны %q", c.Remote.Host)
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		return nil, fmt.Errorf("порт удаленной стороны %d вне диапазона 1-65535", c.Remote.Port)
	}
	return &net.UDPAddr{IP: ip, Port: c.Remote.Port}, nil
}

// LocalAddr возвращает адрес привязки в виде host:port
func (c *Config) LocalAddr() string {
	return net.JoinHostPort(c.Local.Host, fmt.Sprint(c.Local.Port))
}

// Validate проверяет корректность конфигурации. Возвращает все найденные ошибки.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.RemoteAddr(); err != nil {
		errs = append(errs, err)
	}
	if c.Local.Port < 0 || c.Local.Port > 65535 {
		errs = append(errs, fmt.Errorf("локальный порт %d вне диапазона 0-65535", c.Local.Port))
	}
	if c.Local.DSCP < 0 || c.Local.DSCP > 63 {
		errs = append(errs, fmt.Errorf("DSCP должен быть в диапазоне 0-63"))
	}

	if c.Audio.SampleRate == 0 {
		errs = append(errs, fmt.Errorf("частота дискретизации должна быть больше 0"))
	}
	if c.Audio.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("размер кадра должен быть больше 0"))
	}
	if c.Audio.FrameSize*2+12 > 1500 {
		errs = append(errs, fmt.Errorf("кадр %d отсчетов не помещается в датаграмму", c.Audio.FrameSize))
	}
	if c.Audio.PayloadType > 127 {
		errs = append(errs, fmt.Errorf("payload type %d вне диапазона 0-127", c.Audio.PayloadType))
	} else if c.Audio.PayloadType >= 64 && c.Audio.PayloadType <= 95 {
		errs = append(errs, fmt.Errorf("payload type %d конфликтует с RTCP на общем порту", c.Audio.PayloadType))
	}
	switch c.Audio.ByteOrder {
	case "", "little", "le":
		// SDP описывает payload как L16, а L16 всегда big-endian
		if c.SDP.Path != "" {
			errs = append(errs, fmt.Errorf("SDP описание требует byte_order big, задан %q", c.Audio.ByteOrder))
		}
	case "big", "be", "network":
	default:
		errs = append(errs, fmt.Errorf("неизвестный порядок байт %q", c.Audio.ByteOrder))
	}

	errs = append(errs, validateDevice("capture", c.Capture, []string{"tone", "file", "silence"})...)
	errs = append(errs, validateDevice("playback", c.Playback, []string{"file", "discard"})...)

	if c.Bridge.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("интервал опроса должен быть больше 0"))
	} else if frame := c.FrameDuration(); frame > 0 && c.Bridge.PollInterval >= frame {
		errs = append(errs, fmt.Errorf("интервал опроса %v должен быть меньше длительности кадра %v",
			c.Bridge.PollInterval, frame))
	}
	if c.Bridge.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("таймаут чтения должен быть больше 0"))
	}
	if c.Bridge.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("таймаут записи должен быть больше 0"))
	}
	if c.Bridge.FramePolicy != FramePolicyPad && c.Bridge.FramePolicy != FramePolicyDrop {
		errs = append(errs, fmt.Errorf("политика кадра должна быть %q или %q", FramePolicyPad, FramePolicyDrop))
	}

	if c.Session.MaxQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("предел очереди не может быть отрицательным"))
	}
	if c.Session.SourceIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("таймаут источника не может быть отрицательным"))
	}
	if c.Teardown.Linger < 0 {
		errs = append(errs, fmt.Errorf("linger не может быть отрицательным"))
	}

	return errors.Join(errs...)
}

func validateDevice(name string, d DeviceConfig, kinds []string) []error {
	var errs []error
	known := false
	for _, k := range kinds {
		if d.Kind == k {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("%s: неизвестный вид устройства %q", name, d.Kind))
	}
	if d.Kind == "file" && d.Path == "" {
		errs = append(errs, fmt.Errorf("%s: для файла нужен путь", name))
	}
	if d.Kind == "tone" && (d.Amplitude <= 0 || d.Amplitude > 1) {
		errs = append(errs, fmt.Errorf("%s: амплитуда должна быть в диапазоне (0, 1]", name))
	}
	return errs
}
