package bridge

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtpbridge/pkg/audio"
	"github.com/arzzra/rtpbridge/pkg/rtp"
)

// FramePolicy определяет обработку короткого кадра захвата
type FramePolicy string

const (
	// FramePolicyPad дополняет кадр тишиной и отправляет его
	FramePolicyPad FramePolicy = "pad"
	// FramePolicyDrop пропускает кадр, сдвигая timestamp на полный кадр
	FramePolicyDrop FramePolicy = "drop"
)

// Значения по умолчанию
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultWriteTimeout = 100 * time.Millisecond
	DefaultByeReason    = "Session ended"
	DefaultLinger       = time.Second
)

// Config - параметры моста
type Config struct {
	Session  *rtp.Session
	Capture  audio.Capture
	Playback audio.Playback

	PayloadType rtp.PayloadType
	ByteOrder   audio.ByteOrder

	PollInterval time.Duration // Период цикла приема
	ReadTimeout  time.Duration // Ожидание кадра от устройства захвата
	WriteTimeout time.Duration // Ожидание записи в устройство воспроизведения
	FramePolicy  FramePolicy
	// EventDriven: прием просыпается по готовности сокета, PollInterval - верхняя граница ожидания
	EventDriven bool

	ByeReason string
	Linger    time.Duration

	Logger  logrus.FieldLogger
	Metrics *Metrics
}

// ApplyDefaults заполняет незаданные параметры
func (c *Config) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.FramePolicy == "" {
		c.FramePolicy = FramePolicyPad
	}
	if c.ByeReason == "" {
		c.ByeReason = DefaultByeReason
	}
	if c.Linger == 0 {
		c.Linger = DefaultLinger
	}
}

// Validate проверяет конфигурацию
func (c *Config) Validate() error {
	if c.Session == nil {
		return fmt.Errorf("RTP сессия обязательна")
	}
	if c.Capture == nil {
		return fmt.Errorf("устройство захвата обязательно")
	}
	if c.Playback == nil {
		return fmt.Errorf("устройство воспроизведения обязательно")
	}

	format := c.Capture.Format()
	if err := format.Validate(); err != nil {
		return fmt.Errorf("формат захвата: %w", err)
	}
	if format.SampleRate != c.Session.ClockRate() {
		return fmt.Errorf("частота захвата %d не совпадает с частотой сессии %d",
			format.SampleRate, c.Session.ClockRate())
	}
	if pb := c.Playback.Format(); pb.SampleRate != format.SampleRate {
		return fmt.Errorf("частота воспроизведения %d не совпадает с частотой захвата %d",
			pb.SampleRate, format.SampleRate)
	}
	if format.FrameBytes()+rtp.HeaderSize > rtp.MaxDatagramSize {
		return fmt.Errorf("кадр %d отсчетов не помещается в датаграмму", format.FrameSize)
	}
	if c.PayloadType > rtp.MaxPayloadType || c.PayloadType.CollidesWithRTCP() {
		return fmt.Errorf("payload type %d недопустим", c.PayloadType)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("интервал опроса должен быть больше 0")
	}
	if c.PollInterval >= format.FrameDuration() {
		return fmt.Errorf("интервал опроса %v должен быть меньше длительности кадра %v",
			c.PollInterval, format.FrameDuration())
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("таймауты устройств должны быть больше 0")
	}
	if c.FramePolicy != FramePolicyPad && c.FramePolicy != FramePolicyDrop {
		return fmt.Errorf("неизвестная политика кадра %q", c.FramePolicy)
	}
	return nil
}
