// Package media_sdp описывает локальную точку моста в формате SDP,
// чтобы внешний плеер (ffplay, VLC) мог принять поток.
package media_sdp

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/rtpbridge/pkg/audio"
	"github.com/arzzra/rtpbridge/pkg/rtp"
)

// Direction - направление медиа потока (атрибут SDP)
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// EncodingL16 - линейный 16-битный PCM (RFC 3551)
const EncodingL16 = "L16"

// OfferConfig содержит параметры описания локальной точки
type OfferConfig struct {
	SessionID   string // Идентификатор RTP сессии для i=
	SessionName string
	Host        string // Адрес для c= и o=; пусто или unspecified - адрес по умолчанию
	Port        int

	PayloadType  rtp.PayloadType
	EncodingName string // По умолчанию L16
	ByteOrder    audio.ByteOrder
	ClockRate    uint32
	Channels     int
	Ptime        time.Duration
	Direction    Direction
}

// Validate проверяет параметры
func (c OfferConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("некорректный порт %d", c.Port)
	}
	if c.PayloadType > rtp.MaxPayloadType {
		return fmt.Errorf("некорректный payload type %d", c.PayloadType)
	}
	if c.ClockRate == 0 {
		return fmt.Errorf("частота дискретизации должна быть больше 0")
	}
	if c.Channels < 0 {
		return fmt.Errorf("некорректное число каналов %d", c.Channels)
	}
	// L16 по RFC 3551 всегда в сетевом порядке байт
	if c.encoding() == EncodingL16 && c.ByteOrder != audio.BigEndian {
		return fmt.Errorf("%s требует сетевой порядок байт, payload в %s", EncodingL16, c.ByteOrder)
	}
	switch c.Direction {
	case "", DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
	default:
		return fmt.Errorf("неизвестное направление %q", c.Direction)
	}
	return nil
}

// BuildOffer создает SDP описание с одной аудио секцией
func BuildOffer(cfg OfferConfig) (*sdp.SessionDescription, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	host, addrType := offerAddress(cfg.Host)
	name := cfg.SessionName
	if name == "" {
		name = "-"
	}
	version := uint64(time.Now().Unix())

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      version,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: host,
		},
		SessionName: sdp.SessionName(name),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
	if cfg.SessionID != "" {
		info := sdp.Information("session " + cfg.SessionID)
		offer.SessionInformation = &info
	}

	pt := strconv.Itoa(int(cfg.PayloadType))
	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: cfg.Port},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{pt},
		},
	}
	media.Attributes = append(media.Attributes, sdp.NewAttribute("rtpmap", rtpmap(cfg)))
	if cfg.Ptime > 0 {
		media.Attributes = append(media.Attributes,
			sdp.NewAttribute("ptime", strconv.FormatInt(cfg.Ptime.Milliseconds(), 10)))
	}

	direction := cfg.Direction
	if direction == "" {
		direction = DirectionSendRecv
	}
	media.Attributes = append(media.Attributes, sdp.NewPropertyAttribute(string(direction)))

	offer.MediaDescriptions = []*sdp.MediaDescription{media}
	return offer, nil
}

// Marshal сериализует описание в текст SDP
func Marshal(desc *sdp.SessionDescription) ([]byte, error) {
	data, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации SDP: %w", err)
	}
	return data, nil
}

// WriteFile записывает описание в файл
func WriteFile(path string, desc *sdp.SessionDescription) error {
	data, err := Marshal(desc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("ошибка записи SDP в %s: %w", path, err)
	}
	return nil
}

func (c OfferConfig) encoding() string {
	if c.EncodingName == "" {
		return EncodingL16
	}
	return c.EncodingName
}

func rtpmap(cfg OfferConfig) string {
	value := fmt.Sprintf("%d %s/%d", cfg.PayloadType, cfg.encoding(), cfg.ClockRate)
	if cfg.Channels > 1 {
		value += "/" + strconv.Itoa(cfg.Channels)
	}
	return value
}

// offerAddress возвращает адрес для c= и тип адреса.
// Для пустого и unspecified адреса используется loopback.
func offerAddress(host string) (string, string) {
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		if ip != nil && ip.To4() == nil {
			return net.IPv6loopback.String(), "IP6"
		}
		return "127.0.0.1", "IP4"
	}
	if ip.To4() != nil {
		return ip.To4().String(), "IP4"
	}
	return ip.String(), "IP6"
}
