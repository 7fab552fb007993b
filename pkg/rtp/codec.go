package rtp

import (
	"fmt"
	"net"
	"time"

	pionrtp "github.com/pion/rtp"
)

// Размеры и константы заголовка RTP (RFC 3550)
const (
	HeaderSize      = 12
	Version         = 2
	MaxDatagramSize = 1500
	MaxPayloadType  = 127
	rtcpTypeMin     = 192
	rtcpTypeMax     = 223
)

// PayloadType представляет тип полезной нагрузки RTP
type PayloadType uint8

// Статические типы нагрузки RFC 3551 и динамический диапазон
const (
	PayloadTypePCMU    PayloadType = 0
	PayloadTypePCMA    PayloadType = 8
	PayloadTypeL16     PayloadType = 11 // L16 mono 44100 Hz
	PayloadTypeDynamic PayloadType = 96
)

// CollidesWithRTCP сообщает, попадает ли второй байт пакета с этим PT
// (с маркером) в диапазон типов RTCP. Такие PT нельзя мультиплексировать
// с RTCP на одном порту (RFC 5761).
func (pt PayloadType) CollidesWithRTCP() bool {
	return pt >= 64 && pt <= 95
}

// HeaderFields - поля заголовка, задаваемые отправителем
type HeaderFields struct {
	PayloadType    PayloadType
	Marker         bool
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
}

// Packet - декодированный RTP пакет. Payload принадлежит пакету
// и не разделяет память с входным буфером.
type Packet struct {
	HeaderFields
	CSRC    []uint32
	Payload []byte

	// Заполняются сессией при приеме
	ReceivedAt time.Time
	From       net.Addr
}

// Encode собирает RTP пакет: фиксированный заголовок и payload без изменений.
// Результат всегда HeaderSize+len(payload) байт.
func Encode(h HeaderFields, payload []byte) ([]byte, error) {
	if h.PayloadType > MaxPayloadType {
		return nil, NewError(ErrorCodeInvalidConfig,
			fmt.Sprintf("payload type %d вне диапазона 0..%d", h.PayloadType, MaxPayloadType))
	}

	pkt := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        Version,
			Marker:         h.Marker,
			PayloadType:    uint8(h.PayloadType),
			SequenceNumber: h.SequenceNumber,
			Timestamp:      h.Timestamp,
			SSRC:           h.SSRC,
		},
		Payload: payload,
	}

	data, err := pkt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации RTP пакета: %w", err)
	}
	return data, nil
}

// Decode разбирает датаграмму как RTP v2 пакет.
// Ошибки всегда имеют код MalformedPacket.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, NewError(ErrorCodeMalformedPacket,
			fmt.Sprintf("длина %d меньше заголовка RTP", len(b))).WithContext("length", len(b))
	}
	if v := b[0] >> 6; v != Version {
		return nil, NewError(ErrorCodeMalformedPacket,
			fmt.Sprintf("неподдерживаемая версия RTP %d", v)).WithContext("version", v)
	}

	var pkt pionrtp.Packet
	if err := pkt.Unmarshal(b); err != nil {
		// CSRC, extension или padding выходят за границы датаграммы
		return nil, WrapError(ErrorCodeMalformedPacket, "некорректная структура пакета", err).
			WithContext("length", len(b))
	}

	out := &Packet{
		HeaderFields: HeaderFields{
			PayloadType:    PayloadType(pkt.PayloadType),
			Marker:         pkt.Marker,
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
			SSRC:           pkt.SSRC,
		},
		Payload: append([]byte(nil), pkt.Payload...),
	}
	if len(pkt.CSRC) > 0 {
		out.CSRC = append([]uint32(nil), pkt.CSRC...)
	}
	return out, nil
}

// IsRTCP определяет RTCP пакет при мультиплексировании на одном порту (RFC 5761)
func IsRTCP(b []byte) bool {
	if len(b) < 2 || b[0]>>6 != Version {
		return false
	}
	return b[1] >= rtcpTypeMin && b[1] <= rtcpTypeMax
}
