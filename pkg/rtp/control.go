package rtp

import (
	"fmt"
	"unicode/utf8"

	"github.com/pion/rtcp"
)

// maxByeReason - предел длины причины BYE в байтах (RFC 3550 6.6)
const maxByeReason = 255

// ByeNotice - уведомление об уходе источника из входящего RTCP BYE
type ByeNotice struct {
	SSRC   uint32
	Reason string
}

// EncodeBye собирает составной RTCP пакет RR + SDES(CNAME) + BYE.
// Составной пакет обязан начинаться с отчета (RFC 3550 6.1).
func EncodeBye(ssrc uint32, cname, reason string) ([]byte, error) {
	reason = truncateReason(reason, maxByeReason)

	packets := []rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: ssrc},
	}
	if cname != "" {
		packets = append(packets, &rtcp.SourceDescription{
			Chunks: []rtcp.SourceDescriptionChunk{{
				Source: ssrc,
				Items: []rtcp.SourceDescriptionItem{{
					Type: rtcp.SDESCNAME,
					Text: cname,
				}},
			}},
		})
	}
	packets = append(packets, &rtcp.Goodbye{
		Sources: []uint32{ssrc},
		Reason:  reason,
	})

	data, err := rtcp.Marshal(packets)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации RTCP BYE: %w", err)
	}
	return data, nil
}

// ParseByes извлекает уведомления BYE из RTCP датаграммы.
// Остальные типы RTCP пакетов пропускаются.
func ParseByes(b []byte) ([]ByeNotice, error) {
	packets, err := rtcp.Unmarshal(b)
	if err != nil {
		return nil, WrapError(ErrorCodeMalformedPacket, "некорректный RTCP пакет", err)
	}

	var notices []ByeNotice
	for _, p := range packets {
		bye, ok := p.(*rtcp.Goodbye)
		if !ok {
			continue
		}
		for _, ssrc := range bye.Sources {
			notices = append(notices, ByeNotice{SSRC: ssrc, Reason: bye.Reason})
		}
	}
	return notices, nil
}

// truncateReason обрезает строку до limit байт, не разрывая UTF-8 символ
func truncateReason(reason string, limit int) string {
	if len(reason) <= limit {
		return reason
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
