package audio

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ByteOrder - порядок байт отсчетов в payload
type ByteOrder int

const (
	// LittleEndian - порядок исходного моста, используется по умолчанию
	LittleEndian ByteOrder = iota
	// BigEndian - сетевой порядок L16 по RFC 3551
	BigEndian
)

func (o ByteOrder) String() string {
	if o == BigEndian {
		return "big"
	}
	return "little"
}

func (o ByteOrder) binary() binary.ByteOrder {
	if o == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ParseByteOrder разбирает "little"/"le" или "big"/"be"
func ParseByteOrder(s string) (ByteOrder, error) {
	switch strings.ToLower(s) {
	case "", "little", "le":
		return LittleEndian, nil
	case "big", "be", "network":
		return BigEndian, nil
	default:
		return LittleEndian, fmt.Errorf("неизвестный порядок байт %q", s)
	}
}

// ErrOddLength - длина payload не кратна размеру отсчета
var ErrOddLength = fmt.Errorf("нечетная длина PCM данных")

// EncodePCM сериализует кадр в байты
func EncodePCM(frame Frame, order ByteOrder) []byte {
	out := make([]byte, len(frame)*2)
	bo := order.binary()
	for i, sample := range frame {
		bo.PutUint16(out[i*2:], uint16(sample))
	}
	return out
}

// DecodePCM разбирает байты в кадр. Нечетная длина - ошибка ErrOddLength.
func DecodePCM(data []byte, order ByteOrder) (Frame, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("%w: %d байт", ErrOddLength, len(data))
	}
	frame := make(Frame, len(data)/2)
	bo := order.binary()
	for i := range frame {
		frame[i] = int16(bo.Uint16(data[i*2:]))
	}
	return frame, nil
}

// FitFrame приводит кадр к size отсчетам: короткий дополняется тишиной,
// длинный обрезается. adjusted сообщает, что размер отличался.
func FitFrame(frame Frame, size int) (fitted Frame, adjusted bool) {
	if len(frame) == size {
		return frame, false
	}
	fitted = make(Frame, size)
	copy(fitted, frame)
	return fitted, true
}
