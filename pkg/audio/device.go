// Package audio описывает аудио устройства моста и преобразование PCM.
//
// Устройство работает кадрами фиксированного размера: моно, знаковые 16-битные
// отсчеты. Захват отдает кадры, воспроизведение их принимает. Реальные звуковые
// карты подключаются через интерфейсы Capture и Playback; в пакете есть
// генератор тона, файловые источник и приемник, тишина и заглушка.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction - направление устройства
type Direction int

const (
	DirectionCapture Direction = iota
	DirectionPlayback
)

func (d Direction) String() string {
	switch d {
	case DirectionCapture:
		return "capture"
	case DirectionPlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// Виды встроенных устройств
const (
	KindTone    = "tone"
	KindFile    = "file"
	KindSilence = "silence"
	KindDiscard = "discard"
)

// Format - формат аудио: моно, 16 бит
type Format struct {
	SampleRate uint32 // Hz
	FrameSize  int    // Отсчетов в кадре
}

// DefaultFormat - 8 kHz, кадр 20ms
func DefaultFormat() Format {
	return Format{SampleRate: 8000, FrameSize: 160}
}

// FrameDuration возвращает длительность одного кадра
func (f Format) FrameDuration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(f.FrameSize) * time.Second / time.Duration(f.SampleRate)
}

// FrameBytes возвращает размер кадра в байтах
func (f Format) FrameBytes() int {
	return f.FrameSize * 2
}

// Validate проверяет формат
func (f Format) Validate() error {
	if f.SampleRate == 0 {
		return fmt.Errorf("частота дискретизации должна быть больше 0")
	}
	if f.FrameSize <= 0 {
		return fmt.Errorf("размер кадра должен быть больше 0, получен %d", f.FrameSize)
	}
	return nil
}

// Frame - кадр знаковых 16-битных отсчетов
type Frame []int16

// Device - общий жизненный цикл устройства
type Device interface {
	Start() error
	Stop() error
	Close() error
	Format() Format
}

// Capture - устройство захвата
type Capture interface {
	Device
	// ReadFrame возвращает следующий кадр. Короткий кадр допустим:
	// вызывающая сторона решает, дополнять его или пропускать.
	ReadFrame(ctx context.Context) (Frame, error)
}

// Playback - устройство воспроизведения
type Playback interface {
	Device
	WriteFrame(ctx context.Context, frame Frame) error
}

// ErrDevice - сентинел для errors.Is на любых ошибках устройств
var ErrDevice = errors.New("ошибка аудио устройства")

// ErrNotStarted возвращается при чтении или записи до Start
var ErrNotStarted = errors.New("устройство не запущено")

// DeviceError - ошибка устройства. Для моста такие ошибки фатальны.
type DeviceError struct {
	Device string
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("устройство %s: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is позволяет проверять errors.Is(err, ErrDevice)
func (e *DeviceError) Is(target error) bool {
	return target == ErrDevice
}

func deviceError(device, op string, err error) error {
	return &DeviceError{Device: device, Op: op, Err: err}
}

// Options - параметры встроенных устройств
type Options struct {
	Path      string    // Файл для KindFile
	ToneHz    float64   // Частота для KindTone
	Amplitude float64   // Амплитуда тона 0..1
	Loop      bool      // Зацикливать файл
	ByteOrder ByteOrder // Порядок байт файла
}

// DefaultOptions - тон 440 Hz, как у тестового генератора
func DefaultOptions() Options {
	return Options{
		ToneHz:    440,
		Amplitude: 0.3,
		ByteOrder: LittleEndian,
	}
}

// Open открывает встроенное устройство указанного вида и направления
func Open(kind string, dir Direction, format Format, opts Options) (Device, error) {
	if err := format.Validate(); err != nil {
		return nil, deviceError(kind, "open", err)
	}

	switch dir {
	case DirectionCapture:
		switch kind {
		case KindTone:
			return NewToneSource(format, opts.ToneHz, opts.Amplitude)
		case KindFile:
			return NewFileSource(format, opts.Path, opts.ByteOrder, opts.Loop)
		case KindSilence:
			return NewSilenceSource(format), nil
		}
	case DirectionPlayback:
		switch kind {
		case KindFile:
			return NewFileSink(format, opts.Path, opts.ByteOrder)
		case KindDiscard:
			return NewDiscardSink(format), nil
		}
	}
	return nil, deviceError(kind, "open",
		fmt.Errorf("вид устройства %q не поддерживается для %s", kind, dir))
}

// OpenCapture открывает устройство захвата
func OpenCapture(kind string, format Format, opts Options) (Capture, error) {
	dev, err := Open(kind, DirectionCapture, format, opts)
	if err != nil {
		return nil, err
	}
	return dev.(Capture), nil
}

// OpenPlayback открывает устройство воспроизведения
func OpenPlayback(kind string, format Format, opts Options) (Playback, error) {
	dev, err := Open(kind, DirectionPlayback, format, opts)
	if err != nil {
		return nil, err
	}
	return dev.(Playback), nil
}
