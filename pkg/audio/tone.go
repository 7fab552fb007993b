package audio

import (
	"context"
	"fmt"
	"math"

	"github.com/tevino/abool"
)

// ToneSource генерирует синусоиду. Фаза непрерывна между кадрами.
type ToneSource struct {
	format    Format
	hz        float64
	amplitude float64
	phase     float64
	started   *abool.AtomicBool
}

// NewToneSource создает генератор тона
func NewToneSource(format Format, hz, amplitude float64) (*ToneSource, error) {
	if hz <= 0 || hz >= float64(format.SampleRate)/2 {
		return nil, deviceError(KindTone, "open",
			fmt.Errorf("частота тона %.1f Hz вне диапазона (0, %d)", hz, format.SampleRate/2))
	}
	if amplitude <= 0 || amplitude > 1 {
		return nil, deviceError(KindTone, "open",
			fmt.Errorf("амплитуда %.2f вне диапазона (0, 1]", amplitude))
	}
	return &ToneSource{
		format:    format,
		hz:        hz,
		amplitude: amplitude,
		started:   abool.New(),
	}, nil
}

func (s *ToneSource) Start() error {
	s.started.Set()
	return nil
}

func (s *ToneSource) Stop() error {
	s.started.UnSet()
	return nil
}

func (s *ToneSource) Close() error {
	return s.Stop()
}

func (s *ToneSource) Format() Format {
	return s.format
}

// ReadFrame возвращает следующий кадр синусоиды
func (s *ToneSource) ReadFrame(ctx context.Context) (Frame, error) {
	if !s.started.IsSet() {
		return nil, deviceError(KindTone, "read", ErrNotStarted)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step := 2 * math.Pi * s.hz / float64(s.format.SampleRate)
	peak := s.amplitude * math.MaxInt16

	frame := make(Frame, s.format.FrameSize)
	for i := range frame {
		frame[i] = int16(peak * math.Sin(s.phase))
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return frame, nil
}
