package audio

import (
	"context"
	"sync/atomic"

	"github.com/tevino/abool"
)

// SilenceSource отдает кадры тишины
type SilenceSource struct {
	format  Format
	started *abool.AtomicBool
}

func NewSilenceSource(format Format) *SilenceSource {
	return &SilenceSource{format: format, started: abool.New()}
}

func (s *SilenceSource) Start() error   { s.started.Set(); return nil }
func (s *SilenceSource) Stop() error    { s.started.UnSet(); return nil }
func (s *SilenceSource) Close() error   { return s.Stop() }
func (s *SilenceSource) Format() Format { return s.format }

func (s *SilenceSource) ReadFrame(ctx context.Context) (Frame, error) {
	if !s.started.IsSet() {
		return nil, deviceError(KindSilence, "read", ErrNotStarted)
	}
	return make(Frame, s.format.FrameSize), nil
}

// DiscardSink принимает и отбрасывает кадры, считая их
type DiscardSink struct {
	format  Format
	started *abool.AtomicBool
	frames  atomic.Uint64
	samples atomic.Uint64
}

func NewDiscardSink(format Format) *DiscardSink {
	return &DiscardSink{format: format, started: abool.New()}
}

func (s *DiscardSink) Start() error   { s.started.Set(); return nil }
func (s *DiscardSink) Stop() error    { s.started.UnSet(); return nil }
func (s *DiscardSink) Close() error   { return s.Stop() }
func (s *DiscardSink) Format() Format { return s.format }

func (s *DiscardSink) WriteFrame(ctx context.Context, frame Frame) error {
	if !s.started.IsSet() {
		return deviceError(KindDiscard, "write", ErrNotStarted)
	}
	s.frames.Add(1)
	s.samples.Add(uint64(len(frame)))
	return nil
}

// Frames возвращает число принятых кадров
func (s *DiscardSink) Frames() uint64 {
	return s.frames.Load()
}

// Samples возвращает число принятых отсчетов
func (s *DiscardSink) Samples() uint64 {
	return s.samples.Load()
}
