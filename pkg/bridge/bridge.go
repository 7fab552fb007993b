// Package bridge связывает аудио устройства с RTP сессией.
//
// Мост запускает два цикла. Цикл отправки раз в длительность кадра читает кадр
// захвата и отправляет его одним RTP пакетом. Цикл приема каждые PollInterval
// опрашивает сессию и пишет принятые payload в устройство воспроизведения.
// Фатальная ошибка одного цикла останавливает второй; при любом завершении
// сессия закрывается ровно один раз с отправкой RTCP BYE.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/rtpbridge/pkg/audio"
	"github.com/arzzra/rtpbridge/pkg/rtp"
)

// ErrAlreadyRunning возвращается при повторном Run
var ErrAlreadyRunning = errors.New("мост уже запущен")

// Stats - счетчики моста
type Stats struct {
	FramesCaptured    uint64
	FramesSent        uint64
	FramesPadded      uint64
	FramesSkipped     uint64
	SendFailures      uint64
	FramesPlayed      uint64
	MalformedPayloads uint64
}

// Bridge - двунаправленный мост между аудио устройствами и RTP сессией
type Bridge struct {
	config Config
	format audio.Format
	logger logrus.FieldLogger

	running   *abool.AtomicBool
	closeOnce sync.Once
	closeErr  error

	framesCaptured    atomic.Uint64
	framesSent        atomic.Uint64
	framesPadded      atomic.Uint64
	framesSkipped     atomic.Uint64
	sendFailures      atomic.Uint64
	framesPlayed      atomic.Uint64
	malformedPayloads atomic.Uint64
}

// New создает мост. Устройства и сессия должны быть открыты заранее;
// мост закрывает их при завершении Run.
func New(config Config) (*Bridge, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &Bridge{
		config:  config,
		format:  config.Capture.Format(),
		logger:  logger,
		running: abool.New(),
	}, nil
}

// Run запускает циклы и блокируется до отмены ctx или фатальной ошибки.
// Возвращает первую фатальную ошибку; отмена ctx ошибкой не считается.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.SetToIf(false, true) {
		return ErrAlreadyRunning
	}
	b.config.Metrics.setRunning(true)
	defer b.config.Metrics.setRunning(false)

	if err := b.startDevices(); err != nil {
		b.shutdown()
		return err
	}

	group, loopCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return b.fatal("send", b.sendLoop(loopCtx)) })
	group.Go(func() error { return b.fatal("receive", b.receiveLoop(loopCtx)) })

	b.logger.WithFields(logrus.Fields{
		"sample_rate":  b.format.SampleRate,
		"frame_size":   b.format.FrameSize,
		"poll":         b.config.PollInterval,
		"event_driven": b.config.EventDriven,
	}).Info("Мост запущен")

	err := group.Wait()
	b.shutdown()

	stats := b.Stats()
	b.logger.WithFields(logrus.Fields{
		"sent":    stats.FramesSent,
		"played":  stats.FramesPlayed,
		"padded":  stats.FramesPadded,
		"skipped": stats.FramesSkipped,
	}).Info("Мост остановлен")

	return err
}

// fatal логирует ошибку цикла; ненулевая ошибка останавливает второй цикл
func (b *Bridge) fatal(loop string, err error) error {
	if err != nil {
		b.logger.WithError(err).WithField("loop", loop).Error("Фатальная ошибка, мост останавливается")
	}
	return err
}

// Close завершает сессию без запуска циклов. Безопасно вызывать повторно.
func (b *Bridge) Close() error {
	b.shutdown()
	return b.closeErr
}

// Stats возвращает снимок счетчиков
func (b *Bridge) Stats() Stats {
	return Stats{
		FramesCaptured:    b.framesCaptured.Load(),
		FramesSent:        b.framesSent.Load(),
		FramesPadded:      b.framesPadded.Load(),
		FramesSkipped:     b.framesSkipped.Load(),
		SendFailures:      b.sendFailures.Load(),
		FramesPlayed:      b.framesPlayed.Load(),
		MalformedPayloads: b.malformedPayloads.Load(),
	}
}

func (b *Bridge) startDevices() error {
	if err := b.config.Capture.Start(); err != nil {
		return fmt.Errorf("запуск захвата: %w", err)
	}
	if err := b.config.Playback.Start(); err != nil {
		return fmt.Errorf("запуск воспроизведения: %w", err)
	}
	return nil
}

// shutdown закрывает сессию с BYE и освобождает устройства ровно один раз
func (b *Bridge) shutdown() {
	b.closeOnce.Do(func() {
		var errs []error
		if err := b.config.Session.Teardown(b.config.ByeReason, b.config.Linger); err != nil &&
			!errors.Is(err, rtp.ErrSessionClosed) {
			errs = append(errs, fmt.Errorf("закрытие сессии: %w", err))
		}
		if err := b.config.Capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("закрытие захвата: %w", err))
		}
		if err := b.config.Playback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("закрытие воспроизведения: %w", err))
		}
		b.closeErr = errors.Join(errs...)
		if b.closeErr != nil {
			b.logger.WithError(b.closeErr).Warn("Ошибки при освобождении ресурсов")
		}
	})
}

// sendLoop отправляет по одному кадру за период кадра.
// Текущая итерация всегда завершается; остановка проверяется между итерациями.
func (b *Bridge) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.format.FrameDuration())
	defer ticker.Stop()

	marker := true
	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		sent, err := b.sendOnce(ctx, marker)
		if err != nil {
			return err
		}
		if sent {
			marker = false
		}
		b.config.Metrics.observeSend(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sendOnce выполняет одну итерацию отправки. Возвращает true, если пакет ушел
// хотя бы одному адресату. Ошибка означает фатальную проблему.
func (b *Bridge) sendOnce(ctx context.Context, marker bool) (bool, error) {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.ReadTimeout)
	frame, err := b.config.Capture.ReadFrame(readCtx)
	cancel()

	switch {
	case err == nil:
		b.framesCaptured.Add(1)
	case errors.Is(err, context.DeadlineExceeded):
		// Устройство не успело: кадр считается пустым
		b.logger.Debug("Кадр захвата не получен вовремя")
		frame = nil
	default:
		return false, err
	}

	size := b.format.FrameSize
	fitted, adjusted := audio.FitFrame(frame, size)
	if adjusted && len(frame) < size {
		b.config.Metrics.frameAdjusted(b.config.FramePolicy)
		if b.config.FramePolicy == FramePolicyDrop {
			b.framesSkipped.Add(1)
			if err := b.config.Session.AdvanceTimestamp(uint32(size)); err != nil {
				return false, err
			}
			return false, nil
		}
		b.framesPadded.Add(1)
	}

	payload := audio.EncodePCM(fitted, b.config.ByteOrder)
	err = b.config.Session.Send(payload, uint32(size), b.config.PayloadType, marker)

	var sendErr *rtp.SendError
	switch {
	case err == nil:
		b.framesSent.Add(1)
		b.config.Metrics.frameSent()
		return true, nil
	case errors.As(err, &sendErr):
		b.sendFailures.Add(1)
		b.config.Metrics.sendFailed()
		b.logger.WithError(err).Warn("Кадр доставлен не всем адресатам")
		if sendErr.Delivered > 0 {
			b.framesSent.Add(1)
			b.config.Metrics.frameSent()
		}
		return sendErr.Delivered > 0, nil
	default:
		return false, err
	}
}

// receiveLoop опрашивает сессию и воспроизводит принятые кадры
func (b *Bridge) receiveLoop(ctx context.Context) error {
	var timer *time.Timer
	if !b.config.EventDriven {
		timer = time.NewTimer(b.config.PollInterval)
		defer timer.Stop()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := b.receiveOnce(ctx); err != nil {
			return err
		}

		if b.config.EventDriven {
			err := b.config.Session.WaitReadable(ctx, b.config.PollInterval)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, rtp.ErrSessionClosed):
				return err
			default:
				b.logger.WithError(err).Debug("Ошибка ожидания готовности сокета")
				time.Sleep(b.config.PollInterval)
			}
			continue
		}

		timer.Reset(b.config.PollInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// receiveOnce забирает все готовые пакеты и пишет их в воспроизведение.
// Пакеты одного источника воспроизводятся в порядке поступления.
func (b *Bridge) receiveOnce(ctx context.Context) error {
	session := b.config.Session
	if err := session.PollOnce(); err != nil {
		if errors.Is(err, rtp.ErrSessionClosed) {
			return err
		}
		b.logger.WithError(err).Warn("Ошибка чтения из сокета")
	}

	for ssrc := range session.SourcesWithData() {
		for _, pkt := range session.TakePackets(ssrc) {
			frame, err := audio.DecodePCM(pkt.Payload, b.config.ByteOrder)
			if err != nil {
				b.malformedPayloads.Add(1)
				b.config.Metrics.malformedPayload()
				b.logger.WithError(rtp.WrapError(rtp.ErrorCodeMalformedPayload, "payload отброшен", err)).
					WithFields(logrus.Fields{
						"remote_ssrc": fmt.Sprintf("0x%08X", ssrc),
						"seq":         pkt.SequenceNumber,
					}).Warn("Некорректный payload")
				continue
			}

			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.WriteTimeout)
			err = b.config.Playback.WriteFrame(writeCtx, frame)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				b.logger.WithField("remote_ssrc", fmt.Sprintf("0x%08X", ssrc)).
					Warn("Воспроизведение не успело принять кадр")
				continue
			}
			if err != nil {
				return err
			}
			b.framesPlayed.Add(1)
			b.config.Metrics.framePlayed()
		}
	}
	return nil
}
