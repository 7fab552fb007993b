package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/rtpbridge/pkg/audio"
	"github.com/arzzra/rtpbridge/pkg/bridge"
	"github.com/arzzra/rtpbridge/pkg/config"
	"github.com/arzzra/rtpbridge/pkg/logger"
	"github.com/arzzra/rtpbridge/pkg/media_sdp"
	"github.com/arzzra/rtpbridge/pkg/rtp"
)

// app - собранный мост со вспомогательными сервисами
type app struct {
	log     *logrus.Entry
	bridge  *bridge.Bridge
	session *rtp.Session
	metrics *http.Server
}

// newApp открывает устройства, занимает порт и собирает мост.
// При ошибке все уже открытые ресурсы освобождаются.
func newApp(cfg *config.Config, level logrus.Level) (a *app, err error) {
	a = &app{log: logger.New(level, "main")}

	order, err := audio.ParseByteOrder(cfg.Audio.ByteOrder)
	if err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, FrameSize: cfg.Audio.FrameSize}

	var cleanups []func()
	defer func() {
		if err != nil {
			for i := len(cleanups) - 1; i >= 0; i-- {
				cleanups[i]()
			}
		}
	}()

	capture, err := audio.OpenCapture(cfg.Capture.Kind, format, deviceOptions(cfg.Capture, order))
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, func() { _ = capture.Close() })

	playback, err := audio.OpenPlayback(cfg.Playback.Kind, format, deviceOptions(cfg.Playback, order))
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, func() { _ = playback.Close() })

	var registry *prometheus.Registry
	if cfg.Metrics.Addr != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	transport, err := openTransport(cfg)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, func() { _ = transport.Close() })

	sessionConfig := rtp.SessionConfig{
		Transport:           transport,
		ClockRate:           cfg.Audio.SampleRate,
		PayloadType:         rtp.PayloadType(cfg.Audio.PayloadType),
		CNAME:               cfg.Session.CNAME,
		MaxQueueDepth:       cfg.Session.MaxQueueDepth,
		SourceIdleTimeout:   cfg.Session.SourceIdleTimeout,
		MaxDatagramsPerPoll: cfg.Session.MaxDatagramsPerPoll,
		DropOwnPackets:      cfg.Session.DropOwnPackets,
		Logger:              logger.New(level, "rtp"),
	}
	if registry != nil {
		sessionConfig.Metrics = rtp.NewMetrics(registry)
	}
	session, err := rtp.NewSession(sessionConfig)
	if err != nil {
		return nil, err
	}
	a.session = session

	remote, err := cfg.RemoteAddr()
	if err != nil {
		return nil, err
	}
	if err := session.AddDestination(remote); err != nil {
		return nil, err
	}

	bridgeConfig := bridge.Config{
		Session:      session,
		Capture:      capture,
		Playback:     playback,
		PayloadType:  rtp.PayloadType(cfg.Audio.PayloadType),
		ByteOrder:    order,
		PollInterval: cfg.Bridge.PollInterval,
		ReadTimeout:  cfg.Bridge.ReadTimeout,
		WriteTimeout: cfg.Bridge.WriteTimeout,
		FramePolicy:  bridge.FramePolicy(cfg.Bridge.FramePolicy),
		EventDriven:  cfg.Bridge.EventDriven,
		ByeReason:    cfg.Teardown.ByeReason,
		Linger:       cfg.Teardown.Linger,
		Logger:       logger.New(level, "bridge"),
	}
	if registry != nil {
		bridgeConfig.Metrics = bridge.NewMetrics(registry)
	}
	a.bridge, err = bridge.New(bridgeConfig)
	if err != nil {
		return nil, err
	}
	cleanups = append(cleanups, func() { _ = a.bridge.Close() })

	if cfg.SDP.Path != "" {
		if err := writeSDP(cfg, session, order); err != nil {
			return nil, err
		}
		a.log.WithField("path", cfg.SDP.Path).Info("SDP описание записано")
	}

	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		a.metrics = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	a.log.WithFields(logrus.Fields{
		"session_id": session.ID(),
		"ssrc":       fmt.Sprintf("0x%08X", session.SSRC()),
		"local":      session.LocalAddr().String(),
		"remote":     remote.String(),
		"capture":    cfg.Capture.Kind,
		"playback":   cfg.Playback.Kind,
	}).Info("Мост собран")
	return a, nil
}

// Run запускает HTTP сервер метрик и мост до отмены ctx
func (a *app) Run(ctx context.Context) error {
	if a.metrics != nil {
		listener, err := net.Listen("tcp", a.metrics.Addr)
		if err != nil {
			_ = a.bridge.Close()
			return fmt.Errorf("сервер метрик: %w", err)
		}
		go func() {
			if err := a.metrics.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.WithError(err).Warn("Сервер метрик остановлен")
			}
		}()
		a.log.WithField("addr", listener.Addr().String()).Info("Метрики доступны на /metrics")

		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = a.metrics.Shutdown(shutdownCtx)
		}()
	}

	return a.bridge.Run(ctx)
}

// openTransport занимает локальный UDP порт и при необходимости
// оборачивает его записью в pcap
func openTransport(cfg *config.Config) (rtp.Transport, error) {
	tc := rtp.DefaultTransportConfig()
	tc.LocalAddr = cfg.LocalAddr()
	tc.DSCP = cfg.Local.DSCP

	udp, err := rtp.NewUDPTransport(tc)
	if err != nil {
		return nil, err
	}
	if cfg.Pcap.Path == "" {
		return udp, nil
	}

	file, err := os.Create(cfg.Pcap.Path)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("ошибка создания pcap файла: %w", err)
	}
	pcap, err := rtp.NewPcapTransport(udp, file)
	if err != nil {
		_ = file.Close()
		_ = udp.Close()
		return nil, err
	}
	return pcap, nil
}

func writeSDP(cfg *config.Config, session *rtp.Session, order audio.ByteOrder) error {
	port := cfg.Local.Port
	if addr, ok := session.LocalAddr().(*net.UDPAddr); ok {
		port = addr.Port
	}

	offer, err := media_sdp.BuildOffer(media_sdp.OfferConfig{
		SessionID:   session.ID(),
		SessionName: cfg.SDP.SessionName,
		Host:        cfg.Local.Host,
		Port:        port,
		PayloadType: rtp.PayloadType(cfg.Audio.PayloadType),
		ByteOrder:   order,
		ClockRate:   cfg.Audio.SampleRate,
		Ptime:       cfg.FrameDuration(),
	})
	if err != nil {
		return err
	}
	return media_sdp.WriteFile(cfg.SDP.Path, offer)
}

func deviceOptions(d config.DeviceConfig, order audio.ByteOrder) audio.Options {
	opts := audio.DefaultOptions()
	opts.Path = d.Path
	opts.Loop = d.Loop
	opts.ByteOrder = order
	if d.ToneHz > 0 {
		opts.ToneHz = d.ToneHz
	}
	if d.Amplitude > 0 {
		opts.Amplitude = d.Amplitude
	}
	return opts
}
