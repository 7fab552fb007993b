// Команда rtp_bridge передает звук между аудио устройствами и удаленной
// RTP точкой.
//
// Использование:
//
//	rtp_bridge [флаги] <destIP> <destPort> <localPort>
//
// Позиционные аргументы переопределяют значения из файла -config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/arzzra/rtpbridge/pkg/config"
	"github.com/arzzra/rtpbridge/pkg/logger"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run разбирает аргументы, запускает мост и возвращает код выхода
func run(args []string, stderr io.Writer) int {
	cfg, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "rtp_bridge: %v\n", err)
		return 1
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(stderr, "rtp_bridge: %v\n", err)
		return 1
	}
	log := logger.New(level, "main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bridgeApp, err := newApp(cfg, level)
	if err != nil {
		log.WithError(err).Error("Не удалось запустить мост")
		return 1
	}

	err = bridgeApp.Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, io.EOF):
		log.Info("Файл захвата закончился")
		return 0
	default:
		log.WithError(err).Error("Мост остановлен с ошибкой")
		return 1
	}
}

// parseArgs собирает конфигурацию: значения по умолчанию, затем файл
// -config, затем явно заданные флаги и позиционные аргументы.
func parseArgs(args []string, output io.Writer) (*config.Config, error) {
	fs := flag.NewFlagSet("rtp_bridge", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprintln(output, "Использование: rtp_bridge [флаги] <destIP> <destPort> <localPort>")
		fs.PrintDefaults()
	}

	defaults := config.Default()
	var (
		configPath   = fs.String("config", "", "YAML файл конфигурации")
		capture      = fs.String("capture", defaults.Capture.Kind, "Источник звука: tone, file, silence")
		captureFile  = fs.String("capture-file", "", "Файл raw PCM для -capture file")
		captureLoop  = fs.Bool("capture-loop", false, "Зацикливать файл захвата")
		toneHz       = fs.Float64("tone-hz", defaults.Capture.ToneHz, "Частота тона, Hz")
		playback     = fs.String("playback", defaults.Playback.Kind, "Приемник звука: file, discard")
		playbackFile = fs.String("playback-file", "", "Файл raw PCM для -playback file")
		payloadType  = fs.Uint("pt", uint(defaults.Audio.PayloadType), "RTP payload type")
		rate         = fs.Uint("rate", uint(defaults.Audio.SampleRate), "Частота дискретизации, Hz")
		frame        = fs.Int("frame", defaults.Audio.FrameSize, "Отсчетов в кадре")
		byteOrder    = fs.String("byte-order", defaults.Audio.ByteOrder, "Порядок байт payload: little, big")
		framePolicy  = fs.String("frame-policy", defaults.Bridge.FramePolicy, "Короткий кадр: pad, drop")
		logLevel     = fs.String("log-level", defaults.Log.Level, "Уровень логирования")
		metricsAddr  = fs.String("metrics-addr", "", "Адрес HTTP сервера /metrics")
		pcapPath     = fs.String("pcap", "", "Записывать RTP трафик в pcap файл")
		sdpPath      = fs.String("sdp", "", "Записать SDP описание локальной точки (L16, нужен -byte-order big)")
		byeReason    = fs.String("bye-reason", defaults.Teardown.ByeReason, "Причина в RTCP BYE")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaults
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// Флаги применяются, только если заданы явно
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "capture":
			cfg.Capture.Kind = *capture
		case "capture-file":
			cfg.Capture.Path = *captureFile
		case "capture-loop":
			cfg.Capture.Loop = *captureLoop
		case "tone-hz":
			cfg.Capture.ToneHz = *toneHz
		case "playback":
			cfg.Playback.Kind = *playback
		case "playback-file":
			cfg.Playback.Path = *playbackFile
		case "pt":
			cfg.Audio.PayloadType = uint8(min(*payloadType, 255))
		case "rate":
			cfg.Audio.SampleRate = uint32(*rate)
		case "frame":
			cfg.Audio.FrameSize = *frame
		case "byte-order":
			cfg.Audio.ByteOrder = *byteOrder
		case "frame-policy":
			cfg.Bridge.FramePolicy = *framePolicy
		case "log-level":
			cfg.Log.Level = *logLevel
		case "metrics-addr":
			cfg.Metrics.Addr = *metricsAddr
		case "pcap":
			cfg.Pcap.Path = *pcapPath
		case "sdp":
			cfg.SDP.Path = *sdpPath
		case "bye-reason":
			cfg.Teardown.ByeReason = *byeReason
		}
	})

	if err := applyPositional(cfg, fs.Args(), *configPath != ""); err != nil {
		fs.Usage()
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyPositional переносит <destIP> <destPort> <localPort> в конфигурацию.
// С файлом конфигурации аргументы необязательны.
func applyPositional(cfg *config.Config, args []string, fromFile bool) error {
	if len(args) == 0 && fromFile {
		return nil
	}
	if len(args) != 3 {
		return fmt.Errorf("ожидается 3 аргумента <destIP> <destPort> <localPort>, получено %d", len(args))
	}

	destPort, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("неверный порт назначения %q", args[1])
	}
	localPort, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("неверный локальный порт %q", args[2])
	}

	cfg.Remote.Host = args[0]
	cfg.Remote.Port = destPort
	cfg.Local.Port = localPort
	return nil
}
