package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"serial-voice-ingress/internal/app"
	"serial-voice-ingress/internal/config"
	"serial-voice-ingress/internal/protocol"
	"serial-voice-ingress/internal/serialport"
)

func main() {
	replayPath := flag.String("replay", "", "decode a captured byte stream from `file` instead of the serial port")
	device := flag.String("port", "", "serial device, overrides SERIAL_PORT")
	list := flag.Bool("list", false, "list serial ports and exit")
	flag.Parse()

	if *list {
		ports, err := serialport.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, "list ports:", err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *device != "" {
		cfg.Serial.Port = *device
	}

	var src protocol.Source
	if *replayPath != "" {
		rp, err := serialport.OpenReplay(*replayPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open replay file")
		}
		src = rp
	} else {
		port, err := serialport.Open(serialport.Config{
			Device:      cfg.Serial.Port,
			BaudRate:    cfg.Serial.BaudRate,
			ReadTimeout: cfg.Serial.ReadTimeout,
		})
		if err != nil {
			log.Fatal().Err(err).Str("device", cfg.Serial.Port).Msg("Failed to open serial port")
		}
		if cfg.Serial.SendStart {
			if err := port.SendStart(); err != nil {
				port.Close()
				log.Fatal().Err(err).Msg("Failed to send start trigger")
			}
		}
		src = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, src)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create application")
	}

	err = application.Run(ctx)
	application.Shutdown()

	// The end of a replay file is a normal finish.
	if *replayPath != "" && errors.Is(err, protocol.ErrSourceClosed) {
		err = nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Service stopped with error")
		os.Exit(1)
	}
}
