package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ucaas/esl-bridge/internal/config"
	"github.com/ucaas/esl-bridge/internal/logging"
	"github.com/ucaas/esl-bridge/internal/publisher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("esl-bridge", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file (environment only when empty)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pub publisher.Publisher
	if cfg.MQTT.Enabled {
		mqttPub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      1,
			Logger:   log,
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		pub = mqttPub
		log.Info().Str("broker", cfg.MQTT.Broker).Msg("connected to MQTT broker")
	}

	b, err := newBridge(cfg, log, pub)
	if err != nil {
		if pub != nil {
			pub.Close()
		}
		return err
	}

	err = b.serve(ctx, nil)
	log.Info().Msg("shutdown complete")
	return err
}
