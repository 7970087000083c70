package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"nano-gateway/internal/config"
	"nano-gateway/internal/events"
	"nano-gateway/internal/forwarder"
	"nano-gateway/internal/logging"
	mqttcli "nano-gateway/internal/mqtt"
	"nano-gateway/internal/radio"
	"nano-gateway/internal/status"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "configs/config.ini", "path to the INI configuration")
	flag.Parse()

	cfg, err := config.Load(configFile)
	if err != nil {
		panic(err)
	}
	logger, closeLogger, err := logging.NewLogger(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays)
	if err != nil {
		panic(err)
	}
	defer closeLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("gateway", cfg.EUI.String()).Str("server", cfg.ServerAddr()).Str("plan", cfg.Plan.Name).Msg("nano gateway starting")

	modem, err := radio.OpenModem(radio.ModemOptions{
		PortName:     cfg.Radio.SerialPort,
		BaudRate:     cfg.Radio.BaudRate,
		Frequency:    cfg.Radio.Frequency,
		DataRate:     cfg.DataRate,
		CodingRate:   cfg.Radio.CodingRate,
		Capabilities: radio.CapabilitiesFromPlan(cfg.Plan),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open radio")
	}

	err = run(ctx, cfg, modem, logger)
	if cerr := modem.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("close radio")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("nano gateway stopped")
	}
	logger.Info().Msg("nano gateway stopped")
}

// run wires the sinks and the status server around the engine and blocks
// until ctx is done or the engine gives up. Everything it opens is released
// before it returns.
func run(ctx context.Context, cfg config.Config, r radio.Radio, logger zerolog.Logger) error {
	gateway := cfg.EUI.String()
	sinks := events.Multi{events.NewLogSink(logger)}

	if cfg.MQTT.Broker != "" {
		client, err := mqttcli.NewClient(mqttcli.ClientOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Clean:       true,
			KeepAlive:   30,
			StatusTopic: statusTopic(cfg.MQTT.TopicPrefix, gateway),
		}, logger)
		if err != nil {
			return fmt.Errorf("create mqtt client: %w", err)
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		defer client.Disconnect()
		sink := events.NewMQTTSink(client, events.MQTTSinkOptions{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Gateway:     gateway,
			QoS:         byte(cfg.MQTT.QoS),
			Retain:      cfg.MQTT.Retain,
		}, logger)
		defer sink.Close()
		sinks = append(sinks, sink)
	}

	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, "nano-gateway-"+gateway)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		sinks = append(sinks, events.NewNATSSink(nc, cfg.NATS.SubjectPrefix, gateway, logger))
	}

	store := &status.Store{}
	if cfg.Status.Listen != "" {
		srv := status.NewServer(store, logger)
		go func() {
			if err := srv.ListenAndServe(cfg.Status.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("status server stopped")
			}
		}()
		defer shutdown(srv, logger)
	}

	engine := forwarder.NewEngine(engineOptions(cfg), r, forwarder.DialUDP, sinks, store, logger)
	return engine.Run(ctx)
}

func engineOptions(cfg config.Config) forwarder.Options {
	return forwarder.Options{
		Gateway: cfg.EUI,
		Server:  cfg.ServerAddr(),
		Location: forwarder.Location{
			Latitude:  cfg.Gateway.Latitude,
			Longitude: cfg.Gateway.Longitude,
			Altitude:  cfg.Gateway.Altitude,
		},
		PollInterval:      cfg.Session.PollInterval,
		UplinkBurst:       cfg.Session.UplinkBurst,
		AckTimeout:        cfg.Session.AckTimeout,
		MaxRetries:        cfg.Session.MaxRetries,
		KeepaliveInterval: cfg.Session.KeepaliveInterval,
		StaleThreshold:    cfg.Session.StaleThreshold,
		ReconnectMin:      cfg.Session.ReconnectMin,
		ReconnectMax:      cfg.Session.ReconnectMax,
		ReconnectAttempts: cfg.Session.ReconnectAttempts,
		Grace:             cfg.Downlink.Grace,
		MaxLead:           cfg.Downlink.MaxLead,
		StatsInterval:     cfg.Stats.Interval,
	}
}

func statusTopic(prefix, gateway string) string {
	if prefix == "" {
		return gateway + "/status"
	}
	return prefix + "/" + gateway + "/status"
}

func shutdown(srv *status.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("status server shutdown")
	}
}
