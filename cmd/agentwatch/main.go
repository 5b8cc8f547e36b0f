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

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/agentwatch/internal/config"
	"github.com/invisible-tech/agentwatch/internal/controller"
	"github.com/invisible-tech/agentwatch/internal/logging"
	"github.com/invisible-tech/agentwatch/internal/server"
	"github.com/invisible-tech/agentwatch/internal/version"
	"github.com/invisible-tech/agentwatch/pkg/bus"
	"github.com/invisible-tech/agentwatch/pkg/configwatch"
	"github.com/invisible-tech/agentwatch/pkg/monitor"
	"github.com/invisible-tech/agentwatch/pkg/telegram"
)

func main() {
	configPath := flag.String("config", config.GetEnv("CONFIG_PATH", "config.yml"), "path to the YAML configuration file")
	watch := flag.Bool("watch-config", true, "reload the configuration file when it changes")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		return
	}

	boot := logrus.New()
	boot.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			boot.WithField("path", *configPath).Error("Config file not found; copy config.example.yml to config.yml and edit it")
		} else {
			boot.WithError(err).Error("Invalid configuration")
		}
		os.Exit(1)
	}

	log, logFile := logging.New(cfg.Monitoring, os.Stderr)
	defer logFile.Close()

	log.WithFields(logrus.Fields{
		"version": version.Version,
		"config":  *configPath,
		"broker":  cfg.MQTT.Broker(),
	}).Info("Starting agentwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl, err := controller.New(cfg, buildNotifier(ctx, cfg, log), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create controller")
	}

	mon := monitor.New(monitor.Config{ReconnectInterval: cfg.MQTT.ReconnectDelay()}, dialer(cfg, log), ctrl, log)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		if err := mon.Run(ctx); err != nil {
			log.WithError(err).Error("Monitor error")
		}
	}()

	var srv *server.Server
	if cfg.Server.HTTPAddr != "" {
		srv = server.New(cfg.Server, ctrl, mon.Connected, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("HTTP server failed")
			}
		}()
	}

	if *watch {
		w, err := configwatch.New(configwatch.Config{
			Path:     *configPath,
			Debounce: config.GetEnvDuration("CONFIG_RELOAD_DEBOUNCE", 500*time.Millisecond),
		}, log)
		if err != nil {
			log.WithError(err).Warn("Config hot reload disabled")
		} else {
			go w.Run(ctx, func(data []byte) {
				next, err := config.Parse(data)
				if err != nil {
					log.WithError(err).Error("Ignoring invalid configuration change")
					return
				}
				if err := ctrl.Reconfigure(next, buildNotifier(ctx, next, log)); err != nil {
					log.WithError(err).Error("Ignoring invalid configuration change")
					return
				}
				logging.Apply(log, next.Monitoring)
				mon.Restart(dialer(next, log), next.MQTT.ReconnectDelay())
			})
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	cancel()
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	delivered := make(chan struct{})
	go func() {
		<-monDone
		ctrl.Wait()
		close(delivered)
	}()
	select {
	case <-delivered:
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout, pending alerts may be lost")
	}
	log.Info("agentwatch stopped")
}

// dialer returns a bus dialer for cfg. Each dial uses a fresh client id.
func dialer(cfg *config.Config, log *logrus.Logger) monitor.Dialer {
	subs := make([]bus.Subscription, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		subs = append(subs, bus.Subscription{Topic: s.Topic, QoS: s.QoS})
	}
	mqttCfg := cfg.MQTT
	return func(ctx context.Context) (bus.Session, error) {
		conn, err := bus.Dial(ctx, bus.Config{
			Broker:         mqttCfg.Broker(),
			ClientID:       bus.ClientID(mqttCfg.ClientIDPrefix, time.Now()),
			Username:       mqttCfg.Username,
			Password:       mqttCfg.Password,
			Keepalive:      time.Duration(mqttCfg.Keepalive) * time.Second,
			ConnectTimeout: time.Duration(mqttCfg.ConnectTimeout) * time.Second,
			Subscriptions:  subs,
		}, log)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// buildNotifier returns the Telegram client, or nil when delivery is off.
func buildNotifier(ctx context.Context, cfg *config.Config, log *logrus.Logger) controller.Notifier {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		log.Info("Telegram delivery disabled")
		return nil
	}
	if !tg.Configured() {
		log.Warn("Telegram not configured properly, alert delivery disabled")
		return nil
	}
	client := telegram.NewClient(telegram.Config{
		APIBase:       tg.APIBase,
		BotToken:      tg.BotToken,
		ChatID:        tg.ChatID,
		Markdown:      tg.UseMarkdown,
		Timeout:       time.Duration(tg.Timeout) * time.Second,
		RatePerSecond: tg.RatePerSecond,
		Burst:         tg.RateBurst,
	}, log)
	go func() {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.HealthCheck(hctx); err != nil {
			log.WithError(err).Warn("Telegram health check failed, will retry on first alert")
		} else {
			log.Info("Telegram API connection verified")
		}
	}()
	return client
}
