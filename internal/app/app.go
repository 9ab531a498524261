package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/etx-iot/etx/internal/batch"
	"github.com/etx-iot/etx/internal/broker"
	"github.com/etx-iot/etx/internal/config"
	"github.com/etx-iot/etx/internal/devtcp"
	"github.com/etx-iot/etx/internal/discovery"
	"github.com/etx-iot/etx/internal/dispatch"
	"github.com/etx-iot/etx/internal/gcu"
	"github.com/etx-iot/etx/internal/ingress"
	"github.com/etx-iot/etx/internal/license"
	"github.com/etx-iot/etx/internal/logger"
	"github.com/etx-iot/etx/internal/registry"
	"github.com/etx-iot/etx/internal/stats"
)

// App owns every subsystem of the ingest agent. Constructed once at startup
// and injected downward; nothing reaches for globals.
type App struct {
	Cfg *config.Config

	Broker     broker.Client
	Registry   *registry.Registry
	Queue      *ingress.Queue
	GCU        *gcu.Handshake // nil when disabled
	Receiver   *ingress.Receiver
	Publisher  *batch.Publisher
	Announcer  *batch.Announcer
	Dispatcher *dispatch.Dispatcher
	History    *dispatch.History
	Counters   *stats.Counters
	Metrics    *prometheus.Registry
}

// New wires the agent. The broker connection is established here so a broken
// broker config fails before any goroutine starts.
func New(cfg *config.Config) (*App, error) {
	client, err := broker.Connect(broker.Options{
		Host:        cfg.BrokerHost,
		Port:        cfg.BrokerPort,
		ClientID:    cfg.ClientID,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLSEnabled:  cfg.TLSEnabled,
		CACert:      cfg.CACert,
		ClientCert:  cfg.ClientCert,
		ClientKey:   cfg.ClientKey,
		TLSInsecure: cfg.TLSInsecure,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Cfg:      cfg,
		Broker:   client,
		Registry: registry.New(time.Duration(cfg.RegistryTTLSec) * time.Second),
		Queue:    ingress.NewQueue(cfg.QueueSize, ingress.DropPolicy(cfg.DropPolicy)),
		Counters: stats.New(),
		Metrics:  prometheus.NewRegistry(),
	}
	a.Counters.QueueLen = a.Queue.Len
	a.Counters.DropCount = a.Queue.Drops
	a.Counters.DeviceCount = a.Registry.Len
	a.Counters.Register(a.Metrics)

	if cfg.GCUEnabled {
		a.GCU = gcu.New(gcu.Config{
			SubscribeToken:  cfg.GCUSubscribeToken,
			AckToken:        cfg.GCUAckToken,
			BroadcastToken:  cfg.GCUBroadcastToken,
			Heartbeat:       time.Duration(cfg.GCUHeartbeatSec) * time.Second,
			Fallback:        time.Duration(cfg.GCUFallbackSec) * time.Second,
			BroadcastOnExit: cfg.GCUBroadcastOnExit,
		}, nil) // send func wired after the socket binds
	}

	var control ingress.ControlOffer
	if a.GCU != nil {
		control = a.GCU
	}
	a.Receiver = ingress.NewReceiver(ingress.Config{
		ListenPort:    cfg.UDPListenPort,
		BufBytes:      cfg.UDPBufBytes,
		SORcvbufBytes: cfg.SORcvbufBytes,
		Broadcast:     true,
		ForwardAddr:   cfg.ForwardAddr,
	}, a.Queue, control, a.Counters)

	var separator []byte
	if cfg.BatchSeparator == "NL" {
		separator = []byte("\n")
	}
	a.Publisher = batch.NewPublisher(batch.Config{
		TopicRaw:          cfg.TopicRaw,
		TopicParsedPrefix: cfg.TopicParsedPrefix,
		PublishRaw:        cfg.PublishRaw,
		PublishParsed:     cfg.PublishParsed,
		QoS:               byte(cfg.MQTTQoS),
		MaxItems:          cfg.BatchMaxItems,
		MaxAge:            time.Duration(cfg.BatchMaxMS) * time.Millisecond,
		Separator:         separator,
	}, a.Queue, client, a.Registry, a.Counters)

	a.Announcer = &batch.Announcer{
		Client:     client,
		AgentTopic: cfg.AgentTopic,
		AgentID:    cfg.AgentID,
		Registry:   a.Registry,
		QoS:        byte(cfg.MQTTQoS),
		Interval:   time.Duration(cfg.RegistryPublishSec) * time.Second,
	}

	var signer license.Signer
	if cfg.LicenseKeyPath != "" {
		fs, err := license.NewFileSigner(cfg.LicenseKeyPath)
		if err != nil {
			logger.Warn("license key unavailable, license commands disabled", "path", cfg.LicenseKeyPath, "err", err)
		} else {
			signer = fs
		}
	}

	if cfg.HistoryDB != "" {
		hist, err := dispatch.OpenHistory(cfg.HistoryDB)
		if err != nil {
			logger.Warn("command history disabled", "err", err)
		} else {
			a.History = hist
		}
	}

	a.Dispatcher = dispatch.New(dispatch.Config{
		CmdTopic:    cfg.CmdTopic,
		ResultTopic: cfg.ResultTopic,
		AgentTopic:  cfg.AgentTopic,
		AgentID:     cfg.AgentID,
		QoS:         byte(cfg.MQTTQoS),
		Discover: discovery.Options{
			Port:       cfg.DiscoverPort,
			Magic:      cfg.DiscoverMagic,
			Attempts:   cfg.DiscoverAttempts,
			Gap:        time.Duration(cfg.DiscoverGap * float64(time.Second)),
			Timeout:    time.Duration(cfg.DiscoverTimeout * float64(time.Second)),
			Broadcasts: cfg.DiscoverBroadcasts,
		},
	}, client, a.Registry, &devtcp.Client{
		Port:    cfg.DeviceTCPPort,
		Timeout: time.Duration(cfg.DeviceTCPTimeout * float64(time.Second)),
	}, signer, a.History)

	return a, nil
}

// Run starts every task and blocks until ctx is cancelled and all tasks have
// drained: publisher flushes pending batches, GCU broadcasts on exit, broker
// connections close last.
func (a *App) Run(ctx context.Context) error {
	if err := a.Receiver.Listen(ctx); err != nil {
		return err
	}
	if a.GCU != nil {
		a.GCU.SetSender(a.Receiver.SendToken)
	}
	if err := a.Dispatcher.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	run := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}
	run(func() { a.Receiver.Run(ctx) })
	run(func() { a.Publisher.Run(ctx) })
	run(func() { a.Announcer.Run(ctx) })
	run(func() { a.Dispatcher.Run(ctx) })
	run(func() { a.Counters.Run(ctx, time.Duration(a.Cfg.PrintEveryMS)*time.Millisecond) })
	if a.GCU != nil {
		run(func() { a.GCU.Run(ctx) })
	}

	var metricsSrv *http.Server
	if a.Cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.Metrics, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", a.Cfg.MetricsPort), Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics endpoint failed", "err", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	if metricsSrv != nil {
		metricsSrv.Close()
	}
	a.Receiver.Close() // after GCU.Run has sent its exit broadcasts
	a.Broker.Close(500 * time.Millisecond)
	if a.History != nil {
		a.History.Close()
	}
	return nil
}
