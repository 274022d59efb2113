package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/w0ne23/MultiFlexer/internal/config"
	"github.com/w0ne23/MultiFlexer/internal/engine"
	"github.com/w0ne23/MultiFlexer/internal/metrics"
	"github.com/w0ne23/MultiFlexer/internal/mqttbus"
	"github.com/w0ne23/MultiFlexer/internal/orchestrator"
	"github.com/w0ne23/MultiFlexer/internal/ratelimit"
	"github.com/w0ne23/MultiFlexer/internal/session"
	"github.com/w0ne23/MultiFlexer/internal/sigclient"
	"github.com/w0ne23/MultiFlexer/internal/statspub"
	"github.com/w0ne23/MultiFlexer/internal/wire"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting multiflexer-receiver",
		"signaling_url", cfg.SignalingURL,
		"receiver_name", cfg.ReceiverName,
		"mqtt_broker", cfg.MQTTBroker,
		"stats_interval", cfg.StatsInterval,
		"ice_state_check_delay", cfg.ICEStateCheckDelay,
		"session_timeout", cfg.SessionTimeout,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("receiver exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clock := ratelimit.RealClock{}
	reactor := orchestrator.NewReactor()

	bus := mqttbus.New(logger, cfg.MQTTBroker, cfg.MQTTClientID)
	statsPub := statspub.New(clock, cfg.StatsInterval, m, bus.PublishStats)

	sigClosed := make(chan error, 1)
	// The orchestrator is constructed after the signaling client, so the event
	// callbacks close over this slot. Events only fire once Connect runs, and by
	// then the orchestrator is in place.
	var orch *orchestrator.Orchestrator
	sig := sigclient.New(logger, cfg.SignalingURL, sigclient.Events{
		OnSenderList:         func(list []wire.SenderInfo) { orch.HandleSenderList(list) },
		OnSenderShareStarted: func(id, name string) { orch.HandleSenderShareStarted(id, name) },
		OnSenderShareStopped: func(id string) { orch.HandleSenderShareStopped(id) },
		OnSenderDisconnected: func(id string) { orch.HandleSenderDisconnected(id) },
		OnRoomDeleted:        func() { orch.HandleRoomDeleted() },
		OnSignal:             func(s wire.Signal) { orch.HandleSignal(s) },
		OnFrameTS:            func(f wire.FrameTS) { orch.HandleFrameTS(f) },
		OnClosed: func(err error) {
			select {
			case sigClosed <- err:
			default:
			}
		},
	})

	deps := session.Deps{
		Log:       logger,
		Metrics:   m,
		Scheduler: reactor,
		Signaler:  sig,
		Stats:     statsPub,
		Clock:     clock,
		Config: session.Config{
			ICECheckDelay: cfg.ICEStateCheckDelay,
			OverlayDelay:  cfg.UIOverlayDelay,
			StatsInterval: cfg.StatsInterval,
		},
	}
	orch = orchestrator.New(logger, m, reactor, orchestrator.Config{
		SessionTimeout:  cfg.SessionTimeout,
		SurfaceRetryMax: cfg.SurfaceRetryMax,
		Session:         deps.Config,
	}, engine.HeadlessFactory(cfg.ICEServers), deps, &headlessPresenter{log: logger}, bus)

	orch.SetShareRequester(sig)
	bus.AttachOrchestrator(orch)
	if err := bus.Connect(); err != nil {
		return err
	}
	defer bus.Disconnect()

	go reactor.Run(ctx)

	if err := sig.Connect(ctx); err != nil {
		return err
	}
	defer sig.Close()

	name, err := sig.JoinRoom(ctx, wire.RoleReceiver, cfg.ReceiverName)
	if err != nil {
		return err
	}
	logger.Info("receiver ready", "name", name)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return nil
	case <-orch.Done():
		logger.Info("live window ended, shutting down")
		return nil
	case err := <-sigClosed:
		return fmt.Errorf("signaling connection lost: %w", err)
	}
}

// headlessPresenter stands in for the GUI surface layer. Every slot maps to
// the same dummy handle so slot assignment proceeds without a window system.
type headlessPresenter struct {
	log *slog.Logger
}

func (p *headlessPresenter) Surface(slot int) (uintptr, bool) {
	return uintptr(slot + 1), true
}

func (p *headlessPresenter) ShowPlaceholder(slot int) {
	p.log.Info("slot vacated", "slot", slot)
}

func (p *headlessPresenter) FirstSenderConnected() {
	p.log.Info("first sender connected")
}

func (p *headlessPresenter) AllSendersGone() {
	p.log.Info("all senders gone")
}
