// Package agent wires the settings store, the loops and the admin surfaces into one
// process and owns their lifecycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livingportrait/internal/admin"
	"livingportrait/internal/config"
	"livingportrait/internal/core"
	"livingportrait/internal/library"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/metrics"
	"livingportrait/internal/motion"
	"livingportrait/internal/mqtt"
	"livingportrait/internal/playback"
	"livingportrait/internal/player"
	"livingportrait/internal/playlist"
	"livingportrait/internal/scheduler"
	"livingportrait/internal/server"
	"livingportrait/internal/store"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LogPruneSpec runs log retention once a day, shortly after midnight.
const LogPruneSpec = "5 0 * * *"

// Agent is the appliance process.
type Agent struct {
	config *config.Config
	logger zerolog.Logger

	eventBus       *core.EventBus
	commandChannel core.CommandChannel

	store      *store.Store
	library    *library.Library
	admin      *admin.Service
	rotator    *playlist.Rotator
	mpv        *player.MPV
	controller *playback.Controller
	scheduler  *scheduler.Scheduler
	server     *server.Server
	mqttClient *mqtt.Client
}

// NewAgent builds every component from cfg. Nothing runs until Run.
func NewAgent(cfg *config.Config) (*Agent, error) {
	a := &Agent{
		config:         cfg,
		logger:         xlog.WithComponent("agent"),
		eventBus:       core.NewEventBus(),
		commandChannel: make(core.CommandChannel, 20),
	}

	a.library = library.New(cfg.VideoDir, cfg.VideoExtensions...)
	files, err := a.library.List()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", cfg.VideoDir, library.ErrNoVideos)
	}

	a.store, err = store.Open(cfg.SettingsFile, a.eventBus)
	if err != nil {
		return nil, err
	}
	a.admin = admin.New(a.store, a.library)
	a.rotator = playlist.NewRotator(a.store, a.library, cfg.Rotation.Tick)

	var out playback.Player
	switch cfg.Player.Backend {
	case "null":
		out = player.NewNull(cfg.Player.NullDuration)
	default:
		a.mpv = player.NewMPV(player.MPVConfig{
			BinPath:   cfg.Player.MPVPath,
			Socket:    cfg.Player.IPCSocket,
			ExtraArgs: cfg.Player.ExtraArgs,
		})
		out = a.mpv
	}

	var (
		sensor   playback.MotionSensor
		onMotion func()
	)
	switch cfg.Motion.Source {
	case "gpio":
		sensor = motion.NewGPIO(cfg.Motion.GPIOValuePath, cfg.Motion.PollInterval, cfg.Motion.Debounce)
	case "mqtt":
		ch := motion.NewChannel(cfg.Motion.Debounce)
		sensor, onMotion = ch, ch.Notify
	}

	a.mqttClient = mqtt.NewClient(cfg.MQTT, a.commandChannel, onMotion)

	a.controller = playback.New(playback.Config{
		PauseMedia:    cfg.PauseVideo,
		PollInterval:  cfg.Playback.PollInterval,
		IdleInterval:  cfg.Playback.IdleInterval,
		RetryInterval: cfg.Playback.RetryInterval,
	}, out, sensor, a.store, a.library, a.eventBus)

	a.scheduler, err = scheduler.NewScheduler(a.eventBus)
	if err != nil {
		return nil, err
	}
	if daily := xlog.Daily(); daily != nil && cfg.Log.RetentionDays > 0 {
		retention := time.Duration(cfg.Log.RetentionDays) * 24 * time.Hour
		err := a.scheduler.Add("log-prune", LogPruneSpec, func() {
			removed, err := daily.Prune(retention)
			if err != nil {
				a.logger.Warn().Err(err).Msg("log prune failed")
				return
			}
			if len(removed) > 0 {
				a.logger.Info().Strs("files", removed).Msg("old log files removed")
			}
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.Server.Enabled {
		a.server = server.NewServer(cfg.Server, server.Deps{
			Settings: a.store,
			Videos:   a.library,
			Status:   a.controller.Status,
			Commands: a.commandChannel,
		})
		a.server.SetHandler(NewCommandHandler(a.commandChannel))
	}

	return a, nil
}

// Run starts every loop and blocks until ctx is cancelled or a loop fails. Shutdown stops
// the surfaces first, then the loops, then the store.
func (a *Agent) Run(ctx context.Context) error {
	storeCtx, stopStore := context.WithCancel(context.Background())
	storeDone := make(chan error, 1)
	go func() { storeDone <- a.store.Run(storeCtx) }()
	defer func() {
		stopStore()
		<-storeDone
	}()

	if err := a.reconcile(ctx); err != nil {
		return err
	}

	if a.mpv != nil {
		if err := a.mpv.Start(ctx); err != nil {
			return fmt.Errorf("start player: %w", err)
		}
		defer func() {
			if err := a.mpv.Close(); err != nil {
				a.logger.Warn().Err(err).Msg("player close failed")
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.store.Watch(gctx); err != nil {
			a.logger.Warn().Err(err).Msg("settings watcher unavailable, external edits need a restart")
		}
		return nil
	})
	g.Go(func() error { return a.rotator.Run(gctx) })
	g.Go(func() error { return a.controller.Run(gctx) })
	g.Go(func() error { return a.commandLoop(gctx) })

	a.scheduler.Start()
	defer a.scheduler.Stop()
	if next, ok := a.scheduler.Next("log-prune"); ok {
		a.logger.Info().Time("next_run", next).Msg("log retention scheduled")
	}

	if a.server != nil {
		g.Go(func() error { return a.server.Run(gctx, a.eventBus) })
		g.Go(a.server.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	if a.mqttClient != nil {
		g.Go(func() error {
			// Connect blocks until the broker is reachable.
			if err := a.mqttClient.Connect(gctx); err != nil {
				if gctx.Err() == nil {
					a.logger.Error().Err(err).Msg("mqtt setup error")
				}
				return nil
			}
			if snap, err := a.store.Get(gctx); err == nil {
				a.mqttClient.PublishSettings(snap.Settings)
			}
			a.mqttClient.PublishStatus(a.controller.Status())
			return a.mqttClient.Run(gctx, a.eventBus)
		})
		defer a.mqttClient.Disconnect()
	}

	a.logger.Info().Str(xlog.FieldEvent, "agent.started").Msg("agent running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.logger.Info().Str(xlog.FieldEvent, "agent.stopping").Msg("agent shutting down")
	return err
}

// reconcile repairs the settings against the video folder before the loops start.
func (a *Agent) reconcile(ctx context.Context) error {
	files, err := a.library.List()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return library.ErrNoVideos
	}
	var changes []string
	_, err = a.store.Update(ctx, "startup", func(doc *core.Settings) error {
		changes = playlist.Startup(doc, files, time.Now(), a.config.Rotation.ResetOnStartup)
		return nil
	})
	if err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}
	for _, c := range changes {
		a.logger.Info().Str(xlog.FieldEvent, "agent.reconciled").Msg(c)
	}
	return nil
}

// commandLoop applies admin commands one at a time.
func (a *Agent) commandLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-a.commandChannel:
			err := a.admin.Apply(ctx, cmd)
			metrics.CommandsTotal.WithLabelValues(string(cmd.Type), metrics.Result(err)).Inc()
			cmd.Respond(err)
		}
	}
}
