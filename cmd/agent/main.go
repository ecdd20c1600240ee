package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livingportrait/internal/agent"
	"livingportrait/internal/config"
	"livingportrait/internal/core"
	"livingportrait/internal/library"
	xlog "livingportrait/internal/log"
	"livingportrait/internal/scheduler"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// These variables will be set by the build script
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.NewViper()
	var configPath string

	root := &cobra.Command{
		Use:          "livingportrait",
		Short:        "Living portrait video appliance",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), v, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the config file")
	root.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("video-dir", "", "Folder holding the videos")
	root.PersistentFlags().String("settings-file", "", "Path to the settings document")
	for flag, key := range map[string]string{
		"log-level":     "log.level",
		"video-dir":     "video_dir",
		"settings-file": "settings_file",
	} {
		if err := v.BindPFlag(key, root.PersistentFlags().Lookup(flag)); err != nil {
			panic(err) // flags are registered above
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the appliance (default)",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runAgent(cmd.Context(), v, configPath)
			},
		},
		&cobra.Command{
			Use:   "check",
			Short: "Validate the config, video folder and settings document",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return check(cmd, v, configPath)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "livingportrait %s (commit %s, built %s)\n", version, commit, date)
			},
		},
	)
	return root
}

func runAgent(ctx context.Context, v *viper.Viper, configPath string) error {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	xlog.Configure(xlog.Config{Level: cfg.Log.Level, Dir: cfg.Log.Dir})
	logger := xlog.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Bool("config_file", config.Exists(configPath)).
		Msg("starting living portrait")

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.NewAgent(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create agent")
		return err
	}
	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("agent stopped with error")
		return err
	}
	logger.Info().Msg("agent shut down gracefully")
	return nil
}

func check(cmd *cobra.Command, v *viper.Viper, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "config: ok (file present: %t)\n", config.Exists(configPath))

	files, err := library.New(cfg.VideoDir, cfg.VideoExtensions...).List()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s: %w", cfg.VideoDir, library.ErrNoVideos)
	}
	fmt.Fprintf(out, "videos: %d in %s\n", len(files), cfg.VideoDir)

	doc := core.DefaultSettings()
	data, err := os.ReadFile(cfg.SettingsFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		fmt.Fprintf(out, "settings: %s missing, defaults will be written\n", cfg.SettingsFile)
	case err != nil:
		return err
	default:
		doc, err = core.DecodeSettings(data)
		if err != nil {
			return fmt.Errorf("settings: %w", err)
		}
		fmt.Fprintf(out, "settings: mode %s, selected %q, %d playlist entries\n",
			doc.Playlist.Mode, doc.SelectedVideo, len(doc.Playlist.Order))
	}
	printSchedule(out, doc, time.Now())
	return nil
}

func printSchedule(out io.Writer, doc core.Settings, now time.Time) {
	if scheduler.IsPermittedNow(doc.Days, now) {
		fmt.Fprintln(out, "schedule: open")
		return
	}
	if next, ok := scheduler.NextPermittedStart(doc.Days, now); ok {
		fmt.Fprintf(out, "schedule: closed, next start %s\n", next.Format(core.TimestampLayout))
		return
	}
	fmt.Fprintln(out, "schedule: closed, no upcoming window")
}
