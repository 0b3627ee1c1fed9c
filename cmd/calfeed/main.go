package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"calfeed/internal/aggregate"
	"calfeed/internal/config"
	"calfeed/internal/ics"
	appLog "calfeed/internal/log"
	"calfeed/internal/probe"
	"calfeed/internal/query"
	"calfeed/internal/web"
)

const version = "0.1.0"

// rootFlags holds the flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		appLog.Error("command failed", err)
		os.Exit(1)
	}
}

// NewRootCmd constructs the root CLI command.
func NewRootCmd() *cobra.Command {
	var flags rootFlags

	root := &cobra.Command{
		Use:           "calfeed",
		Short:         "Aggregate iCalendar feeds into one paginated JSON event list",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "/etc/calfeed/config.yaml", "Path to config file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug|info|error); overrides config")

	root.AddCommand(newServeCmd(&flags))
	root.AddCommand(newEventsCmd(&flags))
	root.AddCommand(newCheckCmd(&flags))
	return root
}

// app is everything a subcommand needs after config loading.
type app struct {
	cfg     *config.Config
	fetcher *ics.Fetcher
	svc     *aggregate.Service
}

func loadApp(flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Probe != "" {
		if err := probe.ValidateSpec(cfg.Probe); err != nil {
			return nil, err
		}
	}

	settings, err := ics.SettingsFromConfig(cfg.Parser)
	if err != nil {
		return nil, fmt.Errorf("parser settings: %w", err)
	}

	fetcher := ics.NewFetcher(ics.FetcherOptions{
		Timeout:        time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:      cfg.Fetch.UserAgent,
		MaxConcurrency: cfg.Fetch.MaxConcurrency,
		MaxBodyBytes:   cfg.Fetch.MaxBodyBytes,
	})
	registry := cfg.Registry()

	svc := aggregate.NewService(aggregate.Options{
		Registry:     registry,
		Fetcher:      fetcher,
		Parser:       ics.NewRecurrenceParser(settings),
		StrictSource: cfg.StrictSource,
	})

	appLog.Info("effective config",
		"config_path", flags.configPath,
		"listen", cfg.Listen,
		"route", cfg.Route,
		"strict_source", cfg.StrictSource,
		"sources", len(registry),
		"timezone", cfg.Parser.DefaultTimezone,
		"span_years", cfg.Parser.DefaultSpanYears,
		"probe", cfg.Probe,
		"metrics", cfg.Metrics,
	)
	return &app{cfg: cfg, fetcher: fetcher, svc: svc}, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appLog.Info("calfeed starting", "version", version)

			rt, err := loadApp(flags)
			if err != nil {
				return err
			}
			if listen != "" {
				rt.cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var status web.StatusSource
			if rt.cfg.Probe != "" {
				p := probe.New(rt.fetcher, rt.cfg.Registry(), time.Duration(rt.cfg.Fetch.TimeoutSeconds)*time.Second*2)
				if err := p.Start(rt.cfg.Probe); err != nil {
					return err
				}
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					p.Stop(stopCtx)
				}()
				status = p
			}

			err = web.NewServer(rt.cfg, rt.svc, status).ListenAndServe(ctx)
			appLog.Info("calfeed exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}

func newEventsCmd(flags *rootFlags) *cobra.Command {
	var source, offset, number string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Run the pipeline once and print the JSON response",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(flags)
			if err != nil {
				return err
			}

			// Only flags given on the command line count as present, the
			// same as query parameters.
			values := map[string]string{
				query.ParamSource: source,
				query.ParamOffset: offset,
				query.ParamNumber: number,
			}
			p := query.Parse(func(name string) (string, bool) {
				if !cmd.Flags().Changed(name) {
					return "", false
				}
				return values[name], true
			})

			events, err := rt.svc.Events(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(cmd, events)
		},
	}
	cmd.Flags().StringVar(&source, query.ParamSource, query.AllSources, "Source key, or \"all\"")
	cmd.Flags().StringVar(&offset, query.ParamOffset, "0", "Page start")
	cmd.Flags().StringVar(&number, query.ParamNumber, "10", "Page size")
	return cmd
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe every feed once and print its reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadApp(flags)
			if err != nil {
				return err
			}
			p := probe.New(rt.fetcher, rt.cfg.Registry(), 0)
			p.RunOnce(cmd.Context())

			snap := p.Snapshot()
			if err := printJSON(cmd, snap); err != nil {
				return err
			}
			for _, st := range snap {
				if !st.OK {
					return fmt.Errorf("feed %s unreachable: %s", st.ID, st.Error)
				}
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
