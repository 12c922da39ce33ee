package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nucleus/ucl-sync/internal/config"
	"github.com/nucleus/ucl-sync/internal/core"
	"github.com/nucleus/ucl-sync/internal/planner"
)

// errRunFailed makes the process exit non-zero once the summary is printed.
var errRunFailed = errors.New("one or more tables failed")

// Command builds the root command.
func Command() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ucl-sync",
		Short:         "Chunked, resumable table sync into the warehouse",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("UCL_SYNC_CONFIG"), "path to the TOML config file")

	root.AddCommand(
		runCommand(&configPath),
		planCommand(&configPath),
		watermarkCommand(&configPath),
		schemaCommand(&configPath),
	)
	return root
}

func runCommand(configPath *string) *cobra.Command {
	var tables []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync every enabled table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			specs, err := selectTables(cfg, tables)
			if err != nil {
				return err
			}

			// The first signal stops new chunks from being read; the chunk in flight finishes.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			summary := app.manager.Run(ctx, specs)
			fmt.Fprint(cmd.OutOrStdout(), summary.String())
			if !summary.OK() {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "sync only these tables (schema.table), may repeat")
	return cmd
}

func planCommand(configPath *string) *cobra.Command {
	var tables []string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the extent and chunks each table would sync, without reading data",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			specs, err := selectTables(cfg, tables)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			src, err := openSource(cfg)
			if err != nil {
				return err
			}
			defer src.Close()
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			p := planner.New(src, plannerOptions(cfg), logger)
			out := cmd.OutOrStdout()
			for _, spec := range specs {
				wm, err := store.Get(ctx, spec.Key())
				if err != nil {
					return fmt.Errorf("read watermark of %s: %w", spec.Key(), err)
				}
				plan, err := p.Plan(ctx, spec, wm, time.Now())
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", spec.Key(), err)
					continue
				}
				fmt.Fprintf(out, "%s (%s): %s, %s rows in %d chunks", spec.Key(), spec.LoadType,
					plan.Extent, humanize.Comma(plan.ExpectedRows), len(plan.Chunks))
				if plan.Sampled {
					fmt.Fprint(out, ", sampled")
				}
				fmt.Fprintln(out)
				for _, c := range plan.Chunks {
					fmt.Fprintf(out, "  %4d  %s\n", c.Index, c.Range)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "plan only these tables (schema.table), may repeat")
	return cmd
}

func watermarkCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect stored watermarks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <schema.table>",
		Short: "Print the watermark of one table as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			wm, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wm == nil {
				return fmt.Errorf("no watermark for %s", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(wm)
		},
	})
	return cmd
}

func schemaCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the metadata schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the watermark, job, chunk, stats and quality tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("metadata schema ready", zap.String("driver", cfg.Metadata.Driver))
			return nil
		},
	})
	return cmd
}

func setup(path string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// selectTables returns the enabled tables, narrowed to names when given.
func selectTables(cfg *config.Config, names []string) ([]core.TableSpec, error) {
	specs := cfg.EnabledTables()
	if len(names) == 0 {
		if len(specs) == 0 {
			return nil, errors.New("no enabled tables in config")
		}
		return specs, nil
	}
	byKey := make(map[string]core.TableSpec, len(specs))
	for _, s := range specs {
		byKey[s.Key()] = s
	}
	out := make([]core.TableSpec, 0, len(names))
	for _, n := range names {
		s, ok := byKey[n]
		if !ok {
			return nil, fmt.Errorf("table %s is not an enabled table in config", n)
		}
		out = append(out, s)
	}
	return out, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
