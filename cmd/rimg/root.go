package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"rimg/internal/delivery/server/bootstrap"
	"rimg/internal/derivative/sweep"
	"rimg/internal/derivative/transform"
	"rimg/internal/derivative/urls"
	"rimg/internal/shared/config"
)

type rootOptions struct {
	configPath  string
	stylesFile  string
	logLevel    string
	logFormat   string
	lockBackend string
	lockDSN     string
	baseURL     string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rimg",
		Short:         "On-demand responsive image derivatives",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			configureColor(cmd.OutOrStdout())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default ./"+config.DefaultConfigFile+" when present)")
	flags.StringVar(&opts.stylesFile, "styles", "", "style catalog file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format: text, json")
	flags.StringVar(&opts.lockBackend, "lock-backend", "", "generation lock backend: memory, postgres, sqlite")
	flags.StringVar(&opts.lockDSN, "lock-dsn", "", "Postgres DSN for the postgres lock backend")
	flags.StringVar(&opts.baseURL, "base-url", "", "prefix for rendered URLs")

	root.AddCommand(
		newServeCommand(opts),
		newURLCommand(opts),
		newSrcsetCommand(opts),
		newFlushCommand(opts),
		newStylesCommand(opts),
	)
	return root
}

// load resolves the configuration, letting explicitly set flags win.
func (o *rootOptions) load(cmd *cobra.Command, extra config.Overrides) (config.RuntimeConfig, error) {
	overrides := extra
	changed := func(name string, value *string) *string {
		if cmd.Flags().Changed(name) {
			return value
		}
		return nil
	}
	overrides.StylesFile = changed("styles", &o.stylesFile)
	overrides.LogLevel = changed("log-level", &o.logLevel)
	overrides.LogFormat = changed("log-format", &o.logFormat)
	overrides.LockBackend = changed("lock-backend", &o.lockBackend)
	overrides.LockDSN = changed("lock-dsn", &o.lockDSN)
	overrides.BaseURL = changed("base-url", &o.baseURL)

	cfg, _, err := config.Load(config.WithConfigPath(o.configPath), config.WithOverrides(overrides))
	return cfg, err
}

// foundation builds the components for one-shot commands, which neither
// export metrics nor traces.
func (o *rootOptions) foundation(cmd *cobra.Command) (*bootstrap.Foundation, error) {
	cfg, err := o.load(cmd, config.Overrides{})
	if err != nil {
		return nil, err
	}
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false
	return bootstrap.NewFoundation(cmd.Context(), cfg)
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		addr  string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve derivatives over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var overrides config.Overrides
			if cmd.Flags().Changed("addr") {
				overrides.Addr = &addr
			}
			if cmd.Flags().Changed("watch") {
				overrides.Watch = &watch
			}
			cfg, err := opts.load(cmd, overrides)
			if err != nil {
				return err
			}
			return bootstrap.RunServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().BoolVar(&watch, "watch", false, "flush derivatives when source files change")
	return cmd
}

type sizeFlags struct {
	style string
	ratio float64
}

func (s *sizeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.style, "style", urls.DefaultStyle, "image style id")
	cmd.Flags().Float64Var(&s.ratio, "crop", 0, "crop to height = width * ratio")
}

func newURLCommand(opts *rootOptions) *cobra.Command {
	var (
		size   sizeFlags
		width  int
		height int
	)
	cmd := &cobra.Command{
		Use:   "url <source-uri>",
		Short: "Print the derivative URL of a source image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if width <= 0 {
				return errors.New("--width must be positive")
			}
			params := transform.Params{W: width, H: height}
			if size.ratio > 0 {
				params = transform.Crop(width, size.ratio)
			}
			return withFoundation(cmd, opts, func(ctx context.Context, f *bootstrap.Foundation) error {
				u, err := f.URLs.URL(ctx, args[0], params, size.style)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), u)
				return err
			})
		},
	}
	size.register(cmd)
	cmd.Flags().IntVar(&width, "width", 0, "derivative width in pixels")
	cmd.Flags().IntVar(&height, "height", 0, "derivative height in pixels (defaults to the width)")
	return cmd
}

func newSrcsetCommand(opts *rootOptions) *cobra.Command {
	var size sizeFlags
	cmd := &cobra.Command{
		Use:   "srcset <source-uri> <width>...",
		Short: "Print a srcset attribute value for a source image",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			widths := make([]int, 0, len(args)-1)
			for _, arg := range args[1:] {
				w, err := strconv.Atoi(arg)
				if err != nil || w <= 0 {
					return fmt.Errorf("invalid width %q", arg)
				}
				widths = append(widths, w)
			}
			sizes := urls.Widths(widths...)
			if size.ratio > 0 {
				sizes = transform.CropAll(widths, size.ratio)
			}
			return withFoundation(cmd, opts, func(ctx context.Context, f *bootstrap.Foundation) error {
				srcset, err := f.URLs.Srcset(ctx, args[0], sizes, size.style)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), srcset)
				return err
			})
		},
	}
	size.register(cmd)
	return cmd
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	var style string
	cmd := &cobra.Command{
		Use:   "flush [source-uri]",
		Short: "Delete the derivatives of a source, or of a whole style",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var source string
			if len(args) == 1 {
				source = args[0]
			}
			if source == "" && style == "" {
				return errors.New("a source URI or --style is required")
			}
			return withFoundation(cmd, opts, func(ctx context.Context, f *bootstrap.Foundation) error {
				var (
					report sweep.Report
					err    error
				)
				if style != "" {
					report, err = f.Sweeper.Flush(ctx, style, source)
				} else {
					report, err = f.Sweeper.FlushAll(ctx, source)
				}
				out := cmd.OutOrStdout()
				for _, u := range report.Deleted {
					fmt.Fprintf(out, "%s %s\n", successText("deleted"), u)
				}
				for _, u := range report.Failed {
					fmt.Fprintf(out, "%s %s\n", warnText("failed "), u)
				}
				fmt.Fprintln(out, dimText(fmt.Sprintf("%d deleted, %d failed", len(report.Deleted), len(report.Failed))))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&style, "style", "", "only flush this style")
	return cmd
}

func newStylesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "List the image styles in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withFoundation(cmd, opts, func(ctx context.Context, f *bootstrap.Foundation) error {
				styles, err := f.Styles.List(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), boldText(fmt.Sprintf("%d styles in %s", len(styles), f.Config.StylesFile)))
				renderStyles(cmd.OutOrStdout(), styles)
				return nil
			})
		},
	}
}

func withFoundation(cmd *cobra.Command, opts *rootOptions, fn func(context.Context, *bootstrap.Foundation) error) error {
	f, err := opts.foundation(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close(context.Background()) }()
	return fn(cmd.Context(), f)
}
