// Command target-warehouse reads Singer messages on stdin, loads them into a
// SQL warehouse and writes committed STATE values to stdout.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"singerwh/internal/config"
	"singerwh/internal/logging"
	"singerwh/internal/metrics"
	"singerwh/internal/metrics/datadog"
	"singerwh/internal/metrics/prompush"
	"singerwh/internal/multitable"

	// register all warehouse backends; the config picks one.
	_ "singerwh/internal/storage/all"
)

const defaultJobName = "target-warehouse"

type runner interface {
	Run(ctx context.Context, cfg config.Config, in io.Reader) (multitable.Stats, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadConfig  func(path string) (config.Config, error)
	newLogger   func(verbose bool) (*zap.Logger, error)
	newRunner   func(log *zap.Logger, stdout io.Writer) runner
	initMetrics func(ctx context.Context, log *zap.Logger, opts metricsOptions) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newLogger:  logging.New,
		newRunner: func(log *zap.Logger, stdout io.Writer) runner {
			r := multitable.NewDefaultRunner(log)
			r.Stdout = stdout
			return r
		},
		initMetrics: initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }

// exitError carries a non-zero exit code for failures already reported.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

type cliFlags struct {
	configPath     string
	verbose        bool
	validate       bool
	metricsBackend string
	pushGatewayURL string
}

// runMain parses args, loads and validates the config, wires metrics and runs
// the load. It returns the process exit code: 2 for usage errors, 1 for any
// other failure.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	var f cliFlags
	cmd := &cobra.Command{
		Use:   "target-warehouse --config FILE",
		Short: "Load a Singer message stream into a SQL warehouse",
		Long: `Reads SCHEMA, RECORD and STATE messages from stdin, batches records per
stream, loads them into the configured warehouse and writes each STATE value
to stdout once every record before it has been committed.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected arguments: %s", strings.Join(args, " "))}
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			if strings.TrimSpace(f.configPath) == "" {
				return usageError{errors.New("usage: target-warehouse --config FILE")}
			}
			return run(c.Context(), f, stdin, stdout, stderr, deps)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	if args == nil {
		// cobra falls back to os.Args on nil
		args = []string{}
	}
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "path to the target config (JSON or YAML)")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "enable debug logs")
	flags.BoolVar(&f.validate, "validate", false, "validate the configuration and exit")
	flags.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway or datadog (default from METRICS_BACKEND)")
	flags.StringVar(&f.pushGatewayURL, "pushgateway-url", "", "Pushgateway base URL (default from PUSHGATEWAY_URL)")

	err := cmd.ExecuteContext(ctx)
	var ue usageError
	var ee exitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		fmt.Fprintln(stderr, ue.err)
		return 2
	case errors.As(err, &ee):
		return ee.code
	default:
		fmt.Fprintln(stderr, err)
		return 1
	}
}

func run(ctx context.Context, f cliFlags, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) error {
	cfg, err := deps.loadConfig(f.configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", f.configPath)
		return exitError{code: 1}
	}
	if f.validate {
		fmt.Fprintf(stderr, "configuration is valid: %s\n", f.configPath)
		return nil
	}

	log, err := deps.newLogger(f.verbose)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	cleanup, err := deps.initMetrics(ctx, log, metricsOptionsFrom(f))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	start := time.Now()
	st, err := deps.newRunner(log, stdout).Run(ctx, cfg, stdin)
	fields := []zap.Field{
		zap.Int("messages", st.Messages),
		zap.Int("records", st.Records),
		zap.Int("rejected", st.Rejected),
		zap.Int("flushes", st.Flushes),
		zap.Int("states_emitted", st.Emitted),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		log.Error("stage=run failed", append(fields, zap.Error(err))...)
		return fmt.Errorf("run: %w", err)
	}
	log.Info("stage=run ok", fields...)
	return nil
}

type metricsOptions struct {
	backend    string
	gatewayURL string
	jobName    string
	tags       []string
}

// metricsOptionsFrom resolves each setting flag, then env, then default.
func metricsOptionsFrom(f cliFlags) metricsOptions {
	o := metricsOptions{
		backend:    f.metricsBackend,
		gatewayURL: f.pushGatewayURL,
		jobName:    os.Getenv("METRICS_JOB"),
		tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
	}
	if o.backend == "" {
		o.backend = os.Getenv("METRICS_BACKEND")
	}
	if o.gatewayURL == "" {
		o.gatewayURL = os.Getenv("PUSHGATEWAY_URL")
	}
	if o.gatewayURL == "" {
		o.gatewayURL = "http://localhost:9091"
	}
	if o.jobName == "" {
		o.jobName = defaultJobName
	}
	return o
}

type closingBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = metrics.SetBackend
	flushMetrics      = metrics.Flush
)

// initMetrics installs the selected backend and returns its cleanup, which
// is never nil. Cleanup failures are logged, not returned.
func initMetrics(ctx context.Context, log *zap.Logger, o metricsOptions) (func(), error) {
	switch o.backend {
	case "", "none":
		log.Debug("metrics disabled")
		return func() {}, nil

	case "pushgateway":
		b, err := newPushBackend(o.jobName, o.gatewayURL)
		if err != nil {
			return func() {}, err
		}
		setMetricsBackend(b)
		log.Info("metrics enabled", zap.String("backend", o.backend), zap.String("url", o.gatewayURL), zap.String("job", o.jobName))
		return func() {
			if err := flushMetrics(); err != nil {
				log.Warn("metrics: push error", zap.Error(err))
			}
		}, nil

	case "datadog":
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    o.jobName,
			Tags:       o.tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return func() {}, err
		}
		setMetricsBackend(b)
		log.Info("metrics enabled", zap.String("backend", o.backend), zap.String("job", o.jobName), zap.Strings("tags", o.tags))
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close error", zap.Error(err))
			}
		}, nil
	}
	return func() {}, fmt.Errorf("unknown metrics backend %q", o.backend)
}
