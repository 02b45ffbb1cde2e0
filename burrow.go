package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/burrow/admin"
	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/collision"
	"github.com/maxpert/burrow/filter"
	"github.com/maxpert/burrow/id"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/pipeline"
	"github.com/maxpert/burrow/publisher"
	_ "github.com/maxpert/burrow/publisher/sink"
	_ "github.com/maxpert/burrow/publisher/transformer"
	"github.com/maxpert/burrow/script"
	"github.com/maxpert/burrow/telemetry"
	"github.com/maxpert/burrow/writer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	var out io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		out = os.Stdout
	}
	gLog := zerolog.New(out).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Str("source", cfg.Config.Source.Path).Strs("target", cfg.Config.Target.Seeds).Msg("Burrow - Redis snapshot migration")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Migration could not start")
		os.Exit(2)
	}
	if !res.Success() {
		os.Exit(1)
	}
}

// run wires every stage from configuration and blocks until the migration
// ends.
func run(ctx context.Context) (pipeline.Result, error) {
	c := cfg.Config

	tlsCfg, err := cfg.TargetTLSConfig()
	if err != nil {
		return pipeline.Result{}, err
	}

	topology, err := loadTopology(ctx, tlsCfg)
	if err != nil {
		return pipeline.Result{}, err
	}
	holder := cluster.NewHolder(topology)
	telemetry.Shards.Set(float64(len(topology.Shards())))

	hook, err := newHook()
	if err != nil {
		return pipeline.Result{}, err
	}
	defer hook.Close()

	rules, err := filter.New(c.Filter)
	if err != nil {
		return pipeline.Result{}, err
	}

	var detector *collision.Detector
	if c.Collision.Enabled {
		detector, err = collision.New(collision.Options{
			Capacity:   c.Collision.Capacity,
			RecentKeys: c.Collision.RecentKeys,
		})
		if err != nil {
			return pipeline.Result{}, err
		}
	}

	var failures *journal.Journal
	if c.Journal.Enabled {
		failures, err = journal.Open(cfg.JournalPath())
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("open failure journal: %w", err)
		}
		defer failures.Close()
	}

	events, err := publisher.NewRegistry(publisher.RegistryConfig{
		Instance:    c.InstanceID,
		Journal:     failures,
		SinkConfigs: c.Sinks,
	})
	if err != nil {
		return pipeline.Result{}, err
	}
	if err := events.Start(); err != nil {
		return pipeline.Result{}, err
	}
	defer events.Stop()

	input, err := pipeline.Open(c.Source.Path, c.Source.Format, c.Source.VerifyChecksum)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer input.Close()

	// A nil *journal.Journal must not become a non-nil interface.
	var failureSource admin.FailureSource
	if failures != nil {
		failureSource = failures
	}

	p := pipeline.New(input, holder, newDialer(tlsCfg), writerOptions(), pipeline.Components{
		Filter:   rules,
		Hook:     hook,
		Detector: detector,
		Journal:  failures,
	}, pipeline.Options{
		RunID:                id.NewGenerator(c.InstanceID).NextRunID(),
		Workers:              c.Pipeline.Workers,
		QueueSize:            c.Pipeline.QueueSize,
		FailureThreshold:     int64(c.Writer.FailureThreshold),
		ScriptErrorThreshold: int64(c.Pipeline.ScriptErrorThreshold),
		GracePeriod:          time.Duration(c.Pipeline.GracePeriodMS) * time.Millisecond,
		ReportInterval:       time.Duration(c.Report.IntervalMS) * time.Millisecond,
		OnProgress:           events.OnProgress,
	})

	collector := telemetry.NewMetricsCollector(time.Second, p)
	collector.Start()
	defer collector.Stop()

	if c.Admin.Enabled {
		srv, err := admin.Listen(net.JoinHostPort(c.Admin.Address, strconv.Itoa(c.Admin.Port)), admin.NewRouter(admin.RouterConfig{
			Handlers: admin.NewAdminHandlers(p, failureSource),
			Topology: cluster.NewManager(holder),
			Metrics:  telemetry.GetMetricsHandler(),
			Token:    c.Admin.Token,
		}))
		if err != nil {
			return pipeline.Result{}, fmt.Errorf("admin server: %w", err)
		}
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("run_id", p.RunID()).
		Str("format", input.Format).
		Int64("size", input.Size).
		Int("shards", len(topology.Shards())).
		Msg("Starting migration")

	return p.Run(ctx), nil
}

func loadTopology(ctx context.Context, tlsCfg *tls.Config) (*cluster.Topology, error) {
	c := cfg.Config
	if c.Writer.DryRun && len(c.Target.Seeds) == 0 {
		return cluster.SingleShard("dry-run"), nil
	}

	dial := time.Duration(c.Target.DialTimeoutMS) * time.Millisecond
	if dial <= 0 {
		dial = 5 * time.Second
	}
	bootCtx, cancel := context.WithTimeout(ctx, 2*dial*time.Duration(len(c.Target.Seeds)))
	defer cancel()

	t, err := cluster.Bootstrap(bootCtx, cluster.BootstrapOptions{
		Seeds:       c.Target.Seeds,
		Mode:        c.Target.Mode,
		Username:    c.Target.Username,
		Password:    c.Target.Password,
		TLS:         tlsCfg,
		DialTimeout: dial,
	})
	if err != nil && c.Writer.DryRun {
		log.Warn().Err(err).Msg("Destination unreachable, dry run continues with a single shard")
		return cluster.SingleShard(c.Target.Seeds[0]), nil
	}
	return t, err
}

func newHook() (script.Hook, error) {
	c := cfg.Config.Script
	opts := script.LuaOptions{
		Timeout:  time.Duration(c.TimeoutMS) * time.Millisecond,
		PoolSize: c.PoolSize,
	}
	switch {
	case c.Path != "":
		return script.LoadLuaHook(c.Path, opts)
	case c.Source != "":
		opts.Name = "inline"
		return script.NewLuaHook(c.Source, opts)
	case c.PrefixDatabases:
		return script.DatabasePrefixer{Format: c.PrefixFormat}, nil
	default:
		return script.Passthrough{}, nil
	}
}

func newDialer(tlsCfg *tls.Config) writer.Dialer {
	c := cfg.Config
	if c.Writer.DryRun {
		return writer.DryRunDialer()
	}
	return writer.NewRedisDialer(writer.RedisOptions{
		Username:     c.Target.Username,
		Password:     c.Target.Password,
		TLS:          tlsCfg,
		DialTimeout:  time.Duration(c.Target.DialTimeoutMS) * time.Millisecond,
		ReadTimeout:  time.Duration(c.Target.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(c.Target.WriteTimeoutMS) * time.Millisecond,
	})
}

func writerOptions() writer.Options {
	c := cfg.Config.Writer
	return writer.Options{
		BatchSize:      c.BatchSize,
		FlushInterval:  time.Duration(c.FlushIntervalMS) * time.Millisecond,
		QueueSize:      c.QueueSize,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
		MaxAttempts:    c.MaxAttempts,
		RetryBase:      time.Duration(c.RetryBaseMS) * time.Millisecond,
		RetryMax:       time.Duration(c.RetryMaxMS) * time.Millisecond,
		KeylessPolicy:  writer.KeylessPolicy(c.KeylessPolicy),
		AllowNonZeroDB: c.AllowNonZeroDB,
	}
}
