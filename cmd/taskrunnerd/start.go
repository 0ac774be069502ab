package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaykit/taskrunner/internal/config"
	"github.com/relaykit/taskrunner/pkg/apiserver"
	"github.com/relaykit/taskrunner/pkg/audit"
	"github.com/relaykit/taskrunner/pkg/cache"
	"github.com/relaykit/taskrunner/pkg/executor"
	"github.com/relaykit/taskrunner/pkg/health"
	"github.com/relaykit/taskrunner/pkg/job"
	"github.com/relaykit/taskrunner/pkg/logging"
	"github.com/relaykit/taskrunner/pkg/monitor"
	"github.com/relaykit/taskrunner/pkg/notify"
	"github.com/relaykit/taskrunner/pkg/scheduler"
	"github.com/relaykit/taskrunner/pkg/search"
	"github.com/relaykit/taskrunner/pkg/security"
	"github.com/relaykit/taskrunner/pkg/timeout"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the task runner server",
		RunE:  runStart,
	}
}

// runtime bundles every component runStart wires, so the server's
// handlers and the admission loop share one set of live instances
// instead of reaching for package-level globals.
type runtime struct {
	cfg        *config.Config
	registry   *job.Registry
	adapter    *executor.Adapter
	coord      *scheduler.Coordinator
	timeouts   *timeout.Registry
	notifier   *notify.Notifier
	wsHub      *notify.Hub
	resultC    *cache.ResultCache
	engine     *search.Engine
	mon        *monitor.Monitor
	promExp    *monitor.PrometheusExporter
	healthAgg  *health.Aggregator
	auditSink  *audit.Sink
	tracer     *monitor.Tracer
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zlog := logging.New(logging.Options{Level: cfg.Logging.Level, Console: cfg.Logging.Console, Service: "taskrunnerd"})

	rt := &runtime{cfg: cfg}
	rt.registry = job.NewRegistry(
		time.Duration(cfg.Poll.BaseIntervalMs)*time.Millisecond,
		cfg.Poll.MaxMultiplier,
		cfg.Poll.StepEvery,
		zlog,
	)

	rt.tracer, err = monitor.NewTracer(monitor.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}

	rt.adapter = executor.New(rt.registry, zlog).WithTracer(rt.tracer)
	rt.coord = scheduler.New(cfg.MaxConcurrentJobs, rt.adapter, zlog).WithTracer(rt.tracer)

	classes := make(map[timeout.OperationClass]timeout.ClassConfig, len(cfg.Timeouts.ByClass))
	for name, ms := range cfg.Timeouts.ByClass {
		classes[timeout.OperationClass(name)] = timeout.ClassConfig{
			Base:            time.Duration(ms) * time.Millisecond,
			MaxAttempts:     cfg.Retry.MaxAttempts,
			BackoffBase:     time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
			BackoffFactor:   cfg.Retry.BackoffFactor,
			MaxDelay:        time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			BreakerOpenAt:   uint32(cfg.Retry.BreakerOpenAt),
			BreakerCooldown: time.Duration(cfg.Retry.BreakerCooldown) * time.Millisecond,
		}
	}
	defClass := timeout.ClassConfig{
		Base:            time.Duration(cfg.Timeouts.DefaultMillis) * time.Millisecond,
		MaxAttempts:     cfg.Retry.MaxAttempts,
		BackoffBase:     time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		BackoffFactor:   cfg.Retry.BackoffFactor,
		MaxDelay:        time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
		BreakerOpenAt:   uint32(cfg.Retry.BreakerOpenAt),
		BreakerCooldown: time.Duration(cfg.Retry.BreakerCooldown) * time.Millisecond,
	}
	rt.timeouts = timeout.New(defClass, classes)

	rt.notifier = notify.New(5, 10, 32, zlog)
	rt.wsHub = notify.NewHub(zlog)
	rt.registry.SetProgressPusher(apiserver.NewProgressFanout(rt.notifier, rt.wsHub))

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}
	rt.resultC, err = cache.New(cache.Config{
		MaxMemoryEntries: cfg.Cache.MaxMemoryEntries,
		MaxBytes:         cfg.Cache.MaxBytes,
		MemoryTTL:        cfg.Cache.MemoryTTL,
		EvictionPolicy:   cfg.Cache.EvictionPolicy,
		MaxKeySize:       cfg.Cache.MaxKeySize,
		MaxValueSize:     cfg.Cache.MaxValueSize,
		CleanupInterval:  cfg.Cache.CleanupInterval,
	}, redisClient, zlog)
	if err != nil {
		return fmt.Errorf("init result cache: %w", err)
	}

	excluded := make(map[string]bool, len(cfg.Walker.ExcludedDirs))
	for _, d := range cfg.Walker.ExcludedDirs {
		excluded[d] = true
	}
	walker := search.NewWalker(search.WalkerConfig{
		MaxDepth:          cfg.Walker.MaxDepth,
		ExcludedDirs:      excluded,
		FollowSymlinks:    cfg.Walker.FollowSymlinks,
		MaxEntriesPerScan: cfg.Walker.MaxEntriesPerScan,
	}, security.AllowAll{}, zlog)
	rt.engine = search.NewEngine(walker, rt.resultC, zlog)

	rt.mon = monitor.New(120, monitor.AlertThresholds{
		Max: map[monitor.MetricKind]float64{monitor.MetricErrorRate: 0.2},
	}, 2.0, zlog)
	rt.mon.AddHandler(func(a monitor.Alert) {
		zlog.Warn().Str("metric", string(a.Metric)).Float64("value", a.Value).Str("reason", a.Reason).Msg("performance alert")
	})

	reg := prometheus.NewRegistry()
	rt.promExp = monitor.NewPrometheusExporter(reg, "taskrunner", "engine")

	rt.healthAgg = health.NewAggregator()
	rt.healthAgg.Register("job_registry", func() health.ComponentHealth {
		stats := rt.registry.GetStats()
		return health.ComponentHealth{Name: "job_registry", Status: health.StatusHealthy, Message: fmt.Sprintf("%d jobs tracked", stats.Total), CheckedAt: time.Now()}
	})
	rt.healthAgg.Register("scheduler", func() health.ComponentHealth {
		return health.ComponentHealth{Name: "scheduler", Status: health.StatusHealthy, Message: fmt.Sprintf("%d active", rt.coord.ActiveCount()), CheckedAt: time.Now()}
	})

	if cfg.Audit.Enabled {
		rt.auditSink, err = audit.Open(cfg.Audit.DSN, zlog)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		defer rt.auditSink.Close()
	}

	dispatch := func(jobID, tool string, params map[string]interface{}) error {
		rt.promExp.JobsSubmitted.Inc()
		if rt.auditSink != nil {
			rt.auditSink.Record(context.Background(), jobID, tool, job.StatusPending, "submitted")
		}
		work := toolWork(rt, tool)
		return rt.adapter.ExecuteJob(rt.coord, jobID, priorityFor(tool), work, params)
	}

	server := apiserver.New(apiserver.Config{
		JWTSecret:   cfg.API.JWTSecret,
		CORSOrigins: cfg.API.CORSOrigins,
	}, rt.registry, rt.adapter, rt.coord, dispatch, rt.notifier, rt.wsHub, rt.healthAgg, rt.tracer, zlog)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := rt.tracer.Shutdown(shutdownCtx); err != nil {
			zlog.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	go rt.sweepLoop(ctx)

	fmt.Printf("%s listening on %s\n", color.GreenString("taskrunnerd"), cfg.API.Listen)
	return server.Run(ctx, cfg.API.Listen)
}

// sweepLoop periodically cleans terminal jobs and scans for timeouts,
// the two background duties the Job Registry and Coordinator don't
// drive themselves.
func (rt *runtime) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rt.coord.Stop()
			rt.resultC.Close()
			return
		case <-ticker.C:
			rt.registry.CleanupOlderThan(time.Now().Add(-30 * time.Minute))
			timedOut := rt.registry.TimedOutJobIDs(time.Now())
			rt.coord.ScanTimeouts(timedOut, func(jobID string) (string, bool) {
				_, err := rt.registry.GetJob(jobID)
				if err != nil {
					return "", false
				}
				return jobID, true
			})
			rt.mon.Baseline(monitor.MetricTaskThroughput)
			rt.promExp.Export(rt.mon.Snapshot())
		}
	}
}

// priorityFor maps a tool name to a scheduling lane. Search jobs run
// Medium; anything explicitly tagged heavy runs Low so quick jobs
// aren't starved behind a large tree walk.
func priorityFor(tool string) int {
	switch tool {
	case "heavy_search":
		return int(scheduler.PriorityLow)
	default:
		return int(scheduler.PriorityMedium)
	}
}

// toolWork resolves a tool name to the WorkFunc that actually performs
// it. search and heavy_search both run the File Search Engine, gated
// by the file_operations timeout class. Any other tool name is still
// accepted and scheduled; its WorkFunc fails with "unknown tool" when
// it runs, rather than silently no-op'ing.
func toolWork(rt *runtime, tool string) executor.WorkFunc {
	switch tool {
	case "search", "heavy_search":
		return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			q := queryFromParams(rt.cfg, params)
			complexity := timeout.ComplexitySimple
			if tool == "heavy_search" {
				complexity = timeout.ComplexityComplex
			}
			result, err := rt.timeouts.RunWithTimeout(ctx, timeout.OpFileOperations, complexity, 0, func(ctx context.Context) (interface{}, error) {
				return rt.engine.Search(ctx, q)
			})
			if err != nil {
				rt.promExp.JobsFailed.Inc()
				return nil, err
			}
			rt.promExp.JobsCompleted.Inc()
			return result, nil
		}
	default:
		return func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("unknown tool: %s", tool)
		}
	}
}

func queryFromParams(cfg *config.Config, params map[string]interface{}) search.Query {
	q := search.Query{
		MaxResults:  cfg.Search.MaxResults,
		Strategy:    search.StrategyFuzzy,
		MinScore:    cfg.Search.MinScore,
		MaxFileSize: cfg.Search.MaxFileSize,
	}
	if root, ok := params["root"].(string); ok {
		q.Root = root
	}
	if pattern, ok := params["pattern"].(string); ok {
		q.Pattern = pattern
	}
	if strategy, ok := params["strategy"].(string); ok {
		q.Strategy = search.Strategy(strategy)
	}
	if max, ok := params["max_results"].(float64); ok {
		q.MaxResults = int(max)
	}
	if minScore, ok := params["min_score"].(float64); ok {
		q.MinScore = minScore
	}
	return q
}
