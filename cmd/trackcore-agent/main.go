// Command trackcore-agent is the sweep agent composition root: it
// registers with the tracking backend, fetches the sweep configuration,
// and runs the main loop that launches, supervises, and retires trials.
//
// Usage:
//
//	trackcore-agent -sweep-id <id> [-config trackcore.yaml]
//
// Exit codes:
//   - 0: the agent stopped cleanly (count reached, exit command, or
//     context cancellation)
//   - 1: setup or main-loop failure
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trackrun/trackcore/agent"
	"github.com/trackrun/trackcore/cache"
	"github.com/trackrun/trackcore/config"
	"github.com/trackrun/trackcore/log"
	"github.com/trackrun/trackcore/metrics"
	"github.com/trackrun/trackcore/region"
	"github.com/trackrun/trackcore/storage"
	"github.com/trackrun/trackcore/storagepolicy"
	"github.com/trackrun/trackcore/transport/redisqueue"
	"github.com/trackrun/trackcore/transport/webhook"
	"github.com/trackrun/trackcore/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	// A re-exec'd function-mode trial child never reaches the agent main
	// loop: it runs its registered TrialFunc and exits with that result.
	if err, ok := agent.RunRegisteredTrialFunc(context.Background()); ok {
		if err != nil {
			fmt.Fprintf(os.Stderr, "trackcore-agent: trial func: %v\n", err)
			return 1
		}
		return 0
	}

	configPath := flag.String("config", "trackcore.yaml", "path to the composition-root config file")
	sweepID := flag.String("sweep-id", "", "sweep id to run (required)")
	flag.Parse()

	if *sweepID == "" {
		fmt.Fprintln(os.Stderr, "trackcore-agent: -sweep-id is required")
		return 1
	}

	data, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trackcore-agent: read config: %v\n", err)
		return 1
	}
	cfg, err := config.Load(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "trackcore-agent: parse config: %v\n", err)
		return 1
	}

	logger := log.NewLogger(&types.SweepMeta{SweepID: *sweepID})

	transportClient, err := webhook.New(webhook.Config{BaseURL: cfg.BaseURL})
	if err != nil {
		logger.Error("build transport client", map[string]any{"error": err.Error()})
		return 1
	}
	defer func() { _ = transportClient.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	agentID, err := transportClient.RegisterAgent(ctx, *sweepID)
	if err != nil {
		logger.Error("register agent", map[string]any{"error": err.Error()})
		return 1
	}
	logger = log.NewLogger(&types.SweepMeta{SweepID: *sweepID, AgentID: agentID})

	sweepCfg, err := transportClient.SweepConfig(ctx, *sweepID)
	if err != nil {
		logger.Error("fetch sweep config", map[string]any{"error": err.Error()})
		return 1
	}

	collector := metrics.NewCollector("streaming", "fs", *sweepID, agentID)

	storagePolicy, err := buildStoragePolicy(cfg)
	if err != nil {
		logger.Error("build storage policy", map[string]any{"error": err.Error()})
		return 1
	}

	queue, closeQueue, err := buildCommandQueue()
	if err != nil {
		logger.Error("build command queue", map[string]any{"error": err.Error()})
		return 1
	}
	if closeQueue != nil {
		defer closeQueue()
	}

	env := &trialEnv{
		sweepID:       *sweepID,
		agentID:       agentID,
		cacheRoot:     cfg.CacheRoot,
		publisher:     transportClient,
		storagePolicy: storagePolicy,
		handlers:      storagePolicy.handlers,
		collector:     collector,
		logger:        logger,
	}

	a := agent.New(*sweepID, transportClient, queue, env.newTrial, sweepCfg)

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent run", map[string]any{"error": err.Error()})
		return 1
	}

	snap := collector.Snapshot()
	logger.Info("agent stopped", map[string]any{
		"trials_launched": snap.TrialsLaunched,
		"trials_finished": snap.TrialsFinished,
		"trials_failed":   snap.TrialsFailed,
		"heartbeats":      snap.Heartbeats,
	})
	return 0
}

// namedStoragePolicy carries the handler registry alongside the policy so
// the trial factory can hand both to artifact.New without threading a
// second constructor argument through buildStoragePolicy's caller.
type namedStoragePolicy struct {
	*storagepolicy.Policy
	handlers *storage.MultiHandler
}

func buildStoragePolicy(cfg *config.Config) (*namedStoragePolicy, error) {
	cacheRoot := cfg.CacheRoot
	if cacheRoot == "" {
		cacheRoot = "./trackcore-cache"
	}
	c := cache.New(cacheRoot)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	local := storage.NewLocalHandler(c)
	httpsHandler := storage.NewHTTPHandler("https", httpClient, c)
	httpHandler := storage.NewHTTPHandler("http", httpClient, c)
	gcsHandler := storage.NewGCSHandler(httpClient, c)
	tracking := storage.NewTrackingHandler()

	schemeHandlers := []storage.Handler{local, httpsHandler, httpHandler, gcsHandler}
	if s3Handler, err := storage.NewS3Handler(context.Background(), c); err == nil {
		schemeHandlers = append(schemeHandlers, s3Handler)
	}

	handlers := storage.NewMultiHandler(tracking, schemeHandlers...)

	regions := region.NewSelector()
	for name, rc := range cfg.Regions {
		pool := &region.Pool{
			Name:          name,
			Strategy:      region.Strategy(rc.Strategy),
			Regions:       rc.Regions,
			RecencyWindow: rc.RecencyWindow,
		}
		if rc.StickyScope != "" {
			pool.Sticky = &region.Sticky{Scope: region.StickyScope(rc.StickyScope), TTLMs: rc.StickyTTLMs}
		}
		if err := regions.RegisterPool(pool); err != nil {
			return nil, fmt.Errorf("region pool %q: %w", name, err)
		}
	}

	retry := storagepolicy.DefaultRetryConfig()
	if cfg.Storage.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Storage.MaxAttempts
	}
	if cfg.Storage.BackoffBase.Duration > 0 {
		retry.BackoffBase = cfg.Storage.BackoffBase.Duration
	}
	if cfg.Storage.BackoffFactor > 0 {
		retry.BackoffFactor = cfg.Storage.BackoffFactor
	}

	policy := storagepolicy.New(c, handlers, regions, cfg.BaseURL, retry)
	return &namedStoragePolicy{Policy: policy, handlers: handlers}, nil
}

// buildCommandQueue wires a Redis-backed local command queue when
// TRACKCORE_REDIS_URL is set, falling back to an empty queue (server
// commands only, delivered via Heartbeat) otherwise.
func buildCommandQueue() (agent.CommandQueue, func(), error) {
	url := os.Getenv("TRACKCORE_REDIS_URL")
	if url == "" {
		return emptyQueue{}, nil, nil
	}
	q, err := redisqueue.New(redisqueue.Config{
		URL: url,
		Key: "trackcore:agent:commands",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("redis queue: %w", err)
	}
	return q, func() { _ = q.Close() }, nil
}

type emptyQueue struct{}

func (emptyQueue) Drain(int) []*types.AgentCommand { return nil }
