package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/trackrun/trackcore/agent"
	"github.com/trackrun/trackcore/artifact"
	"github.com/trackrun/trackcore/config"
	"github.com/trackrun/trackcore/events"
	"github.com/trackrun/trackcore/log"
	"github.com/trackrun/trackcore/metrics"
	"github.com/trackrun/trackcore/storage"
	"github.com/trackrun/trackcore/transport/webhook"
)

// trialEnv carries everything a launched trial's supporting pipeline
// needs: the transport client doubling as Publisher, the storage policy
// and handler registry an artifact logger would use, and the collector
// every trial's row/cache/handler counters feed into.
type trialEnv struct {
	sweepID       string
	agentID       string
	cacheRoot     string
	publisher     *webhook.Client
	storagePolicy *namedStoragePolicy
	handlers      *storage.MultiHandler
	collector     *metrics.Collector
	logger        *log.Logger
}

// runDir is where a trial's files directory lives, namespaced under the
// sweep's cache root. The trial's config files go to
// config.SweepConfigDir instead.
func (e *trialEnv) runDir(runID string) string {
	return filepath.Join(e.cacheRoot, "sweeps", e.sweepID, runID)
}

// newTrial builds a ProcessSupervisor for a run command plus the
// directory-watcher pipeline that will publish its history rows once
// Start is called, matching agent.TrialFactory.
func (e *trialEnv) newTrial(ctx context.Context, runID string, args map[string]any, template []string) (agent.Supervisor, error) {
	runDir := e.runDir(runID)
	filesDir := filepath.Join(runDir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return nil, fmt.Errorf("trial %s: mkdir files dir: %w", runID, err)
	}

	argv, argsJSON, err := flattenArgs(args)
	if err != nil {
		return nil, fmt.Errorf("trial %s: flatten args: %w", runID, err)
	}
	writeJSON := false
	for _, part := range template {
		if part == "${args_json_file}" {
			writeJSON = true
		}
	}
	_, argsJSONFile, err := config.WriteTrialConfig(e.cacheRoot, e.sweepID, runID, args, writeJSON)
	if err != nil {
		return nil, fmt.Errorf("trial %s: write trial config: %w", runID, err)
	}

	program := args["program"]
	programStr, _ := program.(string)
	if programStr == "" {
		programStr = "train.py"
	}

	expanded := agent.ExpandTemplate(template, "python3", "python3", programStr, argv, argsJSON, argsJSONFile)
	if len(expanded) == 0 {
		return nil, fmt.Errorf("trial %s: empty command after template expansion", runID)
	}

	env := append(os.Environ(),
		"TRACKRUN_SWEEP_ID="+e.sweepID,
		"TRACKRUN_SWEEP_AGENT_ID="+e.agentID,
		"TRACKRUN_RUN_ID="+runID,
	)

	sup := agent.NewProcessSupervisor(ctx, expanded[0], expanded[1:], env)

	watcher, consumer, err := e.startWatcher(ctx, runID, runDir, filesDir)
	if err != nil {
		e.logger.Error("start trial watcher", map[string]any{"run_id": runID, "error": err.Error()})
	} else {
		go e.monitorTrial(ctx, runID, filesDir, sup, watcher, consumer)
	}

	e.collector.IncTrialLaunched()
	return sup, nil
}

// startWatcher wires the per-trial producer/consumer pipeline: a
// PriorityQueue fed by a DirWatcher over runDir, drained by a Consumer
// that publishes history rows through the tracking transport and an
// optional local lode mirror.
func (e *trialEnv) startWatcher(ctx context.Context, runID, runDir, filesDir string) (*events.DirWatcher, *events.Consumer, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	queue := events.NewPriorityQueue(10000)
	watcher := events.NewDirWatcher(runDir, nil, hostname, time.Now(), OpenTFRecordDecoderLinked(filesDir, runDir), queue)

	var publishers events.MultiPublisher
	publishers = append(publishers, e.publisher)
	if mirror, err := events.NewLodeMirror(filepath.Join(e.cacheRoot, "lode"), runID); err == nil {
		publishers = append(publishers, mirror)
	}

	consumer := events.NewConsumer(queue, publishers)

	go func() {
		if err := watcher.Run(ctx, runDir); err != nil && ctx.Err() == nil {
			e.logger.Error("dir watcher stopped", map[string]any{"run_id": runID, "error": err.Error()})
		}
	}()
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("history consumer stopped", map[string]any{"run_id": runID, "error": err.Error()})
		}
	}()

	return watcher, consumer, nil
}

// monitorTrial waits for the trial's process to exit, stops its watcher
// and consumer, and finalizes its files directory as an output artifact
// through the shared storage policy and handler registry.
func (e *trialEnv) monitorTrial(ctx context.Context, runID, filesDir string, sup agent.Supervisor, watcher *events.DirWatcher, consumer *events.Consumer) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var exitCode int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		code, finished := sup.Poll()
		if finished {
			exitCode = code
			break
		}
	}

	watcher.Shutdown()
	consumer.Shutdown()

	if exitCode == 0 {
		e.collector.IncTrialFinished()
	} else {
		e.collector.IncTrialFailed()
	}

	if err := e.finalizeOutputArtifact(ctx, runID, filesDir); err != nil {
		e.logger.Error("finalize output artifact", map[string]any{"run_id": runID, "error": err.Error()})
	}
}

// finalizeOutputArtifact stages every file under filesDir into a
// run-output artifact and finalizes it, exercising the shared storage
// policy and handler registry for trials that never call the artifact
// builder themselves.
func (e *trialEnv) finalizeOutputArtifact(ctx context.Context, runID, filesDir string) error {
	entries, err := os.ReadDir(filesDir)
	if err != nil || len(entries) == 0 {
		return nil
	}

	art := artifact.New(runID+"-output", "run-output", "", e.handlers, e.storagePolicy.Policy, "", nil)
	if err := art.AddDir(filesDir, ""); err != nil {
		return fmt.Errorf("stage files dir: %w", err)
	}
	return art.Finalize(ctx, "")
}

// OpenTFRecordDecoderLinked returns a DecoderFactory that symlinks every
// opened tfevents file into filesDir before decoding it, so the files
// directory mirrors what the trial's logdir actually produced.
func OpenTFRecordDecoderLinked(filesDir, logdir string) events.DecoderFactory {
	return func(path string) (events.EventDecoder, error) {
		if err := events.LinkIntoFilesDir(filesDir, logdir, path); err != nil {
			return nil, err
		}
		return events.OpenTFRecordDecoder(path)
	}
}

// flattenArgs turns a run's parameter map into a "--key value" argv slice
// (sorted by key for determinism) and its JSON encoding, matching the
// ${args}/${args_json} template tokens.
func flattenArgs(args map[string]any) (argv []string, argsJSON string, err error) {
	keys := make([]string, 0, len(args))
	for k := range args {
		if k == "program" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		argv = append(argv, "--"+k, stringifyArg(args[k]))
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, "", err
	}
	return argv, string(raw), nil
}

func stringifyArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
