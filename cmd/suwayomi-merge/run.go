package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ssm/suwayomi-merge/internal/config"
	"github.com/ssm/suwayomi-merge/internal/equivalence"
	"github.com/ssm/suwayomi-merge/internal/events"
	"github.com/ssm/suwayomi-merge/internal/logctx"
	"github.com/ssm/suwayomi-merge/internal/mount/command"
	"github.com/ssm/suwayomi-merge/internal/procexec"
	"github.com/ssm/suwayomi-merge/internal/rename"
	"github.com/ssm/suwayomi-merge/internal/scan"
	"github.com/ssm/suwayomi-merge/internal/supervisor"
	"github.com/ssm/suwayomi-merge/internal/title"
	"github.com/ssm/suwayomi-merge/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// forceRemountSet accumulates titles the event reader has flagged for
// forced remount (spec §4.7's override-root write rule) until the next
// scan pass consumes them, guarded against the event reader's goroutine
// racing with the trigger coalescer's single scan-runner goroutine.
type forceRemountSet struct {
	mu     sync.Mutex
	titles map[string]bool
}

func (f *forceRemountSet) add(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.titles == nil {
		f.titles = make(map[string]bool)
	}
	f.titles[title] = true
}

func (f *forceRemountSet) takeMountpoints(mergedRoot string) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.titles))
	for t := range f.titles {
		out[filepath.Join(mergedRoot, t)] = true
	}
	f.titles = make(map[string]bool)
	return out
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dir := configDir(cmd)
	settings, err := config.LoadSettings(filepath.Join(dir, "settings.yml"))
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	sceneTags, err := config.LoadSceneTags(filepath.Join(dir, "scene_tags.yml"))
	if err != nil {
		return fmt.Errorf("loading scene tags: %w", err)
	}
	sourcePrio, err := config.LoadSourcePriority(filepath.Join(dir, "source_priority.yml"))
	if err != nil {
		return fmt.Errorf("loading source priority: %w", err)
	}

	normalizer := title.NewNormalizer(4096)
	catalog, err := equivalence.Load(filepath.Join(dir, "manga_equivalents.yml"), normalizer, sceneTags.Tags)
	if err != nil {
		return fmt.Errorf("loading equivalence catalog: %w", err)
	}

	runner := procexec.New(config.Seconds(settings.CommandTimeoutSeconds), config.Seconds(settings.CommandKillGraceSeconds))
	commands := command.New(runner, settings.MountOptions)

	logger := logctx.New(nil)
	forceSet := &forceRemountSet{}

	orch := &scan.Orchestrator{
		Settings:     settings,
		Catalog:      catalog,
		Normalizer:   normalizer,
		SceneTagsFn:  func() []string { return sceneTags.Tags },
		SourcePrioFn: func() config.SourcePriority { return sourcePrio },
		Snapshotter:  runner,
		Commands:     commands,
		Log:          logger,
	}

	coalescer := trigger.New(
		func(ctx context.Context, reason string) {
			orch.ForceRemount = forceSet.takeMountpoints(settings.MergedRoot)
			summary, err := orch.RunOneScan(ctx, reason)
			if err != nil {
				log.Printf("event=scan.pass_failed reason=%s error=%v", reason, err)
				return
			}
			logger.Event("scan.pass.summary", logctx.Fields{
				"reason":         reason,
				"titles":         summary.Titles,
				"actions":        summary.Actions,
				"failures":       summary.Failures,
				"circuit_broken": summary.CircuitBroken,
			})
		},
		filepath.Join(settings.StateDir, "scan.lock"),
		config.Seconds(settings.ScanLockRetrySeconds),
		config.Seconds(settings.MinScanIntervalSeconds),
	)

	renameQueue := rename.New(
		config.Seconds(settings.RenameDelaySeconds),
		config.Seconds(settings.RenameQuietSeconds),
		config.Seconds(settings.RenamePollIntervalSeconds),
		config.Seconds(settings.RenameRescanSeconds),
	)

	reader := events.New(settings, events.Callbacks{
		TriggerScan:   coalescer.RequestScan,
		EnqueueRename: renameQueue.Enqueue,
		ForceRemount:  forceSet.add,
	}, time.Second, 30*time.Second)

	super := &supervisor.Supervisor{
		StateDir:            settings.StateDir,
		ShutdownHardTimeout: config.Seconds(settings.ShutdownHardTimeoutSeconds),
		RescanPollInterval:  time.Second,
		Workers:             []supervisor.Worker{reader, renameQueue, coalescer},
		Rescan:              coalescer,
	}

	if err := super.Acquire(); err != nil {
		return err
	}
	defer super.Release()

	ctx, cancel := supervisor.NotifyContext(context.Background())
	defer cancel()

	coalescer.RequestScan("startup")

	return super.Run(ctx)
}
