// Package scan implements the Scan Orchestrator of spec §4.6: each
// pass discovers sources/titles, groups them by canonical title, builds
// and stages branch plans, reconciles against the live mount table,
// applies the resulting actions, and cleans stale branch-link
// directories — all behind a consecutive-failure circuit breaker and a
// per-pass timing summary, running one pass to completion at a time.
package scan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/ssm/suwayomi-merge/internal/config"
	"github.com/ssm/suwayomi-merge/internal/equivalence"
	"github.com/ssm/suwayomi-merge/internal/logctx"
	"github.com/ssm/suwayomi-merge/internal/mount/command"
	"github.com/ssm/suwayomi-merge/internal/mount/reconciler"
	"github.com/ssm/suwayomi-merge/internal/mount/snapshot"
	"github.com/ssm/suwayomi-merge/internal/pathsafe"
	"github.com/ssm/suwayomi-merge/internal/planner"
	"github.com/ssm/suwayomi-merge/internal/stager"
	"github.com/ssm/suwayomi-merge/internal/title"
)

// Snapshotter is the subset of snapshot.Runner the orchestrator needs,
// reused by command.Service for consistency.
type Snapshotter interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Orchestrator runs scan passes. It owns no long-lived state beyond its
// collaborators (the equivalence catalog and normalizer are
// read-mostly, swapped-under-lock structures owned by the supervisor).
type Orchestrator struct {
	Settings    config.Settings
	Catalog     *equivalence.Catalog
	Normalizer  *title.Normalizer
	SceneTagsFn func() []string
	SourcePrioFn func() config.SourcePriority

	Snapshotter Snapshotter
	Commands    *command.Service

	// ForceRemount carries mountpoints that must be remounted on the
	// next pass regardless of reconciler steady-state, set by the
	// event classifier for override-root writes (spec §4.7).
	ForceRemount map[string]bool

	Log *logctx.Logger
}

// PassSummary is the per-pass timing/count summary of spec §4.6.
type PassSummary struct {
	PassID        string
	Sources       int
	Titles        int
	Actions       int
	MountOps      int
	Failures      int
	Duration      time.Duration
	CircuitBroken bool
	SlowStages    []StageTiming
}

// StageTiming names one stage's elapsed time, for the slowest-N report.
type StageTiming struct {
	Name     string
	Duration time.Duration
}

// RunOneScan implements spec §4.6's entry point.
func (o *Orchestrator) RunOneScan(ctx context.Context, reason string) (PassSummary, error) {
	passID := uuid.NewString()
	start := time.Now()
	var stages []StageTiming
	stage := func(name string, fn func() error) error {
		t0 := time.Now()
		err := fn()
		stages = append(stages, StageTiming{Name: name, Duration: time.Since(t0)})
		return err
	}

	sceneTags := o.SceneTagsFn()
	sourcePrio := o.SourcePrioFn()

	var sourceBranches map[string][]planner.SourceBranch // canonical group key -> sources
	var overrideVols []planner.OverrideVolume
	var overrideTitlesByRoot map[string]map[string]bool // override root -> set of title-dir basenames present there
	var canonicalOf map[string]string                   // group key -> canonical display title
	var sourceCount int

	if err := stage("discover_overrides", func() error {
		vols, byRoot, err := discoverOverrideVolumes(o.Settings.OverrideRoot)
		overrideVols = vols
		overrideTitlesByRoot = byRoot
		return err
	}); err != nil {
		return PassSummary{}, err
	}

	if err := stage("discover_sources", func() error {
		branches, canon, nSources, err := o.discoverAndGroup(overrideVols, overrideTitlesByRoot, sourcePrio, sceneTags)
		sourceBranches = branches
		canonicalOf = canon
		sourceCount = nSources
		return err
	}); err != nil {
		return PassSummary{}, err
	}

	groupKeys := make([]string, 0, len(sourceBranches))
	for k := range sourceBranches {
		groupKeys = append(groupKeys, k)
	}
	sort.Strings(groupKeys)

	var desiredMounts []reconciler.Desired
	desiredGroupIDs := make(map[string]bool, len(groupKeys))

	if err := stage("plan_and_stage", func() error {
		for _, gk := range groupKeys {
			canonical := canonicalOf[gk]
			titleSeg := pathsafe.EscapeReservedSegment(canonical)
			existingOverrideDirs := make(map[string]bool, len(overrideVols))
			for _, ov := range overrideVols {
				existingOverrideDirs[ov.Root] = overrideTitlesByRoot[ov.Root][titleSeg]
			}
			plan, err := planner.Build(gk, canonical, o.Settings.BranchLinksRoot, overrideVols, existingOverrideDirs, sourceBranches[gk])
			if err != nil {
				o.Log.Event("scan.plan.failed", logctx.Fields{"pass": passID, "title": canonical, "error": err})
				continue
			}
			if err := stager.Stage(plan, o.Settings.PUID, o.Settings.PGID); err != nil {
				o.Log.Event("scan.stage.failed", logctx.Fields{"pass": passID, "title": canonical, "error": err})
				continue
			}
			desiredGroupIDs[plan.GroupID] = true
			desiredMounts = append(desiredMounts, reconciler.Desired{
				Mountpoint:      filepath.Join(o.Settings.MergedRoot, canonical),
				DesiredIdentity: plan.DesiredIdentity,
				BranchSpec:      plan.BranchSpec,
			})
		}
		return nil
	}); err != nil {
		return PassSummary{}, err
	}

	var actions []reconciler.Action
	if err := stage("reconcile", func() error {
		entries, err := snapshot.Take(ctx, o.Snapshotter)
		if err != nil {
			return err
		}
		actions = reconciler.Reconcile(desiredMounts, o.ForceRemount, entries, []string{o.Settings.MergedRoot}, o.Settings.HealthCheckEnabled, nil)
		return nil
	}); err != nil {
		return PassSummary{}, err
	}

	mountOps, failures, broken := o.applyActions(ctx, actions, passID)

	if err := stage("clean_stale", func() error {
		return stager.CleanStaleGroups(o.Settings.BranchLinksRoot, desiredGroupIDs)
	}); err != nil {
		o.Log.Event("scan.clean_stale.failed", logctx.Fields{"pass": passID, "error": err})
	}

	summary := PassSummary{
		PassID:        passID,
		Sources:       sourceCount,
		Titles:        len(groupKeys),
		Actions:       len(actions),
		MountOps:      mountOps,
		Failures:      failures,
		Duration:      time.Since(start),
		CircuitBroken: broken,
		SlowStages:    slowest(stages, o.Settings.TimingSlowestN, time.Duration(o.Settings.TimingSlowMinMillis)*time.Millisecond),
	}

	o.Log.Event("scan.pass.complete", logctx.Fields{
		"pass":     passID,
		"reason":   reason,
		"sources":  summary.Sources,
		"titles":   summary.Titles,
		"actions":  summary.Actions,
		"failures": summary.Failures,
		"duration": humanize.RelTime(time.Now().Add(-summary.Duration), time.Now(), "", ""),
	})
	return summary, nil
}

// applyActions applies actions in order, aborting the remainder once
// the consecutive-failure circuit breaker trips, per spec §4.6/§7.
func (o *Orchestrator) applyActions(ctx context.Context, actions []reconciler.Action, passID string) (mountOps, failures int, circuitBroken bool) {
	consecutiveFailures := 0
	threshold := o.Settings.CircuitBreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}

	for _, action := range actions {
		if action.Kind != reconciler.Unmount {
			mountOps++
		}
		result := o.Commands.Apply(ctx, action)
		if command.ClassifyForCircuitBreaker(result) {
			failures++
			consecutiveFailures++
			o.Log.Event("mount.action.failed", logctx.Fields{
				"pass": passID, "mountpoint": action.Mountpoint, "kind": action.Kind.String(), "reason": string(action.Reason), "result": result.String(),
			})
			if consecutiveFailures >= threshold {
				return mountOps, failures, true
			}
		} else {
			consecutiveFailures = 0
		}
	}
	return mountOps, failures, false
}

// discoverAndGroup implements spec §4.6 steps 2-4: enumerate source
// branches and their titles, resolve each to a canonical group, and
// bucket the resulting source branches by group key.
func (o *Orchestrator) discoverAndGroup(overrideVols []planner.OverrideVolume, overrideTitlesByRoot map[string]map[string]bool, sourcePrio config.SourcePriority, sceneTags []string) (map[string][]planner.SourceBranch, map[string]string, int, error) {
	result := make(map[string][]planner.SourceBranch)
	canonicalOf := make(map[string]string)

	sourceNames, err := listDirs(o.Settings.SourcesRoot)
	if err != nil {
		return nil, nil, 0, err
	}

	var orderedSources []string
	for name := range sourceNames {
		if sourcePrio.IsExcluded(name) {
			continue
		}
		orderedSources = append(orderedSources, name)
	}
	sort.Slice(orderedSources, func(i, j int) bool {
		ri, rj := sourcePrio.Rank(orderedSources[i]), sourcePrio.Rank(orderedSources[j])
		if ri != rj {
			return ri < rj
		}
		return orderedSources[i] < orderedSources[j]
	})

	sourceCount := len(orderedSources)

	for _, sourceName := range orderedSources {
		sourceRoot := filepath.Join(o.Settings.SourcesRoot, sourceName)
		titleDirs, err := listTitleDirs(sourceRoot)
		if err != nil {
			o.Log.Event("scan.source.enumerate_failed", logctx.Fields{"source": sourceName, "error": err})
			continue
		}
		for _, titleDir := range titleDirs {
			canonical, groupKey := o.resolveCanonical(titleDir, overrideVols, overrideTitlesByRoot, sceneTags)
			canonicalOf[groupKey] = canonical
			result[groupKey] = append(result[groupKey], planner.SourceBranch{
				SourceName: sourceName,
				Path:       filepath.Join(sourceRoot, titleDir),
			})
		}
	}

	return result, canonicalOf, sourceCount, nil
}

// resolveCanonical implements spec §3/§8's canonical-name precedence:
// equivalence catalog → override directory exact name → normalized
// first-seen title.
func (o *Orchestrator) resolveCanonical(rawTitle string, overrideVols []planner.OverrideVolume, overrideTitlesByRoot map[string]map[string]bool, sceneTags []string) (canonical, groupKey string) {
	if c, gk, ok := o.Catalog.Resolve(rawTitle); ok {
		return c, gk
	}
	key := o.Normalizer.ComparisonKey(rawTitle, sceneTags)

	for _, ov := range overrideVols {
		for overrideTitle := range overrideTitlesByRoot[ov.Root] {
			if o.Normalizer.ComparisonKey(overrideTitle, sceneTags) == key {
				return overrideTitle, key
			}
		}
	}
	return title.DisplayTitle(rawTitle, sceneTags), key
}

// discoverOverrideVolumes enumerates the configured override volume
// roots (subdirectories of root) and, for each, the set of title-dir
// basenames currently present under it.
func discoverOverrideVolumes(root string) ([]planner.OverrideVolume, map[string]map[string]bool, error) {
	dirs, err := listDirs(root)
	if err != nil {
		return nil, nil, err
	}
	var names []string
	for name := range dirs {
		names = append(names, filepath.Join(root, name))
	}
	preferred, others := planner.PickPreferred(names)
	var vols []planner.OverrideVolume
	if preferred != "" {
		vols = append(vols, planner.OverrideVolume{Root: preferred, IsPreferred: true})
	}
	sort.Strings(others)
	for _, o := range others {
		vols = append(vols, planner.OverrideVolume{Root: o})
	}

	byRoot := make(map[string]map[string]bool, len(vols))
	for _, v := range vols {
		titleDirs, err := listDirs(v.Root)
		if err != nil {
			return nil, nil, err
		}
		byRoot[v.Root] = titleDirs
	}
	return vols, byRoot, nil
}

func listDirs(root string) (map[string]bool, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}
	out := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out[e.Name()] = true
		}
	}
	return out, nil
}

func listTitleDirs(root string) ([]string, error) {
	dirs, err := listDirs(root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(dirs))
	for name := range dirs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func slowest(stages []StageTiming, n int, minDuration time.Duration) []StageTiming {
	var filtered []StageTiming
	for _, s := range stages {
		if s.Duration >= minDuration {
			filtered = append(filtered, s)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Duration > filtered[j].Duration })
	if n > 0 && len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}
