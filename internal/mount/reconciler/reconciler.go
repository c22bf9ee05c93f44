// Package reconciler implements the pure Mount Reconciler function of
// spec §4.4: desired mounts ∪ forced-remount set ∪ observed snapshot →
// ordered action list.
package reconciler

import (
	"sort"
	"strings"

	"github.com/ssm/suwayomi-merge/internal/mount/snapshot"
	"github.com/ssm/suwayomi-merge/internal/pathsafe"
)

// ActionKind is one of {Mount, Remount, Unmount}, per spec §3.
type ActionKind int

const (
	Mount ActionKind = iota
	Remount
	Unmount
)

func (k ActionKind) String() string {
	switch k {
	case Mount:
		return "Mount"
	case Remount:
		return "Remount"
	case Unmount:
		return "Unmount"
	}
	return "Unknown"
}

// Reason classifies why an action was emitted, per spec §4.4.
type Reason string

const (
	ForcedRemount            Reason = "ForcedRemount"
	MissingMount             Reason = "MissingMount"
	NonMergerfsAtTarget      Reason = "NonMergerfsAtTarget"
	DesiredIdentityMismatch  Reason = "DesiredIdentityMismatch"
	UnhealthyMount           Reason = "UnhealthyMount"
	StaleMount               Reason = "StaleMount"
)

// Desired is one desired mergerfs mount, matching the Scan
// Orchestrator's per-group output (spec §4.6 step 5).
type Desired struct {
	Mountpoint      string
	DesiredIdentity string
	BranchSpec      string
}

// Action is one MountReconciliationAction from spec §3.
type Action struct {
	Kind            ActionKind
	Mountpoint      string
	DesiredIdentity string
	BranchSpec      string
	Reason          Reason
}

// Reconcile computes the ordered action list. managedRoots authorizes
// stale-unmount detection: an observed mergerfs mount is only a
// candidate for Unmount if its mountpoint is at or below one of them.
// healthChecksOn/unhealthy reports, for a desired mountpoint already
// steady, whether its last readiness probe came back explicitly false.
func Reconcile(desired []Desired, forcedRemount map[string]bool, observed []snapshot.Entry, managedRoots []string, healthChecksOn bool, unhealthy map[string]bool) []Action {
	byTarget := make(map[string]snapshot.Entry, len(observed))
	for _, e := range observed {
		byTarget[pathsafe.NormalizeForCompare(e.Target)] = e
	}

	desiredByMountpoint := make(map[string]bool, len(desired))
	sortedDesired := append([]Desired{}, desired...)
	sort.Slice(sortedDesired, func(i, j int) bool { return sortedDesired[i].Mountpoint < sortedDesired[j].Mountpoint })

	var actions []Action
	for _, d := range sortedDesired {
		key := pathsafe.NormalizeForCompare(d.Mountpoint)
		desiredByMountpoint[key] = true

		entry, present := byTarget[key]
		switch {
		case forcedRemount[d.Mountpoint] || forcedRemount[key]:
			actions = append(actions, action(Remount, d, ForcedRemount))
		case !present:
			actions = append(actions, action(Mount, d, MissingMount))
		case !strings.Contains(entry.FSType, "mergerfs"):
			actions = append(actions, action(Remount, d, NonMergerfsAtTarget))
		case entry.Identity() != d.DesiredIdentity:
			actions = append(actions, action(Remount, d, DesiredIdentityMismatch))
		case healthChecksOn && unhealthy[d.Mountpoint]:
			actions = append(actions, action(Remount, d, UnhealthyMount))
		default:
			// steady state: no action
		}
	}

	actions = append(actions, staleUnmounts(observed, desiredByMountpoint, managedRoots)...)
	return actions
}

func action(kind ActionKind, d Desired, reason Reason) Action {
	return Action{
		Kind:            kind,
		Mountpoint:      d.Mountpoint,
		DesiredIdentity: d.DesiredIdentity,
		BranchSpec:      d.BranchSpec,
		Reason:          reason,
	}
}

// staleUnmounts finds observed mergerfs mounts at/below a managed root
// that are not in the desired set, ordered deepest-first (ties broken
// lexically), per spec §4.4/§8.
func staleUnmounts(observed []snapshot.Entry, desiredByMountpoint map[string]bool, managedRoots []string) []Action {
	var stale []snapshot.Entry
	for _, e := range observed {
		if !strings.Contains(e.FSType, "mergerfs") {
			continue
		}
		key := pathsafe.NormalizeForCompare(e.Target)
		if desiredByMountpoint[key] {
			continue
		}
		if !underAnyRoot(e.Target, managedRoots) {
			continue
		}
		stale = append(stale, e)
	}

	sort.Slice(stale, func(i, j int) bool {
		di, dj := pathsafe.Depth(stale[i].Target), pathsafe.Depth(stale[j].Target)
		if di != dj {
			return di > dj
		}
		return stale[i].Target < stale[j].Target
	})

	actions := make([]Action, 0, len(stale))
	for _, e := range stale {
		actions = append(actions, Action{Kind: Unmount, Mountpoint: e.Target, Reason: StaleMount})
	}
	return actions
}

func underAnyRoot(target string, roots []string) bool {
	for _, r := range roots {
		if pathsafe.IsUnder(r, target) {
			return true
		}
	}
	return false
}
