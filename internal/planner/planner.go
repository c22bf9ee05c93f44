// Package planner implements the Branch Planner of spec §4.3: given a
// canonical title, the configured override volumes, and the discovered
// source branches for a canonical group, it produces a deterministic
// ordered list of branch links, a branch-identity token, and a staging
// plan.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ssm/suwayomi-merge/internal/pathsafe"
)

// AccessMode is a branch's contribution mode in the mergerfs union.
type AccessMode int

const (
	RO AccessMode = iota
	RW
)

func (m AccessMode) String() string {
	if m == RW {
		return "RW"
	}
	return "RO"
}

// BranchLink is one symlink to be materialized under the staging
// directory, per spec §3.
type BranchLink struct {
	LinkName string
	LinkPath string
	Target   string
	Mode     AccessMode
}

// OverrideVolume is a configured writable volume root; exactly one is
// preferred per spec §3.
type OverrideVolume struct {
	Root        string
	IsPreferred bool
}

// SourceBranch is one discovered read-only source directory for a
// title, in caller-supplied priority order.
type SourceBranch struct {
	SourceName string
	Path       string
}

// Plan is the MergerfsBranchPlan of spec §3.
type Plan struct {
	GroupID          string
	PreferredOverride string
	StagingDir       string
	BranchSpec       string
	DesiredIdentity  string
	Links            []BranchLink
}

// Build constructs a Plan for one canonical group. groupKey is the
// comparison key of the canonical title (computed by the caller via
// internal/title, so it is never recomputed here with different
// scene-tag configuration than the rest of the pass). overrideVolumes
// must contain exactly one preferred volume; existingOverrideDirs
// reports, for each non-preferred override volume root, whether the
// per-title directory already exists there (additional RW overrides
// are included "only if it already exists on disk", per spec §4.3 — no
// side-effect create). sources is caller-ordered (source-priority
// file, then name).
func Build(groupKey, canonicalTitle, branchLinksRoot string, overrideVolumes []OverrideVolume, existingOverrideDirs map[string]bool, sources []SourceBranch) (Plan, error) {
	preferred, others := splitPreferred(overrideVolumes)
	titleSeg := pathsafe.EscapeReservedSegment(canonicalTitle)

	groupID := shortHash(groupKey, 16)
	stagingDir := filepath.Join(branchLinksRoot, groupID)

	var links []BranchLink

	preferredPath := filepath.Join(preferred.Root, titleSeg)
	links = append(links, BranchLink{
		LinkName: "00_override_primary",
		LinkPath: filepath.Join(stagingDir, "00_override_primary"),
		Target:   preferredPath,
		Mode:     RW,
	})

	sort.Slice(others, func(i, j int) bool { return osAwareLess(others[i].Root, others[j].Root) })
	n := 1
	for _, ov := range others {
		p := filepath.Join(ov.Root, titleSeg)
		if !existingOverrideDirs[ov.Root] {
			continue
		}
		name := fmt.Sprintf("01_override_%s_%03d", pathsafe.SafeLinkName(filepath.Base(ov.Root)), n)
		links = append(links, BranchLink{
			LinkName: name,
			LinkPath: filepath.Join(stagingDir, name),
			Target:   p,
			Mode:     RW,
		})
		n++
	}

	n = 1
	for _, sb := range sources {
		name := fmt.Sprintf("10_source_%s_%03d", pathsafe.SafeLinkName(sb.SourceName), n)
		links = append(links, BranchLink{
			LinkName: name,
			LinkPath: filepath.Join(stagingDir, name),
			Target:   sb.Path,
			Mode:     RO,
		})
		n++
	}

	branchSpec := buildBranchSpec(links)
	hash := shortHash(branchSpec, 12)

	return Plan{
		GroupID:           groupID,
		PreferredOverride: preferredPath,
		StagingDir:        stagingDir,
		BranchSpec:        branchSpec,
		DesiredIdentity:   fmt.Sprintf("suwayomi_%s_%s", groupID, hash),
		Links:             links,
	}, nil
}

func buildBranchSpec(links []BranchLink) string {
	parts := make([]string, 0, len(links))
	for _, l := range links {
		parts = append(parts, fmt.Sprintf("%s=%s", l.LinkPath, l.Mode))
	}
	return strings.Join(parts, ":")
}

func splitPreferred(volumes []OverrideVolume) (OverrideVolume, []OverrideVolume) {
	var preferred OverrideVolume
	var others []OverrideVolume
	havePreferred := false
	for _, v := range volumes {
		if v.IsPreferred && !havePreferred {
			preferred = v
			havePreferred = true
			continue
		}
		others = append(others, v)
	}
	return preferred, others
}

// PickPreferred selects the reserved-token-named volume if present
// (case-insensitive basename match against "priority"), else the
// OS-order first volume, per spec §4.3/§3.
func PickPreferred(roots []string) (preferred string, others []string) {
	sorted := append([]string{}, roots...)
	sort.Slice(sorted, func(i, j int) bool { return osAwareLess(sorted[i], sorted[j]) })

	for i, r := range sorted {
		if strings.EqualFold(filepath.Base(r), "priority") {
			preferred = r
			others = append(append([]string{}, sorted[:i]...), sorted[i+1:]...)
			return preferred, others
		}
	}
	if len(sorted) == 0 {
		return "", nil
	}
	return sorted[0], sorted[1:]
}

// osAwareLess compares two paths the way a case-sensitive POSIX
// filesystem orders directory entries (this daemon is Linux-only per
// spec §1's non-goals).
func osAwareLess(a, b string) bool { return a < b }

func shortHash(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
