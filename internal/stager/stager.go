// Package stager implements the Branch-Link Stager of spec §4.6/§3: it
// materializes a Plan's symlinks under its staging directory, is
// idempotent, and reconciles (removes) stray entries left over from a
// previous plan for the same group.
package stager

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ssm/suwayomi-merge/internal/errtag"
	"github.com/ssm/suwayomi-merge/internal/planner"
)

// Stage materializes plan's links under plan.StagingDir. It is safe to
// call repeatedly with the same plan (idempotent): existing correct
// symlinks are left untouched, incorrect ones are replaced, and entries
// not named by the plan are removed.
func Stage(plan planner.Plan, uid, gid int) error {
	if err := os.MkdirAll(plan.StagingDir, 0o755); err != nil {
		return fmt.Errorf("creating staging dir %s: %w", plan.StagingDir, errtag.IoUnavailable)
	}
	chown(plan.StagingDir, uid, gid)

	wanted := make(map[string]bool, len(plan.Links))
	for _, link := range plan.Links {
		wanted[link.LinkName] = true
		if err := ensureLink(link.LinkPath, link.Target); err != nil {
			return err
		}
		chown(link.LinkPath, uid, gid)
	}

	entries, err := os.ReadDir(plan.StagingDir)
	if err != nil {
		return fmt.Errorf("reading staging dir %s: %w", plan.StagingDir, errtag.IoUnavailable)
	}
	for _, e := range entries {
		if wanted[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(plan.StagingDir, e.Name())); err != nil {
			return fmt.Errorf("removing stray entry %s: %w", e.Name(), errtag.IoUnavailable)
		}
	}
	return nil
}

// ensureLink creates linkPath -> target, replacing any existing entry
// whose target differs. Entries that already point at target are left
// alone so repeated staging is a no-op on disk.
func ensureLink(linkPath, target string) error {
	if existing, err := os.Readlink(linkPath); err == nil {
		if existing == target {
			return nil
		}
	}
	if err := os.RemoveAll(linkPath); err != nil {
		return fmt.Errorf("removing stale link %s: %w", linkPath, errtag.IoUnavailable)
	}
	if err := os.Symlink(target, linkPath); err != nil {
		return fmt.Errorf("creating link %s -> %s: %w", linkPath, target, errtag.IoUnavailable)
	}
	return nil
}

func chown(path string, uid, gid int) {
	if uid < 0 || gid < 0 {
		return
	}
	_ = os.Lchown(path, uid, gid)
}

// CleanStaleGroups removes staging subdirectories under root that are
// not named in desiredGroupIDs, per spec §4.6 step 8.
func CleanStaleGroups(root string, desiredGroupIDs map[string]bool) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading branch links root %s: %w", root, errtag.IoUnavailable)
	}
	for _, e := range entries {
		if !e.IsDir() || desiredGroupIDs[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("removing stale staging dir %s: %w", e.Name(), errtag.IoUnavailable)
		}
	}
	return nil
}
