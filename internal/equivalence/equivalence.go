// Package equivalence implements the Equivalence Catalog of spec §4.2:
// alias-key → canonical display title resolution, live updates, atomic
// YAML persistence, and the override-directory fallback when no
// explicit mapping exists.
package equivalence

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/ssm/suwayomi-merge/internal/errtag"
	"github.com/ssm/suwayomi-merge/internal/title"
)

// Outcome is the result of Update, per spec §4.2.
type Outcome int

const (
	NoChanges Outcome = iota
	AppendedAlias
	CreatedGroup
	Conflict
	ValidationFailed
	WriteFailed
	ReloadFailed
)

func (o Outcome) String() string {
	switch o {
	case NoChanges:
		return "NoChanges"
	case AppendedAlias:
		return "AppendedAlias"
	case CreatedGroup:
		return "CreatedGroup"
	case Conflict:
		return "Conflict"
	case ValidationFailed:
		return "ValidationFailed"
	case WriteFailed:
		return "WriteFailed"
	case ReloadFailed:
		return "ReloadFailed"
	}
	return "Unknown"
}

// group is one canonical-title entry in the persisted document.
type group struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
}

// document is the on-disk shape of manga_equivalents.yml.
type document struct {
	Groups []group `yaml:"groups"`
}

// Catalog holds the live document plus the two index maps described in
// spec §4.2. Readers hold mu's read lock for the duration of a lookup;
// reload builds fresh index maps outside the lock and swaps them in under
// the write lock, matching §5's "swap-under-lock" discipline.
type Catalog struct {
	path string

	mu            sync.RWMutex
	doc           document
	byRawKey      map[string]string // raw title -> canonical
	byCompareKey  map[string]string // comparison key -> canonical
	pendingReload bool

	normalizer *title.Normalizer
	sceneTags  []string
}

// Load reads path (if present) and builds the index maps. A missing
// file is not an error: the catalog starts empty and relies on the
// override-directory fallback until Update first persists a document.
func Load(path string, normalizer *title.Normalizer, sceneTags []string) (*Catalog, error) {
	c := &Catalog{
		path:       path,
		normalizer: normalizer,
		sceneTags:  sceneTags,
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := readFileOrEmpty(c.path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.path, errtag.IoUnavailable)
	}
	var doc document
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing %s: %w", c.path, errtag.ConfigInvalid)
		}
	}
	byRaw, byCompare, err := buildIndexes(doc, c.normalizer, c.sceneTags)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.doc = doc
	c.byRawKey = byRaw
	c.byCompareKey = byCompare
	c.pendingReload = false
	c.mu.Unlock()
	return nil
}

// buildIndexes validates the document (spec §4.2: two groups must not
// share a canonical comparison key; an alias must not map to two
// different canonicals) while building both index maps in one pass.
func buildIndexes(doc document, normalizer *title.Normalizer, sceneTags []string) (map[string]string, map[string]string, error) {
	byRaw := make(map[string]string)
	byCompare := make(map[string]string)
	seenCanonicalKey := make(map[string]string) // compareKey(canonical) -> canonical

	for _, g := range doc.Groups {
		canonicalKey := normalizer.ComparisonKey(g.Canonical, sceneTags)
		if existing, ok := seenCanonicalKey[canonicalKey]; ok && existing != g.Canonical {
			return nil, nil, fmt.Errorf("duplicate canonical comparison key %q (%q and %q): %w", canonicalKey, existing, g.Canonical, errtag.ConfigInvalid)
		}
		seenCanonicalKey[canonicalKey] = g.Canonical
		byCompare[canonicalKey] = g.Canonical

		for _, alias := range append([]string{g.Canonical}, g.Aliases...) {
			if prev, ok := byRaw[alias]; ok && prev != g.Canonical {
				return nil, nil, fmt.Errorf("alias %q maps to both %q and %q: %w", alias, prev, g.Canonical, errtag.ConfigInvalid)
			}
			byRaw[alias] = g.Canonical
			aliasKey := normalizer.ComparisonKey(alias, sceneTags)
			if prev, ok := byCompare[aliasKey]; ok && prev != g.Canonical {
				return nil, nil, fmt.Errorf("alias %q (key %q) maps to both %q and %q: %w", alias, aliasKey, prev, g.Canonical, errtag.ConfigInvalid)
			}
			byCompare[aliasKey] = g.Canonical
		}
	}
	return byRaw, byCompare, nil
}

// Resolve returns the canonical title and group key for title, or false
// if no explicit mapping exists.
func (c *Catalog) Resolve(t string) (canonical, groupKey string, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if canonical, ok := c.byRawKey[t]; ok {
		return canonical, c.normalizer.ComparisonKey(canonical, c.sceneTags), true
	}
	key := c.normalizer.ComparisonKey(t, c.sceneTags)
	if canonical, ok := c.byCompareKey[key]; ok {
		return canonical, c.normalizer.ComparisonKey(canonical, c.sceneTags), true
	}
	return "", "", false
}

// PendingReload reports whether the last Update's post-write reload
// failed; a subsequent successful reload clears this.
func (c *Catalog) PendingReload() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingReload
}

// Update implements spec §4.2's group-merge semantics.
func (c *Catalog) Update(canonicalCandidate string, aliases []string) Outcome {
	c.mu.RLock()
	doc := c.doc
	normalizer := c.normalizer
	sceneTags := c.sceneTags
	c.mu.RUnlock()

	matched := map[string]bool{}
	for _, alias := range append([]string{canonicalCandidate}, aliases...) {
		if canonical, _, ok := c.Resolve(alias); ok {
			matched[canonical] = true
		}
	}

	newDoc := doc
	var outcome Outcome

	switch len(matched) {
	case 0:
		newDoc.Groups = append(append([]group{}, doc.Groups...), group{
			Canonical: canonicalCandidate,
			Aliases:   append([]string{}, aliases...),
		})
		outcome = CreatedGroup
	case 1:
		var target string
		for k := range matched {
			target = k
		}
		idx := -1
		for i, g := range doc.Groups {
			if g.Canonical == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ValidationFailed
		}
		existing := map[string]bool{doc.Groups[idx].Canonical: true}
		for _, a := range doc.Groups[idx].Aliases {
			existing[a] = true
		}
		changed := false
		groups := append([]group{}, doc.Groups...)
		newAliases := append([]string{}, groups[idx].Aliases...)
		for _, a := range append([]string{canonicalCandidate}, aliases...) {
			if !existing[a] {
				newAliases = append(newAliases, a)
				existing[a] = true
				changed = true
			}
		}
		if !changed {
			return NoChanges
		}
		groups[idx] = group{Canonical: groups[idx].Canonical, Aliases: newAliases}
		newDoc.Groups = groups
		outcome = AppendedAlias
	default:
		return Conflict
	}

	if _, _, err := buildIndexes(newDoc, normalizer, sceneTags); err != nil {
		return ValidationFailed
	}

	if err := c.persist(newDoc); err != nil {
		return WriteFailed
	}

	c.mu.Lock()
	c.doc = newDoc
	c.mu.Unlock()

	if err := c.reload(); err != nil {
		c.mu.Lock()
		c.pendingReload = true
		c.mu.Unlock()
		return ReloadFailed
	}
	return outcome
}

// persist writes the document via write-temp-then-rename, per spec
// §4.2 and §5's atomic-persistence discipline.
func (c *Catalog) persist(doc document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return renameio.WriteFile(c.path, data, 0o644)
}

func readFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}
