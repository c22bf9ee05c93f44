package equivalence

import (
	"path/filepath"
	"testing"

	"github.com/ssm/suwayomi-merge/internal/title"
)

func newTestCatalog(t *testing.T) (*Catalog, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "manga_equivalents.yml")
	norm := title.NewNormalizer(100)
	cat, err := Load(path, norm, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cat, path
}

func TestUpdateCreatesGroup(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)

	outcome := cat.Update("Manga Title 1", []string{"manga-title-1", "MANGA TITLE 1"})
	if outcome != CreatedGroup {
		t.Fatalf("Update() = %v, want CreatedGroup", outcome)
	}

	canonical, _, ok := cat.Resolve("manga-title-1")
	if !ok || canonical != "Manga Title 1" {
		t.Errorf("Resolve() = %q, %v, want %q, true", canonical, ok, "Manga Title 1")
	}
}

func TestUpdateAppendsAlias(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	cat.Update("Manga Title 1", []string{"alias-one"})

	outcome := cat.Update("Manga Title 1", []string{"alias-two"})
	if outcome != AppendedAlias {
		t.Fatalf("Update() = %v, want AppendedAlias", outcome)
	}
	if canonical, _, ok := cat.Resolve("alias-two"); !ok || canonical != "Manga Title 1" {
		t.Errorf("Resolve(alias-two) = %q, %v", canonical, ok)
	}
}

func TestUpdateNoChanges(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	cat.Update("Manga Title 1", []string{"alias-one"})
	outcome := cat.Update("Manga Title 1", []string{"alias-one"})
	if outcome != NoChanges {
		t.Fatalf("Update() = %v, want NoChanges", outcome)
	}
}

func TestUpdateConflict(t *testing.T) {
	t.Parallel()
	cat, _ := newTestCatalog(t)
	cat.Update("Manga Title 1", nil)
	cat.Update("Manga Title 2", nil)

	outcome := cat.Update("some-candidate", []string{"Manga Title 1", "Manga Title 2"})
	if outcome != Conflict {
		t.Fatalf("Update() = %v, want Conflict", outcome)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()
	cat, path := newTestCatalog(t)
	cat.Update("Manga Title 1", []string{"alias-one"})

	norm := title.NewNormalizer(100)
	reloaded, err := Load(path, norm, nil)
	if err != nil {
		t.Fatalf("Load() after persist error = %v", err)
	}
	if canonical, _, ok := reloaded.Resolve("alias-one"); !ok || canonical != "Manga Title 1" {
		t.Errorf("reloaded Resolve(alias-one) = %q, %v", canonical, ok)
	}
}
