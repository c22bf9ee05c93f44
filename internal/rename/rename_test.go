package rename

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSanitizeStripsDigitsFromReleaseGroupPrefix(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"ReleaseGroup1_Ch02":    "ReleaseGroup_Ch02",
		"Group12a_Ch001":        "Groupa_Ch001",
		"Group1 Chapter 3":      "Group Chapter 3",
		"123_Ch02":              "123_Ch02",
		"NoUnderscoreNoDigits":  "NoUnderscoreNoDigits",
		"PlainName":             "PlainName",
	}
	for input, want := range cases {
		if got := Sanitize(input); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSanitizeLeavesPurelyNumericPrefixUnchanged(t *testing.T) {
	t.Parallel()
	got := Sanitize("123_Ch02")
	if got != "123_Ch02" {
		t.Errorf("Sanitize() = %q, want unchanged (open question (b): numeric-only prefixes are not sanitized)", got)
	}
}

func TestEnqueueUpsertsLatestWins(t *testing.T) {
	t.Parallel()
	q := New(time.Hour, time.Minute, time.Second, time.Minute)
	q.Enqueue("/a/b/Ch001")
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	q.Enqueue("/a/b/Ch001")
	if q.Len() != 1 {
		t.Errorf("Len() after re-enqueue = %d, want still 1", q.Len())
	}
}

func TestPollRenamesAfterQuietPeriod(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	chapterDir := filepath.Join(root, "ReleaseGroup1_Ch02")
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(chapterDir, past, past); err != nil {
		t.Fatal(err)
	}

	q := New(0, time.Minute, time.Second, time.Hour)
	now := time.Now()
	q.enqueueAt(chapterDir, now.Add(-2*time.Hour))

	q.poll(now)

	want := filepath.Join(root, "ReleaseGroup_Ch02")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected renamed directory %s to exist: %v", want, err)
	}
	if _, err := os.Stat(chapterDir); !os.IsNotExist(err) {
		t.Errorf("expected original directory to be gone, stat err = %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after successful rename", q.Len())
	}
}

func TestPollSkipsBeforeEarliestAction(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	chapterDir := filepath.Join(root, "ReleaseGroup1_Ch02")
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		t.Fatal(err)
	}

	q := New(time.Hour, 0, time.Second, time.Hour)
	now := time.Now()
	q.enqueueAt(chapterDir, now)

	q.poll(now)

	if _, err := os.Stat(chapterDir); err != nil {
		t.Errorf("expected directory untouched before earliest-action time: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (still queued)", q.Len())
	}
}

func TestPollSkipsWhileNotQuiet(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	chapterDir := filepath.Join(root, "ReleaseGroup1_Ch02")
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := os.Chtimes(chapterDir, now, now); err != nil {
		t.Fatal(err)
	}

	q := New(0, time.Hour, time.Second, time.Hour)
	q.enqueueAt(chapterDir, now.Add(-time.Minute))

	q.poll(now)

	if _, err := os.Stat(chapterDir); err != nil {
		t.Errorf("expected directory untouched while not quiet: %v", err)
	}
}

func TestPollDropsVanishedPathAfterGrace(t *testing.T) {
	t.Parallel()
	q := New(0, 0, time.Second, time.Minute)
	now := time.Now()
	missing := "/does/not/exist/Ch001"
	q.enqueueAt(missing, now.Add(-time.Hour))

	q.poll(now)
	if q.Len() != 1 {
		t.Fatalf("Len() after first poll = %d, want 1 (grace not yet elapsed)", q.Len())
	}

	q.poll(now.Add(2 * time.Minute))
	if q.Len() != 0 {
		t.Errorf("Len() after grace elapsed = %d, want 0", q.Len())
	}
}

func TestApplyRenameFallsBackToAltSuffixOnCollision(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	chapterDir := filepath.Join(root, "ReleaseGroup1_Ch02")
	if err := os.MkdirAll(chapterDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "ReleaseGroup_Ch02"), 0o755); err != nil {
		t.Fatal(err)
	}

	q := New(0, 0, time.Second, time.Hour)
	if err := q.applyRename(chapterDir); err != nil {
		t.Fatalf("applyRename() error = %v", err)
	}

	want := filepath.Join(root, "ReleaseGroup_Ch02_alt-a")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("expected alt-suffixed directory %s to exist: %v", want, err)
	}
}
