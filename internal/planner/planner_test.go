package planner

import (
	"strings"
	"testing"
)

func TestBuildOrdersLinksOverridesBeforeSources(t *testing.T) {
	t.Parallel()
	overrides := []OverrideVolume{
		{Root: "/ssm/override/priority", IsPreferred: true},
		{Root: "/ssm/override/vol2"},
	}
	existing := map[string]bool{"/ssm/override/vol2": true}
	sources := []SourceBranch{
		{SourceName: "Source1", Path: "/ssm/sources/disk1/Source1/Manga Title 1"},
		{SourceName: "Source2", Path: "/ssm/sources/disk2/Source2/Manga Title 1"},
	}

	plan, err := Build("mangatitle1", "Manga Title 1", "/ssm/state/branch-links", overrides, existing, sources)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(plan.Links) != 4 {
		t.Fatalf("len(Links) = %d, want 4", len(plan.Links))
	}
	var names []string
	for _, l := range plan.Links {
		names = append(names, l.LinkName)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("link names not sorted ascending: %v", names)
		}
	}
	if plan.Links[0].LinkName != "00_override_primary" || plan.Links[0].Mode != RW {
		t.Errorf("first link = %+v, want 00_override_primary RW", plan.Links[0])
	}
	if !strings.HasPrefix(plan.Links[1].LinkName, "01_override_") {
		t.Errorf("second link = %q, want 01_override_* prefix", plan.Links[1].LinkName)
	}
	if !strings.HasPrefix(plan.Links[2].LinkName, "10_source_") || !strings.HasPrefix(plan.Links[3].LinkName, "10_source_") {
		t.Errorf("remaining links = %v, want 10_source_* prefix", names[2:])
	}
}

func TestBuildOmitsNonExistentOverrideDir(t *testing.T) {
	t.Parallel()
	overrides := []OverrideVolume{
		{Root: "/ssm/override/priority", IsPreferred: true},
		{Root: "/ssm/override/vol2"},
	}
	plan, err := Build("mangatitle1", "Manga Title 1", "/ssm/state/branch-links", overrides, map[string]bool{}, nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(plan.Links) != 1 {
		t.Fatalf("len(Links) = %d, want 1 (only preferred override)", len(plan.Links))
	}
}

func TestDesiredIdentityIsPureFunctionOfGroupKeyAndBranchSpec(t *testing.T) {
	t.Parallel()
	overrides := []OverrideVolume{{Root: "/ssm/override/priority", IsPreferred: true}}
	sources := []SourceBranch{{SourceName: "Source1", Path: "/ssm/sources/disk1/Source1/T"}}

	p1, _ := Build("titlekey", "Title", "/root", overrides, nil, sources)
	p2, _ := Build("titlekey", "Title", "/root", overrides, nil, sources)
	if p1.DesiredIdentity != p2.DesiredIdentity {
		t.Errorf("DesiredIdentity not stable across identical inputs: %q vs %q", p1.DesiredIdentity, p2.DesiredIdentity)
	}

	p3, _ := Build("titlekey", "Title", "/root", overrides, nil, []SourceBranch{{SourceName: "Source2", Path: "/other"}})
	if p1.DesiredIdentity == p3.DesiredIdentity {
		t.Errorf("expected different DesiredIdentity for different branch spec")
	}
}

func TestPickPreferredReservedToken(t *testing.T) {
	t.Parallel()
	preferred, others := PickPreferred([]string{"/ssm/override/vol2", "/ssm/override/priority", "/ssm/override/vol1"})
	if preferred != "/ssm/override/priority" {
		t.Errorf("PickPreferred() preferred = %q, want priority volume", preferred)
	}
	if len(others) != 2 {
		t.Errorf("PickPreferred() others = %v, want 2 entries", others)
	}
}

func TestPickPreferredFallsBackToOSOrderFirst(t *testing.T) {
	t.Parallel()
	preferred, _ := PickPreferred([]string{"/ssm/override/vol2", "/ssm/override/vol1"})
	if preferred != "/ssm/override/vol1" {
		t.Errorf("PickPreferred() preferred = %q, want OS-order first", preferred)
	}
}
