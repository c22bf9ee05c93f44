package reconciler

import (
	"testing"

	"github.com/ssm/suwayomi-merge/internal/mount/snapshot"
)

func TestReconcileMissingMount(t *testing.T) {
	t.Parallel()
	desired := []Desired{{Mountpoint: "/ssm/merged/Title", DesiredIdentity: "id1"}}
	actions := Reconcile(desired, nil, nil, []string{"/ssm/merged"}, false, nil)
	if len(actions) != 1 || actions[0].Kind != Mount || actions[0].Reason != MissingMount {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestReconcileSteadyStateNoAction(t *testing.T) {
	t.Parallel()
	desired := []Desired{{Mountpoint: "/ssm/merged/Title", DesiredIdentity: "id1"}}
	observed := []snapshot.Entry{{Target: "/ssm/merged/Title", FSType: "fuse.mergerfs", Source: "id1"}}
	actions := Reconcile(desired, nil, observed, []string{"/ssm/merged"}, false, nil)
	if len(actions) != 0 {
		t.Fatalf("actions = %+v, want none", actions)
	}
}

func TestReconcileIdentityMismatchRemounts(t *testing.T) {
	t.Parallel()
	desired := []Desired{{Mountpoint: "/ssm/merged/Title", DesiredIdentity: "id2"}}
	observed := []snapshot.Entry{{Target: "/ssm/merged/Title", FSType: "fuse.mergerfs", Source: "id1"}}
	actions := Reconcile(desired, nil, observed, []string{"/ssm/merged"}, false, nil)
	if len(actions) != 1 || actions[0].Kind != Remount || actions[0].Reason != DesiredIdentityMismatch {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestReconcileNonMergerfsRemounts(t *testing.T) {
	t.Parallel()
	desired := []Desired{{Mountpoint: "/ssm/merged/Title", DesiredIdentity: "id1"}}
	observed := []snapshot.Entry{{Target: "/ssm/merged/Title", FSType: "tmpfs", Source: "id1"}}
	actions := Reconcile(desired, nil, observed, []string{"/ssm/merged"}, false, nil)
	if len(actions) != 1 || actions[0].Reason != NonMergerfsAtTarget {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestReconcileForcedRemountTakesPriority(t *testing.T) {
	t.Parallel()
	desired := []Desired{{Mountpoint: "/ssm/merged/Title", DesiredIdentity: "id1"}}
	observed := []snapshot.Entry{{Target: "/ssm/merged/Title", FSType: "fuse.mergerfs", Source: "id1"}}
	forced := map[string]bool{"/ssm/merged/Title": true}
	actions := Reconcile(desired, forced, observed, []string{"/ssm/merged"}, false, nil)
	if len(actions) != 1 || actions[0].Reason != ForcedRemount {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestReconcileUnhealthyRemounts(t *testing.T) {
	t.Parallel()
	desired := []Desired{{Mountpoint: "/ssm/merged/Title", DesiredIdentity: "id1"}}
	observed := []snapshot.Entry{{Target: "/ssm/merged/Title", FSType: "fuse.mergerfs", Source: "id1"}}
	unhealthy := map[string]bool{"/ssm/merged/Title": true}
	actions := Reconcile(desired, nil, observed, []string{"/ssm/merged"}, true, unhealthy)
	if len(actions) != 1 || actions[0].Reason != UnhealthyMount {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestReconcileStaleUnmountOrdering(t *testing.T) {
	t.Parallel()
	observed := []snapshot.Entry{
		{Target: "/merged/A", FSType: "fuse.mergerfs", Source: "x"},
		{Target: "/merged/A/B", FSType: "fuse.mergerfs", Source: "x"},
		{Target: "/merged/C", FSType: "fuse.mergerfs", Source: "x"},
	}
	actions := Reconcile(nil, nil, observed, []string{"/merged"}, false, nil)
	if len(actions) != 3 {
		t.Fatalf("actions = %+v, want 3 unmounts", actions)
	}
	want := []string{"/merged/A/B", "/merged/C", "/merged/A"}
	for i, a := range actions {
		if a.Kind != Unmount || a.Mountpoint != want[i] {
			t.Errorf("actions[%d] = %+v, want Unmount %s", i, a, want[i])
		}
	}
}

func TestReconcileStaleOnlyUnderManagedRoot(t *testing.T) {
	t.Parallel()
	observed := []snapshot.Entry{
		{Target: "/merged/A", FSType: "fuse.mergerfs", Source: "x"},
		{Target: "/other/B", FSType: "fuse.mergerfs", Source: "x"},
	}
	actions := Reconcile(nil, nil, observed, []string{"/merged"}, false, nil)
	if len(actions) != 1 || actions[0].Mountpoint != "/merged/A" {
		t.Fatalf("actions = %+v", actions)
	}
}

func TestReconcileNonMergerfsNeverGoesStale(t *testing.T) {
	t.Parallel()
	observed := []snapshot.Entry{{Target: "/merged/A", FSType: "ext4", Source: "x"}}
	actions := Reconcile(nil, nil, observed, []string{"/merged"}, false, nil)
	if len(actions) != 0 {
		t.Fatalf("actions = %+v, want none", actions)
	}
}
