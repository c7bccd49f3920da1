package lifecycle_test

import (
	"errors"
	"testing"

	"pkt.systems/patchd/internal/lifecycle"
)

func TestPromoteOnlyFromPending(t *testing.T) {
	t.Parallel()

	tr, err := lifecycle.Promote(lifecycle.StatusPending)
	if err != nil {
		t.Fatalf("promote pending: %v", err)
	}
	if tr.To != lifecycle.StatusPilot {
		t.Fatalf("promote target = %s, want pilot", tr.To)
	}
	for _, from := range []lifecycle.Status{
		lifecycle.StatusPilot, lifecycle.StatusReleased, lifecycle.StatusDeprecated, lifecycle.StatusSkipped,
	} {
		if _, err := lifecycle.Promote(from); err == nil {
			t.Fatalf("promote from %s should be illegal", from)
		}
	}
}

func TestReleaseStepsAndReReleaseRejected(t *testing.T) {
	t.Parallel()

	tr, err := lifecycle.Release(lifecycle.StatusPilot)
	if err != nil {
		t.Fatalf("release pilot: %v", err)
	}
	want := []lifecycle.Step{
		lifecycle.StepWidenScope,
		lifecycle.StepRepointTitlePolicy,
		lifecycle.StepEnableReinstall,
	}
	if len(tr.Steps) != len(want) {
		t.Fatalf("release steps = %v, want %v", tr.Steps, want)
	}
	for i, s := range want {
		if tr.Steps[i] != s {
			t.Fatalf("release step[%d] = %s, want %s", i, tr.Steps[i], s)
		}
	}

	if _, err := lifecycle.Release(lifecycle.StatusReleased); err == nil {
		t.Fatal("re-release should be rejected")
	}
	var te *lifecycle.TransitionError
	_, err = lifecycle.Release(lifecycle.StatusReleased)
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %T", err)
	}
}

func TestDemoteOnlyFromReleased(t *testing.T) {
	t.Parallel()

	tr, err := lifecycle.Demote(lifecycle.StatusReleased)
	if err != nil {
		t.Fatalf("demote released: %v", err)
	}
	if tr.To != lifecycle.StatusDeprecated {
		t.Fatalf("demote target = %s, want deprecated", tr.To)
	}
	if len(tr.Steps) != 1 || tr.Steps[0] != lifecycle.StepNarrowScope {
		t.Fatalf("demote steps = %v, want [narrow_scope]", tr.Steps)
	}
	if _, err := lifecycle.Demote(lifecycle.StatusPilot); err == nil {
		t.Fatal("demote from pilot should be illegal")
	}
}

func TestSkipOnlyBeforeRelease(t *testing.T) {
	t.Parallel()

	for _, from := range []lifecycle.Status{lifecycle.StatusPending, lifecycle.StatusPilot} {
		tr, err := lifecycle.Skip(from)
		if err != nil {
			t.Fatalf("skip from %s: %v", from, err)
		}
		if len(tr.Steps) != 1 || tr.Steps[0] != lifecycle.StepDisableDeployment {
			t.Fatalf("skip steps = %v", tr.Steps)
		}
	}
	for _, from := range []lifecycle.Status{
		lifecycle.StatusReleased, lifecycle.StatusDeprecated, lifecycle.StatusSkipped,
	} {
		if _, err := lifecycle.Skip(from); err == nil {
			t.Fatalf("skip from %s should be illegal", from)
		}
	}
}

func TestDeletionOrderNeverOrphans(t *testing.T) {
	t.Parallel()

	steps := lifecycle.DeletionSteps()
	want := []lifecycle.Step{
		lifecycle.StepDeletePolicies,
		lifecycle.StepDeleteGroups,
		lifecycle.StepDeletePackage,
		lifecycle.StepDeleteCatalogEntry,
	}
	if len(steps) != len(want) {
		t.Fatalf("deletion steps = %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("deletion step[%d] = %s, want %s", i, steps[i], want[i])
		}
	}
}

func TestActiveVersionDerivation(t *testing.T) {
	t.Parallel()

	statuses := map[string]lifecycle.Status{
		"3.0": lifecycle.StatusPilot,
		"2.0": lifecycle.StatusReleased,
		"1.0": lifecycle.StatusDeprecated,
	}
	lookup := func(v string) lifecycle.Status { return statuses[v] }
	active, ok := lifecycle.ActiveVersion([]string{"3.0", "2.0", "1.0"}, lookup)
	if !ok || active != "2.0" {
		t.Fatalf("active = %q ok=%v, want 2.0", active, ok)
	}

	statuses["2.0"] = lifecycle.StatusDeprecated
	if _, ok := lifecycle.ActiveVersion([]string{"3.0", "2.0", "1.0"}, lookup); ok {
		t.Fatal("no version is released, derived target should be none")
	}
}

func TestCheckSingleRelease(t *testing.T) {
	t.Parallel()

	ok := map[string]lifecycle.Status{"1.0": lifecycle.StatusDeprecated, "2.0": lifecycle.StatusReleased}
	if err := lifecycle.CheckSingleRelease(ok); err != nil {
		t.Fatalf("single release flagged: %v", err)
	}
	bad := map[string]lifecycle.Status{"1.0": lifecycle.StatusReleased, "2.0": lifecycle.StatusReleased}
	if err := lifecycle.CheckSingleRelease(bad); err == nil {
		t.Fatal("double release not flagged")
	}
}

func TestTerminalStates(t *testing.T) {
	t.Parallel()

	if !lifecycle.StatusDeprecated.Terminal() || !lifecycle.StatusSkipped.Terminal() {
		t.Fatal("deprecated and skipped are terminal")
	}
	if lifecycle.StatusPending.Terminal() || lifecycle.StatusPilot.Terminal() || lifecycle.StatusReleased.Terminal() {
		t.Fatal("forward-progress states flagged terminal")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	if s, ok := lifecycle.ParseStatus("pilot"); !ok || s != lifecycle.StatusPilot {
		t.Fatalf("ParseStatus(pilot) = %v %v", s, ok)
	}
	if _, ok := lifecycle.ParseStatus("limbo"); ok {
		t.Fatal("ParseStatus accepted unknown status")
	}
}
