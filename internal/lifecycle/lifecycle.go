// Package lifecycle reifies the version state machine that the rest of patchd
// drives. Transitions are pure: each legal edge is one function returning the
// downstream reconciliation steps the caller must perform. Nothing in this
// package touches HTTP, storage, or the external systems.
package lifecycle

import (
	"fmt"
)

// Status enumerates the lifecycle states of a version.
type Status string

const (
	// StatusPending marks a freshly created version whose downstream objects
	// are not yet visible in both external systems.
	StatusPending Status = "pending"
	// StatusPilot marks a version deployed to the pilot group only.
	StatusPilot Status = "pilot"
	// StatusReleased marks the single version deployed to all eligible
	// targets. At most one version per title is released at any time.
	StatusReleased Status = "released"
	// StatusDeprecated marks a previously released version that has been
	// superseded by a newer release.
	StatusDeprecated Status = "deprecated"
	// StatusSkipped marks a version superseded before it was ever released.
	StatusSkipped Status = "skipped"
)

// ParseStatus maps a wire string onto a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusPilot, StatusReleased, StatusDeprecated, StatusSkipped:
		return Status(s), true
	}
	return "", false
}

// Terminal reports whether the status permits no forward transition. Terminal
// versions remain deletable.
func (s Status) Terminal() bool {
	return s == StatusDeprecated || s == StatusSkipped
}

// Step names one downstream reconciliation action a transition requires.
type Step string

const (
	// StepWidenScope widens the version's deployment objects from the pilot
	// group to all eligible targets.
	StepWidenScope Step = "widen_scope"
	// StepNarrowScope disables or narrows a demoted version's deployment
	// objects. They are never deleted immediately so installed instances are
	// not orphaned.
	StepNarrowScope Step = "narrow_scope"
	// StepRepointTitlePolicy re-points the title-level "install current
	// release" policy at the newly released version.
	StepRepointTitlePolicy Step = "repoint_title_policy"
	// StepDisableDeployment disables a skipped version's deployment objects.
	StepDisableDeployment Step = "disable_deployment"
	// StepEnableReinstall enables the re-install policy once the uploaded
	// package has propagated (reconciler-delayed).
	StepEnableReinstall Step = "enable_reinstall"

	// Deletion steps, in the only order that never leaves an orphaned
	// dependency behind.

	// StepDeletePolicies removes the version's deployment policies.
	StepDeletePolicies Step = "delete_policies"
	// StepDeleteGroups removes the version's deployment groups.
	StepDeleteGroups Step = "delete_groups"
	// StepDeletePackage removes the package object.
	StepDeletePackage Step = "delete_package"
	// StepDeleteCatalogEntry removes the catalog entry last.
	StepDeleteCatalogEntry Step = "delete_catalog_entry"
)

// Transition captures one applied edge of the state machine.
type Transition struct {
	From  Status
	To    Status
	Steps []Step
}

// TransitionError reports an illegal edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: illegal transition %s -> %s", e.From, e.To)
}

// Promote moves pending to pilot. There is no manual trigger: it is the side
// effect of successful creation reconciliation, once the version's downstream
// objects exist in both external systems.
func Promote(from Status) (Transition, error) {
	if from != StatusPending {
		return Transition{}, &TransitionError{From: from, To: StatusPilot}
	}
	return Transition{From: from, To: StatusPilot}, nil
}

// Release moves any non-released state to released. The caller must also
// Demote the previously released version of the same title, if one exists.
func Release(from Status) (Transition, error) {
	if from == StatusReleased {
		return Transition{}, &TransitionError{From: from, To: StatusReleased}
	}
	return Transition{
		From:  from,
		To:    StatusReleased,
		Steps: []Step{StepWidenScope, StepRepointTitlePolicy, StepEnableReinstall},
	}, nil
}

// Demote moves the currently released version to deprecated when a newer
// version takes its place.
func Demote(from Status) (Transition, error) {
	if from != StatusReleased {
		return Transition{}, &TransitionError{From: from, To: StatusDeprecated}
	}
	return Transition{From: from, To: StatusDeprecated, Steps: []Step{StepNarrowScope}}, nil
}

// Skip moves an un-released version to skipped when a newer version
// supersedes it.
func Skip(from Status) (Transition, error) {
	if from != StatusPending && from != StatusPilot {
		return Transition{}, &TransitionError{From: from, To: StatusSkipped}
	}
	return Transition{From: from, To: StatusSkipped, Steps: []Step{StepDisableDeployment}}, nil
}

// DeletionSteps returns the fixed teardown order for deleting a version from
// any state: policies, then groups, then the package, then the catalog entry.
func DeletionSteps() []Step {
	return []Step{StepDeletePolicies, StepDeleteGroups, StepDeletePackage, StepDeleteCatalogEntry}
}

// ActiveVersion derives a title's single active target: the released version
// when one exists, else none. order is newest-first.
func ActiveVersion(order []string, status func(version string) Status) (string, bool) {
	for _, v := range order {
		if status(v) == StatusReleased {
			return v, true
		}
	}
	return "", false
}

// CheckSingleRelease verifies the per-title invariant that at most one
// version is released.
func CheckSingleRelease(statuses map[string]Status) error {
	var released []string
	for v, s := range statuses {
		if s == StatusReleased {
			released = append(released, v)
		}
	}
	if len(released) > 1 {
		return fmt.Errorf("lifecycle: %d versions released simultaneously: %v", len(released), released)
	}
	return nil
}
