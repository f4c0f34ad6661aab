package didauth

import (
	"context"
	"fmt"
	"time"
)

// Phase tells Reconcile which script produced a signal
type Phase string

const (
	PhaseProvision   Phase = "provision"
	PhaseDeprovision Phase = "deprovision"
)

// SignalKind enumerates lifecycle signals
type SignalKind string

const (
	SignalSpawned     SignalKind = "spawned"
	SignalSpawnFailed SignalKind = "spawn_failed"
	SignalExit        SignalKind = "exit"
	SignalCallback    SignalKind = "callback"
	SignalFinalize    SignalKind = "finalize"
)

// Signal is anything that can move an instance status: the spawn outcome,
// the process exit code, or a callback from the script itself.
type Signal struct {
	Kind     SignalKind
	Phase    Phase
	ExitCode int
	// Status is the status reported by a callback
	Status InstanceStatus
	// Success is the outcome reported by a finalize-deletion callback
	Success      bool
	InstanceURL  string
	ErrorDetails string
	// Cycle scopes process signals to one registration. Empty matches any.
	Cycle string
}

// ForCycle returns a copy of the signal scoped to a provision cycle
func (s Signal) ForCycle(cycle string) Signal {
	s.Cycle = cycle
	return s
}

// SpawnedSignal reports that the script process started
func SpawnedSignal(phase Phase) Signal {
	return Signal{Kind: SignalSpawned, Phase: phase}
}

// SpawnFailedSignal reports that the script process could not start
func SpawnFailedSignal(phase Phase, err error) Signal {
	s := Signal{Kind: SignalSpawnFailed, Phase: phase}
	if err != nil {
		s.ErrorDetails = fmt.Sprintf("%s script failed to start: %v", phase, err)
	}
	return s
}

// ExitSignal reports the script exit code
func ExitSignal(phase Phase, code int) Signal {
	s := Signal{Kind: SignalExit, Phase: phase, ExitCode: code}
	if code != 0 {
		s.ErrorDetails = fmt.Sprintf("%s script exited with code %d", phase, code)
	}
	return s
}

// CallbackSignal reports a status sent back by the provisioning script
func CallbackSignal(status InstanceStatus, instanceURL, errorDetails string) Signal {
	return Signal{
		Kind:         SignalCallback,
		Phase:        PhaseProvision,
		Status:       status,
		InstanceURL:  instanceURL,
		ErrorDetails: errorDetails,
	}
}

// FinalizeSignal reports the outcome of the deprovision script
func FinalizeSignal(success bool, errorDetails string) Signal {
	return Signal{
		Kind:         SignalFinalize,
		Phase:        PhaseDeprovision,
		Success:      success,
		ErrorDetails: errorDetails,
	}
}

var instanceTransitions = map[InstanceStatus]map[InstanceStatus]struct{}{
	InstancePending: {
		InstanceProvisioning:   {},
		InstanceCompleted:      {},
		InstanceFailed:         {},
		InstanceDeprovisioning: {},
	},
	InstanceProvisioning: {
		InstancePending:        {},
		InstanceCompleted:      {},
		InstanceFailed:         {},
		InstanceDeprovisioning: {},
	},
	InstanceCompleted: {
		InstancePending:        {},
		InstanceFailed:         {},
		InstanceDeprovisioning: {},
	},
	InstanceFailed: {
		InstancePending:        {},
		InstanceCompleted:      {},
		InstanceDeprovisioning: {},
	},
	InstanceDeprovisioning: {
		InstanceFailedDeprovision: {},
		InstanceRemoved:           {},
	},
	InstanceFailedDeprovision: {
		InstanceDeprovisioning: {},
		InstanceRemoved:        {},
	},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
// Staying in place is always allowed.
func CanTransition(from, to InstanceStatus) bool {
	if from == to {
		return true
	}
	if allowed, ok := instanceTransitions[from]; ok {
		_, exists := allowed[to]
		return exists
	}
	return false
}

func deprovisioningFamily(s InstanceStatus) bool {
	return s == InstanceDeprovisioning || s == InstanceFailedDeprovision
}

// Reconcile is the single decision table shared by the exit watcher and the
// callback handlers. It is total: unknown combinations leave the status
// unchanged. It is idempotent: applying the same signal twice yields the
// same status.
func Reconcile(current InstanceStatus, signal Signal) InstanceStatus {
	if signal.Phase == PhaseDeprovision {
		return reconcileDeprovision(current, signal)
	}
	return reconcileProvision(current, signal)
}

func reconcileProvision(current InstanceStatus, signal Signal) InstanceStatus {
	// deletion owns the document from here on
	if deprovisioningFamily(current) {
		if signal.Kind == SignalCallback && signal.Status == InstanceFailedDeprovision {
			return InstanceFailedDeprovision
		}
		return current
	}

	switch signal.Kind {
	case SignalSpawned:
		if current == InstancePending {
			return InstanceProvisioning
		}
	case SignalSpawnFailed:
		return InstanceFailed
	case SignalExit:
		if signal.ExitCode == 0 {
			return current
		}
		// the callback may have landed before the process exited
		if current == InstancePending || current == InstanceProvisioning {
			return InstanceFailed
		}
	case SignalCallback:
		switch signal.Status {
		case InstanceCompleted, InstanceFailed:
			return signal.Status
		}
	}
	return current
}

func reconcileDeprovision(current InstanceStatus, signal Signal) InstanceStatus {
	switch signal.Kind {
	case SignalSpawnFailed:
		if current == InstanceDeprovisioning {
			return InstanceFailedDeprovision
		}
	case SignalExit:
		if signal.ExitCode != 0 && current == InstanceDeprovisioning {
			return InstanceFailedDeprovision
		}
	case SignalFinalize:
		if !deprovisioningFamily(current) {
			return current
		}
		if signal.Success {
			return InstanceRemoved
		}
		return InstanceFailedDeprovision
	}
	return current
}

// applyInstanceStatus writes status and its side effects onto identity.
// completed carries a URL and clears errors, failures carry error details
// and clear the URL.
func applyInstanceStatus(identity *Identity, status InstanceStatus, instanceURL, errorDetails string, now time.Time) {
	identity.InstanceStatus = status
	identity.InstanceUpdatedAt = now

	switch status {
	case InstanceCompleted:
		if instanceURL != "" {
			identity.InstanceURL = stringPtr(instanceURL)
		}
		identity.InstanceErrorDetails = nil
	case InstanceFailed, InstanceFailedDeprovision:
		if errorDetails != "" {
			identity.InstanceErrorDetails = stringPtr(errorDetails)
		}
		identity.InstanceURL = nil
	case InstancePending:
		identity.InstanceURL = nil
		identity.InstanceErrorDetails = nil
	}
}

const maxApplyAttempts = 5

// InstanceStateMachine applies lifecycle signals to stored identities
type InstanceStateMachine interface {
	Apply(ctx context.Context, actor ActorRef, did string, signal Signal) (*Identity, error)
}

// StateMachineOption customizes state machine construction.
type StateMachineOption func(*instanceStateMachine)

// WithStateMachineClock injects a custom clock (useful for tests).
func WithStateMachineClock(clock func() time.Time) StateMachineOption {
	return func(sm *instanceStateMachine) {
		if clock != nil {
			sm.now = clock
		}
	}
}

// WithStateMachineActivitySink sets the ActivitySink used to publish lifecycle events.
func WithStateMachineActivitySink(sink ActivitySink) StateMachineOption {
	return func(sm *instanceStateMachine) {
		sm.activitySink = normalizeActivitySink(sink)
	}
}

// WithStateMachineLogger overrides the logger used for sink failures.
func WithStateMachineLogger(logger Logger) StateMachineOption {
	return func(sm *instanceStateMachine) {
		if logger != nil {
			sm.logger = logger
		}
	}
}

// NewInstanceStateMachine returns the default implementation backed by the provided store.
func NewInstanceStateMachine(store Identities, opts ...StateMachineOption) InstanceStateMachine {
	sm := &instanceStateMachine{
		store:        store,
		now:          time.Now,
		activitySink: noopActivitySink{},
		logger:       defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sm)
		}
	}

	return sm
}

type instanceStateMachine struct {
	store        Identities
	now          func() time.Time
	activitySink ActivitySink
	logger       Logger
}

// Apply re-reads the identity, reconciles the signal against its current
// status and writes the result, retrying on revision conflicts. When the
// signal removes the instance the document is deleted and the returned
// snapshot carries InstanceRemoved.
func (sm *instanceStateMachine) Apply(ctx context.Context, actor ActorRef, did string, signal Signal) (*Identity, error) {
	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		current, err := sm.store.Get(ctx, did)
		if err != nil {
			return nil, err
		}

		if signal.Cycle != "" && signal.Cycle != current.ProvisionCycle() {
			sm.logger.Debug("dropping stale %s %s signal for %s (cycle %s, current %s)",
				signal.Phase, signal.Kind, did, signal.Cycle, current.ProvisionCycle())
			return current, nil
		}

		from := current.InstanceStatus
		next := Reconcile(from, signal)

		if next == from && !sm.refreshesDetails(current, signal) {
			return current, nil
		}

		if next == InstanceRemoved {
			if err := sm.store.Delete(ctx, did, current.Rev); err != nil {
				if IsRevisionConflict(err) {
					lastErr = err
					continue
				}
				return nil, err
			}
			removed := current.Clone()
			removed.InstanceStatus = InstanceRemoved
			sm.statusChanged(ctx, actor, did, from, next, signal)
			return removed, nil
		}

		updated := current.Clone()
		applyInstanceStatus(updated, next, signal.InstanceURL, signal.ErrorDetails, sm.now())

		saved, err := sm.store.Update(ctx, updated)
		if err != nil {
			if IsRevisionConflict(err) {
				sm.logger.Debug("revision conflict applying %s signal to %s, retrying", signal.Kind, did)
				lastErr = err
				continue
			}
			return nil, err
		}

		if from != next {
			sm.statusChanged(ctx, actor, did, from, next, signal)
		}
		return saved, nil
	}

	return nil, lastErr
}

// refreshesDetails is true for a repeated callback that carries new details
func (sm *instanceStateMachine) refreshesDetails(current *Identity, signal Signal) bool {
	if signal.Kind != SignalCallback || current.InstanceStatus != signal.Status {
		return false
	}
	switch signal.Status {
	case InstanceCompleted:
		return signal.InstanceURL != "" && signal.InstanceURL != derefString(current.InstanceURL)
	case InstanceFailed:
		return signal.ErrorDetails != "" && signal.ErrorDetails != derefString(current.InstanceErrorDetails)
	}
	return false
}

func (sm *instanceStateMachine) statusChanged(ctx context.Context, actor ActorRef, did string, from, to InstanceStatus, signal Signal) {
	meta := map[string]any{
		"signal": string(signal.Kind),
		"phase":  string(signal.Phase),
	}
	if signal.Kind == SignalExit {
		meta["exit_code"] = signal.ExitCode
	}
	if signal.ErrorDetails != "" {
		meta["error_details"] = signal.ErrorDetails
	}

	sm.logger.Info("instance %s: %s -> %s (%s)", did, from, to, signal.Kind)
	recordActivity(ctx, sm.activitySink, sm.logger, sm.now, ActivityEvent{
		EventType:   ActivityEventInstanceStatusChanged,
		Actor:       actor,
		IdentityDID: did,
		FromStatus:  from,
		ToStatus:    to,
		Metadata:    meta,
	})
}
