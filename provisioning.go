package didauth

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-print"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/goliatone/go-didauth")

// Route paths the provisioning scripts call back into
const (
	IdentityPathPrefix         = "/api/v1/identities/"
	FinalizeDeletionPathPrefix = "/api/v1/internal/identities/"
	FinalizeDeletionPathSuffix = "/finalize-deletion"
)

// ProvisioningOrchestrator drives the external provisioning scripts and
// reconciles their exit codes against the callbacks they send
type ProvisioningOrchestrator interface {
	Provision(ctx context.Context, identity *Identity) (*Identity, error)
	Deprovision(ctx context.Context, identity *Identity) (*Identity, error)
	HandleCallback(ctx context.Context, did string, status InstanceStatus, instanceURL, errorDetails string) (*Identity, error)
	FinalizeDeletion(ctx context.Context, did string, success bool, errorDetails string) (*Identity, error)
	Drain(ctx context.Context) error
}

// OrchestratorOption customizes the orchestrator
type OrchestratorOption func(*orchestrator)

// WithOrchestratorCallbackURL sets the control plane base URL scripts call back to
func WithOrchestratorCallbackURL(base string) OrchestratorOption {
	return func(o *orchestrator) {
		o.callbackBase = strings.TrimRight(base, "/")
	}
}

// WithOrchestratorInternalSecret sets the shared secret handed to scripts
func WithOrchestratorInternalSecret(secret string) OrchestratorOption {
	return func(o *orchestrator) {
		o.internalSecret = secret
	}
}

// WithOrchestratorStateMachine overrides the state machine used to apply signals
func WithOrchestratorStateMachine(sm InstanceStateMachine) OrchestratorOption {
	return func(o *orchestrator) {
		if sm != nil {
			o.sm = sm
		}
	}
}

// WithOrchestratorClock injects a custom clock (useful for tests)
func WithOrchestratorClock(clock func() time.Time) OrchestratorOption {
	return func(o *orchestrator) {
		if clock != nil {
			o.now = clock
		}
	}
}

// WithOrchestratorLogger overrides the logger
func WithOrchestratorLogger(logger Logger) OrchestratorOption {
	return func(o *orchestrator) {
		o.logger = normalizeLogger(logger)
	}
}

type orchestrator struct {
	store          Identities
	provisioner    Provisioner
	sm             InstanceStateMachine
	callbackBase   string
	internalSecret string
	now            func() time.Time
	logger         Logger

	watchers sync.WaitGroup
	baseCtx  context.Context
	cancel   context.CancelFunc
}

// NewProvisioningOrchestrator wires the orchestrator. A nil provisioner is
// allowed: every spawn then fails and is recorded on the identity.
func NewProvisioningOrchestrator(store Identities, provisioner Provisioner, opts ...OrchestratorOption) ProvisioningOrchestrator {
	o := &orchestrator{
		store:       store,
		provisioner: provisioner,
		now:         time.Now,
		logger:      defLogger{},
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	if o.sm == nil {
		o.sm = NewInstanceStateMachine(store,
			WithStateMachineClock(o.now),
			WithStateMachineLogger(o.logger),
		)
	}

	return o
}

var orchestratorActor = ActorRef{Type: ActorTypeSystem, ID: "orchestrator"}
var callbackActor = ActorRef{Type: ActorTypeInternal, ID: "callback"}

// Provision spawns the provisioning script for an identity already stored
// as pending. Spawn failures are recorded on the identity, not returned.
func (o *orchestrator) Provision(ctx context.Context, identity *Identity) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "ProvisioningOrchestrator.Provision")
	defer span.End()

	if identity == nil {
		return nil, newError(ErrBadRequest, map[string]any{"reason": "identity is nil"})
	}
	span.SetAttributes(attribute.String("did", identity.DID), attribute.String("instance_id", identity.InstanceID))

	spec := o.spec(PhaseProvision, identity)
	return o.spawn(ctx, spec)
}

// Deprovision moves the identity to deprovisioning and spawns the
// deprovision script. The document is only removed by FinalizeDeletion.
func (o *orchestrator) Deprovision(ctx context.Context, identity *Identity) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "ProvisioningOrchestrator.Deprovision")
	defer span.End()

	if identity == nil {
		return nil, newError(ErrBadRequest, map[string]any{"reason": "identity is nil"})
	}
	span.SetAttributes(attribute.String("did", identity.DID), attribute.String("instance_id", identity.InstanceID))

	marked, changed, err := o.markDeprovisioning(ctx, identity.DID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if !changed {
		o.logger.Info("deprovisioning already in progress for %s", identity.DID)
		return marked, nil
	}

	return o.spawn(ctx, o.spec(PhaseDeprovision, marked))
}

func (o *orchestrator) markDeprovisioning(ctx context.Context, did string) (*Identity, bool, error) {
	var lastErr error
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		current, err := o.store.Get(ctx, did)
		if err != nil {
			return nil, false, err
		}

		if current.InstanceStatus == InstanceDeprovisioning {
			return current, false, nil
		}

		if !CanTransition(current.InstanceStatus, InstanceDeprovisioning) {
			return nil, false, newError(ErrInvalidTransition, map[string]any{
				"did":  did,
				"from": current.InstanceStatus,
				"to":   InstanceDeprovisioning,
			})
		}

		updated := current.Clone()
		applyInstanceStatus(updated, InstanceDeprovisioning, "", "", o.now())
		saved, err := o.store.Update(ctx, updated)
		if err != nil {
			if IsRevisionConflict(err) {
				lastErr = err
				continue
			}
			return nil, false, err
		}
		return saved, true, nil
	}
	return nil, false, lastErr
}

func (o *orchestrator) spawn(ctx context.Context, spec ProvisionSpec) (*Identity, error) {
	var (
		handle Handle
		err    error
	)

	if o.provisioner == nil {
		err = newError(ErrProvisionerMissing, map[string]any{"phase": spec.Phase})
	} else {
		// the script must outlive the request that triggered it
		handle, err = o.provisioner.Start(context.WithoutCancel(ctx), spec)
	}

	if err != nil {
		o.logger.Error("%s script for %s failed to start: %v", spec.Phase, spec.DID, err)
		return o.sm.Apply(ctx, orchestratorActor, spec.DID, SpawnFailedSignal(spec.Phase, err).ForCycle(spec.Cycle))
	}

	o.logger.Info("%s script started for %s (pid %d)", spec.Phase, spec.DID, handle.PID())
	o.logger.Debug("%s spec: %s", spec.Phase, print.MaybePrettyJSON(spec.Redacted()))

	o.watchers.Add(1)
	go o.watch(spec, handle)

	return o.sm.Apply(ctx, orchestratorActor, spec.DID, SpawnedSignal(spec.Phase).ForCycle(spec.Cycle))
}

// watch waits for the script to exit and feeds the exit code into Reconcile
func (o *orchestrator) watch(spec ProvisionSpec, handle Handle) {
	defer o.watchers.Done()

	code, err := handle.Wait(o.baseCtx)
	if err != nil {
		o.logger.Warn("%s script for %s: exit not observed: %v", spec.Phase, spec.DID, err)
		return
	}

	ctx, span := tracer.Start(o.baseCtx, "ProvisioningOrchestrator.Exit")
	defer span.End()
	span.SetAttributes(
		attribute.String("did", spec.DID),
		attribute.String("phase", string(spec.Phase)),
		attribute.Int("exit_code", code),
	)

	o.logger.Info("%s script for %s exited with code %d", spec.Phase, spec.DID, code)

	if _, err := o.sm.Apply(ctx, orchestratorActor, spec.DID, ExitSignal(spec.Phase, code).ForCycle(spec.Cycle)); err != nil {
		if IsNotFound(err) {
			return
		}
		span.RecordError(err)
		o.logger.Error("failed to record %s exit for %s: %v", spec.Phase, spec.DID, err)
	}
}

// HandleCallback applies a status reported by the provisioning script. The
// callback is authoritative, but it cannot pull an instance out of deletion.
func (o *orchestrator) HandleCallback(ctx context.Context, did string, status InstanceStatus, instanceURL, errorDetails string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "ProvisioningOrchestrator.HandleCallback")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.String("status", string(status)))

	identity, err := o.sm.Apply(ctx, callbackActor, did, CallbackSignal(status, instanceURL, errorDetails))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if identity.InstanceStatus != status {
		err := newError(ErrInvalidTransition, map[string]any{
			"did":  did,
			"from": identity.InstanceStatus,
			"to":   status,
		})
		span.RecordError(err)
		return nil, err
	}

	return identity, nil
}

// FinalizeDeletion removes the document on success or parks it in
// failed_deprovision for operator inspection
func (o *orchestrator) FinalizeDeletion(ctx context.Context, did string, success bool, errorDetails string) (*Identity, error) {
	ctx, span := tracer.Start(ctx, "ProvisioningOrchestrator.FinalizeDeletion")
	defer span.End()
	span.SetAttributes(attribute.String("did", did), attribute.Bool("success", success))

	if !success && errorDetails == "" {
		errorDetails = "deprovision script reported failure"
	}

	identity, err := o.sm.Apply(ctx, callbackActor, did, FinalizeSignal(success, errorDetails))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	want := InstanceFailedDeprovision
	if success {
		want = InstanceRemoved
	}
	if identity.InstanceStatus != want {
		err := newError(ErrInvalidTransition, map[string]any{
			"did":  did,
			"from": identity.InstanceStatus,
			"to":   want,
		})
		span.RecordError(err)
		return nil, err
	}

	return identity, nil
}

// Drain waits for in-flight exit watchers. When ctx expires first the
// watchers are cancelled; the scripts themselves keep running.
func (o *orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.watchers.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *orchestrator) spec(phase Phase, identity *Identity) ProvisionSpec {
	return ProvisionSpec{
		Phase:          phase,
		DID:            identity.DID,
		InstanceID:     identity.InstanceID,
		DatabaseName:   DatabaseName(identity.DID),
		CallbackURL:    o.callbackURL(phase, identity.DID),
		InternalSecret: o.internalSecret,
		Request:        identity.ProvisioningRequestDetails,
		Cycle:          identity.ProvisionCycle(),
	}
}

func (o *orchestrator) callbackURL(phase Phase, did string) string {
	if o.callbackBase == "" {
		return ""
	}
	escaped := url.PathEscape(did)
	if phase == PhaseDeprovision {
		return o.callbackBase + FinalizeDeletionPathPrefix + escaped + FinalizeDeletionPathSuffix
	}
	return o.callbackBase + IdentityPathPrefix + escaped
}
