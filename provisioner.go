package didauth

import (
	"context"
	"strings"
)

// Environment variables handed to provisioning scripts
const (
	EnvPhase          = "DIDAUTH_PHASE"
	EnvDID            = "DIDAUTH_DID"
	EnvInstanceID     = "DIDAUTH_INSTANCE_ID"
	EnvDatabaseName   = "DIDAUTH_DB_NAME"
	EnvCallbackURL    = "DIDAUTH_CALLBACK_URL"
	EnvInternalSecret = "DIDAUTH_INTERNAL_SECRET"
	EnvRequestNonce   = "DIDAUTH_REQUEST_NONCE"
	EnvRequestTime    = "DIDAUTH_REQUEST_TIMESTAMP"
)

// ProvisionSpec describes one script run
type ProvisionSpec struct {
	Phase          Phase
	DID            string
	InstanceID     string
	DatabaseName   string
	CallbackURL    string
	InternalSecret string
	Request        ProvisioningRequestDetails
	// Cycle is the identity ProvisionCycle the script was spawned for
	Cycle string
}

// Env renders the spec as KEY=value pairs for the child process
func (s ProvisionSpec) Env() []string {
	env := []string{
		EnvPhase + "=" + string(s.Phase),
		EnvDID + "=" + s.DID,
		EnvInstanceID + "=" + s.InstanceID,
		EnvDatabaseName + "=" + s.DatabaseName,
		EnvCallbackURL + "=" + s.CallbackURL,
		EnvInternalSecret + "=" + s.InternalSecret,
	}
	if s.Request.Nonce != "" {
		env = append(env, EnvRequestNonce+"="+s.Request.Nonce)
	}
	if s.Request.Timestamp != "" {
		env = append(env, EnvRequestTime+"="+s.Request.Timestamp)
	}
	return env
}

// Redacted is safe to log
func (s ProvisionSpec) Redacted() map[string]any {
	return map[string]any{
		"phase":        s.Phase,
		"did":          s.DID,
		"instance_id":  s.InstanceID,
		"db_name":      s.DatabaseName,
		"callback_url": s.CallbackURL,
		"cycle":        s.Cycle,
		"secret":       strings.Repeat("*", min(len(s.InternalSecret), 8)),
	}
}

// Provisioner starts the external create/destroy process for an instance.
// The process is detached, the control plane only observes its exit.
type Provisioner interface {
	Start(ctx context.Context, spec ProvisionSpec) (Handle, error)
}

// Handle observes a started process
type Handle interface {
	// PID of the child process, 0 when not applicable
	PID() int
	// Wait blocks until the process exits and returns its exit code. An
	// error means the exit could not be observed.
	Wait(ctx context.Context) (int, error)
}

// ProvisionerFunc adapts a function to the Provisioner interface
type ProvisionerFunc func(ctx context.Context, spec ProvisionSpec) (Handle, error)

// Start implements Provisioner
func (f ProvisionerFunc) Start(ctx context.Context, spec ProvisionSpec) (Handle, error) {
	return f(ctx, spec)
}
