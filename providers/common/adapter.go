package common

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by all adapters
var (
	// ErrNotConfigured is returned by effectful operations when the
	// adapter was built without usable credentials. Quote operations never
	// return it; they degrade to an empty list instead.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrInstanceNotFound is returned by management operations when the
	// provider does not know the instance id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrExecUnsupported is returned by Execute when the provider has no
	// run-command facility and no SSH endpoint could be discovered.
	ErrExecUnsupported = errors.New("command execution not supported for this instance")
)

// Adapter is the capability set the core requires from every provider.
// One concrete type per provider; implementations share via small helper
// functions, never embedded implementations.
//
// Failure semantics: Quotes swallows network and API errors into an empty
// list (logged at debug by the adapter); Provision errors propagate so the
// provisioner can record a failed attempt; management operations are
// strict; Execute folds errors into ExitCode 1 with the message in Stderr.
type Adapter interface {
	// ID returns the stable provider identifier.
	ID() ProviderID

	// Quotes returns current offers for the normalized GPU family,
	// optionally narrowed to one provider-native region ("" means any).
	Quotes(ctx context.Context, gpuFamily, region string) ([]Quote, error)

	// Provision launches one instance; the provider assigns the id.
	Provision(ctx context.Context, instanceType, region, gpuFamily string) (*Instance, error)

	// Status returns the current state of an instance.
	Status(ctx context.Context, instanceID string) (*InstanceStatus, error)

	// Stop, Start and Terminate each return the provider's terminal or
	// transitional state token.
	Stop(ctx context.Context, instanceID string) (string, error)
	Start(ctx context.Context, instanceID string) (string, error)
	Terminate(ctx context.Context, instanceID string) (string, error)

	// ListInstances returns instances tagged as owned by terradev.
	ListInstances(ctx context.Context) ([]InstanceSummary, error)

	// Execute runs a command on the instance via the provider's native
	// run-command facility when available, falling back to SSH only when a
	// public endpoint can be discovered. With async=true a JobID is
	// returned instead of output.
	Execute(ctx context.Context, instanceID, command string, async bool) (*ExecResult, error)
}

// NotConfiguredError builds the caller-facing form of ErrNotConfigured.
func NotConfiguredError(id ProviderID) error {
	return fmt.Errorf("provider %s not configured: %w", id, ErrNotConfigured)
}

// ExecFailure folds an operational error into the ExecResult shape.
func ExecFailure(err error) *ExecResult {
	return &ExecResult{ExitCode: 1, Stderr: err.Error()}
}
