package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terradev/terradev/providers/common"
)

type stubAdapter struct {
	id    common.ProviderID
	creds common.Credentials
}

func (s *stubAdapter) ID() common.ProviderID { return s.id }
func (s *stubAdapter) Quotes(context.Context, string, string) ([]common.Quote, error) {
	return nil, nil
}
func (s *stubAdapter) Provision(context.Context, string, string, string) (*common.Instance, error) {
	return nil, common.ErrNotConfigured
}
func (s *stubAdapter) Status(context.Context, string) (*common.InstanceStatus, error) {
	return nil, common.ErrInstanceNotFound
}
func (s *stubAdapter) Stop(context.Context, string) (string, error)      { return "", nil }
func (s *stubAdapter) Start(context.Context, string) (string, error)     { return "", nil }
func (s *stubAdapter) Terminate(context.Context, string) (string, error) { return "", nil }
func (s *stubAdapter) ListInstances(context.Context) ([]common.InstanceSummary, error) {
	return nil, nil
}
func (s *stubAdapter) Execute(context.Context, string, string, bool) (*common.ExecResult, error) {
	return nil, common.ErrExecUnsupported
}

func stubFactory(id common.ProviderID) Factory {
	return func(creds common.Credentials) common.Adapter {
		return &stubAdapter{id: id, creds: creds}
	}
}

func TestRegisterAndNew(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register(Descriptor{ID: "alpha", Name: "Alpha", Reliability: 0.9, Enabled: true}, stubFactory("alpha"))

	adapter, err := New("alpha", common.Credentials{"api_key": "k"})
	require.NoError(t, err)
	assert.Equal(t, common.ProviderID("alpha"), adapter.ID())

	// Factory must accept empty credentials.
	adapter, err = New("alpha", nil)
	require.NoError(t, err)
	assert.NotNil(t, adapter)

	_, err = New("missing", nil)
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestRegisterReplacesPriorBinding(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register(Descriptor{ID: "alpha", Reliability: 0.5, Enabled: true}, stubFactory("alpha"))
	Register(Descriptor{ID: "alpha", Reliability: 0.8, Enabled: true}, stubFactory("alpha"))

	desc, ok := Describe("alpha")
	require.True(t, ok)
	assert.Equal(t, 0.8, desc.Reliability)
	assert.Len(t, Enabled(), 1)
}

func TestReliabilityDefaultsForUnknown(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register(Descriptor{ID: "alpha", Reliability: 0.93, Enabled: true}, stubFactory("alpha"))

	assert.Equal(t, 0.93, Reliability("alpha"))
	assert.Equal(t, 0.5, Reliability("never-registered"))
}

func TestEnabledOrdering(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Register(Descriptor{ID: "zeta", Priority: 1, Enabled: true}, stubFactory("zeta"))
	Register(Descriptor{ID: "beta", Priority: 3, Enabled: true}, stubFactory("beta"))
	Register(Descriptor{ID: "alpha", Priority: 3, Enabled: true}, stubFactory("alpha"))
	Register(Descriptor{ID: "hidden", Priority: 0, Enabled: false}, stubFactory("hidden"))

	got := Enabled()
	assert.Equal(t, []common.ProviderID{"zeta", "alpha", "beta"}, got)
}
