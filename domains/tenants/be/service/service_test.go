package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edumesh/edumesh-server/domains/tenants/be/repo"
	"github.com/edumesh/edumesh-server/domains/tenants/be/service"
	"github.com/edumesh/edumesh-server/platform/go/apperr"
	"github.com/edumesh/edumesh-server/platform/go/tenant"
)

type fakeProvisioner struct {
	result service.ProvisionResult
	err    error
	calls  []string
}

func (f *fakeProvisioner) Provision(_ context.Context, schema string) (service.ProvisionResult, error) {
	f.calls = append(f.calls, schema)
	result := f.result
	result.Schema = schema
	return result, f.err
}

func readyResult() service.ProvisionResult {
	return service.ProvisionResult{
		Success:             true,
		TableCount:          56,
		TablesCreated:       56,
		CriticalSetComplete: true,
		Ready:               true,
	}
}

func TestCreateProvisionsSchema(t *testing.T) {
	prov := &fakeProvisioner{result: readyResult()}
	svc := service.NewService(repo.NewMemoryRepository(), prov, zap.NewNop())

	inst, result, err := svc.Create(context.Background(), service.CreateInput{
		Name: "Greenfield High",
		Slug: "Greenfield-High",
	})
	require.NoError(t, err)

	assert.Equal(t, "greenfield-high", inst.Slug)
	assert.Equal(t, "tenant_greenfield_high", inst.SchemaName)
	assert.Equal(t, tenant.StatusTrial, inst.Status)
	assert.NotNil(t, inst.ProvisionedAt)
	assert.True(t, result.Ready)
	assert.Equal(t, []string{"tenant_greenfield_high"}, prov.calls)
}

func TestCreateDuplicateSlug(t *testing.T) {
	prov := &fakeProvisioner{result: readyResult()}
	svc := service.NewService(repo.NewMemoryRepository(), prov, zap.NewNop())

	_, _, err := svc.Create(context.Background(), service.CreateInput{Name: "A", Slug: "dupe"})
	require.NoError(t, err)
	_, _, err = svc.Create(context.Background(), service.CreateInput{Name: "B", Slug: "dupe"})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))
}

func TestCreateSurvivesProvisionFailure(t *testing.T) {
	prov := &fakeProvisioner{err: errors.New("db down")}
	svc := service.NewService(repo.NewMemoryRepository(), prov, zap.NewNop())

	inst, _, err := svc.Create(context.Background(), service.CreateInput{Name: "A", Slug: "resume-me"})
	require.NoError(t, err, "registry row must survive a failed provisioning run")
	assert.Nil(t, inst.ProvisionedAt)

	// A later run resumes and marks the tenant provisioned.
	prov.err = nil
	prov.result = readyResult()
	result, err := svc.Provision(context.Background(), inst.SchemaName)
	require.NoError(t, err)
	assert.True(t, result.Ready)

	got, err := svc.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ProvisionedAt)
}

func TestProvisionRejectsBadSchemaName(t *testing.T) {
	svc := service.NewService(repo.NewMemoryRepository(), &fakeProvisioner{}, zap.NewNop())
	_, err := svc.Provision(context.Background(), `tenant_x"; DROP SCHEMA public`)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation) || apperr.IsKind(err, apperr.KindTenantBoundary))
}

func TestSuspendAndActivate(t *testing.T) {
	prov := &fakeProvisioner{result: readyResult()}
	svc := service.NewService(repo.NewMemoryRepository(), prov, zap.NewNop())

	inst, _, err := svc.Create(context.Background(), service.CreateInput{Name: "A", Slug: "toggled"})
	require.NoError(t, err)

	require.NoError(t, svc.Suspend(context.Background(), inst.ID))
	got, _ := svc.Get(context.Background(), inst.ID)
	assert.Equal(t, tenant.StatusSuspended, got.Status)

	require.NoError(t, svc.Activate(context.Background(), inst.ID))
	got, _ = svc.Get(context.Background(), inst.ID)
	assert.Equal(t, tenant.StatusActive, got.Status)
}
