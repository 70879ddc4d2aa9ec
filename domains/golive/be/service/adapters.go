package service

import (
	"context"

	"github.com/edumesh/edumesh-server/domains/tenants/be/provisioning"
)

// ProvisionerVerifier adapts the schema provisioner's readiness probe to the
// gate's TenantVerifier.
type ProvisionerVerifier struct {
	Provisioner *provisioning.Provisioner
}

func (v ProvisionerVerifier) Verify(ctx context.Context, schema string) (TenantReadiness, error) {
	r, err := v.Provisioner.Verify(ctx, schema)
	if err != nil {
		return TenantReadiness{}, err
	}
	return TenantReadiness{
		Schema:              r.Schema,
		TableCount:          r.TableCount,
		CriticalSetComplete: r.CriticalSetComplete,
		AdminCount:          r.AdminCount,
		Provisioned:         r.Provisioned,
		ReadyForLive:        r.ReadyForLive,
	}, nil
}

var _ TenantVerifier = ProvisionerVerifier{}
