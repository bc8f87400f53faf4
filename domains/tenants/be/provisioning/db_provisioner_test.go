package provisioning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestsRequireDatabaseName(t *testing.T) {
	p := &DBProvisioner{baseDSN: "postgres://localhost/postgres"}
	ctx := context.Background()

	_, err := p.Ensure(ctx, Request{OrganizationID: "org_1"})
	require.Error(t, err)

	_, err = p.Check(ctx, Request{OrganizationID: "org_1"})
	require.Error(t, err)

	require.Error(t, p.Drop(ctx, Request{OrganizationID: "org_1"}))
}

func TestNewDBProvisionerValidatesDeps(t *testing.T) {
	require.Panics(t, func() { NewDBProvisioner(nil, "postgres://localhost/postgres") })
}
