package prediction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/health/grpc_health_v1"

	"prediction-controlplane/services/testutil"
)

// the health service interface grows methods across grpc releases; the
// embedded UnimplementedHealthServer keeps registration compiling
var _ grpc_health_v1.HealthServer = (*HealthServer)(nil)

func TestHealthCheck(t *testing.T) {
	db := testutil.NewTestDB(t)
	srv := NewHealthServer(db)

	resp, err := srv.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}
