package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/webtrail/webtrail-stack/common/messaging/nats"
)

func TestJetStreamQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping jetstream integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.Run(ctx, "nats:2.10",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server is ready").WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("nats container unavailable: %v", err)
	}
	testcontainers.CleanupContainer(t, container)

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	cfg := nats.DefaultConfig()
	cfg.URL = url
	cfg.Name = "dlq-test"
	js, err := nats.NewJetStreamClient(cfg)
	require.NoError(t, err)

	q, err := NewJetStreamQueue(ctx, js, nil)
	require.NoError(t, err)

	queueContract(t, q)

	require.NoError(t, q.Close())
	assert.NoError(t, q.Close())
}
