package locking

import (
	"context"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	uri, err := ctr.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	exerciseLocker(t, NewRedisLocker(client, 10*time.Second))
}

func TestZookeeperLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "zookeeper:3.9",
			ExposedPorts: []string{"2181/tcp"},
			WaitingFor:   wait.ForListeningPort("2181/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("zookeeper container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	endpoint, err := ctr.PortEndpoint(ctx, "2181/tcp", "")
	require.NoError(t, err)
	conn, _, err := zk.Connect([]string{endpoint}, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	locker, err := NewZookeeperLocker(conn)
	require.NoError(t, err)
	exerciseLocker(t, locker)

	children, _, err := conn.Children(zkLockRoot)
	require.NoError(t, err)
	assert.Empty(t, children, "per-key nodes are removed once released")
}
