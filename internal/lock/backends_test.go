package lock

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

var (
	testRedisAddr    string
	testEtcdEndpoint string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	redisC, err := rediscontainer.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}
	testRedisAddr, err = redisC.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}

	etcdC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "quay.io/coreos/etcd:v3.5.21",
			ExposedPorts: []string{"2379/tcp"},
			Cmd: []string{
				"etcd",
				"--name", "lock-test",
				"--listen-client-urls", "http://0.0.0.0:2379",
				"--advertise-client-urls", "http://0.0.0.0:2379",
			},
			WaitingFor: wait.ForListeningPort("2379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start etcd container: %v\n", err)
		os.Exit(1)
	}
	testEtcdEndpoint, err = etcdC.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get etcd endpoint: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	_ = etcdC.Terminate(ctx)
	_ = redisC.Terminate(ctx)
	os.Exit(code)
}

func newTestEtcdLock(t *testing.T, ttl time.Duration) *EtcdLock {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{testEtcdEndpoint},
		DialTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	l, err := NewETCDLockFromClient(cli, ttl, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestRedLock(t *testing.T, ttl time.Duration) (*RedLock, *redis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedLockFromClients([]*redis.Client{client}, ttl, zap.NewNop())
	t.Cleanup(func() { _ = l.Close() })
	return l, client
}

// 两个实例竞争同一把锁
func exerciseMutualExclusion(t *testing.T, a, b Lock, name string) {
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx, name)
	require.NoError(t, err)
	assert.False(t, ok, "second instance acquired a held lock")

	assert.ErrorIs(t, b.Release(ctx, name), ErrNotHeld)

	_, err = a.TryAcquire(ctx, name)
	assert.Error(t, err, "re-acquiring a held lock must fail")

	require.NoError(t, a.Release(ctx, name))

	ok, err = b.TryAcquire(ctx, name)
	require.NoError(t, err)
	assert.True(t, ok, "lock not available after release")
	require.NoError(t, b.Release(ctx, name))
}

// 两个实例同时执行WithLock，执行区间不能重叠
func exerciseSerializedBootstrap(t *testing.T, a, b Lock, name string) {
	var (
		mu      sync.Mutex
		running int
		maxSeen int
		runs    int
	)
	fn := func(context.Context) error {
		mu.Lock()
		running++
		runs++
		maxSeen = max(maxSeen, running)
		mu.Unlock()

		time.Sleep(150 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, l := range []Lock{a, b} {
		wg.Add(1)
		go func(l Lock) {
			defer wg.Done()
			errs <- WithLock(ctx, l, name, 20*time.Millisecond, fn)
		}(l)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 2, runs)
	assert.Equal(t, 1, maxSeen)
}

func TestEtcdLock_MutualExclusion(t *testing.T) {
	a := newTestEtcdLock(t, 5*time.Second)
	b := newTestEtcdLock(t, 5*time.Second)
	exerciseMutualExclusion(t, a, b, "mutex")
}

func TestEtcdLock_SerializedBootstrap(t *testing.T) {
	a := newTestEtcdLock(t, 5*time.Second)
	b := newTestEtcdLock(t, 5*time.Second)
	exerciseSerializedBootstrap(t, a, b, "bootstrap")
}

func TestEtcdLock_CloseFreesLock(t *testing.T) {
	a := newTestEtcdLock(t, 5*time.Second)
	b := newTestEtcdLock(t, 5*time.Second)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx, "close")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Close())

	ok, err = b.TryAcquire(ctx, "close")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedLock_MutualExclusion(t *testing.T) {
	a, client := newTestRedLock(t, 5*time.Second)
	b, _ := newTestRedLock(t, 5*time.Second)
	require.NoError(t, client.Del(context.Background(), redisLockPrefix+"mutex").Err())
	exerciseMutualExclusion(t, a, b, "mutex")
}

func TestRedLock_SerializedBootstrap(t *testing.T) {
	a, client := newTestRedLock(t, 5*time.Second)
	b, _ := newTestRedLock(t, 5*time.Second)
	require.NoError(t, client.Del(context.Background(), redisLockPrefix+"bootstrap").Err())
	exerciseSerializedBootstrap(t, a, b, "bootstrap")
}

func TestRedLock_ExpiredLockIsNotStolenBack(t *testing.T) {
	a, client := newTestRedLock(t, time.Second)
	b, _ := newTestRedLock(t, 5*time.Second)
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, redisLockPrefix+"expire").Err())

	ok, err := a.TryAcquire(ctx, "expire")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := b.TryAcquire(ctx, "expire")
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)

	// a的token已经失效，释放不能删掉b的锁
	assert.Error(t, a.Release(ctx, "expire"))
	owner, err := client.Exists(ctx, redisLockPrefix+"expire").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), owner)
	require.NoError(t, b.Release(ctx, "expire"))
}
