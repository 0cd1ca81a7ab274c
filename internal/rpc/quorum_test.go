package rpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

func localCluster(t *testing.T, ids ...string) (*LocalNetwork, map[string]*System) {
	t.Helper()
	net := NewLocalNetwork()
	systems := make(map[string]*System, len(ids))
	for _, id := range ids {
		sys := NewSystem(id, NewRing(16), zap.NewNop())
		net.Join(sys)
		systems[id] = sys
	}
	return net, systems
}

func echo(id string) Handler {
	return func(ctx context.Context, from string, req []byte) ([]byte, error) {
		return append([]byte(id+":"), req...), nil
	}
}

func TestTryCallMany_ReturnsAtQuorum(t *testing.T) {
	_, systems := localCluster(t, "a", "b", "c")

	var slowFinished atomic.Bool
	systems["a"].Register("echo", echo("a"))
	systems["b"].Register("echo", echo("b"))
	systems["c"].Register("echo", func(ctx context.Context, from string, req []byte) ([]byte, error) {
		time.Sleep(100 * time.Millisecond)
		slowFinished.Store(true)
		return []byte("c"), nil
	})

	start := time.Now()
	resps, err := systems["a"].TryCallMany(context.Background(), []string{"a", "b", "c"}, "echo", []byte("x"),
		RequestStrategy{Quorum: 2, Timeout: time.Second})
	require.NoError(t, err)
	assert.Len(t, resps, 2)
	assert.Less(t, time.Since(start), 90*time.Millisecond)

	// The straggler is not cancelled.
	assert.Eventually(t, slowFinished.Load, time.Second, 5*time.Millisecond)
}

func TestTryCallMany_InsufficientReplicas(t *testing.T) {
	net, systems := localCluster(t, "a", "b", "c")
	for id, sys := range systems {
		sys.Register("echo", echo(id))
	}
	net.SetUp("b", false)
	net.SetUp("c", false)

	resps, err := systems["a"].TryCallMany(context.Background(), []string{"a", "b", "c"}, "echo", nil,
		RequestStrategy{Quorum: 2, Timeout: time.Second})
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeInsufficientReplicas, storageerrors.GetCode(err))
	assert.LessOrEqual(t, len(resps), 1)
}

func TestTryCallMany_KnownDownNodesAreSkipped(t *testing.T) {
	_, systems := localCluster(t, "a", "b")
	var called atomic.Bool
	systems["a"].Register("echo", echo("a"))
	systems["b"].Register("echo", func(ctx context.Context, from string, req []byte) ([]byte, error) {
		called.Store(true)
		return nil, nil
	})
	systems["a"].SetUp("b", false)

	_, err := systems["a"].TryCallMany(context.Background(), []string{"a", "b"}, "echo", nil,
		RequestStrategy{Quorum: 2, Timeout: time.Second})
	require.Error(t, err)
	assert.False(t, called.Load())
}

func TestTryCallMany_Timeout(t *testing.T) {
	_, systems := localCluster(t, "a", "b")
	block := func(ctx context.Context, from string, req []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	systems["a"].Register("wait", block)
	systems["b"].Register("wait", block)

	_, err := systems["a"].TryCallMany(context.Background(), []string{"a", "b"}, "wait", nil,
		RequestStrategy{Quorum: 1, Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeInsufficientReplicas, storageerrors.GetCode(err))
}

func TestCallAll(t *testing.T) {
	net, systems := localCluster(t, "a", "b", "c")
	for id, sys := range systems {
		sys.Register("echo", echo(id))
	}

	resps, err := systems["a"].CallAll(context.Background(), []string{"a", "b", "c"}, "echo", []byte("!"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c:!", string(resps[2].Body))

	net.SetUp("c", false)
	_, err = systems["a"].CallAll(context.Background(), []string{"a", "b", "c"}, "echo", nil, time.Second)
	assert.Error(t, err)
}

func TestSystem_RingChangeListeners(t *testing.T) {
	sys := NewSystem("a", NewRing(8), zap.NewNop())
	var calls atomic.Int32
	sys.OnRingChange(func() { calls.Add(1) })

	sys.AddNode("b", "10.0.0.2:3901")
	sys.AddNode("b", "10.0.0.2:3901")
	sys.RemoveNode("b")

	assert.Equal(t, int32(2), calls.Load())
	addr, ok := sys.Addr("b")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2:3901", addr)
}

func TestGRPCTransport_RoundTrip(t *testing.T) {
	logger := zap.NewNop()
	server := NewSystem("server", NewRing(8), logger)
	server.Register("echo", echo("server"))
	server.Register("fail", func(ctx context.Context, from string, req []byte) ([]byte, error) {
		return nil, storageerrors.BlockNotFound("abcd")
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := NewGRPCServer(server, "secret", logger)
	go srv.Serve(lis)
	defer srv.Stop()

	client := NewSystem("client", NewRing(8), logger)
	client.AddNode("server", lis.Addr().String())
	transport := NewGRPCTransport(client, "secret", logger)
	defer transport.Close()
	client.SetTransport(transport)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Call(ctx, "server", "echo", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "server:ping", string(resp))

	_, err = client.Call(ctx, "server", "fail", nil)
	require.Error(t, err)
	assert.Equal(t, storageerrors.ErrCodeBlockNotFound, storageerrors.GetCode(err))

	bad := NewGRPCTransport(client, "wrong", logger)
	defer bad.Close()
	_, err = bad.Call(ctx, "client", "server", "echo", nil)
	assert.Error(t, err)
}

func TestWire_DecodeFieldsAndRejectTruncated(t *testing.T) {
	msg := NewEncoder(0).
		String(1, "hello").
		Uint64(2, 42).
		Int64(3, -7).
		Bool(4, true).
		Encode()

	var got []Field
	require.NoError(t, Decode(msg, func(f Field) error {
		got = append(got, f)
		return nil
	}))
	require.Len(t, got, 4)
	assert.Equal(t, "hello", got[0].Str())
	assert.Equal(t, uint64(42), got[1].Varint)
	assert.Equal(t, int64(-7), got[2].Int64())
	assert.True(t, got[3].Bool())

	assert.Error(t, Decode([]byte{0x0a, 0x05, 'a'}, func(Field) error { return nil }))
}
