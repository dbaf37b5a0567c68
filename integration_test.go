package nimbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nimbus-project/nimbus/internal/pkg/corjobgraph"
	"github.com/nimbus-project/nimbus/internal/pkg/corregion"
)

// TestSingleWorkerWriteThenReadRoundTrip drives the S1 scenario end to
// end over a real TCP loopback connection: a controller with one worker
// spawns a producer that writes a logical id and a consumer, ordered
// after it, that reads the bytes back.
func TestSingleWorkerWriteThenReadRoundTrip(t *testing.T) {
	domain := corregion.Box{Xmax: 10, Ymax: 10, Zmax: 1}
	config := testConfig(1)
	controller, err := NewController(config, domain)
	require.NoError(t, err)

	controller.DefinePartition(1, domain)
	require.NoError(t, controller.DefineLogical(corjobgraph.KernelJobID, 1, "field", 1))

	producerID, err := controller.SpawnJob("produce", corjobgraph.KernelJobID, nil, []uint64{1}, nil, nil)
	require.NoError(t, err)
	consumerID, err := controller.SpawnJob("consume", corjobgraph.KernelJobID, []uint64{1}, nil, []uint64{producerID}, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	served := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			served <- err
			return
		}
		served <- controller.ServeWorker(conn)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	seen := make(chan []byte, 1)
	registry := NewRegistry()
	registry.Register("produce", func(ctx context.Context, reads [][]byte) ([][]byte, error) {
		return [][]byte{[]byte("hello nimbus")}, nil
	})
	registry.Register("consume", func(ctx context.Context, reads [][]byte) ([][]byte, error) {
		seen <- reads[0]
		return nil, nil
	})

	worker, err := NewWorker(0, config, registry, conn)
	require.NoError(t, err)
	require.NoError(t, worker.Handshake("127.0.0.1", 0))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)

	require.Eventually(t, func() bool {
		controller.mu.Lock()
		_, ok := controller.conns[0]
		controller.mu.Unlock()
		return ok
	}, 5*time.Second, 5*time.Millisecond, "worker never completed its handshake")

	deadline := time.Now().Add(5 * time.Second)
	for !controller.graph.IsDone(consumerID) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the consumer job to finish")
		}
		if _, err := controller.AssignReady(ctx); err != nil {
			t.Fatalf("assign pass failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case data := <-seen:
		require.Equal(t, "hello nimbus", string(data))
	default:
		t.Fatal("consumer finished without ever observing the produced data")
	}

	_ = served
}
