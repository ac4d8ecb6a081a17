package shm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tsbuild/internal/receiver"
)

func TestWorkItemQueueRoundTrip(t *testing.T) {
	name := uniqueName(t)
	server, err := CreateQueue(name)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, server.Close())
		require.NoError(t, server.Unlink())
	}()

	client, err := DialQueue(name)
	require.NoError(t, err)
	defer client.Close()

	sink := NewWorkItemQueue(client)
	item := receiver.WorkItem{TSIndex: 3, TSPos: 3, TSCore: 100, NumComponents: 2, DataBufSizeExp: 24, DescBufSizeExp: 16}
	require.NoError(t, sink.Emit(item))

	src := NewWorkItemQueue(server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, ok, err := src.Recv(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, item, got)
}

func TestWorkItemQueueShutdownSentinel(t *testing.T) {
	name := uniqueName(t)
	server, err := CreateQueue(name)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, server.Close())
		require.NoError(t, server.Unlink())
	}()

	client, err := DialQueue(name)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, ok, err := server.Recv(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompletionQueueRoundTrip(t *testing.T) {
	name := uniqueName(t)
	server, err := CreateQueue(name)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, server.Close())
		require.NoError(t, server.Unlink())
	}()

	client, err := DialQueue(name)
	require.NoError(t, err)
	defer client.Close()

	processorSide := NewCompletionQueue(client)
	require.NoError(t, processorSide.Send(receiver.Completion{TSPos: 42}))

	computeSide := NewCompletionQueue(server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, ok, err := computeSide.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, receiver.Completion{TSPos: 42}, got)
}
