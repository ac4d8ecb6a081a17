package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
)

func TestConnectWithRetrySucceedsAfterRejection(t *testing.T) {
	attempts := 0
	dial := func(ctx context.Context) (*Connection, []byte, error) {
		attempts++
		if attempts == 1 {
			return nil, nil, tsbuild.New("dial", tsbuild.CodeRejected, "peer rejected")
		}
		return &Connection{}, []byte("ok"), nil
	}

	c, priv, err := ConnectWithRetry(context.Background(), dial, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, "ok", string(priv))
	require.Equal(t, 2, attempts)
}

func TestConnectWithRetryStopsOnFatalError(t *testing.T) {
	dial := func(ctx context.Context) (*Connection, []byte, error) {
		return nil, nil, tsbuild.New("dial", tsbuild.CodeFabric, "resolve failed")
	}

	_, _, err := ConnectWithRetry(context.Background(), dial, nil)
	require.Error(t, err)
	require.True(t, tsbuild.IsCode(err, tsbuild.CodeFabric))
}

func TestConnectWithRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	dial := func(ctx context.Context) (*Connection, []byte, error) {
		attempts++
		return nil, nil, tsbuild.New("dial", tsbuild.CodeRejected, "peer rejected")
	}

	_, _, err := ConnectWithRetry(ctx, dial, nil)
	require.Error(t, err)
	require.True(t, tsbuild.IsCode(err, tsbuild.CodeAborted))
}
