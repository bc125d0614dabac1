package sandbox

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/moby/moby/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func localSpec(script string) Spec {
	return Spec{Image: "local", Command: []string{"sh", "-c", script}}
}

func TestLocalRuntime(t *testing.T) {
	ctx := context.Background()

	t.Run("StreamsFramedOutput", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))
		defer rt.Close()

		h, err := rt.Create(ctx, localSpec("echo out; echo err >&2"))
		require.NoError(t, err)
		assert.NotEmpty(t, h.ID)
		assert.Equal(t, Creating, h.State)

		stream, err := rt.OpenLogStream(ctx, h)
		require.NoError(t, err)
		assert.True(t, stream.Multiplexed)

		var stdout, stderr bytes.Buffer
		_, err = stdcopy.StdCopy(&stdout, &stderr, stream)
		require.NoError(t, err)
		assert.Equal(t, "out\n", stdout.String())
		assert.Equal(t, "err\n", stderr.String())

		require.NoError(t, rt.Stop(ctx, h, time.Second))
		require.NoError(t, rt.Remove(ctx, h))
	})

	t.Run("StreamAttachesOnce", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))
		defer rt.Close()

		h, err := rt.Create(ctx, localSpec("true"))
		require.NoError(t, err)

		_, err = rt.OpenLogStream(ctx, h)
		require.NoError(t, err)
		_, err = rt.OpenLogStream(ctx, h)
		assert.ErrorIs(t, err, ErrStream)
	})

	t.Run("StopTerminatesLongRunningProcess", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))
		defer rt.Close()

		h, err := rt.Create(ctx, localSpec("sleep 30"))
		require.NoError(t, err)

		stream, err := rt.OpenLogStream(ctx, h)
		require.NoError(t, err)

		start := time.Now()
		require.NoError(t, rt.Stop(ctx, h, 2*time.Second))
		assert.Less(t, time.Since(start), 10*time.Second)

		// The stream reaches EOF once the process is gone.
		_, err = io.Copy(io.Discard, stream)
		assert.NoError(t, err)
	})

	t.Run("StopAndRemoveAreIdempotent", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))

		h, err := rt.Create(ctx, localSpec("sleep 30"))
		require.NoError(t, err)

		require.NoError(t, rt.Stop(ctx, h, time.Second))
		require.NoError(t, rt.Stop(ctx, h, time.Second))
		require.NoError(t, rt.Remove(ctx, h))
		require.NoError(t, rt.Remove(ctx, h))

		_, err = rt.OpenLogStream(ctx, h)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UnknownSandbox", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))
		h := &Handle{ID: "missing"}

		require.NoError(t, rt.Stop(ctx, h, time.Second))
		require.NoError(t, rt.Remove(ctx, h))
	})

	t.Run("CreationErrors", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))

		_, err := rt.Create(ctx, Spec{Image: "local"})
		assert.ErrorIs(t, err, ErrCreation)

		_, err = rt.Create(ctx, Spec{Image: "local", Command: []string{"/nonexistent/sandboxctl-binary"}})
		assert.ErrorIs(t, err, ErrCreation)
	})

	t.Run("CloseKillsEverything", func(t *testing.T) {
		rt := NewLocalRuntime(zaptest.NewLogger(t))

		_, err := rt.Create(ctx, localSpec("sleep 30"))
		require.NoError(t, err)
		_, err = rt.Create(ctx, localSpec("sleep 30"))
		require.NoError(t, err)

		require.NoError(t, rt.Close())
		assert.Empty(t, rt.procs)
	})
}
