package browser

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPool_LeaseCloseReturnsToPool(t *testing.T) {
	var created atomic.Int32
	p, err := NewPool(testPoolConfig(1, 0), stubFactory(&created), zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	h, err := p.Lease(context.Background())
	require.NoError(t, err)
	_, active, _ := p.Stats()
	assert.Equal(t, 1, active)

	require.NoError(t, h.Close())
	// 重复 Close 只归还一次
	require.NoError(t, h.Close())

	idle, active, _ := p.Stats()
	assert.Equal(t, 1, idle)
	assert.Equal(t, 0, active)

	h2, err := p.Lease(context.Background())
	require.NoError(t, err)
	defer h2.Close()
	assert.Equal(t, int32(1), created.Load(), "leased browser should be reused")
}

func TestControls(t *testing.T) {
	t.Run("launch without pool", func(t *testing.T) {
		c := NewControls(DefaultConfig(), nil, nil, nil)
		_, err := c.Launch(context.Background())
		assert.ErrorIs(t, err, ErrNoPool)
		assert.NoError(t, c.Close())
	})

	t.Run("attach uses attacher", func(t *testing.T) {
		var gotURL, gotTarget string
		c := NewControls(DefaultConfig(), nil, func(wsURL, targetID string, _ Config, _ *zap.Logger) (ControlHandle, error) {
			gotURL, gotTarget = wsURL, targetID
			return &stubHandle{}, nil
		}, zap.NewNop())

		h, err := c.Attach(context.Background(), "ws://127.0.0.1:9222/devtools/browser/abc", "T1")
		require.NoError(t, err)
		assert.NotNil(t, h)
		assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", gotURL)
		assert.Equal(t, "T1", gotTarget)
	})

	t.Run("attach honours cancelled context", func(t *testing.T) {
		c := NewControls(DefaultConfig(), nil, func(string, string, Config, *zap.Logger) (ControlHandle, error) {
			t.Fatal("attacher must not be called")
			return nil, nil
		}, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.Attach(ctx, "ws://x", "")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("launch leases from pool", func(t *testing.T) {
		var created atomic.Int32
		p, err := NewPool(testPoolConfig(2, 0), stubFactory(&created), nil)
		require.NoError(t, err)
		c := NewControls(DefaultConfig(), p, nil, nil)

		h, err := c.Launch(context.Background())
		require.NoError(t, err)
		require.NoError(t, h.Close())
		require.NoError(t, c.Close())
		assert.Equal(t, int32(1), created.Load())
	})
}
