package hitl

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/handoffd/agent/escalation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test doubles (function callback pattern) ---

type testStore struct {
	saveFn   func(ctx context.Context, req *Request) error
	loadFn   func(ctx context.Context, id string) (*Request, error)
	listFn   func(ctx context.Context, filter Filter) ([]*Request, error)
	updateFn func(ctx context.Context, req *Request) error
}

func (s *testStore) Save(ctx context.Context, req *Request) error {
	if s.saveFn != nil {
		return s.saveFn(ctx, req)
	}
	return nil
}

func (s *testStore) Load(ctx context.Context, id string) (*Request, error) {
	if s.loadFn != nil {
		return s.loadFn(ctx, id)
	}
	return nil, ErrStoreNotFound
}

func (s *testStore) List(ctx context.Context, filter Filter) ([]*Request, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *testStore) Update(ctx context.Context, req *Request) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, req)
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testMetrics struct {
	created  atomic.Int32
	resolved atomic.Int32
}

func (m *testMetrics) RecordHandoffCreated(string) { m.created.Add(1) }
func (m *testMetrics) RecordHandoffResolved(string, string, time.Duration) {
	m.resolved.Add(1)
}

func newTestRegistry(t *testing.T, clock *fakeClock, store Store) *Registry {
	t.Helper()
	return NewRegistry(DefaultRegistryConfig(), store, nil, WithClock(clock.Now))
}

func captchaRequest() NewRequest {
	return NewRequest{
		RunID:          "run-1",
		Reason:         "captcha challenge requires a human",
		Classification: escalation.ClassCaptcha,
		Urgency:        escalation.UrgencyUrgent,
		Options:        []string{escalation.OptionContinue, escalation.OptionAbort},
	}
}

func TestRegistry_Create(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	t.Run("ttl per urgency", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		for u, ttl := range map[escalation.Urgency]time.Duration{
			escalation.UrgencyUrgent: 5 * time.Minute,
			escalation.UrgencyHigh:   15 * time.Minute,
			escalation.UrgencyNormal: 30 * time.Minute,
		} {
			req := r.Create(ctx, NewRequest{Urgency: u, Options: []string{"abort"}})
			assert.Equal(t, ttl, req.ExpiresAt.Sub(req.CreatedAt), string(u))
			assert.Equal(t, StatusWaiting, req.Status)
			assert.NotEmpty(t, req.ID)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, NewRequest{Urgency: "sometime"})
		assert.Equal(t, escalation.UrgencyNormal, req.Urgency)
		assert.Equal(t, escalation.ClassUnknown, req.Classification)
		assert.Equal(t, []string{"continue", "modify_approach", "abort"}, req.Options)
	})

	t.Run("store failure is contained", func(t *testing.T) {
		store := &testStore{saveFn: func(context.Context, *Request) error { return errors.New("disk full") }}
		r := newTestRegistry(t, clock, store)
		req := r.Create(ctx, captchaRequest())
		got, err := r.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, req.ID, got.ID)
	})

	t.Run("returned request is a copy", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		req.Options[0] = "hacked"
		got, _ := r.Get(ctx, req.ID)
		assert.Equal(t, "continue", got.Options[0])
	})
}

func TestRegistry_Respond(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())

		resp, err := r.Respond(ctx, req.ID, "continue", "solved it", "alice")
		require.NoError(t, err)
		assert.Equal(t, "continue", resp.Action)
		assert.Equal(t, "alice", resp.OperatorID)
		assert.False(t, resp.Expired)

		got, _ := r.Get(ctx, req.ID)
		assert.Equal(t, StatusResponded, got.Status)
		require.NotNil(t, got.Response)
		assert.Equal(t, "solved it", got.Response.Comment)
	})

	t.Run("not found", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		_, err := r.Respond(ctx, "missing", "continue", "", "")
		assert.True(t, IsNotFound(err))
	})

	t.Run("invalid action names options", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		_, err := r.Respond(ctx, req.ID, "change_strategy", "", "")
		require.True(t, IsInvalidAction(err))
		var re *RegistryError
		require.ErrorAs(t, err, &re)
		assert.Equal(t, []string{"continue", "abort"}, re.Allowed)
		assert.Contains(t, err.Error(), "continue, abort")

		got, _ := r.Get(ctx, req.ID)
		assert.Equal(t, StatusWaiting, got.Status, "rejected action leaves request waiting")
	})

	t.Run("second respond is already resolved", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		_, err := r.Respond(ctx, req.ID, "continue", "", "alice")
		require.NoError(t, err)

		_, err = r.Respond(ctx, req.ID, "abort", "", "bob")
		assert.True(t, IsAlreadyResolved(err))

		got, _ := r.Get(ctx, req.ID)
		assert.Equal(t, "continue", got.Response.Action, "never double-applies")
	})

	t.Run("respond after expiry is rejected", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		clock.Advance(6 * time.Minute)
		r.SweepExpired(ctx, clock.Now())

		_, err := r.Respond(ctx, req.ID, "continue", "", "alice")
		assert.True(t, IsAlreadyResolved(err))
	})

	t.Run("respond before sweep wins", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		clock.Advance(5*time.Minute + time.Second)

		_, err := r.Respond(ctx, req.ID, "continue", "", "alice")
		require.NoError(t, err)
		assert.Empty(t, r.SweepExpired(ctx, clock.Now()))

		got, _ := r.Get(ctx, req.ID)
		assert.Equal(t, StatusResponded, got.Status)
	})
}

func TestRegistry_ConcurrentRespondSingleWinner(t *testing.T) {
	r := newTestRegistry(t, newFakeClock(), nil)
	ctx := context.Background()
	req := r.Create(ctx, captchaRequest())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Respond(ctx, req.ID, "continue", "", "op"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.SweepExpired(ctx, req.ExpiresAt.Add(time.Second))
	}()
	wg.Wait()

	got, _ := r.Get(ctx, req.ID)
	if got.Status == StatusResponded {
		assert.Equal(t, int32(1), wins.Load())
	} else {
		assert.Equal(t, StatusExpired, got.Status)
		assert.Zero(t, wins.Load())
	}
}

func TestRegistry_SweepExpired(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()
	metrics := &testMetrics{}
	r := NewRegistry(DefaultRegistryConfig(), nil, nil, WithClock(clock.Now), WithMetrics(metrics))

	urgent := r.Create(ctx, captchaRequest())
	normal := r.Create(ctx, NewRequest{RunID: "run-2", Urgency: escalation.UrgencyNormal})

	var resolved []*Request
	var mu sync.Mutex
	r.OnResolved(func(req *Request) {
		mu.Lock()
		defer mu.Unlock()
		resolved = append(resolved, req)
	})

	clock.Advance(5*time.Minute - time.Second)
	assert.Empty(t, r.SweepExpired(ctx, clock.Now()))

	clock.Advance(time.Second)
	expired := r.SweepExpired(ctx, clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, urgent.ID, expired[0].ID)
	assert.Equal(t, StatusExpired, expired[0].Status)
	assert.True(t, expired[0].Response.Expired)
	assert.Equal(t, escalation.ResolutionExpired, expired[0].Response.Action)

	got, _ := r.Get(ctx, normal.ID)
	assert.Equal(t, StatusWaiting, got.Status)

	mu.Lock()
	require.Len(t, resolved, 1)
	assert.Equal(t, urgent.ID, resolved[0].ID)
	mu.Unlock()

	assert.Equal(t, int32(2), metrics.created.Load())
	assert.Equal(t, int32(1), metrics.resolved.Load())
}

func TestRegistry_RetentionEviction(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()
	store := NewMemoryStore()
	r := newTestRegistry(t, clock, store)

	req := r.Create(ctx, captchaRequest())
	_, err := r.Respond(ctx, req.ID, "abort", "", "alice")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	r.SweepExpired(ctx, clock.Now())

	_, inMemory := r.lookup(req.ID)
	assert.False(t, inMemory)

	got, err := r.Get(ctx, req.ID)
	require.NoError(t, err, "falls back to store")
	assert.Equal(t, StatusResponded, got.Status)

	_, err = r.Respond(ctx, req.ID, "continue", "", "bob")
	assert.True(t, IsAlreadyResolved(err))

	list, err := r.List(ctx, Filter{Status: StatusResponded})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRegistry_ExpireIfDue(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()
	r := newTestRegistry(t, clock, nil)
	req := r.Create(ctx, captchaRequest())

	assert.False(t, r.ExpireIfDue(ctx, req.ID))
	clock.Advance(5 * time.Minute)
	assert.True(t, r.ExpireIfDue(ctx, req.ID))
	assert.False(t, r.ExpireIfDue(ctx, req.ID))

	resp, err := r.Await(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, resp.Expired)
}

func TestRegistry_Expire(t *testing.T) {
	ctx := context.Background()

	t.Run("waiting request expires before its deadline", func(t *testing.T) {
		clock := newFakeClock()
		var updated atomic.Int32
		r := newTestRegistry(t, clock, &testStore{updateFn: func(_ context.Context, req *Request) error {
			if req.Status == StatusExpired {
				updated.Add(1)
			}
			return nil
		}})
		var heard atomic.Int32
		r.OnResolved(func(*Request) { heard.Add(1) })
		req := r.Create(ctx, captchaRequest())

		waiter := make(chan *HumanResponse, 1)
		go func() {
			resp, _ := r.Await(ctx, req.ID)
			waiter <- resp
		}()
		require.Eventually(t, func() bool { return r.Notifier().Len() == 1 }, time.Second, 5*time.Millisecond)

		require.True(t, r.Expire(ctx, req.ID))
		select {
		case resp := <-waiter:
			require.NotNil(t, resp)
			assert.True(t, resp.Expired)
			assert.Equal(t, escalation.ResolutionExpired, resp.Action)
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}

		got, err := r.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
		assert.True(t, got.ResolvedAt.Before(got.ExpiresAt))
		assert.Equal(t, int32(1), updated.Load())
		assert.Equal(t, int32(1), heard.Load())

		waiting, err := r.List(ctx, Filter{Status: StatusWaiting})
		require.NoError(t, err)
		assert.Empty(t, waiting)

		_, err = r.Respond(ctx, req.ID, escalation.OptionContinue, "", "alice")
		assert.True(t, IsAlreadyResolved(err))
	})

	t.Run("terminal or unknown request is untouched", func(t *testing.T) {
		r := newTestRegistry(t, newFakeClock(), nil)
		req := r.Create(ctx, captchaRequest())
		_, err := r.Respond(ctx, req.ID, escalation.OptionContinue, "", "alice")
		require.NoError(t, err)

		assert.False(t, r.Expire(ctx, req.ID))
		assert.False(t, r.Expire(ctx, "missing"))

		got, err := r.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusResponded, got.Status)
		assert.Equal(t, escalation.OptionContinue, got.Response.Action)
	})
}

func TestRegistry_List(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()
	r := newTestRegistry(t, clock, nil)

	n := r.Create(ctx, NewRequest{RunID: "a", Urgency: escalation.UrgencyNormal})
	clock.Advance(time.Second)
	u := r.Create(ctx, NewRequest{RunID: "b", Urgency: escalation.UrgencyUrgent})
	clock.Advance(time.Second)
	h := r.Create(ctx, NewRequest{RunID: "a", Urgency: escalation.UrgencyHigh})
	_, err := r.Respond(ctx, h.ID, "abort", "", "")
	require.NoError(t, err)

	waiting, err := r.List(ctx, Filter{Status: StatusWaiting})
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, u.ID, waiting[0].ID, "urgent first")
	assert.Equal(t, n.ID, waiting[1].ID)

	byRun, _ := r.List(ctx, Filter{RunID: "a"})
	assert.Len(t, byRun, 2)

	urgentOnly, _ := r.List(ctx, Filter{Urgency: escalation.UrgencyUrgent})
	require.Len(t, urgentOnly, 1)
}

func TestRegistry_Await(t *testing.T) {
	clock := newFakeClock()
	ctx := context.Background()

	t.Run("wakes on respond", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())

		done := make(chan *HumanResponse, 1)
		go func() {
			resp, err := r.Await(ctx, req.ID)
			if err == nil {
				done <- resp
			}
		}()

		time.Sleep(10 * time.Millisecond)
		_, err := r.Respond(ctx, req.ID, "continue", "", "alice")
		require.NoError(t, err)

		select {
		case resp := <-done:
			assert.Equal(t, "continue", resp.Action)
		case <-time.After(time.Second):
			t.Fatal("await did not return")
		}
	})

	t.Run("after resolution returns immediately", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		_, err := r.Respond(ctx, req.ID, "abort", "", "")
		require.NoError(t, err)

		resp, err := r.Await(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, "abort", resp.Action)
	})

	t.Run("unknown id", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		_, err := r.Await(ctx, "nope")
		assert.True(t, IsNotFound(err))
	})

	t.Run("context cancellation", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := r.Await(cctx, req.ID)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("release unblocks waiter", func(t *testing.T) {
		r := newTestRegistry(t, clock, nil)
		req := r.Create(ctx, captchaRequest())
		errCh := make(chan error, 1)
		go func() {
			_, err := r.Await(ctx, req.ID)
			errCh <- err
		}()
		require.Eventually(t, func() bool { return r.Notifier().Len() == 1 }, time.Second, time.Millisecond)
		r.Release(req.ID)
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrReleased)
		case <-time.After(time.Second):
			t.Fatal("release did not unblock")
		}
	})
}

func TestRegistry_ListenerPanicContained(t *testing.T) {
	r := newTestRegistry(t, newFakeClock(), nil)
	ctx := context.Background()
	var second atomic.Bool
	r.OnResolved(func(*Request) { panic("boom") })
	r.OnResolved(func(*Request) { second.Store(true) })

	req := r.Create(ctx, captchaRequest())
	_, err := r.Respond(ctx, req.ID, "continue", "", "")
	require.NoError(t, err)
	assert.True(t, second.Load())
}

func TestRegistry_Run(t *testing.T) {
	cfg := DefaultRegistryConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.TTL.Urgent = 20 * time.Millisecond
	r := NewRegistry(cfg, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	req := r.Create(ctx, captchaRequest())
	require.Eventually(t, func() bool {
		got, err := r.Get(ctx, req.ID)
		return err == nil && got.Status == StatusExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
