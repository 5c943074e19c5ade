package migration

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMigrator 在内存中记录调用
type fakeMigrator struct {
	steps   []int
	gotoV   []uint
	forced  []int
	version uint
	dirty   bool
	upErr   error
}

func (f *fakeMigrator) Up(ctx context.Context) error {
	if f.upErr != nil {
		return f.upErr
	}
	f.version = 2
	return nil
}
func (f *fakeMigrator) Down(ctx context.Context) error    { f.version--; return nil }
func (f *fakeMigrator) DownAll(ctx context.Context) error { f.version = 0; return nil }
func (f *fakeMigrator) Steps(ctx context.Context, n int) error {
	f.steps = append(f.steps, n)
	return nil
}
func (f *fakeMigrator) Goto(ctx context.Context, v uint) error {
	f.gotoV = append(f.gotoV, v)
	return nil
}
func (f *fakeMigrator) Force(ctx context.Context, v int) error {
	f.forced = append(f.forced, v)
	return nil
}
func (f *fakeMigrator) Version(ctx context.Context) (uint, bool, error) {
	return f.version, f.dirty, nil
}
func (f *fakeMigrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	return []MigrationStatus{
		{Version: 1, Name: "create_handoff_requests", Applied: f.version >= 1},
		{Version: 2, Name: "add_handoff_expiry_index", Applied: f.version >= 2, Dirty: f.dirty},
	}, nil
}
func (f *fakeMigrator) Info(ctx context.Context) (*MigrationInfo, error) {
	applied := int(f.version)
	return &MigrationInfo{
		CurrentVersion:    f.version,
		Dirty:             f.dirty,
		TotalMigrations:   2,
		AppliedMigrations: applied,
		PendingMigrations: 2 - applied,
	}, nil
}
func (f *fakeMigrator) Close() error { return nil }

func newTestCLI(m Migrator) (*CLI, *bytes.Buffer) {
	var buf bytes.Buffer
	c := NewCLI(m)
	c.SetOutput(&buf)
	return c, &buf
}

func TestCLI_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("up", func(t *testing.T) {
		c, out := newTestCLI(&fakeMigrator{})
		require.NoError(t, c.Run(ctx, []string{"up"}))
		assert.Contains(t, out.String(), "Current version: 2")
	})

	t.Run("up error", func(t *testing.T) {
		c, _ := newTestCLI(&fakeMigrator{upErr: errors.New("locked")})
		err := c.Run(ctx, []string{"up"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "locked")
	})

	t.Run("steps", func(t *testing.T) {
		f := &fakeMigrator{}
		c, out := newTestCLI(f)
		require.NoError(t, c.Run(ctx, []string{"steps", "-1"}))
		assert.Equal(t, []int{-1}, f.steps)
		assert.Contains(t, out.String(), "Rolling back 1 migration(s)")
	})

	t.Run("steps zero", func(t *testing.T) {
		c, _ := newTestCLI(&fakeMigrator{})
		assert.Error(t, c.Run(ctx, []string{"steps", "0"}))
	})

	t.Run("goto", func(t *testing.T) {
		f := &fakeMigrator{}
		c, _ := newTestCLI(f)
		require.NoError(t, c.Run(ctx, []string{"goto", "1"}))
		assert.Equal(t, []uint{1}, f.gotoV)
		assert.Error(t, c.Run(ctx, []string{"goto", "-3"}))
	})

	t.Run("force", func(t *testing.T) {
		f := &fakeMigrator{}
		c, out := newTestCLI(f)
		require.NoError(t, c.Run(ctx, []string{"force", "1"}))
		assert.Equal(t, []int{1}, f.forced)
		assert.Contains(t, out.String(), "Version forced to 1")
	})

	t.Run("bad argument", func(t *testing.T) {
		c, _ := newTestCLI(&fakeMigrator{})
		assert.Error(t, c.Run(ctx, []string{"force"}))
		assert.Error(t, c.Run(ctx, []string{"force", "abc"}))
	})

	t.Run("unknown", func(t *testing.T) {
		c, _ := newTestCLI(&fakeMigrator{})
		assert.ErrorIs(t, c.Run(ctx, []string{"sideways"}), ErrUnknownCommand)
		assert.ErrorIs(t, c.Run(ctx, nil), ErrUnknownCommand)
	})
}

func TestCLI_Version(t *testing.T) {
	ctx := context.Background()

	c, out := newTestCLI(&fakeMigrator{})
	require.NoError(t, c.RunVersion(ctx))
	assert.Contains(t, out.String(), "No migrations applied yet")

	c, out = newTestCLI(&fakeMigrator{version: 2, dirty: true})
	require.NoError(t, c.RunVersion(ctx))
	assert.Contains(t, out.String(), "Current version: 2 (dirty)")
}

func TestCLI_Status(t *testing.T) {
	c, out := newTestCLI(&fakeMigrator{version: 1})
	require.NoError(t, c.RunStatus(context.Background()))

	s := out.String()
	assert.Contains(t, s, "000001")
	assert.Contains(t, s, "create_handoff_requests")
	assert.Contains(t, s, "Applied")
	assert.Contains(t, s, "Pending")
	assert.Contains(t, s, "Total: 2, Applied: 1, Pending: 1")
}
