package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingDriver struct {
	name     string
	changes  []Change
	initErr  error
	onChange error
}

func (d *recordingDriver) Name() string { return d.name }
func (d *recordingDriver) Init(ctx context.Context) error { return d.initErr }
func (d *recordingDriver) OnChange(ctx context.Context, c Change) error {
	d.changes = append(d.changes, c)
	return d.onChange
}
func (d *recordingDriver) Reload(ctx context.Context) error { return nil }
func (d *recordingDriver) Health(ctx context.Context) bool  { return true }
func (d *recordingDriver) Shutdown(ctx context.Context) error { return nil }

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&recordingDriver{name: "dns"}))
	err := r.Register(&recordingDriver{name: "dns"})
	require.Error(t, err)
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
}

func TestDispatchDeliversToEveryDriverInOrder(t *testing.T) {
	r := NewRegistry()
	a := &recordingDriver{name: "dns"}
	b := &recordingDriver{name: "dhcp"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	errs := r.Dispatch(context.Background(), Change{Key: "zones/x", Kind: ChangePut})
	require.Empty(t, errs)
	require.Len(t, a.changes, 1)
	require.Len(t, b.changes, 1)
}

// TestDispatchCoversDeletes is the direct fix for a previous Put-only
// dispatch bug: tombstones must reach every driver too.
func TestDispatchCoversDeletes(t *testing.T) {
	r := NewRegistry()
	a := &recordingDriver{name: "dns"}
	require.NoError(t, r.Register(a))

	r.Dispatch(context.Background(), Change{Key: "zones/x", Kind: ChangeDelete})
	require.Len(t, a.changes, 1)
	require.Equal(t, ChangeDelete, a.changes[0].Kind)
}

func TestShutdownAllRunsInReverseOrder(t *testing.T) {
	var order []string
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		name := name
		require.NoError(t, r.Register(&orderTrackingDriver{name: name, order: &order}))
	}
	errs := r.ShutdownAll(context.Background())
	require.Empty(t, errs)
	require.Equal(t, []string{"c", "b", "a"}, order)
}

func TestDispatchCollectsErrorsWithoutStopping(t *testing.T) {
	r := NewRegistry()
	a := &recordingDriver{name: "a", onChange: errors.New("boom")}
	b := &recordingDriver{name: "b"}
	require.NoError(t, r.Register(a))
	require.NoError(t, r.Register(b))

	errs := r.Dispatch(context.Background(), Change{Key: "k"})
	require.Len(t, errs, 1)
	require.Len(t, b.changes, 1, "second driver still runs after first errors")
}

type orderTrackingDriver struct {
	name  string
	order *[]string
}

func (d *orderTrackingDriver) Name() string                                 { return d.name }
func (d *orderTrackingDriver) Init(ctx context.Context) error               { return nil }
func (d *orderTrackingDriver) OnChange(ctx context.Context, c Change) error { return nil }
func (d *orderTrackingDriver) Reload(ctx context.Context) error             { return nil }
func (d *orderTrackingDriver) Health(ctx context.Context) bool              { return true }
func (d *orderTrackingDriver) Shutdown(ctx context.Context) error {
	*d.order = append(*d.order, d.name)
	return nil
}
