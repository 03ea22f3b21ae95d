package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nnoe/agent/internal/config"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/stretchr/testify/require"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.Name = "node1"
	cfg.Cache.Path = filepath.Join(dir, "cache.db")
	cfg.Cache.SweepIntervalSecs = 60
	return cfg
}

// TestDBOnlyNodeRegistersNoPluginsAndExitsClean: a db-only node registers no
// plugins, never starts a managed daemon, and exits cleanly on
// cancellation while still seeding/watching the cache.
func TestDBOnlyNodeRegistersNoPluginsAndExitsClean(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Node.Role = config.RoleDBOnly
	cfg.Services.DHCP.Enabled = true // must be ignored: db-only skips plugin registration entirely
	cfg.Services.DHCP.BinaryPath = "/bin/true"

	kv := kvdb.NewFake()
	require.NoError(t, kv.Put(context.Background(), "/dhcp/scopes/s1", []byte(`{"id":"s1"}`)))

	o, err := New(cfg, kv)
	require.NoError(t, err)
	require.Empty(t, o.registry.Drivers())
	require.Nil(t, o.vpnSup)
	require.Nil(t, o.ha)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		v, _, err := o.cache.Get("/dhcp/scopes/s1")
		return err == nil && v != nil
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// TestAgentNodeRegistersEnabledPluginsOnly verifies only the services marked
// enabled in config are registered, and that a watch event reaches a
// registered plugin's rendered output on disk.
func TestAgentNodeRegistersEnabledPluginsOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t)
	cfg.Services.DHCP.Enabled = true
	cfg.Services.DHCP.BinaryPath = "/bin/true"
	cfg.Services.DHCP.ConfigPath = filepath.Join(dir, "kea.json")
	cfg.Services.DNS.Enabled = false
	cfg.Services.Filter.Enabled = false
	cfg.Services.PDP.Enabled = false
	cfg.Services.Audit.Enabled = false

	kv := kvdb.NewFake()
	o, err := New(cfg, kv)
	require.NoError(t, err)

	names := make([]string, 0)
	for _, d := range o.registry.Drivers() {
		names = append(names, d.Name())
	}
	require.Equal(t, []string{"dhcp"}, names)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- o.Run(ctx) }()

	scope := `{"id":"s1","subnet":"10.0.0.0/24","pool":{"start":"10.0.0.10","end":"10.0.0.200"}}`
	require.NoError(t, kv.Put(context.Background(), "/dhcp/scopes/s1", []byte(scope)))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.Services.DHCP.ConfigPath)
		return err == nil && len(data) > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

// TestConfigUpdatesMetricIncrementsPerEvent checks that every dispatched
// watch event increments the shared config_updates counter once.
func TestConfigUpdatesMetricIncrementsPerEvent(t *testing.T) {
	cfg := baseConfig(t)
	kv := kvdb.NewFake()
	o, err := New(cfg, kv)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- o.Run(ctx) }()

	require.NoError(t, kv.Put(context.Background(), "/policies/p1", []byte(`{}`)))
	require.NoError(t, kv.Put(context.Background(), "/threats/domains/evil.example", []byte(`{}`)))

	require.Eventually(t, func() bool {
		return o.metrics.Snapshot().ConfigUpdatesTotal >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
