package filter

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/plugin"
	"github.com/stretchr/testify/require"
)

func newTestDriver(t *testing.T) (*Driver, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		ConfigPath: filepath.Join(dir, "rules.conf"),
		RPZDir:     dir,
	}
	return New(cfg, kvdb.NewFake(), nil), dir
}

// TestThreatBlocklist covers adding then removing a threat-intel domain:
// the RPZ file must gain and then lose the corresponding entry.
func TestThreatBlocklist(t *testing.T) {
	d, dir := newTestDriver(t)

	data, err := json.Marshal(ThreatDomain{Domain: "evil.example", Source: "feed1"})
	require.NoError(t, err)

	require.NoError(t, d.OnChange(context.Background(), plugin.Change{
		Key: "/threats/domains/evil.example", Value: data, Kind: plugin.ChangePut,
	}))

	rpz, err := os.ReadFile(filepath.Join(dir, "rpz.db"))
	require.NoError(t, err)
	require.Contains(t, string(rpz), "evil.example")

	require.NoError(t, d.OnChange(context.Background(), plugin.Change{
		Key: "/threats/domains/evil.example", Kind: plugin.ChangeDelete,
	}))

	rpz, err = os.ReadFile(filepath.Join(dir, "rpz.db"))
	require.NoError(t, err)
	require.NotContains(t, string(rpz), "evil.example")
}

// TestRoleMapExactIPOverridesContainingCIDR: a role map with both 10.0.0.5
// and 10.0.0.0/24 present must resolve 10.0.0.5 to the exact entry's
// roles, not the CIDR's.
func TestRoleMapExactIPOverridesContainingCIDR(t *testing.T) {
	d, _ := newTestDriver(t)

	putRole(t, d, "10.0.0.0/24", RoleMapping{Roles: []string{"guest"}})
	putRole(t, d, "10.0.0.5", RoleMapping{Roles: []string{"admin"}})

	d.mu.Lock()
	table := d.compileRoleTable()
	d.mu.Unlock()

	roles := lookupRole(table, net.ParseIP("10.0.0.5"))
	require.Equal(t, []string{"admin"}, roles)

	roles = lookupRole(table, net.ParseIP("10.0.0.9"))
	require.Equal(t, []string{"guest"}, roles)
}

func TestLongestPrefixWinsAmongMultipleCIDRs(t *testing.T) {
	d, _ := newTestDriver(t)

	putRole(t, d, "10.0.0.0/8", RoleMapping{Roles: []string{"wide"}})
	putRole(t, d, "10.0.0.0/24", RoleMapping{Roles: []string{"narrow"}})

	d.mu.Lock()
	table := d.compileRoleTable()
	d.mu.Unlock()

	roles := lookupRole(table, net.ParseIP("10.0.0.9"))
	require.Equal(t, []string{"narrow"}, roles)
}

func TestNonDNSShapedPolicyIsSkipped(t *testing.T) {
	d, dir := newTestDriver(t)
	policy := Policy{
		APIVersion: "api.cerbos.dev/v1",
		ResourcePolicy: &ResourcePolicy{
			Resource: "http_request",
			Rules:    []PolicyRule{{Effect: "EFFECT_ALLOW", Roles: []string{"admin"}}},
		},
	}
	data, err := json.Marshal(policy)
	require.NoError(t, err)

	require.NoError(t, d.OnChange(context.Background(), plugin.Change{
		Key: "/policies/p1", Value: data, Kind: plugin.ChangePut,
	}))

	rules, err := os.ReadFile(filepath.Join(dir, "rules.conf"))
	require.NoError(t, err)
	require.NotContains(t, string(rules), "policy=p1")
}

func TestDNSShapedPolicyIsCompiled(t *testing.T) {
	d, dir := newTestDriver(t)
	policy := Policy{
		ResourcePolicy: &ResourcePolicy{
			Resource: "dns_query",
			Rules:    []PolicyRule{{Effect: "EFFECT_ALLOW", Roles: []string{"admin"}}},
		},
	}
	data, err := json.Marshal(policy)
	require.NoError(t, err)

	require.NoError(t, d.OnChange(context.Background(), plugin.Change{
		Key: "/policies/p1", Value: data, Kind: plugin.ChangePut,
	}))

	rules, err := os.ReadFile(filepath.Join(dir, "rules.conf"))
	require.NoError(t, err)
	require.Contains(t, string(rules), "policy=p1")
	require.Contains(t, string(rules), "effect=EFFECT_ALLOW")
}

// TestFullRebuildIsIdempotent exercises the ordering/idempotence
// requirement: running a full rebuild twice with no intervening changes
// produces byte-identical output.
func TestFullRebuildIsIdempotent(t *testing.T) {
	d, dir := newTestDriver(t)
	putRole(t, d, "10.0.0.5", RoleMapping{Roles: []string{"admin"}})
	putThreat(t, d, "evil.example", ThreatDomain{Domain: "evil.example"})

	require.NoError(t, d.Reload(context.Background()))
	first, err := os.ReadFile(filepath.Join(dir, "rules.conf"))
	require.NoError(t, err)
	firstRPZ, err := os.ReadFile(filepath.Join(dir, "rpz.db"))
	require.NoError(t, err)

	require.NoError(t, d.Reload(context.Background()))
	second, err := os.ReadFile(filepath.Join(dir, "rules.conf"))
	require.NoError(t, err)
	secondRPZ, err := os.ReadFile(filepath.Join(dir, "rpz.db"))
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, firstRPZ, secondRPZ)
}

// TestHealthReflectsLastReloadOutcome: a failing reload command flips
// Health to false, and a subsequent successful reload flips it back.
func TestHealthReflectsLastReloadOutcome(t *testing.T) {
	dir := t.TempDir()
	d := New(Config{
		ConfigPath: filepath.Join(dir, "rules.conf"),
		RPZDir:     dir,
		ReloadCmd:  "false",
	}, kvdb.NewFake(), nil)

	require.True(t, d.Health(context.Background()))

	require.Error(t, d.Reload(context.Background()))
	require.False(t, d.Health(context.Background()))

	d.cfg.ReloadCmd = "true"
	require.NoError(t, d.Reload(context.Background()))
	require.True(t, d.Health(context.Background()))
}

func putRole(t *testing.T, d *Driver, key string, m RoleMapping) {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, d.OnChange(context.Background(), plugin.Change{
		Key: roleMappingPrefix + key, Value: data, Kind: plugin.ChangePut,
	}))
}

func putThreat(t *testing.T, d *Driver, key string, th ThreatDomain) {
	t.Helper()
	data, err := json.Marshal(th)
	require.NoError(t, err)
	require.NoError(t, d.OnChange(context.Background(), plugin.Change{
		Key: threatDomainPrefix + key, Value: data, Kind: plugin.ChangePut,
	}))
}
