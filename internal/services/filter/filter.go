// Package filter is the DNS filter driver. It compiles three
// independent KVDB-backed inputs into on-disk filter-daemon artefacts:
//
//   - /role-mappings/* into an IP/CIDR -> roles lookup table
//   - /policies/<id> (for DNS-shaped resources) into per-policy decision rules
//   - /threats/domains/<d> into a response-policy-zone (RPZ) file
//
// Two bugs common to substring-based CIDR matching are fixed here: role
// lookup uses real CIDR containment instead of matching the IP as a
// substring of the CIDR string, and "DNS-shaped" policies are decided by a
// configurable DNSResourceKinds predicate instead of a single hardcoded
// resource name.
package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nnoe/agent/internal/fsutil"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/metrics"
	"github.com/nnoe/agent/internal/plugin"
)

// RoleMapping is the decoded form of P/role-mappings/<ip-or-cidr>.
type RoleMapping struct {
	Roles []string `json:"roles"`
}

// ThreatDomain is the decoded form of P/threats/domains/<domain>.
type ThreatDomain struct {
	Domain    string `json:"domain"`
	Source    string `json:"source"`
	Severity  string `json:"severity,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Condition is a Cerbos-shaped match condition on a policy rule.
type Condition struct {
	Match struct {
		Expr string `json:"expr"`
	} `json:"match"`
}

// PolicyRule is one rule within a resource policy.
type PolicyRule struct {
	Actions   []string   `json:"actions"`
	Effect    string     `json:"effect"`
	Roles     []string   `json:"roles"`
	Condition *Condition `json:"condition,omitempty"`
}

// ResourcePolicy names the resource a policy's rules apply to.
type ResourcePolicy struct {
	Resource string       `json:"resource"`
	Rules    []PolicyRule `json:"rules"`
}

// Policy is the decoded form of P/policies/<id> (Cerbos-shaped resource policy).
type Policy struct {
	APIVersion     string          `json:"apiVersion"`
	ResourcePolicy *ResourcePolicy `json:"resourcePolicy"`
}

// roleEntry is one compiled row of the role table.
type roleEntry struct {
	key     string
	network *net.IPNet // nil for an exact IP entry
	exact   net.IP
	roles   []string
}

// Config configures the filter driver.
type Config struct {
	ConfigPath       string
	RPZDir           string
	ReloadCmd        string
	SinkholeResponse string // defaults to "NXDOMAIN"
	DNSResourceKinds []string
}

// Driver is the filter service plugin.
type Driver struct {
	cfg     Config
	kv      kvdb.Interface
	metrics *metrics.Block

	mu            sync.Mutex
	roles         map[string]RoleMapping
	threats       map[string]ThreatDomain
	policies      map[string]Policy
	lastReloadErr error
}

var _ plugin.Driver = (*Driver)(nil)

// New constructs a filter driver.
func New(cfg Config, kv kvdb.Interface, m *metrics.Block) *Driver {
	if cfg.SinkholeResponse == "" {
		cfg.SinkholeResponse = "NXDOMAIN"
	}
	if len(cfg.DNSResourceKinds) == 0 {
		cfg.DNSResourceKinds = []string{"dns_query"}
	}
	return &Driver{
		cfg:      cfg,
		kv:       kv,
		metrics:  m,
		roles:    make(map[string]RoleMapping),
		threats:  make(map[string]ThreatDomain),
		policies: make(map[string]Policy),
	}
}

func (d *Driver) Name() string { return "filter" }

const (
	roleMappingPrefix = "/role-mappings/"
	threatDomainPrefix = "/threats/domains/"
	policyPrefix       = "/policies/"
)

func (d *Driver) Init(ctx context.Context) error { return nil }

func (d *Driver) OnChange(ctx context.Context, change plugin.Change) error {
	switch {
	case strings.HasPrefix(change.Key, roleMappingPrefix):
		d.onRoleMapping(change, strings.TrimPrefix(change.Key, roleMappingPrefix))
	case strings.HasPrefix(change.Key, threatDomainPrefix):
		d.onThreatDomain(change, strings.TrimPrefix(change.Key, threatDomainPrefix))
	case strings.HasPrefix(change.Key, policyPrefix):
		d.onPolicy(change, strings.TrimPrefix(change.Key, policyPrefix))
	default:
		return nil
	}

	return d.Reload(ctx)
}

func (d *Driver) onRoleMapping(change plugin.Change, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if change.Kind == plugin.ChangeDelete {
		delete(d.roles, key)
		return
	}
	var m RoleMapping
	if err := json.Unmarshal(change.Value, &m); err != nil {
		l := log.WithPlugin("filter")
		l.Warn().Err(err).Str("key", key).Msg("skipping malformed role mapping")
		return
	}
	d.roles[key] = m
}

func (d *Driver) onThreatDomain(change plugin.Change, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if change.Kind == plugin.ChangeDelete {
		delete(d.threats, key)
		return
	}
	var t ThreatDomain
	if err := json.Unmarshal(change.Value, &t); err != nil {
		l := log.WithPlugin("filter")
		l.Warn().Err(err).Str("key", key).Msg("skipping malformed threat record")
		return
	}
	if t.Domain == "" {
		t.Domain = key
	}
	d.threats[key] = t
}

func (d *Driver) onPolicy(change plugin.Change, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if change.Kind == plugin.ChangeDelete {
		delete(d.policies, key)
		return
	}
	var p Policy
	if err := json.Unmarshal(change.Value, &p); err != nil {
		l := log.WithPlugin("filter")
		l.Warn().Err(err).Str("key", key).Msg("skipping malformed policy")
		return
	}
	d.policies[key] = p
}

// isDNSShaped decides whether a policy resource counts as DNS-shaped by
// matching it against the configured DNSResourceKinds predicate rather than
// a single hardcoded string.
func (d *Driver) isDNSShaped(resource string) bool {
	for _, kind := range d.cfg.DNSResourceKinds {
		if kind == resource {
			return true
		}
	}
	return false
}

// compileRoleTable builds a longest-prefix-match lookup from the current
// role mapping set. Caller holds d.mu.
func (d *Driver) compileRoleTable() []roleEntry {
	keys := make([]string, 0, len(d.roles))
	for k := range d.roles {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]roleEntry, 0, len(keys))
	for _, k := range keys {
		m := d.roles[k]
		if ip := net.ParseIP(k); ip != nil {
			entries = append(entries, roleEntry{key: k, exact: ip, roles: m.Roles})
			continue
		}
		if _, network, err := net.ParseCIDR(k); err == nil {
			entries = append(entries, roleEntry{key: k, network: network, roles: m.Roles})
			continue
		}
		l := log.WithPlugin("filter")
		l.Warn().Str("key", k).Msg("role mapping key is neither an IP nor a CIDR")
	}
	return entries
}

// lookupRole performs a longest-prefix match: an exact IP entry always wins
// over any containing CIDR; among CIDR matches the narrowest (longest)
// prefix wins.
func lookupRole(entries []roleEntry, clientIP net.IP) []string {
	var best *roleEntry
	bestOnes := -1
	for i := range entries {
		e := &entries[i]
		if e.exact != nil {
			if e.exact.Equal(clientIP) {
				return e.roles
			}
			continue
		}
		if e.network != nil && e.network.Contains(clientIP) {
			ones, _ := e.network.Mask.Size()
			if ones > bestOnes {
				bestOnes = ones
				best = e
			}
		}
	}
	if best == nil {
		return nil
	}
	return best.roles
}

// Reload recompiles every output from the current in-memory state and asks
// the filter daemon to reload. A full rebuild is always possible from this
// state alone, so output is order-independent regardless of the order
// watch events arrived in.
func (d *Driver) Reload(ctx context.Context) error {
	d.mu.Lock()
	roleTable := d.compileRoleTable()
	rules := d.compileRulesLocked()
	threats := make(map[string]ThreatDomain, len(d.threats))
	for k, v := range d.threats {
		threats[k] = v
	}
	d.mu.Unlock()

	if err := d.writeRulesFile(roleTable, rules); err != nil {
		return fmt.Errorf("filter: writing rules file: %w", err)
	}
	if err := d.writeRPZFile(threats); err != nil {
		return fmt.Errorf("filter: writing RPZ file: %w", err)
	}
	return d.reloadDaemon(ctx)
}

type compiledRule struct {
	policyID string
	effect   string
	roles    []string
	expr     string
}

// compileRulesLocked extracts {effect, roles, condition} triples from every
// DNS-shaped policy. Caller holds d.mu.
func (d *Driver) compileRulesLocked() []compiledRule {
	ids := make([]string, 0, len(d.policies))
	for id := range d.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rules []compiledRule
	for _, id := range ids {
		p := d.policies[id]
		if p.ResourcePolicy == nil || !d.isDNSShaped(p.ResourcePolicy.Resource) {
			continue
		}
		for _, r := range p.ResourcePolicy.Rules {
			cr := compiledRule{policyID: id, effect: r.Effect, roles: append([]string(nil), r.Roles...)}
			if r.Condition != nil {
				cr.expr = r.Condition.Match.Expr
			}
			rules = append(rules, cr)
		}
	}
	return rules
}

// writeRulesFile renders the role table and policy rules into a single
// deterministic text artefact for the filter daemon to load.
func (d *Driver) writeRulesFile(roleTable []roleEntry, rules []compiledRule) error {
	var buf bytes.Buffer
	buf.WriteString("# managed by nnoe-agent; do not edit by hand\n\n")

	buf.WriteString("# role table\n")
	for _, e := range roleTable {
		fmt.Fprintf(&buf, "role_map %s = %s\n", e.key, strings.Join(e.roles, ","))
	}

	buf.WriteString("\n# policy rules\n")
	for _, r := range rules {
		fmt.Fprintf(&buf, "rule policy=%s effect=%s roles=%s", r.policyID, r.effect, strings.Join(r.roles, ","))
		if r.expr != "" {
			fmt.Fprintf(&buf, " condition=%q", r.expr)
		}
		buf.WriteString("\n")
	}

	return fsutil.WriteFileAtomic(d.cfg.ConfigPath, buf.Bytes(), 0o644)
}

// writeRPZFile renders the threat domain set as a sorted RPZ zone so the
// output is order-independent regardless of KVDB event arrival order.
func (d *Driver) writeRPZFile(threats map[string]ThreatDomain) error {
	domains := make([]string, 0, len(threats))
	for _, t := range threats {
		domains = append(domains, t.Domain)
	}
	sort.Strings(domains)

	var buf bytes.Buffer
	buf.WriteString("$TTL 3600\n$ORIGIN rpz.nnoe.local.\n")
	buf.WriteString("@ IN SOA ns1.rpz.nnoe.local. admin.rpz.nnoe.local. ( 1 3600 1800 604800 86400 )\n\n")
	for _, domain := range domains {
		if d.cfg.SinkholeResponse == "NXDOMAIN" {
			fmt.Fprintf(&buf, "%s CNAME .\n", domain)
		} else {
			fmt.Fprintf(&buf, "%s A %s\n", domain, d.cfg.SinkholeResponse)
		}
	}

	path := filepath.Join(d.cfg.RPZDir, "rpz.db")
	return fsutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

func (d *Driver) reloadDaemon(ctx context.Context) error {
	if d.cfg.ReloadCmd == "" {
		d.setReloadErr(nil)
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", d.cfg.ReloadCmd)
	out, err := cmd.CombinedOutput()
	if err != nil {
		err = fmt.Errorf("filter: reload failed: %w: %s", err, strings.TrimSpace(string(out)))
	} else {
		metrics.ServiceReloadsTotal.WithLabelValues("filter").Inc()
	}
	d.setReloadErr(err)
	return err
}

func (d *Driver) setReloadErr(err error) {
	d.mu.Lock()
	d.lastReloadErr = err
	d.mu.Unlock()
}

// Health reports whether the last daemon-control reload attempt succeeded.
func (d *Driver) Health(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastReloadErr == nil
}

func (d *Driver) Shutdown(ctx context.Context) error { return nil }
