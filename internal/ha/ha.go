// Package ha is the standalone HA coordinator. It is deliberately not
// embedded inside the DHCP driver: the shared-IP probe and the
// Primary/Standby/Unknown state machine live here, and the DHCP driver is
// merely told to ensure its daemon is running or stopped when a transition
// happens.
package ha

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/metrics"
	"github.com/nnoe/agent/internal/netprobe"
)

// State is this host's HA state.
type State int

const (
	Unknown State = iota
	Primary
	Standby
)

func (s State) String() string {
	switch s {
	case Primary:
		return "Primary"
	case Standby:
		return "Standby"
	default:
		return "Unknown"
	}
}

// status is the JSON shape written to P/dhcp/ha-pairs/<pair>/nodes/<node>/status.
type status struct {
	State     string `json:"state"`
	Timestamp int64  `json:"timestamp"`
}

// DaemonActions lets the coordinator ensure the managed DHCP daemon is
// running or stopped on a state transition, without owning the daemon
// itself.
type DaemonActions interface {
	EnsureRunning(ctx context.Context) error
	EnsureStopped(ctx context.Context) error
}

// Config configures a Coordinator.
type Config struct {
	PairID        string
	SelfNode      string
	PeerNode      string
	ProbeInterval time.Duration // default 10s
	StaleAfter    time.Duration // default 60s
}

// Coordinator owns the shared-IP probe loop and the per-host state machine.
type Coordinator struct {
	cfg     Config
	prober  *netprobe.Prober
	kv      kvdb.Interface
	daemon  DaemonActions
	metrics *metrics.Block

	mu    sync.RWMutex
	state State

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Coordinator. It only applies when a pair identifier and
// peer name are configured; callers should not construct one otherwise.
func New(cfg Config, sharedIP string, kv kvdb.Interface, daemon DaemonActions, m *metrics.Block) (*Coordinator, error) {
	prober, err := netprobe.New(sharedIP)
	if err != nil {
		return nil, fmt.Errorf("ha: %w", err)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		prober:  prober,
		kv:      kv,
		daemon:  daemon,
		metrics: m,
		state:   Unknown,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) statusKey() string {
	return fmt.Sprintf("/dhcp/ha-pairs/%s/nodes/%s/status", c.cfg.PairID, c.cfg.SelfNode)
}

// peerStatusKey returns the KVDB key holding the peer's last-reported status.
func (c *Coordinator) peerStatusKey() string {
	return fmt.Sprintf("/dhcp/ha-pairs/%s/nodes/%s/status", c.cfg.PairID, c.cfg.PeerNode)
}

// Start begins the probe loop in a goroutine and returns immediately.
func (c *Coordinator) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop ends the probe loop and waits for it to exit.
func (c *Coordinator) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.doneCh)
	t := time.NewTicker(c.cfg.ProbeInterval)
	defer t.Stop()

	c.probeOnce(ctx)
	for {
		select {
		case <-t.C:
			c.probeOnce(ctx)
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) probeOnce(ctx context.Context) {
	l := log.WithComponent("ha")

	present, err := c.prober.Present()
	var next State
	switch {
	case err != nil:
		next = Unknown
	case present && !c.peerClaimsNewerPrimary(ctx):
		next = Primary
	case !present:
		next = Standby
	default:
		// Present but the peer has a newer Primary claim: "probe shows
		// shared IP present" -> Primary is gated on the peer
		// check; fall back to Standby rather than contest the peer.
		next = Standby
	}

	prev := c.State()
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()

	if next != prev {
		l.Info().Str("from", prev.String()).Str("to", next.String()).Msg("ha state transition")
		c.onTransition(ctx, next)
	}

	if c.metrics != nil {
		c.metrics.SetHAState(int32(next))
	}

	c.writeStatus(ctx, next)
}

// peerClaimsNewerPrimary implements the "peer status is not also Primary
// newer than ours" clause of the any->Primary transition. Split-brain
// (both peers observing the shared IP present) is explicitly left to the
// external failover manager: this function never fences the peer, it only
// avoids contesting a fresher Primary claim when one is visible.
func (c *Coordinator) peerClaimsNewerPrimary(ctx context.Context) bool {
	if c.cfg.PeerNode == "" {
		return false
	}
	raw, err := c.kv.Get(ctx, c.peerStatusKey())
	if err != nil {
		return false
	}
	var st status
	if err := json.Unmarshal(raw, &st); err != nil {
		return false
	}
	if st.State != Primary.String() {
		return false
	}
	age := time.Since(time.Unix(st.Timestamp, 0))
	if age > c.cfg.StaleAfter {
		return false
	}
	return true
}

func (c *Coordinator) onTransition(ctx context.Context, next State) {
	if c.daemon == nil {
		return
	}
	l := log.WithComponent("ha")
	switch next {
	case Primary:
		if err := c.daemon.EnsureRunning(ctx); err != nil {
			l.Error().Err(err).Msg("failed to start dhcp daemon on becoming primary")
		}
	case Standby:
		if err := c.daemon.EnsureStopped(ctx); err != nil {
			l.Error().Err(err).Msg("failed to stop dhcp daemon on becoming standby")
		}
	case Unknown:
		// No service action; metric gauge already updated by the caller.
	}
}

func (c *Coordinator) writeStatus(ctx context.Context, st State) {
	data, err := json.Marshal(status{State: st.String(), Timestamp: time.Now().Unix()})
	if err != nil {
		return
	}
	if err := c.kv.Put(ctx, c.statusKey(), data); err != nil {
		l := log.WithComponent("ha")
		l.Warn().Err(err).Msg("failed to write ha status")
	}
}
