// Package kvdb is the thin, reliable-delivery surface onto the distributed
// configuration store. It implements no leader election, no leases, no
// transactions — a client dials a KVDB cluster and exposes
// get/put/delete/prefix-scan/watch.
package kvdb

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kvdb: key not found")

// EventKind distinguishes a watch event's nature. Deletes are always
// delivered explicitly; the client never synthesizes them.
type EventKind int

const (
	EventPut EventKind = iota
	EventDelete
)

// Event is one change delivered by a Watch stream.
type Event struct {
	Key   string
	Value []byte // nil for EventDelete
	Kind  EventKind
}

// KV is one key/value pair returned by PrefixScan.
type KV struct {
	Key   string
	Value []byte
}

// TLSConfig carries the mutual-TLS material for dialing the KVDB cluster.
type TLSConfig struct {
	CACert string
	Cert   string
	Key    string
	Verify bool
}

// Config configures a Client.
type Config struct {
	Endpoints []string
	Prefix    string
	Timeout   time.Duration
	TLS       *TLSConfig
}

// Interface is the surface the rest of the agent depends on. *Client
// satisfies it; tests substitute an in-memory fake.
type Interface interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	PrefixScan(ctx context.Context, prefix string) ([]KV, error)
	Watch(ctx context.Context, prefix string) <-chan Event
	Healthy(ctx context.Context) bool
}

// Client is a concurrency-safe KVDB client backed by etcd's clientv3. All
// keys passed to its methods are relative to Config.Prefix; the client
// prepends the prefix before every RPC and strips it from every key it
// returns.
type Client struct {
	cli    *clientv3.Client
	prefix string
}

// New dials the configured KVDB endpoints. With TLS configured, it loads the
// CA, client certificate, and client key from the given filesystem paths;
// without TLS, it dials plaintext.
func New(cfg Config) (*Client, error) {
	etcdCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.Timeout,
	}
	if etcdCfg.DialTimeout == 0 {
		etcdCfg.DialTimeout = 5 * time.Second
	}

	if cfg.TLS != nil {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("kvdb: building TLS config: %w", err)
		}
		etcdCfg.TLS = tlsConfig
	}

	cli, err := clientv3.New(etcdCfg)
	if err != nil {
		return nil, fmt.Errorf("kvdb: connecting to %v: %w", cfg.Endpoints, err)
	}

	prefix := cfg.Prefix
	return &Client{cli: cli, prefix: prefix}, nil
}

func buildTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	caPEM, err := os.ReadFile(cfg.CACert)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate %s: %w", cfg.CACert, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in %s", cfg.CACert)
	}

	cert, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("loading client keypair (%s, %s): %w", cfg.Cert, cfg.Key, err)
	}

	return &tls.Config{
		RootCAs:            pool,
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: !cfg.Verify,
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) fullKey(key string) string {
	if strings.HasPrefix(key, c.prefix) {
		return key
	}
	return c.prefix + key
}

func (c *Client) stripPrefix(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

// Get returns the value for key, or ErrNotFound if it does not exist.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.cli.Get(ctx, c.fullKey(key))
	if err != nil {
		return nil, fmt.Errorf("kvdb: get %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

// Put writes value at key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	if _, err := c.cli.Put(ctx, c.fullKey(key), string(value)); err != nil {
		return fmt.Errorf("kvdb: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	if _, err := c.cli.Delete(ctx, c.fullKey(key)); err != nil {
		return fmt.Errorf("kvdb: delete %s: %w", key, err)
	}
	return nil
}

// PrefixScan returns every key/value pair under prefix, as a finite,
// single-shot read. Returned keys have the client's configured prefix
// stripped back off.
func (c *Client) PrefixScan(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := c.cli.Get(ctx, c.fullKey(prefix), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("kvdb: prefix scan %s: %w", prefix, err)
	}
	out := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KV{Key: c.stripPrefix(string(kv.Key)), Value: kv.Value})
	}
	return out, nil
}

// Healthy reports whether the client can currently reach the KVDB cluster,
// via a cheap linearized round trip against the configured prefix.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.cli.Get(ctx, c.fullKey(""), clientv3.WithPrefix(), clientv3.WithCountOnly())
	return err == nil
}

// Watch opens a lazy, infinite stream of change events under prefix. A fresh
// watch MAY deliver events starting from "now"; callers that need
// historical state must PrefixScan before calling Watch, as the orchestrator
// does. The returned channel is closed when ctx is canceled or the
// underlying stream ends (e.g. on disconnect); callers must treat closure as
// a trigger to re-seed and re-subscribe.
func (c *Client) Watch(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event)
	wc := c.cli.Watch(ctx, c.fullKey(prefix), clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range wc {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				e := Event{Key: c.stripPrefix(string(ev.Kv.Key))}
				switch ev.Type {
				case clientv3.EventTypePut:
					e.Kind = EventPut
					e.Value = ev.Kv.Value
				case clientv3.EventTypeDelete:
					e.Kind = EventDelete
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
