// Package audit is the periodic security-audit runner. It shells out to a
// configurable audit command on an interval, parses the command's report
// into a structured form via a handful of section/warning/suggestion
// regexes, and uploads the result to /audit/lynis/<self>. Failures are
// logged and retried at the next tick. The periodic-tick path and an
// on-demand run both call the same RunOnce/parseReport routine, so there is
// exactly one parser instead of two that could drift apart.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nnoe/agent/internal/kvdb"
	"github.com/nnoe/agent/internal/log"
	"github.com/nnoe/agent/internal/plugin"
)

// Section is one named group of audit test items.
type Section struct {
	Status string `json:"status"`
	Items  []Item `json:"items"`
}

// Item is a single test result within a section.
type Item struct {
	Plugin  string `json:"plugin"`
	Option  string `json:"option"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Report is the structured form of one audit run, uploaded as JSON.
type Report struct {
	ID          string             `json:"id"`
	Node        string             `json:"node"`
	Timestamp   time.Time          `json:"timestamp"`
	Score       *int               `json:"score,omitempty"`
	Warnings    []string           `json:"warnings"`
	Suggestions []string           `json:"suggestions"`
	Sections    map[string]Section `json:"sections"`
}

var (
	scoreRe      = regexp.MustCompile(`(?i)Hardening\s+index\s*[=:]\s*\[?(\d+)\]?`)
	warningRe    = regexp.MustCompile(`\[WARNING\]\s*(.+)`)
	suggestionRe = regexp.MustCompile(`\[SUGGESTION\]\s*(.+)`)
	sectionRe    = regexp.MustCompile(`\[\+\]\s+([^\[\n]+)`)
	itemRe       = regexp.MustCompile(`^\s+- \[([A-Z_]+)\]\s+(.+)`)
)

// Config configures the auditor.
type Config struct {
	Command    string // shell command run each tick; must write its report to ReportPath
	ReportPath string
	Interval   time.Duration
	SelfNode   string
}

// Driver runs audits on a ticker and uploads results to the KVDB.
type Driver struct {
	cfg Config
	kv  kvdb.Interface

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	lastRun  time.Time
	lastErr  error
}

var _ plugin.Driver = (*Driver)(nil)

// New constructs an auditor driver.
func New(cfg Config, kv kvdb.Interface) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Driver{cfg: cfg, kv: kv}
}

func (d *Driver) Name() string { return "audit" }

// Init starts the periodic ticker; audits run in the background and do not
// block plugin initialization.
func (d *Driver) Init(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.loop(loopCtx)
	return nil
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				l := log.WithPlugin("audit")
				l.Error().Err(err).Msg("audit run failed, will retry at next tick")
			}
		}
	}
}

// RunOnce is one audit cycle: run the command, parse the resulting report
// file, and upload the structured report. Exported so the orchestrator can
// trigger an immediate audit on demand (e.g. reload).
func (d *Driver) RunOnce(ctx context.Context) error {
	if err := d.runCommand(ctx); err != nil {
		d.recordResult(err)
		return fmt.Errorf("audit: running command: %w", err)
	}

	report, err := d.parseReport()
	if err != nil {
		d.recordResult(err)
		return fmt.Errorf("audit: parsing report: %w", err)
	}

	if d.kv != nil {
		data, err := json.Marshal(report)
		if err != nil {
			d.recordResult(err)
			return fmt.Errorf("audit: encoding report: %w", err)
		}
		key := "/audit/lynis/" + d.cfg.SelfNode
		if err := d.kv.Put(ctx, key, data); err != nil {
			d.recordResult(err)
			return fmt.Errorf("audit: uploading report: %w", err)
		}
	}

	d.recordResult(nil)
	return nil
}

func (d *Driver) runCommand(ctx context.Context) error {
	if d.cfg.Command == "" {
		return fmt.Errorf("no audit command configured")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", d.cfg.Command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// parseReport reads the report file and extracts score/warnings/suggestions/
// sections via the same regexes the audit tool's own report format uses.
func (d *Driver) parseReport() (Report, error) {
	content, err := os.ReadFile(d.cfg.ReportPath)
	if err != nil {
		return Report{}, fmt.Errorf("reading report file %s: %w", d.cfg.ReportPath, err)
	}

	report := Report{
		ID:        uuid.NewString(),
		Node:      d.cfg.SelfNode,
		Timestamp: time.Now(),
		Sections:  make(map[string]Section),
	}

	if m := scoreRe.FindSubmatch(content); m != nil {
		if v, err := strconv.Atoi(string(m[1])); err == nil {
			report.Score = &v
		}
	}
	for _, m := range warningRe.FindAllSubmatch(content, -1) {
		if w := strings.TrimSpace(string(m[1])); w != "" {
			report.Warnings = append(report.Warnings, w)
		}
	}
	for _, m := range suggestionRe.FindAllSubmatch(content, -1) {
		if s := strings.TrimSpace(string(m[1])); s != "" {
			report.Suggestions = append(report.Suggestions, s)
		}
	}

	var currentSection string
	var currentItems []Item
	flush := func() {
		if currentSection != "" && len(currentItems) > 0 {
			report.Sections[currentSection] = Section{Status: "completed", Items: currentItems}
		}
		currentItems = nil
	}

	for _, line := range bytes.Split(content, []byte("\n")) {
		if m := sectionRe.FindSubmatch(line); m != nil {
			flush()
			currentSection = strings.TrimSpace(string(m[1]))
			continue
		}
		if currentSection == "" {
			continue
		}
		if m := itemRe.FindSubmatch(line); m != nil {
			status := string(m[1])
			message := strings.TrimSpace(string(m[2]))
			pluginName, option := "unknown", message
			if p, o, ok := strings.Cut(message, ":"); ok {
				pluginName, option = strings.TrimSpace(p), strings.TrimSpace(o)
			}
			currentItems = append(currentItems, Item{Plugin: pluginName, Option: option, Status: status, Message: message})
		}
	}
	flush()

	return report, nil
}

func (d *Driver) recordResult(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastRun = time.Now()
	d.lastErr = err
}

func (d *Driver) OnChange(ctx context.Context, change plugin.Change) error { return nil }

// Reload triggers an immediate out-of-cycle audit run.
func (d *Driver) Reload(ctx context.Context) error {
	return d.RunOnce(ctx)
}

func (d *Driver) Health(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr == nil
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}
