package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nnoe/agent/internal/kvdb"
	"github.com/stretchr/testify/require"
)

const sampleReport = `
Hardening index : [68]

[+] System Tools
  - [OK] Checking presence required tools: lynis-plugin-tools: all required tools found
  - [WARNING] lynis-plugin-tools: missing optional tool

[WARNING] Couldn't find 2 or more DNS nameservers in /etc/resolv.conf
[SUGGESTION] Consider hardening SSH configuration

[+] Kernel Hardening
  - [DONE] sysctl: net.ipv4.ip_forward set to 0
`

func writeReport(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte(sampleReport), 0o644))
	return path
}

func TestRunOnceParsesAndUploadsReport(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir)
	kv := kvdb.NewFake()

	d := New(Config{
		Command:    "true",
		ReportPath: reportPath,
		SelfNode:   "node1",
	}, kv)

	require.NoError(t, d.RunOnce(context.Background()))

	data, err := kv.Get(context.Background(), "/audit/lynis/node1")
	require.NoError(t, err)

	var report Report
	require.NoError(t, json.Unmarshal(data, &report))
	require.NotNil(t, report.Score)
	require.Equal(t, 68, *report.Score)
	require.Contains(t, report.Warnings, "Couldn't find 2 or more DNS nameservers in /etc/resolv.conf")
	require.Contains(t, report.Suggestions, "Consider hardening SSH configuration")
	require.Contains(t, report.Sections, "System Tools")
	require.Contains(t, report.Sections, "Kernel Hardening")
	require.True(t, d.Health(context.Background()))
}

func TestRunOnceFailureIsRetriedNotFatal(t *testing.T) {
	kv := kvdb.NewFake()
	d := New(Config{
		Command:    "false",
		ReportPath: filepath.Join(t.TempDir(), "missing.txt"),
		SelfNode:   "node1",
	}, kv)

	err := d.RunOnce(context.Background())
	require.Error(t, err)
	require.False(t, d.Health(context.Background()))

	// A subsequent failing run must not panic or otherwise wedge the driver.
	err = d.RunOnce(context.Background())
	require.Error(t, err)
}

func TestInitStartsPeriodicTickerAndShutdownStopsIt(t *testing.T) {
	dir := t.TempDir()
	reportPath := writeReport(t, dir)
	kv := kvdb.NewFake()

	d := New(Config{
		Command:    "true",
		ReportPath: reportPath,
		SelfNode:   "node1",
		Interval:   20 * time.Millisecond,
	}, kv)

	require.NoError(t, d.Init(context.Background()))

	require.Eventually(t, func() bool {
		_, err := kv.Get(context.Background(), "/audit/lynis/node1")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Shutdown(context.Background()))
}
