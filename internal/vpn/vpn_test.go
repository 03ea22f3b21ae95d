package vpn

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sleeperScript writes a tiny shell script that ignores its arguments and
// sleeps, standing in for the real VPN binary so tests don't depend on one
// being installed.
func sleeperScript(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-vpn.sh")
	script := "#!/bin/sh\nsleep " + strconv.Itoa(seconds) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// exitImmediatelyScript ignores its arguments and exits right away, to
// exercise the supervisor's unexpected-exit restart path.
func exitImmediatelyScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-vpn-exit.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))
	return path
}

func TestStartReportsRunningTrue(t *testing.T) {
	s := New(Config{BinaryPath: sleeperScript(t, 5), ConfigPath: "unused.conf"})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool { return s.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestStopLeavesProcessNotRunning(t *testing.T) {
	s := New(Config{BinaryPath: sleeperScript(t, 5), ConfigPath: "unused.conf", StopTimeout: time.Second})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.IsRunning() }, time.Second, 10*time.Millisecond)

	s.Stop()
	require.False(t, s.IsRunning())
}

// TestRestartsAfterUnexpectedExit is the direct fix for the original's
// manual-only restart: the supervisor must bring the process back up on its
// own after an unexpected exit.
func TestRestartsAfterUnexpectedExit(t *testing.T) {
	s := New(Config{
		BinaryPath:  exitImmediatelyScript(t),
		ConfigPath:  "unused.conf",
		BackoffBase: 10 * time.Millisecond,
		BackoffCeil: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.Stop()

	require.NoError(t, s.Start(ctx))

	require.Eventually(t, func() bool { return s.Restarts() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopIsIdempotentWhenNeverStarted(t *testing.T) {
	s := New(Config{BinaryPath: sleeperScript(t, 5)})
	require.NotPanics(t, func() { s.Stop(); s.Stop() })
	require.False(t, s.IsRunning())
}
