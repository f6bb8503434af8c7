// Package supervisor implements the daemon's startup sequence and accept
// loop: privilege check, single-instance guard, state directory
// lifecycle, config load, endpoint creation, and the poll-driven
// dispatch of accepted connections to the control handler (inline) or a
// fresh comm worker goroutine.
package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"golang.org/x/sys/unix"

	"github.com/privleap/privleapd/internal/comm"
	"github.com/privleap/privleapd/internal/config"
	"github.com/privleap/privleapd/internal/control"
	"github.com/privleap/privleapd/internal/plog"
	"github.com/privleap/privleapd/internal/registry"
	"github.com/privleap/privleapd/internal/session"
	"github.com/privleap/privleapd/internal/settings"
)

// testModeSendDelay adds a small delay before every reply when test mode
// is enabled, giving a client time to be definitely listening before a
// reply lands and stabilizing otherwise-racy test harnesses.
const testModeSendDelay = 10 * time.Millisecond

// Options configures one daemon run.
type Options struct {
	StateDir     string // e.g. /run/privleapd
	ConfDir      string // e.g. /etc/privleap/conf.d
	SettingsPath string // e.g. /etc/privleap/daemon.yaml
	TestMode     bool
}

func (o Options) pidPath() string     { return filepath.Join(o.StateDir, "pid") }
func (o Options) lockPath() string    { return filepath.Join(o.StateDir, "pid.lock") }
func (o Options) controlPath() string { return filepath.Join(o.StateDir, "control") }
func (o Options) commDir() string     { return filepath.Join(o.StateDir, "comm") }

// Run executes the full startup sequence and then the accept loop. It
// only returns on an unrecoverable I/O error from the poll loop itself;
// every startup failure is fatal and exits the process directly via
// plog.Critical.
func Run(o Options, log *slog.Logger) error {
	if syscall.Geteuid() != 0 {
		plog.Critical(log, 1, "must run as root")
	}

	checkSingleInstance(o, log)

	if err := removeStateDirSafely(o.StateDir); err != nil {
		plog.Critical(log, 1, "failed to clear stale state directory", "error", err)
	}

	table, err := config.Load(o.ConfDir, log)
	if err != nil {
		plog.Critical(log, 1, "configuration error", "error", err)
	}

	st, err := settings.Load(o.SettingsPath)
	if err != nil {
		plog.Critical(log, 1, "settings file error", "error", err)
	}

	if err := os.MkdirAll(o.commDir(), 0o755); err != nil {
		plog.Critical(log, 1, "failed to create comm directory", "error", err)
	}

	lock := flock.New(o.lockPath())
	locked, err := lock.TryLock()
	if err != nil || !locked {
		// Belt-and-suspenders alongside the pid-liveness check above: two
		// daemons racing checkSingleInstance before either has written its
		// pid file still can't both proceed past this point.
		plog.Critical(log, 1, "cannot acquire state directory lock: another instance is starting", "error", err)
	}

	if err := writePIDFile(o.pidPath()); err != nil {
		plog.Critical(log, 1, "failed to write pid file", "error", err)
	}

	reg := registry.New(o.controlPath(), o.commDir(), st.ControlGroup, log)
	if err := reg.EnsureControl(); err != nil {
		plog.Critical(log, 1, "failed to open control endpoint", "error", err)
	}

	for _, u := range table.PersistentUsers {
		if res, err := reg.CreateComm(u); err != nil && res != registry.CreateExists {
			log.Error("failed to create persistent comm endpoint", "user", u, "error", err)
		}
	}

	limiter := comm.NewLimiter(st.ConcurrencyPerUser, st.RatePerSecond, st.RateBurst)

	controlHandler := &control.Handler{Registry: reg, Log: plog.Component("control")}
	commHandler := &comm.Handler{
		Table:         table,
		Limiter:       limiter,
		ActionTimeout: st.ActionTimeout(),
		Log:           plog.Component("comm"),
	}

	delay := time.Duration(0)
	if o.TestMode {
		delay = testModeSendDelay
	}

	return acceptLoop(reg, controlHandler, commHandler, delay, log)
}

// acceptLoop polls the control listener and every live comm listener for
// readiness and dispatches one Accept per ready listener: control inline,
// comm to a fresh goroutine. The registry's comm set can change between
// poll calls (CREATE/DESTROY mutate it from this same goroutine while
// handling a control request), so the fd list is rebuilt every iteration.
func acceptLoop(reg *registry.Registry, ctrl *control.Handler, cm *comm.Handler, delay time.Duration, log *slog.Logger) error {
	for {
		fds, endpoints, err := reg.PollFDs()
		if err != nil {
			return fmt.Errorf("supervisor: build poll set: %w", err)
		}

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("supervisor: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents&unix.POLLIN == 0 {
				continue
			}
			ep := endpoints[i]
			conn, err := ep.Listener.Accept()
			if err != nil {
				log.Error("accept failed", "endpoint", ep.Path, "error", err)
				continue
			}

			if ep.UserName == "" {
				ctrl.Handle(session.NewControl(conn, delay, log))
				continue
			}

			boundUser := ep.UserName
			go func() {
				s, err := session.NewComm(conn, boundUser, delay, cm.Log)
				if err != nil {
					log.Warn("rejecting comm connection with mismatched peer identity", "endpoint", boundUser, "error", err)
					conn.Close()
					return
				}
				cm.Handle(s)
			}()
		}
	}
}

func checkSingleInstance(o Options, log *slog.Logger) {
	data, err := os.ReadFile(o.pidPath())
	if err != nil {
		return // no pid file, nothing else to check
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return // malformed pid file is treated as stale, not fatal
	}
	if isProcessAlive(pid) {
		plog.Critical(log, 1, "cannot run two daemons: another instance is alive", "pid", pid)
	}
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// removeStateDirSafely removes o.StateDir if present. os.RemoveAll itself
// never follows a symlink down into another directory while recursing, so
// the recursion is not vulnerable to the classic race; the only extra
// check needed is that the directory entry itself isn't a symlink planted
// in its parent.
func removeStateDirSafely(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("state directory %s is a symlink, refusing to remove through it", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func writePIDFile(path string) error {
	content := fmt.Sprintf("%d\n", os.Getpid())
	return renameio.WriteFile(path, []byte(content), 0o644)
}
