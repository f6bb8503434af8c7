// Package execengine spawns an action's command under its configured
// target identity and streams its stdout/stderr back as they become
// readable, without reordering either stream or blocking one on the
// other. The child runs as a literal target uid/gid rather than inside a
// sandbox or namespace.
package execengine

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/cli/safeexec"
	"golang.org/x/sys/unix"
)

// ChunkSize bounds a single RESULT_STDOUT/RESULT_STDERR payload before hex
// encoding.
const ChunkSize = 1024

// shellPath is resolved once via safeexec.LookPath; /usr/bin/bash is used
// as a fallback when LookPath can't find bash on $PATH (e.g. a minimal
// PATH inherited from a service manager).
var shellPath = resolveShell()

func resolveShell() string {
	if p, err := safeexec.LookPath("bash"); err == nil {
		return p
	}
	return "/usr/bin/bash"
}

// Target describes the identity and environment a command runs under.
type Target struct {
	User    string
	Command string
}

// Chunk is one piece of a child's output, tagged by which stream it came
// from.
type Chunk struct {
	Stdout bool // false means Stderr
	Data   []byte
}

// Handle represents one spawned action. Stream delivers output chunks in
// readiness order until both streams are closed, then Wait returns the
// exit code.
type Handle struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

// Start resolves the target user's identity, builds the credential and
// environment for it, and spawns "bash -c <command>". The shell's stdin is
// /dev/null; stdout/stderr are connected to pipes the caller drains via
// Stream. The child's gid is t.User's primary group.
func Start(t Target) (*Handle, error) {
	u, err := user.Lookup(t.User)
	if err != nil {
		return nil, fmt.Errorf("execengine: resolve target user %q: %w", t.User, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("execengine: non-numeric uid %q for %s", u.Uid, t.User)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("execengine: non-numeric gid %q for %s", u.Gid, t.User)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("execengine: resolve supplementary groups for %s: %w", t.User, err)
	}
	supplementary := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		supplementary = append(supplementary, uint32(n))
	}

	cmd := exec.Command(shellPath, "-c", t.Command)
	cmd.Dir = u.HomeDir
	cmd.Env = buildEnv(u)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uint32(uid),
			Gid:    uint32(gid),
			Groups: supplementary,
		},
	}
	// cmd.Stdin left nil: exec.Cmd treats a nil Stdin as /dev/null.

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("execengine: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("execengine: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("execengine: start: %w", err)
	}

	so, _ := stdout.(*os.File)
	se, _ := stderr.(*os.File)
	return &Handle{cmd: cmd, stdout: so, stderr: se}, nil
}

// buildEnv copies the daemon's own environment and overrides the five
// identity-bearing keys, rather than building a five-key environment from
// scratch, so an action still sees whatever else the daemon's service
// environment provides.
func buildEnv(u *user.User) []string {
	env := os.Environ()
	overrides := map[string]string{
		"HOME":    u.HomeDir,
		"LOGNAME": u.Username,
		"USER":    u.Username,
		"PWD":     u.HomeDir,
		"SHELL":   shellPath,
	}
	out := env[:0:0]
	seen := make(map[string]bool, len(overrides))
	for _, kv := range env {
		key := kv
		if i := indexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overrides {
		if !seen[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Stream reads from stdout and stderr as each becomes readable, in
// readiness order, delivering chunks of at most ChunkSize bytes on ch
// until both streams reach EOF. It never reorders bytes within a single
// stream: at most one read per fd happens between poll calls, and each
// read's bytes are copied into their own chunk before the shared read
// buffer is reused.
func (h *Handle) Stream(ch chan<- Chunk) error {
	defer close(ch)

	outFd := int(h.stdout.Fd())
	errFd := int(h.stderr.Fd())
	outDone, errDone := false, false
	buf := make([]byte, ChunkSize)

	for !outDone || !errDone {
		fds := make([]unix.PollFd, 0, 2)
		var outIdx, errIdx = -1, -1
		if !outDone {
			outIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(outFd), Events: unix.POLLIN})
		}
		if !errDone {
			errIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(errFd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("execengine: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if outIdx >= 0 && fds[outIdx].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			read, rerr := h.stdout.Read(buf)
			if read > 0 {
				chunk := make([]byte, read)
				copy(chunk, buf[:read])
				ch <- Chunk{Stdout: true, Data: chunk}
			}
			if rerr != nil {
				outDone = true
			}
		}
		if errIdx >= 0 && fds[errIdx].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			read, rerr := h.stderr.Read(buf)
			if read > 0 {
				chunk := make([]byte, read)
				copy(chunk, buf[:read])
				ch <- Chunk{Stdout: false, Data: chunk}
			}
			if rerr != nil {
				errDone = true
			}
		}
	}
	return nil
}

// Kill terminates the child immediately. Used only by the optional
// per-action timeout extension point — by default an action always runs
// to its natural termination.
func (h *Handle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Wait blocks for the child to exit and returns its exit code.
func (h *Handle) Wait() int {
	err := h.cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
