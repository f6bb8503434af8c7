// Package registry owns the control endpoint and the dynamic set of
// per-user comm endpoints. It is mutated only by the supervisor's accept
// goroutine (the control handler runs inline there); workers only ever
// hold a reference to the one accepted connection handed to them.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// CreateResult is the outcome of CreateComm.
type CreateResult int

const (
	CreateOK CreateResult = iota
	CreateExists
	CreateNoSuchUser
	CreateFailed
)

// DestroyResult is the outcome of DestroyComm.
type DestroyResult int

const (
	DestroyOK DestroyResult = iota
	DestroyNoUser
)

// Endpoint is one live AF-UNIX listener, plus the identity it was opened
// for (empty UserName for the control endpoint).
type Endpoint struct {
	UserName string
	Path     string
	Listener *net.UnixListener
}

// Registry holds the control endpoint plus the live comm endpoints, keyed
// by user name. Every method takes an internal read/write lock, so calls
// from several goroutines do not corrupt it; by design only the
// supervisor goroutine ever calls EnsureControl/CreateComm/DestroyComm.
type Registry struct {
	commDir       string
	controlPath   string
	controlGroup  string // empty means root-only
	log           *slog.Logger
	control       *Endpoint
	comm          map[string]*Endpoint
	mu            sync.RWMutex
}

// New constructs a Registry rooted at the given control socket path and
// comm directory. controlGroup, if non-empty, names a group whose members
// may also connect to the control socket (in addition to root).
func New(controlPath, commDir, controlGroup string, log *slog.Logger) *Registry {
	return &Registry{
		commDir:      commDir,
		controlPath:  controlPath,
		controlGroup: controlGroup,
		log:          log,
		comm:         make(map[string]*Endpoint),
	}
}

// EnsureControl creates the control endpoint with filesystem permissions
// that allow only root, and optionally a designated group, to connect.
// Failure here is always fatal to daemon startup.
func (r *Registry) EnsureControl() error {
	os.Remove(r.controlPath)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: r.controlPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("registry: listen on control socket %s: %w", r.controlPath, err)
	}

	gid := -1
	if r.controlGroup != "" {
		g, err := user.LookupGroup(r.controlGroup)
		if err != nil {
			ln.Close()
			return fmt.Errorf("registry: control group %q does not resolve: %w", r.controlGroup, err)
		}
		n, err := strconv.Atoi(g.Gid)
		if err != nil {
			ln.Close()
			return fmt.Errorf("registry: control group %q has non-numeric gid %q", r.controlGroup, g.Gid)
		}
		gid = n
	}

	if gid >= 0 {
		if err := os.Chown(r.controlPath, 0, gid); err != nil {
			ln.Close()
			return fmt.Errorf("registry: chown control socket: %w", err)
		}
		if err := os.Chmod(r.controlPath, 0o660); err != nil {
			ln.Close()
			return fmt.Errorf("registry: chmod control socket: %w", err)
		}
	} else if err := os.Chmod(r.controlPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("registry: chmod control socket: %w", err)
	}

	r.mu.Lock()
	r.control = &Endpoint{Path: r.controlPath, Listener: ln}
	r.mu.Unlock()
	return nil
}

// Control returns the control endpoint, or nil if EnsureControl hasn't
// run yet.
func (r *Registry) Control() *Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.control
}

// Comm returns the live comm endpoint for user, if any.
func (r *Registry) Comm(user string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.comm[user]
	return e, ok
}

// CommEndpoints returns a snapshot of all live comm endpoints, for the
// accept loop to multiplex over.
func (r *Registry) CommEndpoints() []*Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Endpoint, 0, len(r.comm))
	for _, e := range r.comm {
		out = append(out, e)
	}
	return out
}

// CreateComm idempotently provisions a comm endpoint for the given user
// name or numeric UID.
func (r *Registry) CreateComm(userToken string) (CreateResult, error) {
	u, err := resolveUser(userToken)
	if err != nil {
		return CreateNoSuchUser, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.comm[u.Username]; exists {
		return CreateExists, nil
	}

	path := filepath.Join(r.commDir, u.Username)
	os.Remove(path)

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return CreateFailed, fmt.Errorf("registry: bind comm socket for %s: %w", u.Username, err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		ln.Close()
		return CreateFailed, fmt.Errorf("registry: non-numeric uid %q for %s", u.Uid, u.Username)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		ln.Close()
		return CreateFailed, fmt.Errorf("registry: non-numeric gid %q for %s", u.Gid, u.Username)
	}

	if err := os.Chown(path, uid, gid); err != nil {
		ln.Close()
		os.Remove(path)
		return CreateFailed, fmt.Errorf("registry: chown comm socket for %s: %w", u.Username, err)
	}
	// Root retains access (the 0o660 mode plus root's bypass of permission
	// checks) so a privileged operator can debug a stuck endpoint.
	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		os.Remove(path)
		return CreateFailed, fmt.Errorf("registry: chmod comm socket for %s: %w", u.Username, err)
	}

	r.comm[u.Username] = &Endpoint{UserName: u.Username, Path: path, Listener: ln}
	return CreateOK, nil
}

// DestroyComm removes the comm endpoint registered for the given user
// name or numeric UID. The in-memory entry is always removed, even when
// unlink fails for a reason other than the node already being absent.
func (r *Registry) DestroyComm(userToken string) DestroyResult {
	name := userToken
	if u, err := resolveUser(userToken); err == nil {
		name = u.Username
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.comm[name]
	if !exists {
		return DestroyNoUser
	}

	e.Listener.Close()
	if err := os.Remove(e.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.Warn("comm socket already absent at unlink time", "user", name, "path", e.Path)
		} else {
			r.log.Error("failed to unlink comm socket", "user", name, "path", e.Path, "error", err)
		}
	}

	delete(r.comm, name)
	return DestroyOK
}

func resolveUser(token string) (*user.User, error) {
	if _, err := strconv.Atoi(token); err == nil {
		return user.LookupId(token)
	}
	return user.Lookup(token)
}

// PollFDs returns the control listener's fd plus every live comm
// listener's fd, for unix.Poll-based multiplexing by the supervisor's
// accept loop, alongside the Endpoint each index corresponds to.
func (r *Registry) PollFDs() ([]unix.PollFd, []*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	endpoints := make([]*Endpoint, 0, 1+len(r.comm))
	if r.control != nil {
		endpoints = append(endpoints, r.control)
	}
	for _, e := range r.comm {
		endpoints = append(endpoints, e)
	}

	fds := make([]unix.PollFd, len(endpoints))
	for i, e := range endpoints {
		raw, err := e.Listener.SyscallConn()
		if err != nil {
			return nil, nil, fmt.Errorf("registry: SyscallConn for %s: %w", e.Path, err)
		}
		var fd int
		if ctrlErr := raw.Control(func(f uintptr) { fd = int(f) }); ctrlErr != nil {
			return nil, nil, fmt.Errorf("registry: Control for %s: %w", e.Path, ctrlErr)
		}
		fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	return fds, endpoints, nil
}
