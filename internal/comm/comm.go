// Package comm implements the per-user comm endpoint's request handler:
// authenticate (via the session layer), authorize against the action
// table, execute, and stream results. One Handle call runs in its own
// worker goroutine per accepted connection.
package comm

import (
	"encoding/hex"
	"log/slog"
	"os/user"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/privleap/privleapd/internal/config"
	"github.com/privleap/privleapd/internal/execengine"
	"github.com/privleap/privleapd/internal/session"
	"github.com/privleap/privleapd/internal/wire"
)

// Limiter holds the per-user concurrency and rate extension points: a cap
// on how many actions one user's comm endpoint may run at once, and a
// token-bucket limit on how often it may trigger one. A zero-value
// Limiter imposes no limit.
type Limiter struct {
	concurrencyCap int
	ratePerSecond  float64
	rateBurst      int

	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	rates map[string]*rate.Limiter
}

// NewLimiter builds a Limiter. concurrencyCap <= 0 disables the
// concurrency cap; ratePerSecond <= 0 disables the rate limit.
func NewLimiter(concurrencyCap int, ratePerSecond float64, rateBurst int) *Limiter {
	return &Limiter{
		concurrencyCap: concurrencyCap,
		ratePerSecond:  ratePerSecond,
		rateBurst:      rateBurst,
		sems:           make(map[string]*semaphore.Weighted),
		rates:          make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) semaphoreFor(user string) *semaphore.Weighted {
	if l.concurrencyCap <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sems[user]
	if !ok {
		s = semaphore.NewWeighted(int64(l.concurrencyCap))
		l.sems[user] = s
	}
	return s
}

func (l *Limiter) rateFor(user string) *rate.Limiter {
	if l.ratePerSecond <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rates[user]
	if !ok {
		burst := l.rateBurst
		if burst <= 0 {
			burst = 1
		}
		r = rate.NewLimiter(rate.Limit(l.ratePerSecond), burst)
		l.rates[user] = r
	}
	return r
}

// Handler processes one accepted comm connection end to end.
type Handler struct {
	Table        *config.Table
	Limiter      *Limiter
	ActionTimeout time.Duration
	Log          *slog.Logger
}

// Handle runs the full comm request lifecycle for one session: read
// SIGNAL, authorize, spawn, stream, report exit code. It never panics out
// to the caller; any internal error is logged and the session closed.
func (h *Handler) Handle(s *session.Session) {
	defer s.Close()
	log := h.Log.With("session", s.ID(), "user", s.UserName())

	msg, err := s.Receive()
	if err != nil {
		log.Warn("failed to read SIGNAL request", "error", err)
		return
	}
	if msg.Type != "SIGNAL" || len(msg.Args) != 1 {
		log.Error("protocol violation: expected SIGNAL <action>", "type", msg.Type, "args", msg.Args)
		return
	}
	actionName := msg.Args[0]

	action, ok := h.Table.Lookup(actionName)
	if !ok {
		// Deliberately indistinguishable from a policy denial: the set of
		// action names must not be inferable from replies.
		log.Warn("unknown action requested", "action", actionName)
		s.SendSafe(wire.New("UNAUTHORIZED"))
		return
	}

	if !authorized(action, s.UserName()) {
		log.Warn("authorization denied", "action", actionName)
		s.SendSafe(wire.New("UNAUTHORIZED"))
		return
	}

	if sem := h.limiterSemaphore(s.UserName()); sem != nil {
		if !sem.TryAcquire(1) {
			log.Warn("per-user concurrency cap exceeded", "action", actionName)
			s.SendSafe(wire.New("TRIGGER_ERROR"))
			return
		}
		defer sem.Release(1)
	}
	if rl := h.limiterRate(s.UserName()); rl != nil {
		if !rl.Allow() {
			log.Warn("per-user rate limit exceeded", "action", actionName)
			s.SendSafe(wire.New("TRIGGER_ERROR"))
			return
		}
	}

	handle, err := execengine.Start(execengine.Target{User: action.TargetUser, Command: action.Command})
	if err != nil {
		log.Error("spawn failed", "action", actionName, "error", err)
		s.SendSafe(wire.New("TRIGGER_ERROR"))
		return
	}

	sentTrigger := s.SendSafe(wire.New("TRIGGER"))

	ch := make(chan execengine.Chunk, 16)
	go handle.Stream(ch)

	if !sentTrigger {
		// Client is already gone: let the action run to completion and
		// drop its output, but still wait on it so no zombie or leaked
		// descriptor remains.
		for range ch {
		}
		handle.Wait()
		return
	}

	var ctxDone <-chan time.Time
	if h.ActionTimeout > 0 {
		timer := time.NewTimer(h.ActionTimeout)
		defer timer.Stop()
		ctxDone = timer.C
	}

	clientGone := false
	for chunkOk := true; chunkOk; {
		select {
		case c, ok := <-ch:
			if !ok {
				chunkOk = false
				continue
			}
			if clientGone {
				continue
			}
			if !h.sendChunk(s, c) {
				clientGone = true
			}
		case <-ctxDone:
			log.Warn("action exceeded configured timeout, killing", "action", actionName)
			handle.Kill()
			ctxDone = nil
		}
	}

	code := handle.Wait()
	if !clientGone {
		s.SendSafe(wire.New("RESULT_EXITCODE", strconv.Itoa(code)))
	}
}

func (h *Handler) limiterSemaphore(user string) *semaphore.Weighted {
	if h.Limiter == nil {
		return nil
	}
	return h.Limiter.semaphoreFor(user)
}

func (h *Handler) limiterRate(user string) *rate.Limiter {
	if h.Limiter == nil {
		return nil
	}
	return h.Limiter.rateFor(user)
}

func (h *Handler) sendChunk(s *session.Session, c execengine.Chunk) bool {
	typ := "RESULT_STDERR"
	if c.Stdout {
		typ = "RESULT_STDOUT"
	}
	// Hex-encoded because the wire grammar only allows printable ASCII
	// but a child process's stdout/stderr can contain any byte.
	return s.SendSafe(wire.New(typ, hex.EncodeToString(c.Data)))
}

// authorized applies the disjunctive authorization rule: an action with no
// restrictions is open to anyone; otherwise the peer's user name or UID
// must appear in AuthorizedUsers, or one of the peer's group names/GIDs
// must appear in AuthorizedGroups.
func authorized(a *config.Action, peerUser string) bool {
	if a.Open() {
		return true
	}

	u, err := user.Lookup(peerUser)
	if err != nil {
		return false
	}

	for _, entry := range a.AuthorizedUsers {
		if entry == peerUser || entry == u.Uid {
			return true
		}
	}

	peerGroups, err := peerGroupIdentities(u)
	if err != nil {
		return false
	}
	for _, entry := range a.AuthorizedGroups {
		if peerGroups[entry] {
			return true
		}
	}
	return false
}

// peerGroupIdentities returns the set of both names and GIDs for u's
// primary plus supplementary groups, so AuthorizedGroups entries written
// as either a name or a numeric GID both match.
func peerGroupIdentities(u *user.User) (map[string]bool, error) {
	gids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(gids)*2)
	for _, gid := range gids {
		set[gid] = true
		if g, err := user.LookupGroupId(gid); err == nil {
			set[g.Name] = true
		}
	}
	return set, nil
}
