package config

// Action is a named, immutable, administrator-curated command plus its
// authorization policy. Actions are constructed once at startup and never
// mutated afterward, so they can be shared across worker goroutines without
// synchronization.
type Action struct {
	Name    string
	Command string

	// AuthorizedUsers and AuthorizedGroups hold the raw tokens from
	// config — each either a user/group name or a decimal UID/GID. They
	// are matched against the peer's identity at request time rather than
	// pre-resolved, because a numeric entry that doesn't resolve at
	// load time is still a legal (if permanently dead) policy entry, and
	// because group membership can only be evaluated per-request against
	// the connecting user, not baked into the table.
	//
	// A nil slice (as opposed to an empty, non-nil one) means "this
	// restriction was not specified in config", which combined with a nil
	// AuthorizedGroups means the action is open to anyone with a comm
	// endpoint.
	AuthorizedUsers  []string
	AuthorizedGroups []string

	// TargetUser names the user the action's command runs as. TargetGroup
	// is resolved and validated alongside it, but it is not applied to the
	// child: the execution engine runs the command with TargetUser's
	// primary group as its gid, whatever TargetGroup says. Both are
	// validated to exist at config-load time, since the execution engine
	// has no fallback if the target identity vanishes between load and
	// trigger.
	TargetUser  string
	TargetGroup string
}

// Open reports whether the action carries no authorization restriction at
// all, i.e. it is runnable by any user who owns a comm endpoint.
func (a *Action) Open() bool {
	return a.AuthorizedUsers == nil && a.AuthorizedGroups == nil
}

// Table is the immutable, in-memory action list built at startup.
type Table struct {
	actions         map[string]*Action
	PersistentUsers []string
}

// Lookup finds the action with the given name. Returns nil, false if there
// is no such action — callers must not distinguish this from an
// authorization denial when replying to the client (see comm handler).
func (t *Table) Lookup(name string) (*Action, bool) {
	a, ok := t.actions[name]
	return a, ok
}

// Len reports the number of loaded actions, for startup logging.
func (t *Table) Len() int {
	return len(t.actions)
}
