package config

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strings"
)

const (
	sectionPersistentUsers = "persistent-users"
	sectionAllowedUsers    = "allowed-users"
)

type sectionKind int

const (
	sectionUnset sectionKind = iota
	sectionAction
	sectionReservedPersistent
	sectionReservedAllowed
)

// Load reads every "*.conf" file in dir whose name matches the identifier
// grammar, parses its sections, and returns the merged action table. Any
// syntax error, unknown key, duplicate action name, or unresolvable target
// identity is returned as an error — the caller (the supervisor) is
// responsible for logging it at CRITICAL and exiting.
func Load(dir string, log *slog.Logger) (*Table, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !IsValidConfigFileName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	actions := map[string]*Action{}
	persistentUsers := map[string]struct{}{}

	for _, name := range names {
		path := filepath.Join(dir, name)
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}

		fileActions, filePersistent, err := parseFile(path, string(content))
		if err != nil {
			return nil, err
		}

		for _, a := range fileActions {
			if _, dup := actions[a.Name]; dup {
				return nil, fmt.Errorf("config: duplicate action %q (seen again in %s)", a.Name, path)
			}
			actions[a.Name] = a
		}
		for _, u := range filePersistent {
			persistentUsers[u] = struct{}{}
		}
	}

	for _, a := range actions {
		if err := resolveTarget(a); err != nil {
			return nil, fmt.Errorf("config: action %q: %w", a.Name, err)
		}
		logDeadAuthEntries(log, a)
	}

	puList := make([]string, 0, len(persistentUsers))
	for u := range persistentUsers {
		puList = append(puList, u)
	}
	sort.Strings(puList)

	return &Table{actions: actions, PersistentUsers: puList}, nil
}

// parseFile parses one config file's sections. A file is a sequence of
// "[name]" headers each followed by "Key=Value" lines; blank lines and
// lines whose first non-space byte is '#' are ignored.
func parseFile(path, content string) ([]*Action, []string, error) {
	var fileActions []*Action
	actionsByName := map[string]*Action{}
	var persistentUsers []string

	kind := sectionUnset
	var curAction *Action
	var curSectionName string

	lines := strings.Split(content, "\n")
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		if strings.HasPrefix(trimmed, "[") {
			if !strings.HasSuffix(trimmed, "]") {
				return nil, nil, fmt.Errorf("config: %s:%d: malformed section header %q", path, lineNo, trimmed)
			}
			name := strings.TrimSpace(trimmed[1 : len(trimmed)-1])
			if !IsValidIdentifier(name) {
				return nil, nil, fmt.Errorf("config: %s:%d: invalid section name %q", path, lineNo, name)
			}

			curSectionName = name
			switch name {
			case sectionPersistentUsers:
				kind = sectionReservedPersistent
				curAction = nil
			case sectionAllowedUsers:
				kind = sectionReservedAllowed
				curAction = nil
			default:
				if _, dup := actionsByName[name]; dup {
					return nil, nil, fmt.Errorf("config: %s:%d: duplicate action %q in same file", path, lineNo, name)
				}
				kind = sectionAction
				curAction = &Action{Name: name}
				actionsByName[name] = curAction
				fileActions = append(fileActions, curAction)
			}
			continue
		}

		if kind == sectionUnset {
			return nil, nil, fmt.Errorf("config: %s:%d: key=value line outside any section", path, lineNo)
		}

		eq := strings.IndexByte(trimmed, '=')
		if eq < 0 {
			return nil, nil, fmt.Errorf("config: %s:%d: malformed line (no '=')", path, lineNo)
		}
		key := strings.TrimSpace(trimmed[:eq])
		value := strings.TrimSpace(trimmed[eq+1:])

		switch kind {
		case sectionAction:
			switch key {
			case "Command":
				curAction.Command = value
			case "AuthorizedUsers":
				curAction.AuthorizedUsers = splitCSV(value)
			case "AuthorizedGroups":
				curAction.AuthorizedGroups = splitCSV(value)
			case "TargetUser":
				curAction.TargetUser = value
			case "TargetGroup":
				curAction.TargetGroup = value
			default:
				return nil, nil, fmt.Errorf("config: %s:%d: unknown key %q in action %q", path, lineNo, key, curSectionName)
			}
		case sectionReservedPersistent, sectionReservedAllowed:
			if key != "User" {
				return nil, nil, fmt.Errorf("config: %s:%d: unknown key %q in [%s]", path, lineNo, key, curSectionName)
			}
			if kind == sectionReservedPersistent {
				persistentUsers = append(persistentUsers, value)
			}
			// allowed-users is accepted but advisory: parsed for grammar
			// validity, never consulted by the authorization check.
		}
	}

	for _, a := range fileActions {
		if a.Command == "" {
			return nil, nil, fmt.Errorf("config: %s: action %q has no Command", path, a.Name)
		}
	}

	return fileActions, persistentUsers, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveTarget fills in TargetUser (default "root") and TargetGroup
// (default the target user's primary group) and verifies both exist on
// the host — the execution target must exist, so an unresolvable one is
// fatal, unlike an unresolvable AuthorizedUsers/AuthorizedGroups entry.
// A numeric TargetUser is replaced by the user name it resolves to.
func resolveTarget(a *Action) error {
	if a.TargetUser == "" {
		a.TargetUser = "root"
	}

	u, err := lookupUser(a.TargetUser)
	if err != nil {
		return fmt.Errorf("TargetUser %q does not resolve: %w", a.TargetUser, err)
	}
	a.TargetUser = u.Username

	if a.TargetGroup == "" {
		g, err := user.LookupGroupId(u.Gid)
		if err != nil {
			return fmt.Errorf("TargetUser %q's primary group (gid %s) does not resolve: %w", a.TargetUser, u.Gid, err)
		}
		a.TargetGroup = g.Name
		return nil
	}

	if _, err := lookupGroup(a.TargetGroup); err != nil {
		return fmt.Errorf("TargetGroup %q does not resolve: %w", a.TargetGroup, err)
	}
	return nil
}

func lookupUser(token string) (*user.User, error) {
	if isNumeric(token) {
		return user.LookupId(token)
	}
	return user.Lookup(token)
}

func lookupGroup(token string) (*user.Group, error) {
	if isNumeric(token) {
		return user.LookupGroupId(token)
	}
	return user.LookupGroup(token)
}

// logDeadAuthEntries resolves each AuthorizedUsers/AuthorizedGroups entry
// purely for diagnostics: an entry that can never resolve can never match
// a real peer, so it's a dead policy line. Logged at INFO; does not
// block startup.
func logDeadAuthEntries(log *slog.Logger, a *Action) {
	if log == nil {
		return
	}
	for _, tok := range a.AuthorizedUsers {
		if _, err := lookupUser(tok); err != nil {
			log.Info("authorized user entry does not resolve, it can never match", "action", a.Name, "user", tok)
		}
	}
	for _, tok := range a.AuthorizedGroups {
		if _, err := lookupGroup(tok); err != nil {
			log.Info("authorized group entry does not resolve, it can never match", "action", a.Name, "group", tok)
		}
	}
}
