package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConf(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadFreeAction(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "10_test.conf", "[test-act-free]\nCommand=echo 'test-act-free'\n")

	table, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, ok := table.Lookup("test-act-free")
	if !ok {
		t.Fatal("expected action test-act-free")
	}
	if !a.Open() {
		t.Fatal("expected action with no restrictions to be Open")
	}
	if a.TargetUser != "root" {
		t.Fatalf("expected default TargetUser root, got %q", a.TargetUser)
	}
}

func TestLoadAuthRestrictions(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "test.conf", strings.Join([]string{
		"[test-act-userrestrict]",
		"Command=id",
		"AuthorizedUsers=sys,200",
		"",
		"[test-act-grouprestrict]",
		"Command=id",
		"AuthorizedGroups=sudo",
	}, "\n"))

	table, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a, _ := table.Lookup("test-act-userrestrict")
	if a.Open() {
		t.Fatal("expected restricted action")
	}
	if len(a.AuthorizedUsers) != 2 || a.AuthorizedUsers[0] != "sys" || a.AuthorizedUsers[1] != "200" {
		t.Fatalf("unexpected AuthorizedUsers: %v", a.AuthorizedUsers)
	}

	b, _ := table.Lookup("test-act-grouprestrict")
	if len(b.AuthorizedGroups) != 1 || b.AuthorizedGroups[0] != "sudo" {
		t.Fatalf("unexpected AuthorizedGroups: %v", b.AuthorizedGroups)
	}
}

func TestLoadPersistentUsersMergeAcrossSections(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", strings.Join([]string{
		"[persistent-users]",
		"User=alice",
		"[persistent-users]",
		"User=bob",
	}, "\n"))
	writeConf(t, dir, "b.conf", "[persistent-users]\nUser=alice\n")

	table, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := map[string]bool{"alice": true, "bob": true}
	if len(table.PersistentUsers) != len(want) {
		t.Fatalf("expected %d persistent users, got %v", len(want), table.PersistentUsers)
	}
	for _, u := range table.PersistentUsers {
		if !want[u] {
			t.Fatalf("unexpected persistent user %q", u)
		}
	}
}

func TestLoadDuplicateActionAcrossFilesIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[dup]\nCommand=echo a\n")
	writeConf(t, dir, "b.conf", "[dup]\nCommand=echo b\n")

	if _, err := Load(dir, nil); err == nil {
		t.Fatal("expected duplicate action error")
	}
}

func TestLoadUnknownKeyIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[act]\nCommand=echo a\nBogusKey=1\n")

	if _, err := Load(dir, nil); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestLoadMalformedLineIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[act]\nthis line has no equals\n")

	if _, err := Load(dir, nil); err == nil {
		t.Fatal("expected malformed line error")
	}
}

func TestLoadMissingCommandIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[act]\nAuthorizedUsers=root\n")

	if _, err := Load(dir, nil); err == nil {
		t.Fatal("expected missing Command error")
	}
}

func TestLoadUnresolvableTargetUserIsFatal(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[act]\nCommand=echo a\nTargetUser=this-user-should-not-exist-xyz\n")

	if _, err := Load(dir, nil); err == nil {
		t.Fatal("expected unresolvable TargetUser error")
	}
}

func TestLoadIgnoresNonConfFiles(t *testing.T) {
	dir := t.TempDir()
	writeConf(t, dir, "readme.txt", "not a config file")
	writeConf(t, dir, "a.conf", "[act]\nCommand=echo a\n")

	table, err := Load(dir, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("expected 1 action, got %d", table.Len())
	}
}

func TestIsValidIdentifier(t *testing.T) {
	valid := []string{"alice", "test-act_1", "a.b.c", "200"}
	invalid := []string{"", "-leading-dash", "has space", "slash/in/name"}
	for _, v := range valid {
		if !IsValidIdentifier(v) {
			t.Errorf("expected %q to be valid", v)
		}
	}
	for _, v := range invalid {
		if IsValidIdentifier(v) {
			t.Errorf("expected %q to be invalid", v)
		}
	}
}
