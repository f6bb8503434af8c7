package comm

import (
	"encoding/hex"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"testing"
	"time"

	"github.com/privleap/privleapd/internal/config"
	"github.com/privleap/privleapd/internal/session"
	"github.com/privleap/privleapd/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConf(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func mustHexDecode(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex decode %q: %v", s, err)
	}
	return b
}

func dialPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "test.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	client, err = net.Dial("unix", sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-acceptedCh
	return client, server
}

// TestFreeActionEndToEnd checks that an unrestricted action triggers,
// streams its stdout, and reports exit code 0.
func TestFreeActionEndToEnd(t *testing.T) {
	self, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}

	dir := t.TempDir()
	writeConf(t, dir, "a.conf", "[test-act-free]\nCommand=echo -n hello\nTargetUser="+self.Username+"\n")
	table, err := config.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	s, err := session.NewComm(server, self.Username, 0, discardLogger())
	if err != nil {
		t.Fatalf("NewComm: %v", err)
	}

	h := &Handler{Table: table, Log: discardLogger()}
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Handle(s)
	}()

	if err := sendMsg(client, wire.New("SIGNAL", "test-act-free")); err != nil {
		t.Fatalf("send SIGNAL: %v", err)
	}

	msg := recvMsg(t, client)
	if msg.Type != "TRIGGER" {
		t.Fatalf("expected TRIGGER, got %q", msg.Type)
	}

	var stdout string
	for {
		msg = recvMsg(t, client)
		if msg.Type == "RESULT_EXITCODE" {
			if msg.Args[0] != "0" {
				t.Fatalf("expected exit code 0, got %s", msg.Args[0])
			}
			break
		}
		if msg.Type != "RESULT_STDOUT" {
			continue
		}
		decoded := mustHexDecode(t, msg.Args[0])
		stdout += string(decoded)
	}

	if stdout != "hello" {
		t.Fatalf("expected stdout %q, got %q", "hello", stdout)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not finish")
	}
}

// TestUnknownActionIsIndistinguishableFromDenial checks that triggering a
// nonexistent action replies UNAUTHORIZED, the same as a real denial.
func TestUnknownActionIsIndistinguishableFromDenial(t *testing.T) {
	self, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}

	dir := t.TempDir()
	table, err := config.Load(dir, discardLogger())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}

	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	s, err := session.NewComm(server, self.Username, 0, discardLogger())
	if err != nil {
		t.Fatalf("NewComm: %v", err)
	}

	h := &Handler{Table: table, Log: discardLogger()}
	go h.Handle(s)

	sendMsg(client, wire.New("SIGNAL", "nonexistent"))
	msg := recvMsg(t, client)
	if msg.Type != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %q", msg.Type)
	}
}

func TestAuthorizedMatrix(t *testing.T) {
	self, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}
	groups, err := self.GroupIds()
	if err != nil || len(groups) == 0 {
		t.Skipf("cannot resolve groups: %v", err)
	}
	group, err := user.LookupGroupId(groups[0])
	if err != nil {
		t.Skipf("cannot resolve group name: %v", err)
	}

	open := &config.Action{Name: "open"}
	byUser := &config.Action{Name: "byuser", AuthorizedUsers: []string{self.Username}}
	byUID := &config.Action{Name: "byuid", AuthorizedUsers: []string{self.Uid}}
	byGroup := &config.Action{Name: "bygroup", AuthorizedGroups: []string{group.Name}}
	byOtherUser := &config.Action{Name: "byother", AuthorizedUsers: []string{"definitely-not-" + self.Username}}

	cases := []struct {
		action *config.Action
		want   bool
	}{
		{open, true},
		{byUser, true},
		{byUID, true},
		{byGroup, true},
		{byOtherUser, false},
	}
	for _, c := range cases {
		got := authorized(c.action, self.Username)
		if got != c.want {
			t.Errorf("authorized(%s) = %v, want %v", c.action.Name, got, c.want)
		}
	}
}

func sendMsg(w io.Writer, msg wire.Message) error {
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return wire.WriteFrame(w, frame)
}

func recvMsg(t *testing.T, r io.Reader) wire.Message {
	t.Helper()
	payload, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	msg, err := wire.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}
