package registry

import (
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "control"), dir, "", discardLogger())
}

func TestEnsureControlCreatesListener(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.EnsureControl(); err != nil {
		t.Fatalf("EnsureControl: %v", err)
	}
	if r.Control() == nil {
		t.Fatal("expected control endpoint to be set")
	}
	r.Control().Listener.Close()
}

// TestCreateCommIsIdempotent checks that a second CREATE for the same
// user reports EXISTS without touching the first endpoint.
func TestCreateCommIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	self, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}

	res, err := r.CreateComm(self.Username)
	if err != nil {
		t.Fatalf("first CreateComm: %v", err)
	}
	if res != CreateOK {
		t.Fatalf("expected CreateOK, got %v", res)
	}

	res2, err := r.CreateComm(self.Username)
	if err != nil {
		t.Fatalf("second CreateComm: %v", err)
	}
	if res2 != CreateExists {
		t.Fatalf("expected CreateExists, got %v", res2)
	}

	if _, ok := r.Comm(self.Username); !ok {
		t.Fatal("expected endpoint to still be registered")
	}
}

func TestCreateCommNoSuchUser(t *testing.T) {
	r := newTestRegistry(t)
	res, err := r.CreateComm("this-user-should-not-exist-xyz")
	if err == nil {
		t.Fatal("expected error for unresolvable user")
	}
	if res != CreateNoSuchUser {
		t.Fatalf("expected CreateNoSuchUser, got %v", res)
	}
}

// TestDestroyCommAbsentIsNoUser checks that DESTROY for a user with no
// endpoint reports NoUser rather than erroring.
func TestDestroyCommAbsentIsNoUser(t *testing.T) {
	r := newTestRegistry(t)
	if res := r.DestroyComm("bob"); res != DestroyNoUser {
		t.Fatalf("expected DestroyNoUser, got %v", res)
	}
}

func TestDestroyCommRemovesEndpoint(t *testing.T) {
	r := newTestRegistry(t)
	self, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}

	if _, err := r.CreateComm(self.Username); err != nil {
		t.Fatalf("CreateComm: %v", err)
	}

	if res := r.DestroyComm(self.Username); res != DestroyOK {
		t.Fatalf("expected DestroyOK, got %v", res)
	}
	if _, ok := r.Comm(self.Username); ok {
		t.Fatal("expected endpoint to be deregistered")
	}

	// A repeated CREATE after DESTROY must succeed again, not report
	// EXISTS against a stale entry.
	res, err := r.CreateComm(self.Username)
	if err != nil {
		t.Fatalf("CreateComm after destroy: %v", err)
	}
	if res != CreateOK {
		t.Fatalf("expected CreateOK after destroy, got %v", res)
	}
}

// TestDestroyCommToleratesMissingSocket checks that unlinking an
// already-missing node still deregisters the in-memory entry.
func TestDestroyCommToleratesMissingSocket(t *testing.T) {
	r := newTestRegistry(t)
	self, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}
	if _, err := r.CreateComm(self.Username); err != nil {
		t.Fatalf("CreateComm: %v", err)
	}

	e, _ := r.Comm(self.Username)
	if err := os.Remove(e.Path); err != nil {
		t.Fatalf("pre-remove socket: %v", err)
	}

	if res := r.DestroyComm(self.Username); res != DestroyOK {
		t.Fatalf("expected DestroyOK even with pre-removed socket, got %v", res)
	}
	if _, ok := r.Comm(self.Username); ok {
		t.Fatal("expected endpoint to be deregistered despite missing socket node")
	}
}
