package store

import (
	"context"
	"crypto/ed25519"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dkeye/roguetalk/internal/secure"
)

func openTemp(t *testing.T) *Directory {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "identities.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRegisterAndLookup(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()
	pub, _, _ := secure.GenerateIdentity()

	if err := d.Register(ctx, "alice", "Alice", pub); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := d.PublicKey(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !got.Equal(pub) {
		t.Fatalf("got a different key back")
	}
	if _, err := d.PublicKey(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestReregisterReplacesKey(t *testing.T) {
	d := openTemp(t)
	ctx := context.Background()
	first, _, _ := secure.GenerateIdentity()
	second, _, _ := secure.GenerateIdentity()
	_ = d.Register(ctx, "alice", "Alice", first)
	_, _ = d.PublicKey(ctx, "alice")
	if err := d.Register(ctx, "alice", "Alice II", second); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	got, _ := d.PublicKey(ctx, "alice")
	if !got.Equal(second) {
		t.Fatalf("stale key served from cache")
	}
	list, err := d.List(ctx)
	if err != nil || len(list) != 1 || list[0].Name != "Alice II" {
		t.Fatalf("list = %+v, %v", list, err)
	}
}

func TestRejectsBadKeys(t *testing.T) {
	d := openTemp(t)
	err := d.Register(context.Background(), "alice", "Alice", ed25519.PublicKey{1, 2, 3})
	if !errors.Is(err, ErrBadKeySize) {
		t.Fatalf("got %v, want ErrBadKeySize", err)
	}
}

func TestRemoveAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.db")
	ctx := context.Background()
	pub, _, _ := secure.GenerateIdentity()

	d, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = d.Register(ctx, "alice", "Alice", pub)
	_ = d.Register(ctx, "bob", "Bob", pub)
	if err := d.Remove(ctx, "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_ = d.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.PublicKey(ctx, "alice"); err != nil {
		t.Fatalf("alice lost across reopen: %v", err)
	}
	if _, err := reopened.PublicKey(ctx, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("removed identity came back: %v", err)
	}
}
