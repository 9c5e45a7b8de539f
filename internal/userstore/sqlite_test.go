package userstore

import (
	"path/filepath"
	"testing"

	"github.com/rishavghosh108/mrx-mta/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "users.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := openTestStore(t)

	u := model.User{Username: "alice", PasswordHash: "hash", Enabled: true, RateLimit: 50}
	if err := store.Create(u); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get("alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Username != "alice" || got.PasswordHash != "hash" || !got.Enabled || got.RateLimit != 50 {
		t.Errorf("unexpected user: %+v", got)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	store := openTestStore(t)
	_ = store.Create(model.User{Username: "alice", PasswordHash: "hash"})

	err := store.Create(model.User{Username: "alice", PasswordHash: "other"})
	if err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get("ghost")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	store := openTestStore(t)
	_ = store.Create(model.User{Username: "alice", PasswordHash: "hash", Enabled: true})

	u, _ := store.Get("alice")
	u.Enabled = false
	u.LoginCount = 3
	if err := store.Update(u); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := store.Get("alice")
	if got.Enabled {
		t.Error("expected disabled after update")
	}
	if got.LoginCount != 3 {
		t.Errorf("expected LoginCount 3, got %d", got.LoginCount)
	}
}

func TestUpdateNotFound(t *testing.T) {
	store := openTestStore(t)

	err := store.Update(model.User{Username: "ghost"})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestChangePassword(t *testing.T) {
	store := openTestStore(t)
	_ = store.Create(model.User{Username: "alice", PasswordHash: "old"})

	if err := store.ChangePassword("alice", "new"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	got, _ := store.Get("alice")
	if got.PasswordHash != "new" {
		t.Errorf("expected updated password hash, got %s", got.PasswordHash)
	}
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	_ = store.Create(model.User{Username: "alice", PasswordHash: "hash"})

	if err := store.Delete("alice"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("alice"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete("alice"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound deleting again, got %v", err)
	}
}
