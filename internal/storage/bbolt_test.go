package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"parley/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestStorage_Users(t *testing.T) {
	store := newTestStorage(t)

	user := models.User{
		Username:     "alice",
		PasswordHash: "hash",
		CreatedAt:    1000,
	}
	if err := store.UpsertUser(user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	users, err := store.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if users[0] != user {
		t.Errorf("expected %+v, got %+v", user, users[0])
	}

	// Upsert overwrites.
	user.PasswordHash = "newhash"
	if err := store.UpsertUser(user); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	users, _ = store.ListUsers()
	if len(users) != 1 || users[0].PasswordHash != "newhash" {
		t.Errorf("expected overwritten user, got %+v", users)
	}
}

func TestStorage_MessagesAscendingOrder(t *testing.T) {
	store := newTestStorage(t)

	// Written out of timestamp order on purpose.
	inputs := []models.ChatMessage{
		{Sender: "alice", Content: "third", Timestamp: 300},
		{Sender: "alice", Content: "first", Timestamp: 100},
		{Sender: "alice", Content: "second", Timestamp: 200},
	}
	for _, m := range inputs {
		if err := store.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	messages, err := store.ListMessages()
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		if messages[i].Content != want {
			t.Errorf("index %d: expected %q, got %q", i, want, messages[i].Content)
		}
	}
}

func TestStorage_MessagesEqualTimestamps(t *testing.T) {
	store := newTestStorage(t)

	// Same timestamp: insertion order is preserved via the sequence
	// suffix, and nothing is overwritten.
	for _, content := range []string{"a", "b", "c"} {
		if err := store.AppendMessage(models.ChatMessage{
			Sender:    "alice",
			Content:   content,
			Timestamp: 500,
		}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	messages, err := store.ListMessages()
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(messages))
	}
	for i, want := range []string{"a", "b", "c"} {
		if messages[i].Content != want {
			t.Errorf("index %d: expected %q, got %q", i, want, messages[i].Content)
		}
	}
}

func TestStorage_ListMessagesFor(t *testing.T) {
	store := newTestStorage(t)

	inputs := []models.ChatMessage{
		{Sender: "bob", Content: "broadcast", Timestamp: 100},
		{Sender: "bob", Receiver: "alice", Content: "to alice", Timestamp: 200},
		{Sender: "alice", Receiver: "carol", Content: "from alice", Timestamp: 300},
		{Sender: "bob", Receiver: "carol", Content: "not for alice", Timestamp: 400},
	}
	for _, m := range inputs {
		if err := store.AppendMessage(m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	visible, err := store.ListMessagesFor("alice")
	if err != nil {
		t.Fatalf("ListMessagesFor failed: %v", err)
	}
	want := []string{"broadcast", "to alice", "from alice"}
	if len(visible) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(visible))
	}
	for i, content := range want {
		if visible[i].Content != content {
			t.Errorf("index %d: expected %q, got %q", i, content, visible[i].Content)
		}
	}
}

func TestStorage_FileRecords(t *testing.T) {
	store := newTestStorage(t)

	records := []models.FileRecord{
		{ID: "f2", FileName: "later.txt", StoragePath: "hash2", Sender: "bob", Timestamp: 200},
		{ID: "f1", FileName: "earlier.txt", StoragePath: "hash1", Sender: "alice", Receiver: "bob", Timestamp: 100},
	}
	for _, r := range records {
		if err := store.UpsertFileRecord(r); err != nil {
			t.Fatalf("UpsertFileRecord failed: %v", err)
		}
	}

	got, err := store.GetFileRecord("f1")
	if err != nil {
		t.Fatalf("GetFileRecord failed: %v", err)
	}
	if got != records[1] {
		t.Errorf("expected %+v, got %+v", records[1], got)
	}

	if _, err := store.GetFileRecord("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListFileRecords()
	if err != nil {
		t.Fatalf("ListFileRecords failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 records, got %d", len(list))
	}
	// Ascending timestamp order regardless of key order.
	if list[0].ID != "f1" || list[1].ID != "f2" {
		t.Errorf("wrong order: %+v", list)
	}
}
