package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
)

type mirrorStub struct {
	mu      sync.Mutex
	saved   []Message
	history []Message
	err     error
	loads   int
	deleted []string
}

func (m *mirrorStub) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, sessionID)
	return m.err
}

func (m *mirrorStub) SaveMessage(_ context.Context, _ string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, msg)
	return m.err
}

func (m *mirrorStub) History(context.Context, string, int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return append([]Message(nil), m.history...), m.err
}

func TestMemoryStoreTrimsWindow(t *testing.T) {
	t.Parallel()

	ms := NewMemoryStore(3, nil)
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		ms.Append("s1", Message{Role: RoleUser, Content: c})
	}
	got := ms.Get("s1")
	if len(got) != 3 || got[0].Content != "c" || got[2].Content != "e" {
		t.Fatalf("unexpected window %+v", got)
	}
	if r := ms.Recent("s1", 2); len(r) != 2 || r[0].Content != "d" {
		t.Fatalf("unexpected recent %+v", r)
	}
	if len(ms.Get("other")) != 0 {
		t.Fatalf("sessions must be isolated")
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()

	ms := NewMemoryStore(10, nil)
	ms.Append("s1", Message{Role: RoleUser, Content: "hi"})
	got := ms.Get("s1")
	got[0].Content = "mutated"
	if ms.Get("s1")[0].Content != "hi" {
		t.Fatalf("Get must return a copy")
	}
}

func TestMemoryStoreMirrorsAndHydrates(t *testing.T) {
	t.Parallel()

	mirror := &mirrorStub{history: []Message{{Role: RoleUser, Content: "from db"}}}
	ms := NewMemoryStore(10, nil)
	ms.SetMirror(mirror)

	got := ms.Get("cold")
	if len(got) != 1 || got[0].Content != "from db" {
		t.Fatalf("expected hydrated history, got %+v", got)
	}
	ms.Get("cold")
	if mirror.loads != 1 {
		t.Fatalf("expected a single history load, got %d", mirror.loads)
	}

	ms.Append("cold", Message{Role: RoleAssistant, Content: "reply"})
	if len(mirror.saved) != 1 || mirror.saved[0].CreatedAt.IsZero() {
		t.Fatalf("expected message mirrored with timestamp, got %+v", mirror.saved)
	}
}

func TestMemoryStoreMirrorErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	ms := NewMemoryStore(10, nil)
	ms.SetMirror(&mirrorStub{err: errors.New("db down")})
	ms.Append("s1", Message{Role: RoleUser, Content: "still here"})
	if got := ms.Get("s1"); len(got) != 1 {
		t.Fatalf("expected in-memory message to survive mirror error, got %+v", got)
	}
}

func TestMemoryStoreWallet(t *testing.T) {
	t.Parallel()

	ms := NewMemoryStore(10, nil)
	ms.SetWallet("s1", "addr")
	if ms.GetWallet("s1") != "addr" {
		t.Fatalf("expected wallet to be stored")
	}
	if err := ms.Reset(context.Background(), "s1"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if ms.GetWallet("s1") != "" {
		t.Fatalf("expected wallet cleared")
	}
}

func TestMemoryStoreResetDeletesMirroredSession(t *testing.T) {
	t.Parallel()

	mirror := &mirrorStub{history: []Message{{Role: RoleUser, Content: "from db"}}}
	ms := NewMemoryStore(10, nil)
	ms.SetMirror(mirror)
	ms.Append("s1", Message{Role: RoleUser, Content: "hello"})

	if err := ms.Reset(context.Background(), "s1"); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if len(mirror.deleted) != 1 || mirror.deleted[0] != "s1" {
		t.Fatalf("mirror deletes = %v", mirror.deleted)
	}
	if got := ms.Get("s1"); len(got) != 0 {
		t.Fatalf("reset session was hydrated again: %+v", got)
	}
	if mirror.loads != 0 {
		t.Fatalf("history loaded %d times after reset", mirror.loads)
	}

	mirror.err = errors.New("db down")
	if err := ms.Reset(context.Background(), "s1"); err == nil {
		t.Fatalf("expected mirror error from Reset")
	}
}

func TestFileSnapshotStoreRoundTrip(t *testing.T) {
	t.Parallel()

	f := NewFileSnapshotStore(filepath.Join(t.TempDir(), "nested", "snap.json"))
	var empty map[string]int
	if ok, err := f.Read(&empty); err != nil || ok {
		t.Fatalf("expected no snapshot yet, got ok=%v err=%v", ok, err)
	}
	if err := f.Write(map[string]int{"btc": 1}); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	var got map[string]int
	if ok, err := f.Read(&got); err != nil || !ok || got["btc"] != 1 {
		t.Fatalf("unexpected read: ok=%v err=%v got=%v", ok, err, got)
	}
	if err := f.Clear(); err != nil {
		t.Fatalf("Clear returned error: %v", err)
	}
	if err := f.Clear(); err != nil {
		t.Fatalf("Clear on missing file returned error: %v", err)
	}
}
