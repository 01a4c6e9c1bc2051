package sessions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	m, err := store.Create(context.Background(), "rc.cir", "", strings.NewReader("V1 in 0 1\n.end\n"), 1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Input.Filename != "rc.cir" || m.Input.Size != 15 {
		t.Fatalf("unexpected input: %+v", m.Input)
	}
	if len(m.Input.SHA256) != 64 {
		t.Fatalf("sha256 = %q", m.Input.SHA256)
	}
	if m.Input.ContentType != "text/plain; charset=utf-8" {
		t.Fatalf("content type = %q", m.Input.ContentType)
	}
	if m.Input.URI != "/v1/sessions/"+m.ID+"/assets/input/rc.cir" {
		t.Fatalf("uri = %q", m.Input.URI)
	}

	got, ok := store.Get(m.ID)
	if !ok || got.ID != m.ID {
		t.Fatalf("get: %+v %v", got, ok)
	}
	got.History = append(got.History, HistoryEntry{Role: RoleUser, Text: "mutated"})
	again, _ := store.Get(m.ID)
	if len(again.History) != 0 {
		t.Fatal("Get must return a copy")
	}

	p, ok := store.AssetPath(m.ID, "input/rc.cir")
	if !ok {
		t.Fatal("input should resolve as an asset")
	}
	data, _ := os.ReadFile(p)
	if string(data) != "V1 in 0 1\n.end\n" {
		t.Fatalf("stored upload = %q", data)
	}
}

func TestCreateRejectsOversizedUpload(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Create(context.Background(), "big.bin", "", strings.NewReader(strings.Repeat("x", 11)), 10)
	if !errors.Is(err, ErrUploadTooLarge) {
		t.Fatalf("expected ErrUploadTooLarge, got %v", err)
	}
	entries, _ := os.ReadDir(store.Root())
	if len(entries) != 0 {
		t.Fatalf("failed upload left %d directories behind", len(entries))
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"rc.cir":           "rc.cir",
		"../../etc/passwd": "passwd",
		`C:\temp\deck.cir`: "deck.cir",
		".hidden":          "hidden",
		"":                 "upload.bin",
		"..":               "upload.bin",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	if err != nil {
		t.Fatal(err)
	}
	m, err := store.Create(context.Background(), "in.txt", "text/plain", strings.NewReader("hi"), 0)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Update(m.ID, func(m *Manifest) error {
		m.History = append(m.History, HistoryEntry{Role: RoleAssistant, Text: "hello"})
		m.Turns++
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := store.Update(m.ID, func(*Manifest) error { return errors.New("nope") }); err == nil {
		t.Fatal("expected update error")
	}
	if _, err := store.Update("missing", func(*Manifest) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	reopened, err := NewStore(root)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Get(m.ID)
	if !ok {
		t.Fatal("manifest should survive reopen")
	}
	if got.Turns != 1 || got.LastAssistantText() != "hello" {
		t.Fatalf("reloaded manifest = %+v", got)
	}
}

func TestImportJobFiles(t *testing.T) {
	store := newTestStore(t)
	m, err := store.Create(context.Background(), "in.txt", "", strings.NewReader("x"), 0)
	if err != nil {
		t.Fatal(err)
	}
	jobDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(jobDir, "out.log"), []byte("log"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(jobDir, "plots"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, "plots", "v.csv"), []byte("t,v"), 0o644); err != nil {
		t.Fatal(err)
	}

	assets, err := store.ImportJobFiles(m.ID, "job-1", jobDir, []string{"out.log", "plots/v.csv", "../escape", "missing.txt"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(assets) != 2 {
		t.Fatalf("assets = %+v", assets)
	}
	if assets[1].Path != "job-1/plots/v.csv" || assets[1].URI != "/v1/sessions/"+m.ID+"/assets/job-1/plots/v.csv" {
		t.Fatalf("asset = %+v", assets[1])
	}
	if _, ok := store.AssetPath(m.ID, "job-1/out.log"); !ok {
		t.Fatal("imported asset should resolve")
	}
	got, _ := store.Get(m.ID)
	if len(got.Assets) != 2 {
		t.Fatalf("manifest assets = %d", len(got.Assets))
	}
}

func TestCleanupAndPrune(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()
	store.now = func() time.Time { return base.Add(-48 * time.Hour) }
	old, _ := store.Create(context.Background(), "old.txt", "", strings.NewReader("old"), 0)
	store.now = func() time.Time { return base }
	fresh, _ := store.Create(context.Background(), "new.txt", "", strings.NewReader("new"), 0)

	report, err := store.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if report.DeletedSessions != 1 || report.ReclaimedBytes <= 0 {
		t.Fatalf("prune report = %+v", report)
	}
	if _, ok := store.Get(old.ID); ok {
		t.Fatal("old session should be pruned")
	}
	if _, ok := store.Get(fresh.ID); !ok {
		t.Fatal("fresh session should remain")
	}

	report, err = store.Cleanup(context.Background())
	if err != nil || report.DeletedSessions != 1 {
		t.Fatalf("cleanup = %+v, %v", report, err)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), fresh.ID)); !os.IsNotExist(err) {
		t.Fatalf("session directory should be gone, stat err = %v", err)
	}
}

func TestCleanupCancelledKeepsSessions(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create(context.Background(), "in.txt", "", strings.NewReader("data"), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := store.Cleanup(ctx)
	if !errors.Is(err, context.Canceled) || report.DeletedSessions != 0 {
		t.Fatalf("cleanup = %+v, %v", report, err)
	}
	if _, ok := store.Get(created.ID); !ok {
		t.Fatal("session record dropped by a cancelled cleanup")
	}
	if _, err := os.Stat(filepath.Join(store.Root(), created.ID)); err != nil {
		t.Fatalf("session directory removed: %v", err)
	}
}

func TestLockerSerializes(t *testing.T) {
	locker := NewLocker()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "s1")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()
	if maxActive != 1 {
		t.Fatalf("max concurrent holders = %d", maxActive)
	}
	if locker.Len() != 0 {
		t.Fatalf("locker should be empty, has %d", locker.Len())
	}
}

func TestLockerHonorsContext(t *testing.T) {
	locker := NewLocker()
	unlock, err := locker.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	other, err := locker.Lock(context.Background(), "s2")
	if err != nil {
		t.Fatalf("different session should not block: %v", err)
	}
	other()
}
