package engine

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

type observerFixture struct {
	root    string
	batches <-chan []string
}

func newObserverFixture(t *testing.T, debounce time.Duration) *observerFixture {
	t.Helper()

	root := t.TempDir()

	obs, err := NewObserver(root, debounce, discardLogger())
	if err != nil {
		t.Fatalf("NewObserver: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- obs.Run(ctx) }()

	t.Cleanup(func() {
		cancel()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("observer did not stop")
		}
	})

	return &observerFixture{root: root, batches: obs.Batches()}
}

func (fx *observerFixture) nextBatch(t *testing.T) []string {
	t.Helper()

	select {
	case batch := <-fx.batches:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("no batch within deadline")
		return nil
	}
}

func (fx *observerFixture) write(t *testing.T, rel, content string) {
	t.Helper()

	path := filepath.Join(fx.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestObserverBatchesRapidChanges(t *testing.T) {
	t.Parallel()

	fx := newObserverFixture(t, 100*time.Millisecond)

	fx.write(t, "a.txt", "one")
	fx.write(t, "b.txt", "two")

	batch := fx.nextBatch(t)
	if !slices.Contains(batch, "a.txt") || !slices.Contains(batch, "b.txt") {
		t.Errorf("batch = %v, want both a.txt and b.txt", batch)
	}
}

func TestObserverWatchesNewDirectories(t *testing.T) {
	t.Parallel()

	fx := newObserverFixture(t, 50*time.Millisecond)

	if err := os.MkdirAll(filepath.Join(fx.root, "sub", "deep"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	// The directory creation batch confirms the new watches are in place.
	if batch := fx.nextBatch(t); !slices.Contains(batch, "sub") {
		t.Errorf("batch = %v, want sub", batch)
	}

	// A file created inside the new directory must also be seen.
	fx.write(t, "sub/deep/d.txt", "more")

	waitFor(t, func() bool {
		select {
		case batch := <-fx.batches:
			return slices.Contains(batch, "sub/deep/d.txt")
		default:
			return false
		}
	})
}

func TestObserverIgnoresHiddenAndStagingFiles(t *testing.T) {
	t.Parallel()

	fx := newObserverFixture(t, 50*time.Millisecond)

	fx.write(t, ".hidden", "x")
	fx.write(t, "download.bin.partial", "y")
	fx.write(t, "visible.txt", "z")

	batch := fx.nextBatch(t)
	if !slices.Contains(batch, "visible.txt") {
		t.Errorf("batch = %v, want visible.txt", batch)
	}

	for _, p := range batch {
		if p == ".hidden" || p == "download.bin.partial" {
			t.Errorf("batch should not contain %q", p)
		}
	}
}
