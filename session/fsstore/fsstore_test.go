package fsstore

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/fathom-ai/fathom"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := store.Load(ctx, "missing"); !errors.Is(err, fathom.ErrSessionNotFound) {
		t.Errorf("missing id: %v", err)
	}

	record := []byte(`{"version": 1}`)
	if err := store.Save(ctx, "s1", record); err != nil {
		t.Fatal(err)
	}
	got, err := store.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(record) {
		t.Errorf("loaded %q", got)
	}

	// overwrite replaces
	if err := store.Save(ctx, "s1", []byte(`{"version": 2}`)); err != nil {
		t.Fatal(err)
	}
	got, _ = store.Load(ctx, "s1")
	if string(got) != `{"version": 2}` {
		t.Errorf("after overwrite: %q", got)
	}
}

func TestStoreListAndDelete(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, id := range []string{"b", "a", "c"} {
		if err := store.Save(ctx, id, []byte("{}")); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(ids)
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Errorf("ids = %v", ids)
	}

	if err := store.Delete(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, "b"); !errors.Is(err, fathom.ErrSessionNotFound) {
		t.Errorf("deleted id still loads: %v", err)
	}
	// deleting a missing id is a no-op
	if err := store.Delete(ctx, "b"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestStoreRejectsUnsafeIDs(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "../escape", "a/b", `a\b`} {
		if err := store.Save(context.Background(), id, []byte("{}")); err == nil {
			t.Errorf("id %q accepted", id)
		}
	}
}

// TestManagerOverFsstore exercises the full session manager round trip
// through the filesystem backend.
func TestManagerOverFsstore(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m := fathom.NewManager(store)
	ctx := context.Background()

	tr := fathom.NewTranscript()
	if err := tr.Append(fathom.UserMessage("hello")); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append(fathom.AssistantMessage(fathom.TextBlock{Text: "hi"})); err != nil {
		t.Fatal(err)
	}
	st := fathom.NewAgentState()
	st.WriteFile("f.txt", []byte("data"))

	if err := m.Save(ctx, "s1", tr, st); err != nil {
		t.Fatal(err)
	}
	gotTr, gotSt, meta, err := m.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if gotTr.Len() != 2 {
		t.Errorf("transcript = %d messages", gotTr.Len())
	}
	content, ok := gotSt.ReadFile("f.txt")
	if !ok || string(content) != "data" {
		t.Errorf("file = %q, %v", content, ok)
	}
	if meta.SessionID != "s1" {
		t.Errorf("meta = %+v", meta)
	}
}
