package fathom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory SessionStore for manager tests.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) Save(_ context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.records[id] = buf
	return nil
}

func (s *memStore) Load(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%q: %w", id, ErrSessionNotFound)
	}
	return data, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func seedSession(t *testing.T) (*Transcript, *AgentState) {
	t.Helper()
	tr := NewTranscript()
	for _, m := range []Message{
		UserMessage("start"),
		AssistantMessage(use("a", "slow_echo", `{"tag": "x"}`)),
		ToolResultsMessage([]ToolResultBlock{{ID: "a", Content: "x"}}),
		AssistantMessage(TextBlock{Text: "done"}),
	} {
		if err := tr.Append(m); err != nil {
			t.Fatal(err)
		}
	}
	st := NewAgentState()
	if err := st.SetTodos([]Todo{{ID: "1", Content: "A", Status: TodoInProgress}}); err != nil {
		t.Fatal(err)
	}
	st.WriteFile("notes.md", []byte("remember"))
	st.Set("k", json.RawMessage(`42`))
	return tr, st
}

// TestSessionRoundTrip: load(save(x)) is structurally identical for the
// whole (transcript, state) pair, tool blocks included.
func TestSessionRoundTrip(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()
	tr, st := seedSession(t)

	if err := m.Save(ctx, "s1", tr, st); err != nil {
		t.Fatal(err)
	}
	gotTr, gotSt, meta, err := m.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	want, got := tr.View(), gotTr.View()
	if len(got) != len(want) {
		t.Fatalf("messages = %d, want %d", len(got), len(want))
	}
	wantJSON, _ := json.Marshal(want)
	gotJSON, _ := json.Marshal(got)
	if string(wantJSON) != string(gotJSON) {
		t.Errorf("transcript mismatch:\n%s\n%s", wantJSON, gotJSON)
	}

	if todos := gotSt.Todos(); len(todos) != 1 || todos[0].Status != TodoInProgress {
		t.Errorf("todos = %+v", todos)
	}
	content, ok := gotSt.ReadFile("notes.md")
	if !ok || string(content) != "remember" {
		t.Errorf("file = %q, %v", content, ok)
	}
	raw, _ := gotSt.Get("k")
	if string(raw) != "42" {
		t.Errorf("scratch = %s", raw)
	}
	if meta.SessionID != "s1" || meta.CreatedAt.IsZero() || meta.LastTouchedAt.IsZero() {
		t.Errorf("meta = %+v", meta)
	}
}

func TestSessionSavePreservesCreatedAt(t *testing.T) {
	m := NewManager(newMemStore())
	ctx := context.Background()
	tr, st := seedSession(t)

	if err := m.Save(ctx, "s1", tr, st); err != nil {
		t.Fatal(err)
	}
	_, _, first, err := m.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := m.Save(ctx, "s1", tr, st); err != nil {
		t.Fatal(err)
	}
	_, _, second, err := m.Load(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("created_at changed: %v → %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.LastTouchedAt.After(first.LastTouchedAt) {
		t.Errorf("last_touched_at not bumped: %v → %v", first.LastTouchedAt, second.LastTouchedAt)
	}
}

func TestSessionBusy(t *testing.T) {
	m := NewManager(newMemStore())
	if err := m.Acquire("s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire("s1"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second acquire: %v, want ErrSessionBusy", err)
	}
	if err := m.Acquire("s2"); err != nil {
		t.Fatalf("unrelated id blocked: %v", err)
	}
	m.Release("s1")
	if err := m.Acquire("s1"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSessionLoadErrors(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	ctx := context.Background()

	if _, _, _, err := m.Load(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing id: %v", err)
	}

	cases := map[string]string{
		"garbage":     `not json`,
		"bad-version": `{"version": 99, "messages": [], "state": {"todos": [], "files": {}, "scratch": {}, "turn": 0}, "metadata": {}}`,
		"no-state":    `{"version": 1, "messages": [], "metadata": {}}`,
		// transcript violating alternation must fail replay
		"bad-transcript": `{"version": 1, "messages": [
			{"role": "user", "blocks": [{"type": "text", "text": "a"}]},
			{"role": "user", "blocks": [{"type": "text", "text": "b"}]}
		], "state": {"todos": [], "files": {}, "scratch": {}, "turn": 0}, "metadata": {}}`,
	}
	for name, record := range cases {
		t.Run(name, func(t *testing.T) {
			store.records[name] = []byte(record)
			_, _, _, err := m.Load(ctx, name)
			var le *SessionLoadError
			if !errors.As(err, &le) {
				t.Fatalf("got %v, want SessionLoadError", err)
			}
		})
	}
}

// Unknown envelope fields are ignored on load (forward compatibility).
func TestSessionLoadIgnoresUnknownFields(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	store.records["future"] = []byte(`{
		"version": 1,
		"messages": [{"role": "user", "blocks": [{"type": "text", "text": "hi"}]}],
		"state": {"todos": [], "files": {}, "scratch": {}, "turn": 1},
		"metadata": {"session_id": "future"},
		"added_in_v2": {"whatever": true}
	}`)
	if _, _, _, err := m.Load(context.Background(), "future"); err != nil {
		t.Fatalf("unknown fields rejected: %v", err)
	}
}

func TestSessionSweep(t *testing.T) {
	store := newMemStore()
	m := NewManager(store)
	ctx := context.Background()
	tr, st := seedSession(t)

	if err := m.Save(ctx, "old", tr, st); err != nil {
		t.Fatal(err)
	}
	if err := m.Save(ctx, "held", tr, st); err != nil {
		t.Fatal(err)
	}
	if err := m.Acquire("held"); err != nil {
		t.Fatal(err)
	}

	// everything is "old" relative to a zero TTL
	time.Sleep(5 * time.Millisecond)
	deleted, err := m.Sweep(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1 (held sessions skipped)", deleted)
	}
	if _, _, _, err := m.Load(ctx, "old"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expired session still loads: %v", err)
	}
	if _, _, _, err := m.Load(ctx, "held"); err != nil {
		t.Errorf("held session swept: %v", err)
	}
}

// TestAgentSessionPersistence: two Agent lifetimes over the same manager id
// continue one conversation.
func TestAgentSessionPersistence(t *testing.T) {
	m := NewManager(newMemStore())

	model1 := &mockModel{script: []mockStep{{resp: textResponse("first reply")}}}
	a1, err := New("x", model1, WithSession(m, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a1.Invoke(context.Background(), "turn one"); err != nil {
		t.Fatal(err)
	}
	if err := a1.Close(); err != nil {
		t.Fatal(err)
	}

	model2 := &mockModel{script: []mockStep{{resp: textResponse("second reply")}}}
	a2, err := New("x", model2, WithSession(m, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	defer a2.Close()
	if _, err := a2.Invoke(context.Background(), "turn two"); err != nil {
		t.Fatal(err)
	}

	msgs := a2.Transcript()
	if len(msgs) != 4 {
		t.Fatalf("restored transcript = %d messages, want 4", len(msgs))
	}
	if msgs[0].Text() != "turn one" || msgs[2].Text() != "turn two" {
		t.Errorf("transcript continuity broken: %q / %q", msgs[0].Text(), msgs[2].Text())
	}

	// the model for turn two saw the restored history
	reqs := model2.recordedRequests()
	if len(reqs[0].Messages) != 3 {
		t.Errorf("second turn request carried %d messages, want 3", len(reqs[0].Messages))
	}
}

func TestAgentSessionBusy(t *testing.T) {
	m := NewManager(newMemStore())
	a1, err := New("x", &mockModel{}, WithSession(m, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	defer a1.Close()

	_, err = New("x", &mockModel{}, WithSession(m, "s1"))
	if !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("second open: %v, want ErrSessionBusy", err)
	}
}
