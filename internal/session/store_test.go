package session

import (
	"context"
	"testing"
)

func TestSaveAndGetSession(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if _, _, ok, err := s.GetSession(ctx, "task-1"); err != nil || ok {
		t.Fatalf("expected no session initially, got ok=%v err=%v", ok, err)
	}

	if err := s.SaveSession(ctx, "task-1", "sess-abc", "claude"); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	sid, etype, ok, err := s.GetSession(ctx, "task-1")
	if err != nil || !ok {
		t.Fatalf("expected a saved session, got ok=%v err=%v", ok, err)
	}
	if sid != "sess-abc" || etype != "claude" {
		t.Fatalf("got sid=%q etype=%q, want sess-abc/claude", sid, etype)
	}

	// Upsert: retrying the same task with a new session id replaces it.
	if err := s.SaveSession(ctx, "task-1", "sess-xyz", "claude"); err != nil {
		t.Fatalf("SaveSession (update): %v", err)
	}
	sid, _, _, _ = s.GetSession(ctx, "task-1")
	if sid != "sess-xyz" {
		t.Fatalf("expected session to be updated to sess-xyz, got %q", sid)
	}
}

func TestAppendAndReadHistoryInOrder(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	if err := s.AppendMessage(ctx, "task-1", "user", "implement the login page"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.AppendMessage(ctx, "task-1", "assistant", "done, committed"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	turns, err := s.History(ctx, "task-1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	if turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Fatalf("unexpected turn order: %+v", turns)
	}
}

func TestHistoryEmptyIsNotNil(t *testing.T) {
	ctx := context.Background()
	s, err := OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer s.Close()

	turns, err := s.History(ctx, "never-seen")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if turns == nil {
		t.Fatal("expected an empty, non-nil slice")
	}
	if len(turns) != 0 {
		t.Fatalf("expected 0 turns, got %d", len(turns))
	}
}
