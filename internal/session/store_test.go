package session

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestAppendAndLoad(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:peer:x:acc:u1"

	err := s.Append(key,
		&Event{Kind: KindUserMessage, Text: "hi"},
		&Event{Kind: KindAssistantMessage, Text: "hello"},
	)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	sess, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sess.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(sess.Events))
	}
	if sess.Events[0].Seq != 1 || sess.Events[1].Seq != 2 {
		t.Errorf("seqs = %d,%d, want 1,2", sess.Events[0].Seq, sess.Events[1].Seq)
	}
	if sess.Events[0].Text != "hi" {
		t.Errorf("text = %q", sess.Events[0].Text)
	}
}

func TestTornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	key := "agent:a1:peer:x:acc:u1"
	if err := s.Append(key, &Event{Kind: KindUserMessage, Text: "one"}, &Event{Kind: KindUserMessage, Text: "two"}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-write: append a torn half-line.
	path := filepath.Join(dir, transcriptFilename(key))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":3,"kind":"user_mess`)
	f.Close()

	sess, err := s.Load(key)
	if err != nil {
		t.Fatalf("Load after torn tail: %v", err)
	}
	if len(sess.Events) != 2 {
		t.Fatalf("events = %d, want 2 (torn tail truncated)", len(sess.Events))
	}

	// The file must be clean: a further append continues the sequence.
	if err := s.Append(key, &Event{Kind: KindUserMessage, Text: "three"}); err != nil {
		t.Fatalf("Append after recovery: %v", err)
	}
	sess, _ = s.Load(key)
	if len(sess.Events) != 3 || sess.Events[2].Seq != 3 {
		t.Errorf("after recovery: events = %d, last seq = %d; want 3, 3", len(sess.Events), sess.Events[len(sess.Events)-1].Seq)
	}
}

func TestDeleteRetainsTranscript(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewStore(dir)
	key := "agent:a1:peer:x:acc:u1"
	s.Append(key, &Event{Kind: KindUserMessage, Text: "hi"})

	if err := s.Delete(key, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists(key) {
		t.Error("session record should be gone")
	}
	if _, err := os.Stat(filepath.Join(dir, transcriptFilename(key))); err != nil {
		t.Error("transcript file must be retained without purge")
	}

	s.Append(key, &Event{Kind: KindUserMessage, Text: "hi"})
	if err := s.Delete(key, true); err != nil {
		t.Fatalf("Delete purge: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, transcriptFilename(key))); !os.IsNotExist(err) {
		t.Error("purged transcript should be removed")
	}
}

func TestDeleteUnknown(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete("agent:a1:main:topic:default", false); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestResetCutsEffectiveContext(t *testing.T) {
	s := newTestStore(t)
	key := "agent:a1:main:topic:default"
	s.Append(key,
		&Event{Kind: KindUserMessage, Text: "old"},
		&Event{Kind: KindAssistantMessage, Text: "old reply"},
	)
	if err := s.Reset(key, "test"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	s.Append(key, &Event{Kind: KindUserMessage, Text: "new"})

	sess, _ := s.Load(key)
	eff := sess.EffectiveEvents()
	for _, ev := range eff {
		if ev.Text == "old" {
			t.Error("reset should cut old events from effective context")
		}
	}
	if len(sess.Events) != 4 {
		t.Errorf("full transcript = %d events, want 4 (nothing deleted)", len(sess.Events))
	}
}

func TestPreviewDoesNotCreate(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Preview("agent:a1:main:topic:default", 5); err != ErrSessionNotFound {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestEffectiveEventsWithMarker(t *testing.T) {
	sess := &Session{Key: "k"}
	sess.Events = []Event{
		{Seq: 1, Kind: KindUserMessage, Text: "ancient"},
		{Seq: 2, Kind: KindAssistantMessage, Text: "ancient reply"},
		{Seq: 3, Kind: KindUserMessage, Text: "recent"},
		{Seq: 4, Kind: KindCompactionMarker, Summary: "summary of ancient", FirstKeptSeq: 3},
	}
	eff := sess.EffectiveEvents()
	if len(eff) != 2 {
		t.Fatalf("effective = %d events, want 2 (marker + preserved tail)", len(eff))
	}
	if eff[0].Kind != KindCompactionMarker {
		t.Errorf("first effective = %s, want marker", eff[0].Kind)
	}
	if eff[1].Text != "recent" {
		t.Errorf("preserved tail = %q, want recent", eff[1].Text)
	}
}
