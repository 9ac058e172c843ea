package outbox

import (
	"testing"

	"convosync/pkg/models"
)

func payload(conv, content string) models.SendRequest {
	return models.SendRequest{
		Conversation:  conv,
		Sender:        models.SenderAgent,
		Content:       content,
		ProvisionalID: models.ProvisionalPrefix + content,
		CorrelationID: content,
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e1, err := s.Append(models.OutboxEntry{Conversation: "c1", Payload: payload("c1", "one")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	e2, err := s.Append(models.OutboxEntry{Conversation: "c1", Payload: payload("c1", "two")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(got))
	}
	if got[0].QueueID != e1.QueueID || got[1].QueueID != e2.QueueID {
		t.Fatalf("FIFO order lost: %d %d", got[0].QueueID, got[1].QueueID)
	}
	if got[0].Payload.Content != "one" {
		t.Fatalf("payload lost: %+v", got[0].Payload)
	}
	// queue ids keep growing after reopen
	e3, err := s2.Append(models.OutboxEntry{Conversation: "c1", Payload: payload("c1", "three")})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if e3.QueueID <= e2.QueueID {
		t.Fatalf("queue id went backwards: %d after %d", e3.QueueID, e2.QueueID)
	}
}

func TestStoreResetsSendingOnOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	e, err := s.Append(models.OutboxEntry{Conversation: "c1", Payload: payload("c1", "one")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	e.Status = models.EntrySending
	if err := s.Put(e); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Status != models.EntryQueued {
		t.Fatalf("sending entry not reset to queued: %+v", got)
	}
}

func TestStoreClosedErrors(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()
	if _, err := s.Append(models.OutboxEntry{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := s.List(); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStoreDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	e, _ := s.Append(models.OutboxEntry{Conversation: "c1", Payload: payload("c1", "one")})
	if err := s.Delete(e.QueueID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.List()
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d", len(got))
	}
}
