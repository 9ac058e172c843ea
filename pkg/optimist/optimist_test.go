package optimist

import (
	"strings"
	"testing"

	"convosync/pkg/cache"
	"convosync/pkg/models"
)

func TestAppendProvisionalMessage(t *testing.T) {
	c := cache.New()
	w := New(c)

	m := w.Append("c1", Draft{Content: "hello there"})

	if !strings.HasPrefix(m.ID, models.ProvisionalPrefix) {
		t.Fatalf("expected provisional id, got %q", m.ID)
	}
	if !m.Provisional() {
		t.Fatal("message should report provisional")
	}
	if m.Status != models.StatusSending {
		t.Fatalf("expected status sending, got %q", m.Status)
	}
	if m.CorrelationID == "" {
		t.Fatal("append must assign a correlation id")
	}
	if m.CreatedAt == 0 {
		t.Fatal("append must stamp a client timestamp")
	}

	got := c.Messages("c1")
	if len(got) != 1 || got[0].ID != m.ID {
		t.Fatalf("message not visible in cache: %+v", got)
	}
}

func TestAppendAlwaysLandsAtTail(t *testing.T) {
	c := cache.New()
	w := New(c)

	first := w.Append("c1", Draft{Content: "one"})
	second := w.Append("c1", Draft{Content: "two"})

	got := c.Messages("c1")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != first.ID || got[1].ID != second.ID {
		t.Fatalf("append order lost: %v then %v", got[0].ID, got[1].ID)
	}
}

func TestAppendPatchesSummaryPreview(t *testing.T) {
	c := cache.New()
	c.UpsertSummary(models.ConversationSummary{ID: "c1", Tenant: "t1"})
	w := New(c)

	m := w.Append("c1", Draft{Content: "latest words"})

	s, ok := c.Summary("c1")
	if !ok {
		t.Fatal("summary missing")
	}
	if s.LastMessagePreview != "latest words" {
		t.Fatalf("preview not patched: %q", s.LastMessagePreview)
	}
	if s.LastMessageAt != m.CreatedAt {
		t.Fatalf("last_message_at not patched: %d vs %d", s.LastMessageAt, m.CreatedAt)
	}
}

func TestAppendDefaultsSenderToAgent(t *testing.T) {
	c := cache.New()
	w := New(c)
	m := w.Append("c1", Draft{Content: "x"})
	if m.Sender != models.SenderAgent {
		t.Fatalf("expected default sender agent, got %q", m.Sender)
	}
}
