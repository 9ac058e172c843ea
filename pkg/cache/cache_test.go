package cache

import (
	"sort"
	"testing"

	"convosync/pkg/models"
)

func msg(id string, at int64) models.Message {
	return models.Message{ID: id, Conversation: "c1", Sender: models.SenderContact, Content: "m-" + id, Status: models.StatusSent, CreatedAt: at}
}

func TestInsertSortedKeepsOrder(t *testing.T) {
	c := New()
	for _, at := range []int64{50, 10, 30, 20, 40} {
		m := msg("id-"+string(rune('a'+at/10)), at)
		c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
			th.InsertSorted(m)
			return true
		})
	}
	got := c.Messages("c1")
	if len(got) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(got))
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Before(got[j]) }) {
		t.Fatalf("thread not sorted: %+v", got)
	}
	if got[0].CreatedAt != 10 || got[4].CreatedAt != 50 {
		t.Fatalf("unexpected order: first=%d last=%d", got[0].CreatedAt, got[4].CreatedAt)
	}
}

func TestInsertSortedTieBreaksByArrival(t *testing.T) {
	c := New()
	for _, id := range []string{"first", "second", "third"} {
		m := msg(id, 100)
		c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
			th.InsertSorted(m)
			return true
		})
	}
	got := c.Messages("c1")
	if got[0].ID != "first" || got[1].ID != "second" || got[2].ID != "third" {
		t.Fatalf("same-timestamp messages not in arrival order: %v %v %v", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestAppendClampsLaggingClock(t *testing.T) {
	c := New()
	c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
		th.InsertSorted(msg("a", 1000))
		th.Append(msg("b", 500)) // client clock behind the tail
		return true
	})
	got := c.Messages("c1")
	if got[1].ID != "b" {
		t.Fatalf("appended message must stay at the tail, got %v", got[1].ID)
	}
	if got[1].CreatedAt < got[0].CreatedAt {
		t.Fatalf("tail timestamp %d predates previous %d", got[1].CreatedAt, got[0].CreatedAt)
	}
}

func TestWatchWakesOnChangeOnly(t *testing.T) {
	c := New()
	ch, cancel := c.Watch(ConversationScope("c1"))
	defer cancel()

	c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
		th.Append(msg("a", 10))
		return true
	})
	select {
	case <-ch:
	default:
		t.Fatal("expected wakeup after mutation")
	}

	// a no-op mutation must not wake watchers
	c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
		return false
	})
	select {
	case <-ch:
		t.Fatal("no-op mutation must not wake watchers")
	default:
	}
}

func TestWatchCancelStopsDelivery(t *testing.T) {
	c := New()
	ch, cancel := c.Watch(ConversationScope("c1"))
	cancel()
	c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
		th.Append(msg("a", 10))
		return true
	})
	select {
	case <-ch:
		t.Fatal("cancelled watcher must not receive wakeups")
	default:
	}
}

func TestTenantWatchersWakeOnSummaryChange(t *testing.T) {
	c := New()
	c.UpsertSummary(models.ConversationSummary{ID: "c1", Tenant: "t1", Status: models.ConversationActive})
	ch, cancel := c.Watch(TenantScope("t1"))
	defer cancel()

	c.MutateThread("c1", func(th *Thread, s *models.ConversationSummary) bool {
		th.Append(msg("a", 10))
		s.LastMessageAt = 10
		return true
	})
	select {
	case <-ch:
	default:
		t.Fatal("tenant watcher should wake when the summary changes")
	}
}

func TestUpsertSummaryIdempotent(t *testing.T) {
	c := New()
	s := models.ConversationSummary{ID: "c1", Tenant: "t1", UnreadCount: 2}
	if !c.UpsertSummary(s) {
		t.Fatal("first upsert should report change")
	}
	if c.UpsertSummary(s) {
		t.Fatal("identical upsert should be a no-op")
	}
}

func TestSummariesFilteredAndSorted(t *testing.T) {
	c := New()
	c.UpsertSummary(models.ConversationSummary{ID: "c1", Tenant: "t1", LastMessageAt: 10})
	c.UpsertSummary(models.ConversationSummary{ID: "c2", Tenant: "t1", LastMessageAt: 30})
	c.UpsertSummary(models.ConversationSummary{ID: "c3", Tenant: "t2", LastMessageAt: 20})

	got := c.Summaries("t1")
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries for t1, got %d", len(got))
	}
	if got[0].ID != "c2" || got[1].ID != "c1" {
		t.Fatalf("summaries not newest-first: %v %v", got[0].ID, got[1].ID)
	}
	if all := c.Summaries(""); len(all) != 3 {
		t.Fatalf("expected 3 summaries unfiltered, got %d", len(all))
	}
}

func TestDropThreadKeepsSummary(t *testing.T) {
	c := New()
	c.UpsertSummary(models.ConversationSummary{ID: "c1", Tenant: "t1"})
	c.MutateThread("c1", func(th *Thread, _ *models.ConversationSummary) bool {
		th.Append(msg("a", 10))
		return true
	})
	c.DropThread("c1")
	if got := c.Messages("c1"); len(got) != 0 {
		t.Fatalf("expected empty thread after drop, got %d", len(got))
	}
	if _, ok := c.Summary("c1"); !ok {
		t.Fatal("summary must survive thread eviction")
	}
}
