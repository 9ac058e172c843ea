package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"convosync/pkg/models"
)

func newTestClient(h http.Handler) (*Client, func()) {
	srv := httptest.NewServer(h)
	c := New(Options{RecordStoreURL: srv.URL, GatewayURL: srv.URL})
	return c, srv.Close
}

func TestCreateMessageRoundTrip(t *testing.T) {
	var gotReq models.SendRequest
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode: %v", err)
		}
		_ = json.NewEncoder(w).Encode(models.Message{
			ID:            "srv-1",
			Conversation:  gotReq.Conversation,
			Content:       gotReq.Content,
			Status:        models.StatusSent,
			CorrelationID: gotReq.CorrelationID,
		})
	}))
	defer done()

	m, err := c.CreateMessage(context.Background(), models.SendRequest{
		Conversation: "c1", Content: "hello", CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID != "srv-1" || m.CorrelationID != "corr-1" {
		t.Fatalf("unexpected response: %+v", m)
	}
	if gotReq.CorrelationID != "corr-1" {
		t.Fatalf("correlation id not sent: %+v", gotReq)
	}
}

func TestListMessages(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "50" {
			t.Errorf("limit not sent: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]models.Message{{ID: "m1"}, {ID: "m2"}})
	}))
	defer done()

	msgs, err := c.ListMessages(context.Background(), "c1", 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestDeliverSendsGatewayPayload(t *testing.T) {
	var got map[string]string
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/deliver" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer done()

	if err := c.Deliver(context.Background(), "srv-1", "c1", "whatsapp"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got["message_id"] != "srv-1" || got["channel"] != "whatsapp" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestStatusErrorClassification(t *testing.T) {
	codes := map[int]bool{
		http.StatusBadRequest:          true,
		http.StatusUnprocessableEntity: true,
		http.StatusTooManyRequests:     false,
		http.StatusRequestTimeout:      false,
		http.StatusInternalServerError: false,
		http.StatusBadGateway:          false,
	}
	for code, wantPermanent := range codes {
		err := error(&StatusError{Code: code})
		if IsPermanent(err) != wantPermanent {
			t.Errorf("code %d: permanent=%v, want %v", code, !wantPermanent, wantPermanent)
		}
	}
	if IsPermanent(errors.New("dial tcp: connection refused")) {
		t.Error("network errors must be transient")
	}
	if IsPermanent(nil) {
		t.Error("nil must not be permanent")
	}
}

func TestNon2xxReturnsStatusError(t *testing.T) {
	c, done := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such conversation", http.StatusNotFound)
	}))
	defer done()

	_, err := c.ListMessages(context.Background(), "c1", 0)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if !IsPermanent(err) {
		t.Fatal("404 should classify permanent")
	}
}

func TestAuthHeaderSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sekrit" {
			t.Errorf("missing auth header: %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode([]models.Message{})
	}))
	defer srv.Close()
	c := New(Options{RecordStoreURL: srv.URL, GatewayURL: srv.URL, APIKey: "sekrit"})
	if _, err := c.ListMessages(context.Background(), "c1", 0); err != nil {
		t.Fatalf("list: %v", err)
	}
}
