package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"QuickCashEngine/internal/enginetest"
	api "QuickCashEngine/internal/http"
	"QuickCashEngine/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type client struct {
	t      *testing.T
	router http.Handler
}

func newClient(t *testing.T) (*client, *enginetest.Stack) {
	s := enginetest.New(t, enginetest.Options{})
	srv := api.NewServer(api.NewHandler(s.Engine, s.Bus), zaptest.NewLogger(t).Sugar())
	return &client{t: t, router: srv.Router}, s
}

func (c *client) do(method, path, participant string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if participant != "" {
		req.Header.Set("X-Participant-Id", participant)
	}
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return rec.Code
}

type listing struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountMajor string `json:"amountMajor"`
}

type transaction struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	AmountMajor string `json:"amountMajor"`
	HoldRef     string `json:"holdRef"`
}

func (c *client) register(id, role string, lat, lon float64) {
	c.t.Helper()
	body := map[string]any{"id": id, "roles": []string{role}, "instrument": id + "@example.com"}
	if code := c.do(http.MethodPost, "/participants", id, body, nil); code != http.StatusOK {
		c.t.Fatalf("register %s: %d", id, code)
	}
	loc := map[string]any{"lat": lat, "lon": lon}
	if code := c.do(http.MethodPost, "/participants/"+id+"/location", id, loc, nil); code != http.StatusOK {
		c.t.Fatalf("locate %s: %d", id, code)
	}
}

func TestHealth(t *testing.T) {
	c, _ := newClient(t)
	if code := c.do(http.MethodGet, "/health", "", nil, nil); code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	c, s := newClient(t)
	c.register("alice", "requester", 0, 0)
	c.register("bob", "provider", 0.001, 0)

	var req, offer listing
	if code := c.do(http.MethodPost, "/requests", "alice", map[string]any{"amount": 5000, "currency": "cad"}, &req); code != http.StatusCreated {
		t.Fatalf("submit request = %d", code)
	}
	if req.AmountMajor != "50.00" || req.Status != "open" {
		t.Fatalf("request = %+v", req)
	}
	if code := c.do(http.MethodPost, "/offers", "bob", map[string]any{"amount": 10000, "currency": "CAD"}, &offer); code != http.StatusCreated {
		t.Fatalf("submit offer = %d", code)
	}

	res, err := s.Matcher.RunPass(t.Context())
	if err != nil || len(res.Matched) != 1 {
		t.Fatalf("pass = %+v err = %v", res, err)
	}
	txID := res.Matched[0].ID

	var got listing
	if code := c.do(http.MethodGet, "/requests/"+req.ID, "", nil, &got); code != http.StatusOK || got.Status != "matched" {
		t.Fatalf("get request = %d %+v", code, got)
	}

	var tx transaction
	if code := c.do(http.MethodGet, "/transactions/"+txID, "", nil, &tx); code != http.StatusOK {
		t.Fatalf("get tx = %d", code)
	}
	if tx.State != string(models.TxEscrowHeld) || tx.HoldRef == "" || tx.AmountMajor != "50.00" {
		t.Fatalf("tx = %+v", tx)
	}

	if code := c.do(http.MethodPost, "/transactions/"+txID+"/complete", "bob", nil, nil); code != http.StatusForbidden {
		t.Fatalf("provider complete = %d, want 403", code)
	}
	if code := c.do(http.MethodPost, "/transactions/"+txID+"/complete", "alice", nil, &tx); code != http.StatusOK || tx.State != string(models.TxSettled) {
		t.Fatalf("complete = %d %+v", code, tx)
	}
	if code := c.do(http.MethodPost, "/transactions/"+txID+"/cancel", "alice", nil, nil); code != http.StatusConflict {
		t.Fatalf("cancel settled = %d, want 409", code)
	}

	var ledger []map[string]any
	if code := c.do(http.MethodGet, "/transactions/"+txID+"/ledger", "", nil, &ledger); code != http.StatusOK || len(ledger) != 2 {
		t.Fatalf("ledger = %d %v", code, ledger)
	}
}

func TestErrorStatuses(t *testing.T) {
	c, _ := newClient(t)
	c.register("alice", "requester", 0, 0)
	c.register("bob", "provider", 0, 0)

	var req listing
	if code := c.do(http.MethodPost, "/requests", "alice", map[string]any{"amount": 5000, "currency": "CAD"}, &req); code != http.StatusCreated {
		t.Fatalf("submit = %d", code)
	}

	tests := []struct {
		name        string
		method      string
		path        string
		participant string
		body        any
		want        int
	}{
		{"missing participant", http.MethodPost, "/requests", "", map[string]any{"amount": 1, "currency": "CAD"}, http.StatusUnauthorized},
		{"unknown currency", http.MethodPost, "/requests", "alice", map[string]any{"amount": 1, "currency": "XYZ"}, http.StatusBadRequest},
		{"non-positive amount", http.MethodPost, "/offers", "bob", map[string]any{"amount": 0, "currency": "CAD"}, http.StatusBadRequest},
		{"duplicate request", http.MethodPost, "/requests", "alice", map[string]any{"amount": 10, "currency": "CAD"}, http.StatusConflict},
		{"wrong role", http.MethodPost, "/offers", "alice", map[string]any{"amount": 10, "currency": "CAD"}, http.StatusBadRequest},
		{"unknown participant", http.MethodPost, "/requests", "carol", map[string]any{"amount": 10, "currency": "CAD"}, http.StatusNotFound},
		{"request as offer", http.MethodGet, "/offers/" + req.ID, "", nil, http.StatusNotFound},
		{"unknown transaction", http.MethodGet, "/transactions/nope", "", nil, http.StatusNotFound},
		{"cancel by stranger", http.MethodDelete, "/requests/" + req.ID, "bob", nil, http.StatusForbidden},
		{"bad coordinates", http.MethodPost, "/participants/alice/location", "alice", map[string]any{"lat": 91, "lon": 0}, http.StatusBadRequest},
		{"bad instrument", http.MethodPost, "/participants", "dan", map[string]any{"id": "dan", "roles": []string{"provider"}, "instrument": "not an address"}, http.StatusBadRequest},
		{"upsert without identity", http.MethodPost, "/participants", "", map[string]any{"id": "alice", "roles": []string{"requester"}, "instrument": "mallory@example.com"}, http.StatusUnauthorized},
		{"upsert for someone else", http.MethodPost, "/participants", "bob", map[string]any{"id": "alice", "roles": []string{"requester"}, "instrument": "bob@example.com"}, http.StatusForbidden},
		{"location without identity", http.MethodPost, "/participants/alice/location", "", map[string]any{"lat": 1, "lon": 1}, http.StatusUnauthorized},
		{"location for someone else", http.MethodPost, "/participants/alice/location", "bob", map[string]any{"lat": 1, "lon": 1}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := c.do(tt.method, tt.path, tt.participant, tt.body, nil); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}

	var cancelled listing
	if code := c.do(http.MethodDelete, "/requests/"+req.ID, "alice", nil, &cancelled); code != http.StatusOK || cancelled.Status != "cancelled" {
		t.Fatalf("cancel = %d %+v", code, cancelled)
	}
	if code := c.do(http.MethodDelete, "/requests/"+req.ID, "alice", nil, nil); code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", code)
	}
}

func TestEventStreamDeliversOnlyOwnEvents(t *testing.T) {
	c, s := newClient(t)
	srv := httptest.NewServer(c.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous dial: err=%v resp=%v", err, resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Participant-Id": {"alice"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Bus.Publish(ctx, models.Event{Type: models.EventMatched, ParticipantID: "bob", TransactionID: "tx-1", At: at})
	s.Bus.Publish(ctx, models.Event{Type: models.EventMatched, ParticipantID: "alice", TransactionID: "tx-1", At: at})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got models.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.ParticipantID != "alice" || got.Type != models.EventMatched || got.TransactionID != "tx-1" {
		t.Fatalf("event = %+v", got)
	}
}
