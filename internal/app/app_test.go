package app

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"QuickCashEngine/internal/config"
	"QuickCashEngine/internal/models"

	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	doc := fmt.Sprintf(`
server:
  addr: ":0"
db:
  driver: sqlite
  dsn: %q
kv:
  dir: %q
gateway:
  endpoints: ["http://127.0.0.1:1"]
kafka:
  brokers: []
`, filepath.Join(dir, "engine.db"), filepath.Join(dir, "kv"))
	cfg, err := config.Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestEventsStayInProcessWithoutRelay(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	defer a.Close()

	if a.Outbox != nil || a.Relay != nil {
		t.Fatal("outbox attached without a relay to drain it")
	}

	events, cancel := a.Bus.Subscribe(4)
	defer cancel()
	for i := 0; i < 3; i++ {
		a.Bus.Publish(ctx, models.Event{Type: models.EventMatched, ParticipantID: "alice", At: time.Now()})
	}
	for i := 0; i < 3; i++ {
		<-events
	}

	stored := 0
	if err := a.KV.Scan([]byte("outbox/"), func(_, _ []byte) bool {
		stored++
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if stored != 0 {
		t.Fatalf("outbox entries = %d, want 0", stored)
	}

	done := make(chan struct{})
	go func() {
		a.RunRelay(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunRelay blocked with no relay configured")
	}
}
