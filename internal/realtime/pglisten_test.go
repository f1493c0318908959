package realtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func testDBURL(t *testing.T) string {
	t.Helper()

	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("..", "..", ".env"))
	dbURL := os.Getenv("DB_URL")
	if dbURL == "" {
		t.Skip("skipping integration test: DB_URL is not set")
	}
	return dbURL
}

func newTestListener(connString string, publisher Publisher) *PGListener {
	listener := NewPGListener(connString, publisher, zerolog.Nop())
	listener.channel = fmt.Sprintf("zappy_test_%d", time.Now().UnixNano())
	listener.minDelay = 10 * time.Millisecond
	listener.maxDelay = 50 * time.Millisecond
	return listener
}

func TestPGListenerRetriesUnreachableDatabase(t *testing.T) {
	reconnects := metrics.RealtimeReconnects.WithLabelValues("postgres")
	before := testutil.ToFloat64(reconnects)

	broker := NewMemoryBroker(zerolog.Nop())
	defer broker.Close()
	listener := newTestListener("postgres://zappy@127.0.0.1:1/zappy?connect_timeout=1", broker)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Run(ctx)
	}()

	waitFor(t, func() bool { return testutil.ToFloat64(reconnects)-before >= 2 })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPGListenerPublishesNotifications(t *testing.T) {
	dbURL := testDBURL(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("skipping integration test: %v", err)
	}

	broker := NewMemoryBroker(zerolog.Nop())
	defer broker.Close()
	recorder := &eventRecorder{}
	if _, err := broker.Subscribe(ctx, MessagesInConversation(7), recorder.handle); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	listener := newTestListener(dbURL, broker)
	go listener.Run(ctx)

	notify := func(payload string) {
		if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", listener.channel, payload); err != nil {
			t.Fatalf("pg_notify: %v", err)
		}
	}
	valid := `{"table":"messages","type":"INSERT","record_id":5,"patient_id":42,"conversation_id":7}`

	// LISTEN is asynchronous to Run starting, so keep notifying until the
	// first event lands.
	waitFor(t, func() bool {
		notify(`not json`)
		notify(valid)
		return recorder.count() > 0
	})

	recorder.mu.Lock()
	first := recorder.events[0]
	recorder.mu.Unlock()
	if first.Type != EventInsert || first.RecordID != 5 || first.PatientID != 42 || first.At.IsZero() {
		t.Fatalf("unexpected event: %+v", first)
	}

	// Drop the listener's connection; it must come back and keep relaying.
	if _, err := pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE pid <> pg_backend_pid() AND query = $1
	`, "LISTEN "+pgx.Identifier{listener.channel}.Sanitize()); err != nil {
		t.Fatalf("terminate listener: %v", err)
	}

	seen := recorder.count()
	waitFor(t, func() bool {
		notify(valid)
		return recorder.count() > seen
	})
}
