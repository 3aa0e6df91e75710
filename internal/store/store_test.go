package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxcart/voxcart/internal/store"
	"github.com/voxcart/voxcart/pkg/types"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXCART_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXCART_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXCART_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [store.Store] with a clean utterances table.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS utterances CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	s, err := store.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestStore_WriteAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, text := range []string{"add oat milk", "two cartons please", "checkout"} {
		err := s.WriteUtterance(ctx, "session-1", store.Utterance{
			Kind:      store.KindTranscript,
			Text:      text,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("WriteUtterance: %v", err)
		}
	}

	got, err := s.Recent(ctx, "session-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Text != "checkout" {
		t.Errorf("got[0].Text = %q, want %q", got[0].Text, "checkout")
	}
	if got[1].Text != "two cartons please" {
		t.Errorf("got[1].Text = %q, want %q", got[1].Text, "two cartons please")
	}
}

func TestStore_WriteIntentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := store.FromIntent(types.Intent{
		Name:            "add_to_cart",
		Entities:        map[string]string{"product": "oat milk"},
		Parameters:      map[string]any{"quantity": float64(2)},
		FinalTranscript: "add two oat milks",
	})
	if err := s.WriteUtterance(ctx, "session-2", in); err != nil {
		t.Fatalf("WriteUtterance: %v", err)
	}

	got, err := s.Recent(ctx, "session-2", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	u := got[0]
	if u.Kind != store.KindIntent {
		t.Errorf("Kind = %q, want %q", u.Kind, store.KindIntent)
	}
	if u.Intent != "add_to_cart" {
		t.Errorf("Intent = %q, want %q", u.Intent, "add_to_cart")
	}
	if u.Entities["product"] != "oat milk" {
		t.Errorf("Entities[product] = %q, want %q", u.Entities["product"], "oat milk")
	}
	if q, ok := u.Parameters["quantity"].(float64); !ok || q != 2 {
		t.Errorf("Parameters[quantity] = %v, want 2", u.Parameters["quantity"])
	}
	if u.Text != "add two oat milks" {
		t.Errorf("Text = %q, want %q", u.Text, "add two oat milks")
	}
}

func TestStore_RecentIsolatesSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.WriteUtterance(ctx, "a", store.Utterance{Kind: store.KindTranscript, Text: "for a"})
	_ = s.WriteUtterance(ctx, "b", store.Utterance{Kind: store.KindTranscript, Text: "for b"})

	got, err := s.Recent(ctx, "a", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "for a" {
		t.Errorf("got = %+v, want single entry for session a", got)
	}
}

func TestStore_RecentEmpty(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Recent(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("len = %d, want 0", len(got))
	}
}

func TestWriter_Integration(t *testing.T) {
	s := newTestStore(t)

	w := store.NewWriter(s, store.WriterConfig{})
	w.Record("session-w", store.FromTranscript(types.Transcript{Text: "hello", IsFinal: true}))
	w.Close()

	got, err := s.Recent(context.Background(), "session-w", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello" {
		t.Errorf("got = %+v, want the queued record flushed on Close", got)
	}
}

func TestFromIntent(t *testing.T) {
	u := store.FromIntent(types.Intent{
		Name:            "search_product",
		FinalTranscript: "find bread",
	})
	if u.Kind != store.KindIntent {
		t.Errorf("Kind = %q, want %q", u.Kind, store.KindIntent)
	}
	if u.Intent != "search_product" {
		t.Errorf("Intent = %q", u.Intent)
	}
	if u.Text != "find bread" {
		t.Errorf("Text = %q", u.Text)
	}
}

func TestFromTranscript(t *testing.T) {
	u := store.FromTranscript(types.Transcript{Text: "hi", Confidence: 0.9})
	if u.Kind != store.KindTranscript {
		t.Errorf("Kind = %q, want %q", u.Kind, store.KindTranscript)
	}
	if u.Confidence != 0.9 {
		t.Errorf("Confidence = %v", u.Confidence)
	}
}

func TestWriter_NilSafe(t *testing.T) {
	var w *store.Writer
	w.Record("session", store.Utterance{Kind: store.KindTranscript, Text: "dropped"})
	w.Close() // must not panic
}
