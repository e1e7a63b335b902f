package store

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/CTAG07/wordchain/pkg/markov"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestStore creates a new SQLite database in a temporary directory and a Store for testing.
// It uses t.Cleanup to ensure resources are released.
func setupTestStore(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-4000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}

	s, err := New(db)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)

	return db, s
}

func newChain(t *testing.T, order int, text string) *markov.Chain {
	t.Helper()
	c, err := markov.FromText(text, markov.WithOrder(order))
	if err != nil {
		t.Fatalf("FromText() error = %v", err)
	}
	return c
}

// counts flattens a chain into "ctx ... -> next" keys independent of token IDs.
func counts(c *markov.Chain) map[string]uint64 {
	snap := c.Snapshot()
	out := make(map[string]uint64, len(snap.Transitions))
	for _, tr := range snap.Transitions {
		parts := make([]string, len(tr.Context))
		for i, id := range tr.Context {
			parts[i] = snap.Vocabulary[id]
		}
		out[strings.Join(parts, " ")+" -> "+snap.Vocabulary[tr.Next]] = tr.Count
	}
	return out
}

func TestSetupSchemaIsIdempotent(t *testing.T) {
	db, _ := setupTestStore(t)
	if err := SetupSchema(db); err != nil {
		t.Fatalf("second SetupSchema() failed: %v", err)
	}

	var text string
	if err := db.QueryRow("SELECT token_text FROM markov_vocabulary WHERE token_id = ?", markov.EndTokenID).Scan(&text); err != nil {
		t.Fatal(err)
	}
	if text != markov.EndTokenText {
		t.Errorf("expected reserved token %q, got %q", markov.EndTokenText, text)
	}
}

func TestSaveAndLoad(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	original := newChain(t, 2, "one fish two fish. red fish blue fish. old fish new fish.")
	if err := s.Save(ctx, "fish", original); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	loaded, err := s.Load(ctx, "fish")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Order() != 2 {
		t.Errorf("expected order 2, got %d", loaded.Order())
	}
	if got, want := counts(loaded), counts(original); !reflect.DeepEqual(got, want) {
		t.Errorf("loaded chain differs:\n got = %v\nwant = %v", got, want)
	}
	if got, want := loaded.Stats(), original.Stats(); got != want {
		t.Errorf("loaded stats = %+v, want %+v", got, want)
	}

	// Successor order survives, so seeded generation does too.
	for seed := range uint64(5) {
		a, _ := original.Generate(rand.New(rand.NewPCG(seed, 1)), 30, markov.WithContinuation(true))
		b, _ := loaded.Generate(rand.New(rand.NewPCG(seed, 1)), 30, markov.WithContinuation(true))
		if a != b {
			t.Errorf("seed %d: original generated %q, loaded generated %q", seed, a, b)
		}
	}
}

func TestSaveReplaces(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "m", newChain(t, 2, "the cat sat.")); err != nil {
		t.Fatal(err)
	}
	replacement := newChain(t, 1, "a dog ran.")
	if err := s.Save(ctx, "m", replacement); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load(ctx, "m")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Order() != 1 {
		t.Errorf("expected the replacement order 1, got %d", loaded.Order())
	}
	if got, want := counts(loaded), counts(replacement); !reflect.DeepEqual(got, want) {
		t.Errorf("expected only the replacement's transitions:\n got = %v\nwant = %v", got, want)
	}
}

func TestSaveEmptyChain(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	empty, _ := markov.New(markov.WithOrder(3))
	if err := s.Save(ctx, "empty", empty); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	loaded, err := s.Load(ctx, "empty")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if loaded.Order() != 3 || loaded.Len() != 0 {
		t.Errorf("expected an empty order 3 chain, got order %d with %d contexts", loaded.Order(), loaded.Len())
	}
}

func TestSaveRejectsReservedText(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	for _, text := range []string{markov.StartTokenText, markov.EndTokenText} {
		c, _ := markov.New(markov.WithOrder(1))
		c.Train([]markov.Token{markov.StartToken, markov.NewWord("x"), markov.NewWord(text), markov.EndToken})

		if err := CheckVocabulary(c); !errors.Is(err, ErrReservedToken) {
			t.Errorf("CheckVocabulary(%q): expected ErrReservedToken, got %v", text, err)
		}
		if err := s.Save(ctx, "reserved", c); !errors.Is(err, ErrReservedToken) {
			t.Errorf("Save(%q): expected ErrReservedToken, got %v", text, err)
		}
		if _, err := s.Info(ctx, "reserved"); !errors.Is(err, ErrModelNotFound) {
			t.Errorf("expected nothing saved for %q, Info returned %v", text, err)
		}
	}

	good := newChain(t, 1, "a b c.")
	if err := CheckVocabulary(good); err != nil {
		t.Errorf("CheckVocabulary on an ordinary chain: %v", err)
	}
	if err := s.Save(ctx, "m", good); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	bad := newChain(t, 1, "a b c.")
	bad.Train([]markov.Token{markov.StartToken, markov.NewWord(markov.EndTokenText), markov.EndToken})
	if err := s.Save(ctx, "m", bad); !errors.Is(err, ErrReservedToken) {
		t.Fatalf("expected ErrReservedToken, got %v", err)
	}
	loaded, err := s.Load(ctx, "m")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if !reflect.DeepEqual(counts(loaded), counts(good)) {
		t.Errorf("rejected save changed the stored model: got %v, want %v", counts(loaded), counts(good))
	}
}

func TestModelsShareVocabulary(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	a := newChain(t, 1, "red fish blue fish.")
	b := newChain(t, 2, "blue fish red fish.")
	if err := s.Save(ctx, "a", a); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "b", b); err != nil {
		t.Fatal(err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	// <SOC>, <EOC>, red, fish, blue, "."
	if stats.Models != 2 || stats.VocabSize != 6 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	for name, want := range map[string]*markov.Chain{"a": a, "b": b} {
		loaded, err := s.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load(%q) failed: %v", name, err)
		}
		if !reflect.DeepEqual(counts(loaded), counts(want)) {
			t.Errorf("model %q did not round-trip", name)
		}
	}
}

func TestListAndInfo(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	models, err := s.List(ctx)
	if err != nil || len(models) != 0 {
		t.Fatalf("expected no models, got %v, %v", models, err)
	}

	_ = s.Save(ctx, "zebra", newChain(t, 1, "z z."))
	_ = s.Save(ctx, "aardvark", newChain(t, 3, "a a."))

	models, err = s.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(models) != 2 || models[0].Name != "aardvark" || models[0].Order != 3 || models[1].Name != "zebra" {
		t.Errorf("unexpected model list: %+v", models)
	}

	info, err := s.Info(ctx, "zebra")
	if err != nil || info.Order != 1 || info.Id != models[1].Id {
		t.Errorf("unexpected info: %+v, %v", info, err)
	}
}

func TestModelNotFound(t *testing.T) {
	_, s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Load(ctx, "missing"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Load: expected ErrModelNotFound, got %v", err)
	}
	if err := s.Remove(ctx, "missing"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Remove: expected ErrModelNotFound, got %v", err)
	}
	if _, err := s.Info(ctx, "missing"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("Info: expected ErrModelNotFound, got %v", err)
	}
}

func TestRemoveAndCompact(t *testing.T) {
	db, s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "to_delete", newChain(t, 1, "delete this data.")); err != nil {
		t.Fatal(err)
	}
	keep := newChain(t, 1, "keep this data.")
	if err := s.Save(ctx, "to_keep", keep); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(ctx, "to_delete"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}

	var chainCount int
	_ = db.QueryRow("SELECT COUNT(*) FROM markov_chains c JOIN markov_models m ON m.model_id = c.model_id WHERE m.model_name = 'to_delete'").Scan(&chainCount)
	if chainCount != 0 {
		t.Errorf("expected chains for removed model to be gone, found %d", chainCount)
	}

	tokens, prefixes, err := s.Compact(ctx)
	if err != nil {
		t.Fatalf("Compact() failed: %v", err)
	}
	// Only "delete" is unique to the removed model.
	if tokens != 1 {
		t.Errorf("expected 1 token removed, got %d", tokens)
	}
	if prefixes != 1 {
		t.Errorf("expected 1 prefix removed, got %d", prefixes)
	}

	var deleted int
	_ = db.QueryRow("SELECT COUNT(*) FROM markov_vocabulary WHERE token_text = 'delete'").Scan(&deleted)
	if deleted != 0 {
		t.Error("expected 'delete' to be compacted away")
	}

	loaded, err := s.Load(ctx, "to_keep")
	if err != nil {
		t.Fatalf("Load() after compaction failed: %v", err)
	}
	if !reflect.DeepEqual(counts(loaded), counts(keep)) {
		t.Error("remaining model changed during compaction")
	}

	// A second pass has nothing left to do.
	if tokens, prefixes, err = s.Compact(ctx); err != nil || tokens != 0 || prefixes != 0 {
		t.Errorf("expected an idempotent compaction, got %d tokens, %d prefixes, %v", tokens, prefixes, err)
	}
}

func BenchmarkSave(b *testing.B) {
	dbFile := filepath.Join(b.TempDir(), "bench.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_synchronous=OFF&_cache_size=-16000&_mmap_size=268435456")
	if err != nil {
		b.Fatalf("failed to open database: %v", err)
	}
	b.Cleanup(func() { _ = db.Close() })
	if err := SetupSchema(db); err != nil {
		b.Fatalf("failed to set up schema: %v", err)
	}
	s, err := New(db)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(s.Close)

	c, err := markov.FromText(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 200)+
		"pack my box with five dozen liquor jugs. how vexingly quick daft zebras jump!", markov.WithOrder(2))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.Save(ctx, "bench", c); err != nil {
			b.Fatalf("Save() failed: %v", err)
		}
	}
}
