package markov

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"reflect"
	"strings"
	"testing"
)

func TestExportImport(t *testing.T) {
	c := newTestChain(t, 2, "the cat sat on the mat. the dog sat on the cat!")

	var buf bytes.Buffer
	if err := c.Export(&buf); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	imported, err := Import(&buf)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if imported.Order() != 2 {
		t.Errorf("expected order 2, got %d", imported.Order())
	}
	if got, want := imported.Snapshot(), c.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("imported snapshot differs:\n got = %+v\nwant = %+v", got, want)
	}

	// Identical tables generate identical text from identical seeds.
	for seed := range uint64(5) {
		a, _ := c.Generate(newRNG(seed), 30, WithContinuation(true))
		b, _ := imported.Generate(newRNG(seed), 30, WithContinuation(true))
		if a != b {
			t.Errorf("seed %d: original generated %q, imported generated %q", seed, a, b)
		}
	}
}

func TestImportOverridesOrderOption(t *testing.T) {
	var buf bytes.Buffer
	if err := newTestChain(t, 3, fishCorpus).Export(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := Import(&buf, WithOrder(1))
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if c.Order() != 3 {
		t.Errorf("expected the exported order 3 to win, got %d", c.Order())
	}
}

func TestImportMalformed(t *testing.T) {
	valid := func() ExportedChain {
		return ExportedChain{
			Order:      1,
			Vocabulary: []string{StartTokenText, EndTokenText, "a", "b"},
			Transitions: []ExportedTransition{
				{Context: []TokenID{StartTokenID}, Next: 2, Count: 1},
				{Context: []TokenID{2}, Next: 3, Count: 2},
				{Context: []TokenID{3}, Next: EndTokenID, Count: 1},
			},
		}
	}
	if _, err := FromExported(valid()); err != nil {
		t.Fatalf("valid chain rejected: %v", err)
	}

	testCases := []struct {
		name   string
		mutate func(*ExportedChain)
	}{
		{"Order zero", func(e *ExportedChain) { e.Order = 0 }},
		{"Order too large", func(e *ExportedChain) { e.Order = MaxOrder + 1 }},
		{"Missing sentinels", func(e *ExportedChain) { e.Vocabulary = []string{"a", "b"} }},
		{"Swapped sentinels", func(e *ExportedChain) { e.Vocabulary[0], e.Vocabulary[1] = e.Vocabulary[1], e.Vocabulary[0] }},
		{"Empty word", func(e *ExportedChain) { e.Vocabulary[3] = "" }},
		{"Duplicate word", func(e *ExportedChain) { e.Vocabulary[3] = "a" }},
		{"Context too long", func(e *ExportedChain) { e.Transitions[1].Context = []TokenID{2, 3} }},
		{"Context out of range", func(e *ExportedChain) { e.Transitions[1].Context = []TokenID{9} }},
		{"End in context", func(e *ExportedChain) { e.Transitions[1].Context = []TokenID{EndTokenID} }},
		{"Next out of range", func(e *ExportedChain) { e.Transitions[1].Next = 9 }},
		{"Next is Start", func(e *ExportedChain) { e.Transitions[1].Next = StartTokenID }},
		{"Zero count", func(e *ExportedChain) { e.Transitions[1].Count = 0 }},
		{"Duplicate transition", func(e *ExportedChain) { e.Transitions[2] = e.Transitions[1] }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			exported := valid()
			tc.mutate(&exported)

			data, err := json.Marshal(exported)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Import(bytes.NewReader(data)); !errors.Is(err, ErrDeserialization) {
				t.Errorf("expected ErrDeserialization, got %v", err)
			}
		})
	}

	t.Run("Invalid JSON", func(t *testing.T) {
		if _, err := Import(strings.NewReader(`{"order": 2, "vocabulary": [`)); !errors.Is(err, ErrDeserialization) {
			t.Errorf("expected ErrDeserialization, got %v", err)
		}
	})
}

func TestMerge(t *testing.T) {
	textA := "one fish two fish. red fish blue fish."
	textB := "old fish new fish. this one has a little star."

	a := newTestChain(t, 2, textA)
	b := newTestChain(t, 2, textB)
	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	want := transitionCounts(newTestChain(t, 2, textA+" "+textB))
	if got := transitionCounts(a); !maps.Equal(got, want) {
		t.Errorf("merged chain differs from chain trained on both texts:\n got = %v\nwant = %v", got, want)
	}

	// b is untouched.
	if got, want := transitionCounts(b), transitionCounts(newTestChain(t, 2, textB)); !maps.Equal(got, want) {
		t.Errorf("Merge modified its argument")
	}
}

func TestMergeSelf(t *testing.T) {
	c := newTestChain(t, 2, fishCorpus)
	before := transitionCounts(c)
	if err := c.Merge(c); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	for key, count := range transitionCounts(c) {
		if count != 2*before[key] {
			t.Errorf("%q: expected count %d, got %d", key, 2*before[key], count)
		}
	}
}

func TestMergeOrderMismatch(t *testing.T) {
	a := newTestChain(t, 2, fishCorpus)
	b := newTestChain(t, 3, fishCorpus)
	if err := a.Merge(b); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
}
