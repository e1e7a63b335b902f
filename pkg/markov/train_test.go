package markov

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"
	"testing"
)

func TestNewInvalidOrder(t *testing.T) {
	for _, order := range []int{-1, 0, MaxOrder + 1} {
		if _, err := New(WithOrder(order)); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("New(WithOrder(%d)): expected ErrInvalidOrder, got %v", order, err)
		}
	}
	for order := 1; order <= MaxOrder; order++ {
		c, err := New(WithOrder(order))
		if err != nil {
			t.Fatalf("New(WithOrder(%d)) failed: %v", order, err)
		}
		if c.Order() != order {
			t.Errorf("expected order %d, got %d", order, c.Order())
		}
	}
}

func TestTrainRawSequence(t *testing.T) {
	c, _ := New(WithOrder(1))
	if n := c.Train(words("a b a c")); n != 3 {
		t.Errorf("expected 3 transitions recorded, got %d", n)
	}

	expected := map[string]uint64{
		"a -> b": 1,
		"b -> a": 1,
		"a -> c": 1,
	}
	if got := transitionCounts(c); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected transitions %v, got %v", expected, got)
	}
}

func TestTrainSentences(t *testing.T) {
	c := newTestChain(t, 2, "a b c. a b d.")

	// Verify that a specific context has the correct frequency
	tokens, totalFreq, err := c.NextTokens(words("a b"))
	if err != nil {
		t.Fatalf("NextTokens failed: %v", err)
	}
	if totalFreq != 2 {
		t.Errorf("expected context 'a b' to have total frequency of 2, got %d", totalFreq)
	}
	if len(tokens) != 2 {
		t.Errorf("expected context 'a b' to lead to 2 unique next tokens, got %d", len(tokens))
	}

	// Sentence starts are learned from the all-Start context.
	starts, total, err := c.NextTokens(c.StartContext())
	if err != nil {
		t.Fatalf("NextTokens(start) failed: %v", err)
	}
	if total != 2 || len(starts) != 1 || starts[0].Token != NewWord("a") {
		t.Errorf("expected start context to lead to 'a' twice, got %v (total %d)", starts, total)
	}

	// And every sentence ends with End.
	ends, _, err := c.NextTokens([]Token{NewWord("c"), NewWord(".")})
	if err != nil {
		t.Fatalf("NextTokens(c .) failed: %v", err)
	}
	if len(ends) != 1 || ends[0].Token != EndToken {
		t.Errorf("expected 'c .' to lead to End, got %v", ends)
	}
}

func TestTrainDegenerate(t *testing.T) {
	c, _ := New(WithOrder(2))
	for _, seq := range [][]Token{nil, words("a"), words("a b")} {
		if n := c.Train(seq); n != 0 {
			t.Errorf("Train(%v): expected no transitions, got %d", seq, n)
		}
	}
	if c.Len() != 0 {
		t.Errorf("expected an empty table, got %d contexts", c.Len())
	}
}

func TestTrainNeverRecordsStartAsSuccessor(t *testing.T) {
	c, _ := New(WithOrder(1))
	c.Train([]Token{NewWord("a"), NewWord("b"), StartToken, NewWord("c"), EndToken})
	for key := range transitionCounts(c) {
		if strings.HasSuffix(key, "-> "+StartTokenText) {
			t.Errorf("unexpected transition into Start: %q", key)
		}
	}
	if _, _, err := c.NextTokens([]Token{StartToken}); err != nil {
		t.Errorf("expected Start context to be trained, got %v", err)
	}
}

func TestEmptyInput(t *testing.T) {
	if _, err := FromText(""); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("FromText(\"\"): expected ErrEmptyInput, got %v", err)
	}
	c := newTestChain(t, 2, fishCorpus)
	if err := c.MergeText(" \n\n\t"); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("MergeText(whitespace): expected ErrEmptyInput, got %v", err)
	}
	if err := c.TrainReader(context.Background(), strings.NewReader("")); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("TrainReader(empty): expected ErrEmptyInput, got %v", err)
	}
}

func TestTrainingIsOrderIndependent(t *testing.T) {
	textA := "the cat sat on the mat. the cat ran."
	textB := "a dog sat on a log! the dog ran?"

	for order := 1; order <= 3; order++ {
		t.Run(fmt.Sprintf("Order%d", order), func(t *testing.T) {
			ab := newTestChain(t, order, textA)
			if err := ab.MergeText(textB); err != nil {
				t.Fatal(err)
			}
			ba := newTestChain(t, order, textB)
			if err := ba.MergeText(textA); err != nil {
				t.Fatal(err)
			}
			joined := newTestChain(t, order, textA+" "+textB)

			want := transitionCounts(ab)
			if got := transitionCounts(ba); !maps.Equal(got, want) {
				t.Errorf("B then A differs from A then B:\n got = %v\nwant = %v", got, want)
			}
			if got := transitionCounts(joined); !maps.Equal(got, want) {
				t.Errorf("A+B differs from A then B:\n got = %v\nwant = %v", got, want)
			}
		})
	}
}

func TestRepeatedTrainingScalesCounts(t *testing.T) {
	const repeats = 3
	once := newTestChain(t, 2, fishCorpus)
	many := newTestChain(t, 2, fishCorpus)
	for range repeats - 1 {
		if err := many.MergeText(fishCorpus); err != nil {
			t.Fatal(err)
		}
	}

	single := transitionCounts(once)
	multiple := transitionCounts(many)
	if len(single) != len(multiple) {
		t.Fatalf("expected the same transitions, got %d and %d", len(single), len(multiple))
	}
	for key, count := range single {
		if multiple[key] != count*repeats {
			t.Errorf("%q: expected count %d, got %d", key, count*repeats, multiple[key])
		}
	}
	if once.Len() != many.Len() {
		t.Errorf("expected the same contexts, got %d and %d", once.Len(), many.Len())
	}
}

func TestTrainReader(t *testing.T) {
	text := "one fish two fish.\nred fish\nblue fish.\n\nold fish new fish"
	fromText := newTestChain(t, 2, text)

	fromReader, _ := New(WithOrder(2))
	if err := fromReader.TrainReader(context.Background(), strings.NewReader(text)); err != nil {
		t.Fatalf("TrainReader failed: %v", err)
	}
	if got, want := transitionCounts(fromReader), transitionCounts(fromText); !maps.Equal(got, want) {
		t.Errorf("TrainReader and MergeText disagree:\n got = %v\nwant = %v", got, want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fromReader.TrainReader(ctx, strings.NewReader(text)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestTrainedContextsOnlyYieldObservedSuccessors(t *testing.T) {
	c := newTestChain(t, 2, "the cat sat on the mat. the dog sat on the cat. a cat is not a dog.")
	snap := c.Snapshot()
	rng := newRNG(7)

	successorsOf := make(map[string]map[Token]struct{})
	contexts := make(map[string][]Token)
	for _, tr := range snap.Transitions {
		ctx := make([]Token, len(tr.Context))
		for i, id := range tr.Context {
			ctx[i] = c.vocab.token(id)
		}
		key := fmt.Sprint(ctx)
		if successorsOf[key] == nil {
			successorsOf[key] = make(map[Token]struct{})
		}
		successorsOf[key][c.vocab.token(tr.Next)] = struct{}{}
		contexts[key] = ctx
	}

	for key, ctx := range contexts {
		_, total, err := c.NextTokens(ctx)
		if err != nil || total < 1 {
			t.Errorf("context %s: expected total >= 1, got %d (%v)", key, total, err)
		}
		for range 50 {
			next, err := c.SampleNext(ctx, rng)
			if err != nil {
				t.Fatalf("SampleNext(%s) failed: %v", key, err)
			}
			if _, ok := successorsOf[key][next]; !ok {
				t.Errorf("context %s: sampled unobserved successor %v", key, next)
			}
		}
	}
}

func BenchmarkTrain(b *testing.B) {
	corpus := createBenchmarkCorpus()

	for order := 1; order <= MaxOrder; order++ {
		b.Run(fmt.Sprintf("Order%d", order), func(b *testing.B) {
			c, err := New(WithOrder(order))
			if err != nil {
				b.Fatalf("New failed: %v", err)
			}

			b.SetBytes(int64(len(corpus)))
			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := c.MergeText(corpus); err != nil {
					b.Fatalf("MergeText() failed: %v", err)
				}
			}
		})
	}
}
