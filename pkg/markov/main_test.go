package markov

import (
	"go/build"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

const fishCorpus = "one fish two fish. red fish blue fish."

// newTestChain builds a chain of the given order from text, failing the test on error.
func newTestChain(t *testing.T, order int, text string) *Chain {
	t.Helper()
	c, err := FromText(text, WithOrder(order))
	if err != nil {
		t.Fatalf("FromText() error = %v", err)
	}
	return c
}

// newRNG returns a deterministic generator for the given seed.
func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// words turns space-separated text into Word tokens without sentinels.
func words(text string) []Token {
	fields := strings.Fields(text)
	tokens := make([]Token, len(fields))
	for i, f := range fields {
		tokens[i] = NewWord(f)
	}
	return tokens
}

// transitionCounts flattens a chain into "ctx ... -> next" keys so two chains
// can be compared independently of their token IDs.
func transitionCounts(c *Chain) map[string]uint64 {
	snap := c.Snapshot()
	counts := make(map[string]uint64, len(snap.Transitions))
	for _, tr := range snap.Transitions {
		parts := make([]string, len(tr.Context))
		for i, id := range tr.Context {
			parts[i] = snap.Vocabulary[id]
		}
		counts[strings.Join(parts, " ")+" -> "+snap.Vocabulary[tr.Next]] = tr.Count
	}
	return counts
}

var (
	benchmarkCorpus string
	corpusOnce      sync.Once
)

// createBenchmarkCorpus reads Go source files to create a corpus for benchmarking.
func createBenchmarkCorpus() string {
	corpusOnce.Do(func() {
		var sb strings.Builder
		goRoot := build.Default.GOROOT
		filesToRead := []string{
			filepath.Join(goRoot, "src/net/http/server.go"),
			filepath.Join(goRoot, "src/go/parser/parser.go"),
			filepath.Join(goRoot, "src/encoding/json/encode.go"),
		}

		for _, file := range filesToRead {
			content, err := os.ReadFile(file)
			if err != nil {
				benchmarkCorpus = "this is a fallback corpus for benchmarking. it is not very long but will prevent a crash. "
				return
			}
			sb.Write(content)
			sb.WriteString("\n")
		}
		benchmarkCorpus = sb.String()
	})
	return benchmarkCorpus
}
