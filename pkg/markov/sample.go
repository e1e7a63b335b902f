package markov

import (
	"cmp"
	"fmt"
	"math"
	"slices"
)

// RNG is the source of randomness for sampling. *math/rand/v2.Rand satisfies
// it. A Chain never holds random state of its own; pass a seeded generator
// for reproducible output.
type RNG interface {
	// Uint64N returns a uniform value in [0, n). n is never zero.
	Uint64N(n uint64) uint64
	// Float64 returns a uniform value in [0.0, 1.0).
	Float64() float64
}

// samplingOptions holds the knobs shared by SampleNext and generation.
type samplingOptions struct {
	temperature float64
	topK        int
}

func defaultSampling() samplingOptions {
	return samplingOptions{temperature: 1.0}
}

// SampleNext picks the next token for a context by weighted random selection:
// each observed successor is chosen with probability count / total. The
// context must hold exactly Order tokens. If the context was never seen, it
// returns ErrNoSuchContext; use Walk for generation with a fallback policy.
func (c *Chain) SampleNext(context []Token, rng RNG) (Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, err := c.keyFor(context)
	if err != nil {
		return Token{}, err
	}
	succ, ok := c.table[key]
	if !ok {
		return Token{}, fmt.Errorf("%w: %v", ErrNoSuchContext, context)
	}
	return c.vocab.token(chooseNextToken(succ.tokens, succ.total, defaultSampling(), rng)), nil
}

// chooseNextToken abstracts the token selection logic from the generation loop.
// choices is never modified.
func chooseNextToken(choices []ChainToken, totalFreq uint64, options samplingOptions, rng RNG) TokenID {
	// topK filtering
	if options.topK > 0 && options.topK < len(choices) {
		choices = slices.Clone(choices)
		slices.SortStableFunc(choices, func(a, b ChainToken) int {
			return cmp.Compare(b.Freq, a.Freq)
		})
		choices = choices[:options.topK]
		totalFreq = 0
		for _, choice := range choices {
			totalFreq += choice.Freq
		}
	}

	var nextToken TokenID

	// temperature selection
	if options.temperature <= 0 { // Deterministic
		var maxFreq uint64
		for _, choice := range choices {
			if choice.Freq > maxFreq {
				maxFreq = choice.Freq
				nextToken = choice.Id
			}
		}
	} else if options.temperature == 1.0 { // Standard weighted random
		randChoice := rng.Uint64N(totalFreq)
		for _, choice := range choices {
			if randChoice < choice.Freq {
				nextToken = choice.Id
				break
			}
			randChoice -= choice.Freq
		}
	} else { // Temperature-based sampling
		logProbabilities := make([]float64, len(choices))
		epsilon := math.Inf(-1)
		for i, choice := range choices {
			lp := math.Log(float64(choice.Freq)) / options.temperature
			logProbabilities[i] = lp
			if lp > epsilon {
				epsilon = lp
			}
		}
		var totalWeight float64
		weights := make([]float64, len(choices))
		for i, lp := range logProbabilities {
			w := math.Exp(lp - epsilon)
			weights[i] = w
			totalWeight += w
		}
		randChoice := rng.Float64() * totalWeight
		nextToken = choices[len(choices)-1].Id
		for i, choice := range choices {
			randChoice -= weights[i]
			if randChoice < 0 {
				nextToken = choice.Id
				break
			}
		}
	}
	return nextToken
}
