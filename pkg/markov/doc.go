/*
Package markov provides an in-memory toolkit for building word-level Markov
chains from text and walking them to generate new, statistically similar text.

A Chain is trained from token sequences produced by a Tokenizer. Every
sentence is wrapped in Start and End sentinel tokens, so the chain learns how
sentences begin and knows when to stop. Training calls accumulate counts, and
chains of the same order can be merged.

Randomness is always supplied by the caller through the RNG interface, which
*math/rand/v2.Rand satisfies. Seeding the generator makes every walk
reproducible:

	chain, err := markov.FromText(corpus)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(1, 2))
	text, err := chain.Generate(rng, 50)

Generation is pull-based. Walk returns a Walker whose Next method produces one
token at a time, and Tokens adapts it for range-over-func loops. Neither
allocates more than the current context, so unbounded generation stays
memory-bounded.

The package does no file or network I/O of its own. Chains are exchanged with
the outside world through Export and Import; see the store package for
SQLite persistence.
*/
package markov
