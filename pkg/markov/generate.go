package markov

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
)

// Unbounded disables the length limit of a walk.
const Unbounded = -1

// FallbackPolicy decides what a walk does when it reaches a context that has
// no recorded successors. Fresh chains never produce such a context on their
// own; they appear after Prune, or when a seed leads somewhere unseen.
type FallbackPolicy int

const (
	// FallbackRestart resets the context to the Start context and keeps
	// sampling. If the Start context itself is unknown the walk ends.
	FallbackRestart FallbackPolicy = iota
	// FallbackFail stops the walk with an error wrapping ErrNoSuchContext.
	FallbackFail
)

// generateOptions Is used by the generate functions to configure default options.
type generateOptions struct {
	maxLength    int
	continuation bool
	fallback     FallbackPolicy
	sampling     samplingOptions
}

func defaultGenerateOptions() generateOptions {
	return generateOptions{
		maxLength: 100,
		fallback:  FallbackRestart,
		sampling:  defaultSampling(),
	}
}

// GenerateOption is a function that configures generation parameters. It's used
// as a variadic argument in generation functions like Generate and Walk.
type GenerateOption func(*generateOptions)

// WithMaxLength sets the maximum number of tokens a walk yields, counting End
// tokens. Unbounded removes the limit; zero yields nothing.
// Default: 100
func WithMaxLength(n int) GenerateOption {
	return func(o *generateOptions) { o.maxLength = n }
}

// WithContinuation specifies whether the walk goes on after an End token by
// starting a new sentence. Combined with Unbounded this generates forever.
// Default: false
func WithContinuation(cont bool) GenerateOption {
	return func(o *generateOptions) { o.continuation = cont }
}

// WithFallback sets the policy for contexts with no recorded successors.
// Default: FallbackRestart
func WithFallback(p FallbackPolicy) GenerateOption {
	return func(o *generateOptions) { o.fallback = p }
}

// WithTemperature adjusts the randomness of the token selection.
// A value of 1.0 is standard weighted random selection.
// Values > 1.0 increase randomness (making less frequent tokens more likely).
// Values < 1.0 decrease randomness (making more frequent tokens even more likely).
// A value of 0 or less results in deterministic selection (always choosing the most frequent token).
func WithTemperature(t float64) GenerateOption {
	return func(o *generateOptions) { o.sampling.temperature = t }
}

// WithTopK restricts the token selection pool to the top `k` most frequent tokens
// at each step. A value of 0 disables Top-K sampling.
func WithTopK(k int) GenerateOption {
	return func(o *generateOptions) { o.sampling.topK = k }
}

// Walker is a lazy, pull-based walk through a chain. Each call to Next
// samples one token. A Walker holds only its current context, so unbounded
// walks use constant memory. It is not safe for concurrent use, but any
// number of Walkers may share one Chain.
type Walker struct {
	chain   *Chain
	rng     RNG
	opts    generateOptions
	prefix  []TokenID
	seed    []TokenID
	yielded int
	done    bool
	err     error
}

// Walk starts a new walk from the Start context.
func (c *Chain) Walk(rng RNG, opts ...GenerateOption) *Walker {
	options := defaultGenerateOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Walker{
		chain:  c,
		rng:    rng,
		opts:   options,
		prefix: make([]TokenID, c.order),
	}
}

// Next returns the next token of the walk. It returns io.EOF once the walk
// has ended, either because End was sampled (End itself is returned first) or
// because the length limit was reached. With FallbackFail, reaching an unseen
// context returns an error wrapping ErrNoSuchContext, and every later call
// returns the same error.
func (w *Walker) Next() (Token, error) {
	if w.done {
		if w.err != nil {
			return Token{}, w.err
		}
		return Token{}, io.EOF
	}
	if w.opts.maxLength >= 0 && w.yielded >= w.opts.maxLength {
		w.done = true
		return Token{}, io.EOF
	}

	c := w.chain
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(w.seed) > 0 {
		id := w.seed[0]
		w.seed = w.seed[1:]
		w.yielded++
		w.advance(id)
		return c.vocab.token(id), nil
	}

	succ, ok := c.table[makeKey(w.prefix)]
	if !ok {
		if w.opts.fallback == FallbackFail {
			w.done = true
			w.err = fmt.Errorf("%w: %s", ErrNoSuchContext, w.describePrefix())
			return Token{}, w.err
		}
		c.logger.Debug("Generation restarted from a dead-end",
			slog.String("last_prefix", w.describePrefix()),
			slog.Int("generated_length", w.yielded),
		)
		clear(w.prefix)
		if succ, ok = c.table[makeKey(w.prefix)]; !ok {
			w.done = true
			return Token{}, io.EOF
		}
	}

	next := chooseNextToken(succ.tokens, succ.total, w.opts.sampling, w.rng)
	w.yielded++
	if next == EndTokenID {
		if w.opts.continuation {
			clear(w.prefix)
		} else {
			w.done = true
		}
		return EndToken, nil
	}
	w.advance(next)
	return c.vocab.token(next), nil
}

// Context returns the tokens the next step will be sampled from.
func (w *Walker) Context() []Token {
	w.chain.mu.RLock()
	defer w.chain.mu.RUnlock()
	ctx := make([]Token, len(w.prefix))
	for i, id := range w.prefix {
		ctx[i] = w.chain.vocab.token(id)
	}
	return ctx
}

// advance shifts id into the context window.
func (w *Walker) advance(id TokenID) {
	copy(w.prefix, w.prefix[1:])
	w.prefix[len(w.prefix)-1] = id
}

// describePrefix renders the current context for errors and logs. The caller
// must hold the chain's read lock.
func (w *Walker) describePrefix() string {
	parts := make([]string, len(w.prefix))
	for i, id := range w.prefix {
		parts[i] = w.chain.vocab.texts[id]
	}
	return strings.Join(parts, " ")
}

// Tokens returns the walk as an iterator for range-over-func loops. Iteration
// stops at the end of the walk, after the first error, or when the loop
// breaks.
func (c *Chain) Tokens(rng RNG, opts ...GenerateOption) iter.Seq2[Token, error] {
	return func(yield func(Token, error) bool) {
		w := c.Walk(rng, opts...)
		for {
			tok, err := w.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(tok, err) || err != nil {
				return
			}
		}
	}
}

// Generate walks the chain from the Start context for at most n tokens and
// renders the result with the chain's tokenizer. Generation stops early when
// End is sampled, unless WithContinuation is given. n of zero yields "".
func (c *Chain) Generate(rng RNG, n int, opts ...GenerateOption) (string, error) {
	opts = append(opts, WithMaxLength(n))
	return c.collect(c.Walk(rng, opts...))
}

// WalkFrom starts a walk that first yields the words of seed and then
// continues from its last Order tokens. Sentence markers in the seed are
// dropped, and the seed counts towards the length limit. An error wrapping
// ErrNoSuchContext is returned if a seed word is not in the vocabulary. An
// empty seed is the same as Walk.
func (c *Chain) WalkFrom(seed string, rng RNG, opts ...GenerateOption) (*Walker, error) {
	var seedIDs []TokenID
	c.mu.RLock()
	for _, tok := range c.tokenizer.Tokenize(seed) {
		if tok.Kind != Word {
			continue
		}
		id, ok := c.vocab.lookup(tok)
		if !ok {
			c.mu.RUnlock()
			return nil, fmt.Errorf("%w: seed token '%s' not found in vocabulary", ErrNoSuchContext, tok.Text)
		}
		seedIDs = append(seedIDs, id)
	}
	c.mu.RUnlock()

	w := c.Walk(rng, opts...)
	w.seed = seedIDs
	return w, nil
}

// GenerateFrom uses seed as the beginning of the generated text; see
// WalkFrom. The seed counts towards n.
func (c *Chain) GenerateFrom(seed string, rng RNG, n int, opts ...GenerateOption) (string, error) {
	if seed == "" {
		return c.Generate(rng, n, opts...)
	}
	opts = append(opts, WithMaxLength(n))
	w, err := c.WalkFrom(seed, rng, opts...)
	if err != nil {
		return "", err
	}
	return c.collect(w)
}

// collect drains a walker and joins the tokens.
func (c *Chain) collect(w *Walker) (string, error) {
	var tokens []Token
	for {
		tok, err := w.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		tokens = append(tokens, tok)
	}

	c.mu.RLock()
	c.logger.Debug("Generation finished",
		slog.Int("generated_length", len(tokens)),
		slog.Int("max_length", w.opts.maxLength),
	)
	tok := c.tokenizer
	c.mu.RUnlock()
	return tok.Join(tokens), nil
}
