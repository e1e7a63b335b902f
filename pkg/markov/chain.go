package markov

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const (
	// MaxOrder is the largest supported context length.
	MaxOrder = 4
	// DefaultOrder is the order used when none is configured.
	DefaultOrder = 2
)

// indexThreshold is the successor count above which a context keeps a map
// index instead of scanning its slice.
const indexThreshold = 8

// contextKey is a fixed-size, comparable context. Slots past the chain's
// order are always zero.
type contextKey [MaxOrder]TokenID

// ChainToken represents a potential next token in a Markov chain, including its
// ID and its frequency of occurrence after a given context.
type ChainToken struct {
	Id   TokenID
	Freq uint64
}

// successors holds the observed next tokens of one context in first-seen
// order, which keeps sampling deterministic for a seeded RNG.
type successors struct {
	tokens []ChainToken
	index  map[TokenID]int
	total  uint64
}

func (s *successors) add(id TokenID, n uint64) {
	s.total += n
	if i, ok := s.position(id); ok {
		s.tokens[i].Freq += n
		return
	}
	s.tokens = append(s.tokens, ChainToken{Id: id, Freq: n})
	if s.index != nil {
		s.index[id] = len(s.tokens) - 1
	} else if len(s.tokens) > indexThreshold {
		s.reindex()
	}
}

func (s *successors) position(id TokenID) (int, bool) {
	if s.index != nil {
		i, ok := s.index[id]
		return i, ok
	}
	for i, t := range s.tokens {
		if t.Id == id {
			return i, true
		}
	}
	return 0, false
}

func (s *successors) reindex() {
	if len(s.tokens) <= indexThreshold {
		s.index = nil
		return
	}
	s.index = make(map[TokenID]int, len(s.tokens))
	for i, t := range s.tokens {
		s.index[t.Id] = i
	}
}

// Chain is a word-level Markov chain: a table of observed transition counts
// keyed by the previous order tokens. A Chain is safe for concurrent use;
// training takes an exclusive lock while sampling and generation share a read
// lock, so generation never observes a half-applied training call.
type Chain struct {
	mu        sync.RWMutex
	order     int
	tokenizer Tokenizer
	vocab     *vocabulary
	table     map[contextKey]*successors
	logger    *slog.Logger
}

// ChainOption configures a Chain at construction time.
type ChainOption func(*Chain)

// WithOrder sets the number of preceding tokens used to predict the next one.
// Default: DefaultOrder
func WithOrder(order int) ChainOption {
	return func(c *Chain) { c.order = order }
}

// WithTokenizer sets the tokenizer used for text input and output.
// Default: NewDefaultTokenizer()
func WithTokenizer(t Tokenizer) ChainOption {
	return func(c *Chain) {
		if t != nil {
			c.tokenizer = t
		}
	}
}

// WithLogger sets the logger for the Chain. By default, all logs are discarded.
func WithLogger(logger *slog.Logger) ChainOption {
	return func(c *Chain) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates an empty chain. It returns ErrInvalidOrder if the configured
// order is outside 1..MaxOrder.
func New(opts ...ChainOption) (*Chain, error) {
	c := &Chain{
		order:     DefaultOrder,
		tokenizer: NewDefaultTokenizer(),
		vocab:     newVocabulary(),
		table:     make(map[contextKey]*successors),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.order < 1 || c.order > MaxOrder {
		return nil, fmt.Errorf("%w: %d (supported: 1..%d)", ErrInvalidOrder, c.order, MaxOrder)
	}
	return c, nil
}

// FromText builds a chain from a single text. It returns ErrEmptyInput if the
// text contains no tokens.
func FromText(text string, opts ...ChainOption) (*Chain, error) {
	c, err := New(opts...)
	if err != nil {
		return nil, err
	}
	if err = c.MergeText(text); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLogger sets the logger for the Chain. Providing a `log/slog.Logger` will
// enable logging for training, generation, and other operations.
func (c *Chain) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.mu.Lock()
		c.logger = logger
		c.mu.Unlock()
	}
}

// Order returns the number of tokens in a context.
func (c *Chain) Order() int {
	return c.order
}

// Tokenizer returns the tokenizer the chain uses for text.
func (c *Chain) Tokenizer() Tokenizer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokenizer
}

// SetTokenizer replaces the tokenizer used for text input and output from
// now on. Tokens already in the vocabulary are kept as they are.
func (c *Chain) SetTokenizer(t Tokenizer) {
	if t != nil {
		c.mu.Lock()
		c.tokenizer = t
		c.mu.Unlock()
	}
}

// Len returns the number of distinct contexts in the chain.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}

// Transition is an observed successor of a context with its count.
type Transition struct {
	Token Token
	Count uint64
}

// NextTokens returns every observed successor of a context, in first-seen
// order, together with the sum of their counts. The context must hold
// exactly Order tokens. An unseen context returns ErrNoSuchContext.
func (c *Chain) NextTokens(context []Token) ([]Transition, uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key, err := c.keyFor(context)
	if err != nil {
		return nil, 0, err
	}
	succ, ok := c.table[key]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %v", ErrNoSuchContext, context)
	}
	out := make([]Transition, len(succ.tokens))
	for i, t := range succ.tokens {
		out[i] = Transition{Token: c.vocab.token(t.Id), Count: t.Freq}
	}
	return out, succ.total, nil
}

// StartContext returns the context that begins every sentence: Order copies
// of the Start token.
func (c *Chain) StartContext() []Token {
	ctx := make([]Token, c.order)
	for i := range ctx {
		ctx[i] = StartToken
	}
	return ctx
}

// keyFor converts a token context into a table key. The caller must hold mu.
func (c *Chain) keyFor(context []Token) (contextKey, error) {
	var key contextKey
	if len(context) != c.order {
		return key, fmt.Errorf("%w: got %d tokens, chain order is %d", ErrInvalidContext, len(context), c.order)
	}
	for i, tok := range context {
		if tok.Kind == End {
			return key, fmt.Errorf("%w: End token cannot precede another token", ErrInvalidContext)
		}
		id, ok := c.vocab.lookup(tok)
		if !ok {
			return key, fmt.Errorf("%w: unknown token %q", ErrNoSuchContext, tok.Text)
		}
		key[i] = id
	}
	return key, nil
}

// makeKey builds a key from an ID window of length order.
func makeKey(window []TokenID) contextKey {
	var key contextKey
	copy(key[:], window)
	return key
}

// increment records n occurrences of next after key. The caller must hold mu.
func (c *Chain) increment(key contextKey, next TokenID, n uint64) {
	succ, ok := c.table[key]
	if !ok {
		succ = &successors{}
		c.table[key] = succ
	}
	succ.add(next, n)
}
