package markov

import "errors"

var (
	// ErrEmptyInput is returned when training text produces no tokens.
	ErrEmptyInput = errors.New("markov: input contains no tokens")
	// ErrNoSuchContext is returned when a context was never seen during training.
	ErrNoSuchContext = errors.New("markov: no such context")
	// ErrInvalidOrder is returned for chain orders outside 1..MaxOrder, or when
	// two chains of different orders are combined.
	ErrInvalidOrder = errors.New("markov: invalid chain order")
	// ErrInvalidContext is returned when a context does not have exactly
	// order tokens, or contains an End token.
	ErrInvalidContext = errors.New("markov: invalid context")
	// ErrDeserialization is returned when an exported chain is malformed.
	ErrDeserialization = errors.New("markov: malformed chain data")
)
