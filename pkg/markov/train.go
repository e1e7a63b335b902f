package markov

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Train folds a token sequence into the chain by sliding a window of Order
// tokens across it and counting every (window -> next token) pair, including
// pairs whose window starts at a Start token and whose next token is End.
//
// A Start token resets the window to Order copies of Start, so the first word
// of a sentence is predicted from the all-Start context. An End token is
// counted and then empties the window. Start is never recorded as a
// successor. Sequences too short to fill a window contribute nothing.
//
// Train returns the number of transitions recorded. Counts accumulate across
// calls and are never decremented.
func (c *Chain) Train(tokens []Token) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.train(tokens)
}

// train is Train without locking. The caller must hold mu for writing.
func (c *Chain) train(tokens []Token) int {
	window := make([]TokenID, 0, c.order)
	var recorded int

	for _, tok := range tokens {
		var id TokenID
		switch tok.Kind {
		case Start:
			window = window[:c.order]
			for i := range window {
				window[i] = StartTokenID
			}
			continue
		case End:
			id = EndTokenID
		default:
			id = c.vocab.intern(tok.Text)
		}

		if len(window) == c.order {
			c.increment(makeKey(window), id, 1)
			recorded++
		}

		if tok.Kind == End {
			window = window[:0]
		} else if len(window) < c.order {
			window = append(window, id)
		} else {
			copy(window, window[1:])
			window[c.order-1] = id
		}
	}
	return recorded
}

// MergeText tokenizes text with the chain's tokenizer and trains on the
// result. It returns ErrEmptyInput if the text contains no tokens.
func (c *Chain) MergeText(text string) error {
	tokens := c.Tokenizer().Tokenize(text)
	if len(tokens) == 0 {
		return ErrEmptyInput
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	recorded := c.train(tokens)
	c.logger.Debug("Text merged",
		slog.Int("tokens", len(tokens)),
		slog.Int("transitions_recorded", recorded),
		slog.Int("contexts", len(c.table)),
	)
	return nil
}

// TrainReader processes a stream of text from an io.Reader, tokenizes it, and
// trains the chain one sentence at a time, so other goroutines may generate
// between sentences. Cancelling ctx stops training after the current
// sentence; sentences already trained are kept. It returns ErrEmptyInput if
// the stream contains no tokens.
func (c *Chain) TrainReader(ctx context.Context, data io.Reader) error {
	stream := c.Tokenizer().NewStream(data)
	var sentence []Token
	var sentenceCount, tokenCount int64

	flush := func() {
		if len(sentence) == 0 {
			return
		}
		c.Train(sentence)
		sentenceCount++
		sentence = sentence[:0]
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		token, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("tokenizer error: %w", err)
		}
		tokenCount++
		sentence = append(sentence, token)
		if token.Kind == End {
			flush()
		}
	}
	flush()

	if tokenCount == 0 {
		return ErrEmptyInput
	}

	c.mu.RLock()
	c.logger.InfoContext(ctx, "Training completed",
		slog.Int64("sentences_processed", sentenceCount),
		slog.Int64("tokens_processed", tokenCount),
		slog.Int("contexts", len(c.table)),
	)
	c.mu.RUnlock()
	return nil
}
