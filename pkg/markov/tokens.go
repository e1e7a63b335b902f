package markov

import (
	"io"
	"strings"
)

const (
	// StartTokenID is the reserved ID for the Start-Of-Chain token.
	StartTokenID TokenID = 0
	// EndTokenID is the reserved ID for the End-Of-Chain token.
	EndTokenID TokenID = 1
	// StartTokenText is the reserved text for the Start-Of-Chain token.
	StartTokenText = "<SOC>"
	// EndTokenText is the reserved text for the End-Of-Chain token.
	EndTokenText = "<EOC>"
)

// TokenKind distinguishes ordinary words from the sentence sentinels.
type TokenKind uint8

const (
	// Word is a word or punctuation token carrying text.
	Word TokenKind = iota
	// Start marks the beginning of a sentence.
	Start
	// End marks the end of a sentence.
	End
)

func (k TokenKind) String() string {
	switch k {
	case Start:
		return "start"
	case End:
		return "end"
	default:
		return "word"
	}
}

// Token represents a single tokenized unit of text. Tokens are plain values
// and compare equal when both their kind and text match.
type Token struct {
	Text string
	Kind TokenKind
}

// NewWord returns a Word token with the given text.
func NewWord(text string) Token {
	return Token{Text: text, Kind: Word}
}

var (
	// StartToken is the Start-Of-Chain sentinel.
	StartToken = Token{Text: StartTokenText, Kind: Start}
	// EndToken is the End-Of-Chain sentinel.
	EndToken = Token{Text: EndTokenText, Kind: End}
)

func (t Token) String() string {
	return t.Text
}

// IsSentinel reports whether t is a Start or End token.
func (t Token) IsSentinel() bool {
	return t.Kind != Word
}

// Tokenizer is an interface that defines the contract for splitting input text
// into tokens and joining generated tokens back into text. This allows the
// chain to be independent of the specific tokenization strategy.
type Tokenizer interface {
	// NewStream returns a stateful StreamTokenizer for processing an io.Reader.
	NewStream(io.Reader) StreamTokenizer
	// Tokenize splits text into tokens, including sentence sentinels.
	// Empty input yields an empty slice.
	Tokenize(text string) []Token
	// Separator returns the string that should be placed between two
	// rendered word tokens.
	Separator(prev, next Token) string
	// Join renders a token sequence as text. Sentinels render as nothing.
	Join(tokens []Token) string
}

// StreamTokenizer is an interface for a stateful tokenizer that processes a
// stream of data, returning one token at a time.
type StreamTokenizer interface {
	// Next returns the next token from the stream. It returns io.EOF as the
	// error when the stream is fully consumed.
	Next() (Token, error)
}

// drainStream collects every token of a stream. A read error ends the
// sequence early.
func drainStream(s StreamTokenizer) []Token {
	var tokens []Token
	for {
		tok, err := s.Next()
		if err != nil {
			return tokens
		}
		tokens = append(tokens, tok)
	}
}

// Renderer turns tokens into text one at a time, using the same spacing as
// Tokenizer.Join. It is what streaming output uses. Straight quotes are
// paired: an odd quote opens and hugs the following word, an even one closes
// and hugs the preceding word. A single quote that is not closing one and
// follows a word ending in "s" is a plural possessive and hugs that word.
type Renderer struct {
	sep        func(prev, next Token) string
	last       Token
	started    bool
	doubleOpen bool
	singleOpen bool
	lastOpened bool
}

// NewRenderer returns a Renderer that places t's separators between words.
func NewRenderer(t Tokenizer) *Renderer {
	return &Renderer{sep: t.Separator}
}

// Render returns the text to append for tok: the separator, if any, followed
// by the token text. Sentinels render as "".
func (r *Renderer) Render(tok Token) string {
	if tok.Kind != Word {
		return ""
	}
	var attach, opened bool
	switch tok.Text {
	case `"`:
		attach = r.doubleOpen
		r.doubleOpen = !r.doubleOpen
		opened = r.doubleOpen
	case "'":
		switch {
		case r.singleOpen:
			attach = true
			r.singleOpen = false
		case r.started && (strings.HasSuffix(r.last.Text, "s") || strings.HasSuffix(r.last.Text, "S")):
			attach = true
		default:
			r.singleOpen = true
			opened = true
		}
	}

	var sep string
	if r.started && !attach && !r.lastOpened {
		sep = r.sep(r.last, tok)
	}
	r.lastOpened = opened
	r.last = tok
	r.started = true
	return sep + tok.Text
}

// joinTokens is the shared detokenization loop.
func joinTokens(sep func(prev, next Token) string, tokens []Token) string {
	var b strings.Builder
	r := &Renderer{sep: sep}
	for _, tok := range tokens {
		b.WriteString(r.Render(tok))
	}
	return b.String()
}
