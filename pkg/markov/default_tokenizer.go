package markov

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rivo/uniseg"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// maxSentenceLength prevents massive sentences from taking up a large amount of memory
const maxSentenceLength = 4096

const (
	defaultTerminators = ".!?…。！？"
	// Tokens that belong to the sentence they follow, even after a terminator.
	closers = `)]}»”’"`
	// No separator is placed before these.
	noSpaceBefore = `.,!?;:…)]}»”’%。！？、，；：）」』`
	// No separator is placed after these.
	noSpaceAfter = `([{«“‘¿¡（「『`
)

// DefaultTokenizer is a default implementation of the Tokenizer interface.
// It splits text on Unicode word boundaries (UAX #29), so punctuation becomes
// its own token and multi-byte scripts are segmented correctly. Text is NFC
// normalized and case is preserved unless case folding is enabled. Every
// sentence is wrapped in Start and End tokens.
// Its behavior can be customized with functional options.
type DefaultTokenizer struct {
	separator   string
	terminators string
	caseFolding bool
}

// Option Is a function that configures a DefaultTokenizer.
type Option func(*DefaultTokenizer)

// WithSeparator Sets the string used for joining tokens during generation.
// Default: " "
func WithSeparator(sep string) Option {
	return func(t *DefaultTokenizer) {
		t.separator = sep
	}
}

// WithTerminators sets the characters that end a sentence when they appear as
// a token on their own.
// Default: ".!?…。！？"
func WithTerminators(chars string) Option {
	return func(t *DefaultTokenizer) {
		t.terminators = chars
	}
}

// WithCaseFolding enables Unicode case folding of every word, so "The" and
// "the" become the same token.
// Default: false
func WithCaseFolding(fold bool) Option {
	return func(t *DefaultTokenizer) {
		t.caseFolding = fold
	}
}

// NewDefaultTokenizer creates a new tokenizer with default settings, which can be
// overridden by providing one or more Option functions.
func NewDefaultTokenizer(opts ...Option) *DefaultTokenizer {
	t := &DefaultTokenizer{
		separator:   " ",
		terminators: defaultTerminators,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Tokenize splits text into sentence-delimited tokens.
func (t *DefaultTokenizer) Tokenize(text string) []Token {
	return drainStream(t.NewStream(strings.NewReader(text)))
}

// Separator returns the configured separator, or nothing when either side is
// punctuation that attaches to its neighbour or both sides are CJK.
func (t *DefaultTokenizer) Separator(prev, next Token) string {
	if onlyOf(next.Text, noSpaceBefore) || onlyOf(prev.Text, noSpaceAfter) {
		return ""
	}
	if next.Text == "-" || prev.Text == "-" || next.Text == "/" || prev.Text == "/" {
		return ""
	}
	last, _ := utf8.DecodeLastRuneInString(prev.Text)
	first, _ := utf8.DecodeRuneInString(next.Text)
	if isCJK(last) && isCJK(first) {
		return ""
	}
	return t.separator
}

// Join renders tokens as text.
func (t *DefaultTokenizer) Join(tokens []Token) string {
	return joinTokens(t.Separator, tokens)
}

// NewStream Returns the stream processor.
func (t *DefaultTokenizer) NewStream(r io.Reader) StreamTokenizer {
	s := &DefaultStreamTokenizer{
		reader:      bufio.NewReader(r),
		terminators: t.terminators,
	}
	if t.caseFolding {
		folder := cases.Fold()
		s.folder = &folder
	}
	return s
}

// DefaultStreamTokenizer is the default implementation of the StreamTokenizer
// interface. It reads one line at a time, so sentences may span lines; a blank
// line always ends the current sentence.
type DefaultStreamTokenizer struct {
	reader      *bufio.Reader
	folder      *cases.Caser
	terminators string
	buffer      []Token
	inSentence  bool
	closing     bool
	length      int
	eof         bool
}

// Next returns the next token from the stream. It returns a Token and a nil error on
// success. When the stream is exhausted, it returns an empty Token and io.EOF.
// Any other error indicates a problem reading from the underlying stream.
func (s *DefaultStreamTokenizer) Next() (Token, error) {
	for len(s.buffer) == 0 { // Loop until we have tokens
		if s.eof {
			return Token{}, io.EOF
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Token{}, err
			}
			s.eof = true
		}
		s.processLine(line)
		if s.eof && s.inSentence {
			s.endSentence()
		}
	}

	token := s.buffer[0]
	s.buffer = s.buffer[1:] // Consume the token
	return token, nil
}

func (s *DefaultStreamTokenizer) processLine(line string) {
	if strings.TrimSpace(line) == "" {
		if s.inSentence {
			s.endSentence()
		}
		return
	}

	line = norm.NFC.String(line)
	if s.folder != nil {
		line = s.folder.String(line)
	}

	state := -1
	var word string
	for len(line) > 0 {
		word, line, state = uniseg.FirstWordInString(line, state)
		if strings.TrimSpace(word) == "" {
			continue
		}
		s.push(word)
	}
}

func (s *DefaultStreamTokenizer) push(word string) {
	terminal := isOneOf(word, s.terminators)
	if s.closing && !terminal && !isOneOf(word, closers) {
		s.endSentence()
	}
	if !s.inSentence {
		s.buffer = append(s.buffer, StartToken)
		s.inSentence = true
		s.length = 0
	}

	s.buffer = append(s.buffer, NewWord(word))
	s.length++
	if terminal {
		s.closing = true
	}
	if s.length >= maxSentenceLength {
		s.endSentence()
	}
}

func (s *DefaultStreamTokenizer) endSentence() {
	s.buffer = append(s.buffer, EndToken)
	s.inSentence = false
	s.closing = false
}

// isOneOf reports whether word is a single character from set.
func isOneOf(word, set string) bool {
	r, size := utf8.DecodeRuneInString(word)
	return size == len(word) && size > 0 && strings.ContainsRune(set, r)
}

// onlyOf reports whether word consists only of characters from set.
func onlyOf(word, set string) bool {
	if word == "" {
		return false
	}
	for _, r := range word {
		if !strings.ContainsRune(set, r) {
			return false
		}
	}
	return true
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}
