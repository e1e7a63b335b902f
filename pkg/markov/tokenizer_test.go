package markov

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

func TestTokenize(t *testing.T) {
	tok := NewDefaultTokenizer()

	testCases := []struct {
		name     string
		input    string
		expected []Token
	}{
		{
			name:     "Empty input",
			input:    "",
			expected: nil,
		},
		{
			name:     "Whitespace only",
			input:    "  \n\n\t ",
			expected: nil,
		},
		{
			name:  "Two sentences",
			input: "Hello, world. How are you?",
			expected: []Token{
				StartToken, NewWord("Hello"), NewWord(","), NewWord("world"), NewWord("."), EndToken,
				StartToken, NewWord("How"), NewWord("are"), NewWord("you"), NewWord("?"), EndToken,
			},
		},
		{
			name:  "No terminator closes at end of input",
			input: "no full stop",
			expected: []Token{
				StartToken, NewWord("no"), NewWord("full"), NewWord("stop"), EndToken,
			},
		},
		{
			name:  "Sentence spans lines",
			input: "a sentence\nthat continues.",
			expected: []Token{
				StartToken, NewWord("a"), NewWord("sentence"), NewWord("that"), NewWord("continues"), NewWord("."), EndToken,
			},
		},
		{
			name:  "Blank line ends a sentence",
			input: "first part\n\nsecond part",
			expected: []Token{
				StartToken, NewWord("first"), NewWord("part"), EndToken,
				StartToken, NewWord("second"), NewWord("part"), EndToken,
			},
		},
		{
			name:  "Closer stays with its sentence",
			input: "(It works.) Next.",
			expected: []Token{
				StartToken, NewWord("("), NewWord("It"), NewWord("works"), NewWord("."), NewWord(")"), EndToken,
				StartToken, NewWord("Next"), NewWord("."), EndToken,
			},
		},
		{
			name:  "Contractions and decimals are single tokens",
			input: "Don't pay 3.50 now",
			expected: []Token{
				StartToken, NewWord("Don't"), NewWord("pay"), NewWord("3.50"), NewWord("now"), EndToken,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := tok.Tokenize(tc.input)
			if len(got) == 0 && len(tc.expected) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.expected) {
				t.Errorf("Tokenize(%q)\n got = %v\nwant = %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestTokenizeNormalization(t *testing.T) {
	t.Run("NFC", func(t *testing.T) {
		got := NewDefaultTokenizer().Tokenize("cafe\u0301")
		if len(got) != 3 || got[1] != NewWord("caf\u00e9") {
			t.Errorf("expected composed token, got %v", got)
		}
	})

	t.Run("Case preserved by default", func(t *testing.T) {
		got := NewDefaultTokenizer().Tokenize("The the")
		if got[1] == got[2] {
			t.Errorf("expected %q and %q to differ", got[1].Text, got[2].Text)
		}
	})

	t.Run("Case folding", func(t *testing.T) {
		got := NewDefaultTokenizer(WithCaseFolding(true)).Tokenize("The THE the")
		for _, tok := range got[1:4] {
			if tok != NewWord("the") {
				t.Errorf("expected folded token 'the', got %q", tok.Text)
			}
		}
	})
}

func TestTokenizeMaxSentenceLength(t *testing.T) {
	text := strings.Repeat("word ", maxSentenceLength+10)
	got := NewDefaultTokenizer().Tokenize(text)

	var ends int
	for _, tok := range got {
		if tok.Kind == End {
			ends++
		}
	}
	if ends != 2 {
		t.Errorf("expected an overlong sentence to be split in 2, got %d sentences", ends)
	}
	if got[maxSentenceLength+1] != EndToken {
		t.Errorf("expected End after %d words, got %v", maxSentenceLength, got[maxSentenceLength+1])
	}
}

func TestStreamTokenizer(t *testing.T) {
	t.Run("Reports EOF repeatedly", func(t *testing.T) {
		s := NewDefaultTokenizer().NewStream(strings.NewReader("hi"))
		for range 3 {
			if _, err := s.Next(); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		for range 2 {
			if _, err := s.Next(); !errors.Is(err, io.EOF) {
				t.Errorf("expected io.EOF, got %v", err)
			}
		}
	})

	t.Run("Propagates read errors", func(t *testing.T) {
		readErr := errors.New("disk on fire")
		s := NewDefaultTokenizer().NewStream(iotest.ErrReader(readErr))
		if _, err := s.Next(); !errors.Is(err, readErr) {
			t.Errorf("expected read error, got %v", err)
		}
	})
}

func TestJoinRoundTrip(t *testing.T) {
	tok := NewDefaultTokenizer()

	inputs := []string{
		"Hello, world. How are you?",
		`She said "yes" (quietly).`,
		"It costs 3.50 dollars!",
		"A well-known fact; really.",
		"Either and/or works.",
		"日本語のテキストです。",
		"¿Qué tal? Muy bien.",
		"He said 'hi' to me.",
		"The dogs' bowls.",
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			if got := tok.Join(tok.Tokenize(input)); got != input {
				t.Errorf("Join(Tokenize(%q)) = %q", input, got)
			}
		})
	}
}

func TestJoinSkipsSentinels(t *testing.T) {
	tok := NewDefaultTokenizer(WithSeparator("_"))
	got := tok.Join([]Token{StartToken, NewWord("a"), NewWord("b"), NewWord("."), EndToken, StartToken, NewWord("c"), EndToken})
	if got != "a_b._c" {
		t.Errorf("expected %q, got %q", "a_b._c", got)
	}
	if got := tok.Join(nil); got != "" {
		t.Errorf("expected empty join for no tokens, got %q", got)
	}
}

func TestRendererMatchesJoin(t *testing.T) {
	tok := NewDefaultTokenizer()
	for _, input := range []string{
		`She said "yes" (quietly). Then "no."`,
		"He said 'hi' to the dogs' owner.",
		"日本語のテキストです。次の文！",
		"Hello, world. How are you?",
	} {
		tokens := tok.Tokenize(input)
		r := NewRenderer(tok)
		var b strings.Builder
		for _, tk := range tokens {
			b.WriteString(r.Render(tk))
		}
		if got, want := b.String(), tok.Join(tokens); got != want {
			t.Errorf("rendering %q one token at a time = %q, Join = %q", input, got, want)
		}
	}
}
