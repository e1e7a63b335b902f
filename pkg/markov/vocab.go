package markov

// TokenID is the interned index of a token within a chain's vocabulary.
type TokenID uint32

// vocabulary interns token text so the transition table can be keyed by
// small fixed-size integers instead of strings. IDs are dense and assigned in
// first-seen order; StartTokenID and EndTokenID are always present.
type vocabulary struct {
	ids   map[string]TokenID
	texts []string
}

func newVocabulary() *vocabulary {
	return &vocabulary{
		ids:   make(map[string]TokenID),
		texts: []string{StartTokenText, EndTokenText},
	}
}

// intern returns the ID for a word, assigning a new one if necessary.
func (v *vocabulary) intern(text string) TokenID {
	if id, ok := v.ids[text]; ok {
		return id
	}
	id := TokenID(len(v.texts))
	v.ids[text] = id
	v.texts = append(v.texts, text)
	return id
}

// lookup returns the ID of a token without interning it.
func (v *vocabulary) lookup(tok Token) (TokenID, bool) {
	switch tok.Kind {
	case Start:
		return StartTokenID, true
	case End:
		return EndTokenID, true
	}
	id, ok := v.ids[tok.Text]
	return id, ok
}

// token returns the Token for an ID.
func (v *vocabulary) token(id TokenID) Token {
	switch id {
	case StartTokenID:
		return StartToken
	case EndTokenID:
		return EndToken
	}
	return NewWord(v.texts[id])
}

func (v *vocabulary) len() int {
	return len(v.texts)
}
