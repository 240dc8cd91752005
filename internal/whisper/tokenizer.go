package whisper

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tokenizer decodes byte-level BPE token ids produced by the decoder.
type Tokenizer struct {
	idToToken map[int]string
	tokenToID map[string]int
	added     map[int]bool
	special   map[int]bool
	byteOf    map[rune]byte
}

type tokenizerFile struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
}

// LoadTokenizer reads a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var file tokenizerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s: empty vocabulary", path)
	}
	t := &Tokenizer{
		idToToken: make(map[int]string, len(file.Model.Vocab)+len(file.AddedTokens)),
		tokenToID: make(map[string]int, len(file.Model.Vocab)+len(file.AddedTokens)),
		added:     make(map[int]bool, len(file.AddedTokens)),
		special:   make(map[int]bool),
		byteOf:    unicodeToBytes(),
	}
	for tok, id := range file.Model.Vocab {
		t.idToToken[id] = tok
		t.tokenToID[tok] = id
	}
	for _, at := range file.AddedTokens {
		t.idToToken[at.ID] = at.Content
		t.tokenToID[at.Content] = at.ID
		t.added[at.ID] = true
		if at.Special || isControlToken(at.Content) {
			t.special[at.ID] = true
		}
	}
	return t, nil
}

func isControlToken(s string) bool {
	return strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

// TokenID looks a token string up in the vocabulary.
func (t *Tokenizer) TokenID(token string) (int, bool) {
	id, ok := t.tokenToID[token]
	return id, ok
}

func (t *Tokenizer) VocabSize() int {
	return len(t.idToToken)
}

// Decode turns ids back into text. With skipSpecial, control tokens such as
// timestamps and task markers are dropped. Ids missing from the vocabulary
// contribute nothing; vocabularies often omit the timestamp range.
func (t *Tokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var buf []byte
	for _, id := range ids {
		tok, ok := t.idToToken[id]
		if !ok {
			continue
		}
		if skipSpecial && t.special[id] {
			continue
		}
		if t.added[id] {
			buf = append(buf, tok...)
			continue
		}
		for _, r := range tok {
			if b, ok := t.byteOf[r]; ok {
				buf = append(buf, b)
			} else {
				buf = append(buf, string(r)...)
			}
		}
	}
	return strings.ToValidUTF8(string(buf), "�"), nil
}

// unicodeToBytes inverts the GPT-2 byte-to-unicode table used by byte-level
// BPE vocabularies.
func unicodeToBytes() map[rune]byte {
	out := make(map[rune]byte, 256)
	n := 0
	for b := 0; b < 256; b++ {
		printable := (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
		if printable {
			out[rune(b)] = byte(b)
			continue
		}
		out[rune(256+n)] = byte(b)
		n++
	}
	return out
}
