// ABOUTME: FactScrubber parses the model's JSON reply and extracts user memory signals
// ABOUTME: Invalid payloads and signals are dropped and reported, never failing the turn
package core

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/harper/concierge/internal/models"
	"github.com/tidwall/gjson"
)

// Signal is one fact about the user proposed by the model
type Signal struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Confidence float64         `json:"confidence"`
	// Weight is optional; the resolver applies the policy default when nil
	Weight *float64 `json:"weight,omitempty"`
	Source string   `json:"source"`
}

// DroppedSignal records why part of a payload was discarded
type DroppedSignal struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Extraction is the parsed model output
type Extraction struct {
	Reply   string
	Signals []Signal
	Dropped []DroppedSignal
	// Structured is false when the output was not the expected JSON object
	Structured bool
}

// ExtractSignals parses {"reply": "...", "signals": [...]} from the model output.
// turnText is the user's message; values the user stated verbatim are marked explicit.
func ExtractSignals(turnText, agentOutputJSON string) Extraction {
	raw := strings.TrimSpace(stripCodeFence(agentOutputJSON))

	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return Extraction{
			Reply:   strings.TrimSpace(agentOutputJSON),
			Dropped: []DroppedSignal{{Index: -1, Reason: "payload is not a JSON object"}},
		}
	}

	doc := gjson.Parse(raw)
	out := Extraction{
		Reply:      strings.TrimSpace(doc.Get("reply").String()),
		Structured: true,
	}

	signals := doc.Get("signals")
	if !signals.Exists() {
		return out
	}
	if !signals.IsArray() {
		out.Dropped = append(out.Dropped, DroppedSignal{Index: -1, Reason: "signals is not an array"})
		return out
	}

	turnWords := words(turnText)
	for i, item := range signals.Array() {
		sig, err := parseSignal(item)
		if err != nil {
			out.Dropped = append(out.Dropped, DroppedSignal{Index: i, Reason: err.Error()})
			continue
		}
		sig.Source = models.SourceConversation
		if item.Get("value").Type == gjson.String && statedIn(turnWords, item.Get("value").String()) {
			sig.Source = models.SourceExplicit
		}
		out.Signals = append(out.Signals, sig)
	}

	return out
}

// minStatedRunes keeps one- and two-letter values from matching by accident
const minStatedRunes = 3

// words lowercases text and splits it on anything that is not a letter or digit
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.Is(unicode.Mn, r)
	})
}

// statedIn reports whether value appears in the turn as whole consecutive words
func statedIn(turnWords []string, value string) bool {
	if utf8.RuneCountInString(strings.TrimSpace(value)) < minStatedRunes {
		return false
	}
	want := words(value)
	if len(want) == 0 || len(want) > len(turnWords) {
		return false
	}
	for i := 0; i+len(want) <= len(turnWords); i++ {
		if slices.Equal(turnWords[i:i+len(want)], want) {
			return true
		}
	}
	return false
}

// parseSignal validates shape and ranges of one signal object
func parseSignal(item gjson.Result) (Signal, error) {
	if !item.IsObject() {
		return Signal{}, fmt.Errorf("signal is not an object")
	}

	key := normalizeKey(item.Get("key").String())
	if key == "" {
		return Signal{}, fmt.Errorf("signal key is empty")
	}

	value := item.Get("value")
	if !value.Exists() || value.Type == gjson.Null {
		return Signal{}, fmt.Errorf("signal %q has no value", key)
	}

	conf := item.Get("confidence")
	if conf.Type != gjson.Number {
		return Signal{}, fmt.Errorf("signal %q confidence is not a number", key)
	}
	if conf.Float() < 0 || conf.Float() > 1 {
		return Signal{}, fmt.Errorf("signal %q confidence %v out of range [0,1]", key, conf.Float())
	}

	sig := Signal{
		Key:        key,
		Value:      json.RawMessage(value.Raw),
		Confidence: conf.Float(),
	}

	if w := item.Get("weight"); w.Exists() {
		if w.Type != gjson.Number || w.Float() < 0 || w.Float() > 1 {
			return Signal{}, fmt.Errorf("signal %q weight out of range [0,1]", key)
		}
		weight := w.Float()
		sig.Weight = &weight
	}

	return sig, nil
}

// normalizeKey lowercases a key and joins words with underscores
func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.Join(strings.Fields(strings.ReplaceAll(key, "-", " ")), "_")
}

// stripCodeFence removes a ```json fence some models wrap objects in
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
