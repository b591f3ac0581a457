// ABOUTME: Tests for MemoryFact construction and Profile gating helpers
// ABOUTME: Verifies range validation, expiry, and confirmed/corroborated counting
package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewMemoryFact(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		key        string
		value      json.RawMessage
		confidence float64
		weight     float64
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "valid string value",
			userID:     "user_1",
			key:        "name",
			value:      json.RawMessage(`"Lan"`),
			confidence: 0.9,
			weight:     0.8,
		},
		{
			name:       "valid object value",
			userID:     "user_1",
			key:        "skin",
			value:      json.RawMessage(`{"type":"dry"}`),
			confidence: 0.5,
			weight:     0.5,
		},
		{
			name:       "empty user",
			userID:     "",
			key:        "name",
			value:      json.RawMessage(`"Lan"`),
			confidence: 0.9,
			weight:     0.9,
			wantErr:    true,
			errMsg:     "userID cannot be empty",
		},
		{
			name:       "empty key",
			userID:     "user_1",
			key:        "  ",
			value:      json.RawMessage(`"Lan"`),
			confidence: 0.9,
			weight:     0.9,
			wantErr:    true,
			errMsg:     "key cannot be empty",
		},
		{
			name:       "invalid json",
			userID:     "user_1",
			key:        "name",
			value:      json.RawMessage(`{oops`),
			confidence: 0.9,
			weight:     0.9,
			wantErr:    true,
			errMsg:     "valid JSON",
		},
		{
			name:       "confidence out of range",
			userID:     "user_1",
			key:        "name",
			value:      json.RawMessage(`"Lan"`),
			confidence: 1.2,
			weight:     0.9,
			wantErr:    true,
			errMsg:     "confidence",
		},
		{
			name:       "weight out of range",
			userID:     "user_1",
			key:        "name",
			value:      json.RawMessage(`"Lan"`),
			confidence: 0.9,
			weight:     -0.1,
			wantErr:    true,
			errMsg:     "weight",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fact, err := NewMemoryFact(tt.userID, tt.key, tt.value, tt.confidence, tt.weight, "")
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error = %q, want substring %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewMemoryFact() error = %v", err)
			}
			if fact.Source != SourceConversation {
				t.Errorf("Source = %q, want %q", fact.Source, SourceConversation)
			}
			if !strings.HasPrefix(fact.FactID, "fact_") {
				t.Errorf("FactID = %q, want fact_ prefix", fact.FactID)
			}
		})
	}
}

func TestMemoryFact_Expired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"no expiry", nil, false},
		{"expired", &past, true},
		{"not yet", &future, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &MemoryFact{ExpiresAt: tt.expires}
			if got := f.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryFact_SameValue(t *testing.T) {
	a := &MemoryFact{Value: json.RawMessage(`{"a": 1, "b": 2}`)}
	b := &MemoryFact{Value: json.RawMessage(`{"b":2,"a":1}`)}
	c := &MemoryFact{Value: json.RawMessage(`{"a":2}`)}

	if !a.SameValue(b) {
		t.Error("expected equal JSON values to compare equal")
	}
	if a.SameValue(c) {
		t.Error("expected different values to compare unequal")
	}
	if a.SameValue(nil) {
		t.Error("expected nil to compare unequal")
	}
}

func TestProfile_Counts(t *testing.T) {
	p := Profile{
		"name":   {Key: "name", Value: json.RawMessage(`"Lan"`)},
		"age":    {Key: "age", Value: json.RawMessage(`30`), NeedsConfirmation: true, Corroborations: 2},
		"city":   {Key: "city", Value: json.RawMessage(`"Hue"`), NeedsConfirmation: true},
		"opt_in": {Key: "opt_in", Value: json.RawMessage(`true`)},
	}

	if got := p.ConfirmedCount(); got != 2 {
		t.Errorf("ConfirmedCount() = %d, want 2", got)
	}
	if got := p.GatingCount(2); got != 3 {
		t.Errorf("GatingCount(2) = %d, want 3", got)
	}
	if got := p.GatingCount(0); got != 2 {
		t.Errorf("GatingCount(0) = %d, want 2", got)
	}
	if !p.Bool("opt_in") {
		t.Error("Bool(opt_in) = false, want true")
	}
	if p.Bool("name") {
		t.Error("Bool(name) = true, want false for non-bool value")
	}
	if p.Bool("missing") {
		t.Error("Bool(missing) = true, want false")
	}
}

func TestMemoryFact_DisplayValue(t *testing.T) {
	if got := (&MemoryFact{Value: json.RawMessage(`"Lan"`)}).DisplayValue(); got != "Lan" {
		t.Errorf("DisplayValue() = %q, want %q", got, "Lan")
	}
	if got := (&MemoryFact{Value: json.RawMessage(`{ "a" : 1 }`)}).DisplayValue(); got != `{"a":1}` {
		t.Errorf("DisplayValue() = %q, want %q", got, `{"a":1}`)
	}
}
