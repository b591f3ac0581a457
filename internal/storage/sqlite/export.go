// ABOUTME: Export of everything stored about one user
// ABOUTME: Supports YAML and Markdown export formats
package sqlite

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExportData represents the complete exportable data for a user
type ExportData struct {
	Version       string               `yaml:"version" json:"version"`
	ExportedAt    string               `yaml:"exported_at" json:"exported_at"`
	Tool          string               `yaml:"tool" json:"tool"`
	UserID        string               `yaml:"user_id" json:"user_id"`
	Facts         []ExportFact         `yaml:"facts,omitempty" json:"facts,omitempty"`
	Conversations []ExportConversation `yaml:"conversations,omitempty" json:"conversations,omitempty"`
}

// ExportFact represents a memory fact for export
type ExportFact struct {
	Key               string  `yaml:"key" json:"key"`
	Value             string  `yaml:"value" json:"value"`
	Confidence        float64 `yaml:"confidence" json:"confidence"`
	Weight            float64 `yaml:"weight" json:"weight"`
	NeedsConfirmation bool    `yaml:"needs_confirmation" json:"needs_confirmation"`
	UpdatedAt         string  `yaml:"updated_at" json:"updated_at"`
}

// ExportConversation represents a conversation with its turns
type ExportConversation struct {
	ID        string       `yaml:"id" json:"id"`
	State     string       `yaml:"state" json:"state"`
	CreatedAt string       `yaml:"created_at" json:"created_at"`
	Turns     []ExportTurn `yaml:"turns" json:"turns"`
}

// ExportTurn represents a turn for export
type ExportTurn struct {
	Role      string `yaml:"role" json:"role"`
	Agent     string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Text      string `yaml:"text" json:"text"`
	Timestamp string `yaml:"timestamp" json:"timestamp"`
}

// ExportUser collects all facts and conversations for a user
func (s *Storage) ExportUser(ctx context.Context, userID string) (*ExportData, error) {
	data := &ExportData{
		Version:    "1.0",
		ExportedAt: time.Now().Format(time.RFC3339),
		Tool:       "concierge",
		UserID:     userID,
	}

	facts, err := s.facts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list facts: %w", err)
	}
	for _, f := range facts {
		data.Facts = append(data.Facts, ExportFact{
			Key:               f.Key,
			Value:             f.DisplayValue(),
			Confidence:        f.Confidence,
			Weight:            f.Weight,
			NeedsConfirmation: f.NeedsConfirmation,
			UpdatedAt:         f.UpdatedAt.Format(time.RFC3339),
		})
	}

	convs, err := s.conversations.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	for _, c := range convs {
		turns, err := s.turns.Recent(ctx, c.ID, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list turns for %s: %w", c.ID, err)
		}
		ec := ExportConversation{
			ID:        c.ID,
			State:     string(c.State),
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
			Turns:     make([]ExportTurn, 0, len(turns)),
		}
		for _, t := range turns {
			ec.Turns = append(ec.Turns, ExportTurn{
				Role:      string(t.Role),
				Agent:     string(t.Agent),
				Text:      t.Text,
				Timestamp: t.Timestamp.Format(time.RFC3339),
			})
		}
		data.Conversations = append(data.Conversations, ec)
	}

	return data, nil
}

// WriteYAML encodes an export as YAML
func (d *ExportData) WriteYAML(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(d); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return encoder.Close()
}

// WriteMarkdown renders an export as Markdown
func (d *ExportData) WriteMarkdown(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Concierge Export - %s\n\n", d.UserID)
	fmt.Fprintf(&sb, "Generated: %s\n\n", d.ExportedAt)

	if len(d.Facts) > 0 {
		sb.WriteString("## Memory\n\n")
		sb.WriteString("| Key | Value | Confidence | Weight | Confirmed |\n")
		sb.WriteString("|-----|-------|------------|--------|-----------|\n")
		for _, f := range d.Facts {
			confirmed := "yes"
			if f.NeedsConfirmation {
				confirmed = "no"
			}
			fmt.Fprintf(&sb, "| %s | %s | %.2f | %.2f | %s |\n", f.Key, f.Value, f.Confidence, f.Weight, confirmed)
		}
		sb.WriteString("\n")
	}

	if len(d.Conversations) > 0 {
		sb.WriteString("## Conversations\n\n")
		for _, c := range d.Conversations {
			fmt.Fprintf(&sb, "### %s (%s)\n\n", c.ID, c.State)
			for _, t := range c.Turns {
				speaker := "User"
				if t.Role != "user" {
					speaker = "Assistant"
					if t.Agent != "" {
						speaker += " (" + t.Agent + ")"
					}
				}
				fmt.Fprintf(&sb, "**%s:** %s\n\n", speaker, t.Text)
			}
			sb.WriteString("---\n\n")
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
