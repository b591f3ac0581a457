// ABOUTME: Tests for the chat loop, profile rendering, policy check, and ingest helpers
// ABOUTME: Uses the same scripted model and in-memory storage as the serve tests

package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/harper/concierge/internal/core"
	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/storage/sqlite"
)

func TestChatLoop(t *testing.T) {
	defer resetGlobalFlags()
	model := &scriptedModel{}
	orch := newTestOrchestrator(t, model)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	var out, errOut bytes.Buffer
	cmd.SetErr(&errOut)

	in := strings.NewReader("xin chào\n\n/profile\nbạn ơi\n/quit\nnever read\n")
	if err := chatLoop(cmd, orch, in, &out, "u1", "", ""); err != nil {
		t.Fatalf("chatLoop() error = %v", err)
	}

	if model.calls != 2 {
		t.Errorf("model calls = %d, want 2", model.calls)
	}
	if !strings.Contains(out.String(), "Nothing remembered about u1") {
		t.Errorf("/profile output missing, got:\n%s", out.String())
	}
	if errOut.Len() != 0 {
		t.Errorf("unexpected errors: %s", errOut.String())
	}
}

func TestChatLoop_EOF(t *testing.T) {
	orch := newTestOrchestrator(t, &scriptedModel{})
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())

	var out bytes.Buffer
	if err := chatLoop(cmd, orch, strings.NewReader(""), &out, "u1", "", ""); err != nil {
		t.Fatalf("chatLoop() error = %v", err)
	}
}

func TestPrintProfile(t *testing.T) {
	defer resetGlobalFlags()
	now := time.Now()
	profile := models.Profile{
		"name": {Key: "name", Value: json.RawMessage(`"Lan"`), Confidence: 0.9, Weight: 0.8, UpdatedAt: now},
		"baby_age_months": {Key: "baby_age_months", Value: json.RawMessage(`7`), Confidence: 0.5, Weight: 0.3,
			NeedsConfirmation: true, Corroborations: 1, UpdatedAt: now},
	}

	var out bytes.Buffer
	if err := printProfile(&out, "u1", profile); err != nil {
		t.Fatalf("printProfile() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want header, rule, and 2 facts:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[2], "baby_age_months") || !strings.Contains(lines[2], "pending (1)") {
		t.Errorf("line 3 = %q, want the pending fact first by key", lines[2])
	}
	if !strings.Contains(lines[3], "Lan") || !strings.Contains(lines[3], "confirmed") {
		t.Errorf("line 4 = %q", lines[3])
	}

	out.Reset()
	quiet = true
	if err := printProfile(&out, "u1", models.Profile{}); err != nil {
		t.Fatal(err)
	}
	if out.Len() != 0 {
		t.Errorf("quiet mode printed %q", out.String())
	}
}

func TestPolicyCheck(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    string
	}{
		{name: "valid bundle", args: []string{"policy", "check", testPolicyDir}, want: "OK"},
		{name: "json output", args: []string{"--format", "json", "policy", "check", testPolicyDir}, want: `"version"`},
		{name: "missing bundle", args: []string{"policy", "check", t.TempDir()}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer resetGlobalFlags()
			cmd := NewRootCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.want != "" && !strings.Contains(out.String(), tt.want) {
				t.Errorf("output = %q, want to contain %q", out.String(), tt.want)
			}
		})
	}
}

func TestPolicyReload(t *testing.T) {
	srv := httptest.NewServer(newHandler(newTestOrchestrator(t, &scriptedModel{}), nil, nil, testAdminToken, logging.Nop()))
	defer srv.Close()
	t.Setenv("CONCIERGE_ADMIN_TOKEN", "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
		want    string
	}{
		{name: "valid token", args: []string{"policy", "reload", "--server", srv.URL, "--token", testAdminToken}, want: "Policy reloaded"},
		{name: "wrong token", args: []string{"policy", "reload", "--server", srv.URL, "--token", "not-the-admin-token"}, wantErr: "403"},
		{name: "no token", args: []string{"policy", "reload", "--server", srv.URL}, wantErr: "no admin token"},
		{name: "dir argument", args: []string{"policy", "reload", "--server", srv.URL, "--token", testAdminToken, "/tmp"}, wantErr: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer resetGlobalFlags()
			cmd := NewRootCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want it to mention %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output = %q, want to contain %q", out.String(), tt.want)
			}
		})
	}
}

func TestDocumentID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"docs/return-policy.md", "return-policy"},
		{"faq.txt", "faq"},
		{"/abs/path/catalog", "catalog"},
		{"archive.tar.gz", "archive.tar"},
	}

	for _, tt := range tests {
		if got := documentID(tt.path); got != tt.want {
			t.Errorf("documentID(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestIngest_SingleIDWithManyFiles(t *testing.T) {
	defer func() { ingestID = "" }()
	cmd := NewIngestCmd()
	cmd.SetArgs([]string{"--id", "x", "a.md", "b.md"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	if err := cmd.Execute(); err == nil {
		t.Error("expected error for --id with multiple files")
	}
}

func TestProfileCommands(t *testing.T) {
	t.Setenv("CONCIERGE_DB_PATH", t.TempDir()+"/concierge.db")
	t.Setenv("CONCIERGE_POLICY_DIR", testPolicyDir)

	run := func(args ...string) (string, error) {
		defer resetGlobalFlags()
		cmd := NewRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("profile", "set", "u1", "Skin Type", "oily")
	if err != nil {
		t.Fatalf("profile set error = %v", err)
	}
	if !strings.Contains(out, "skin_type = oily") {
		t.Errorf("profile set output = %q", out)
	}

	out, err = run("--format", "json", "profile", "show", "u1")
	if err != nil {
		t.Fatalf("profile show error = %v", err)
	}
	var shown map[string]models.MemoryFact
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("profile show is not JSON: %v\n%s", err, out)
	}
	if got := shown["skin_type"]; got.Source != models.SourceExplicit || got.NeedsConfirmation {
		t.Errorf("skin_type = %+v, want an explicit confirmed fact", got)
	}

	if _, err := run("profile", "confirm", "u1", "missing_key"); err == nil {
		t.Error("confirming an unknown key should fail")
	}

	out, err = run("profile", "reset", "u1")
	if err != nil {
		t.Fatalf("profile reset error = %v", err)
	}
	if !strings.Contains(out, "Deleted 1 facts") {
		t.Errorf("profile reset output = %q", out)
	}
}

func TestConversationsCommands(t *testing.T) {
	dbPath := t.TempDir() + "/concierge.db"
	t.Setenv("CONCIERGE_DB_PATH", dbPath)
	t.Setenv("CONCIERGE_VECTOR_DIR", t.TempDir())
	t.Setenv("CONCIERGE_POLICY_DIR", testPolicyDir)
	t.Setenv("CONCIERGE_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SERPER_API_KEY", "")

	store, err := sqlite.NewStorageWithPath(dbPath)
	if err != nil {
		t.Fatalf("NewStorageWithPath() error = %v", err)
	}
	for id, idle := range map[string]time.Duration{"conv_stale": 800 * time.Hour, "conv_fresh": time.Hour} {
		conv, err := models.NewConversation(id, "u1")
		if err != nil {
			t.Fatal(err)
		}
		conv.LastActivityAt = time.Now().Add(-idle)
		if err := store.SaveConversation(context.Background(), conv); err != nil {
			t.Fatalf("SaveConversation() error = %v", err)
		}
	}
	store.Close()

	run := func(args ...string) (string, error) {
		defer resetGlobalFlags()
		cmd := NewRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	out, err := run("conversations", "list", "u1")
	if err != nil {
		t.Fatalf("conversations list error = %v", err)
	}
	if !strings.Contains(out, "conv_stale") || !strings.Contains(out, "active") {
		t.Errorf("conversations list output = %q", out)
	}

	out, err = run("--format", "json", "conversations", "archive")
	if err != nil {
		t.Fatalf("conversations archive error = %v", err)
	}
	var report core.RetentionReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("archive output is not JSON: %v\n%s", err, out)
	}
	if report != (core.RetentionReport{Archived: 1}) {
		t.Errorf("report = %+v, want one archived conversation", report)
	}

	out, err = run("--format", "json", "conversations", "list", "u1")
	if err != nil {
		t.Fatalf("conversations list error = %v", err)
	}
	var convs []models.Conversation
	if err := json.Unmarshal([]byte(out), &convs); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	states := map[string]models.ConversationState{}
	for _, c := range convs {
		states[c.ID] = c.State
	}
	if states["conv_stale"] != models.ConversationArchived || states["conv_fresh"] != models.ConversationActive {
		t.Errorf("states = %v", states)
	}
}
