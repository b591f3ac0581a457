// ABOUTME: Tests for policy bundle loading, validation, and atomic reload
// ABOUTME: Uses the shipped bundle plus broken copies in temp directories
package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harper/concierge/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleDir = "../../policy"

// copyBundle copies the shipped bundle into a temp dir so tests can break it
func copyBundle(t *testing.T) string {
	t.Helper()
	dst := t.TempDir()
	err := filepath.Walk(bundleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
	require.NoError(t, err)
	return dst
}

func rewriteManifest(t *testing.T, dir, old, new string) {
	t.Helper()
	path := filepath.Join(dir, BundleFile)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), old)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), old, new, 1)), 0644))
}

func TestLoad_ShippedBundle(t *testing.T) {
	p, err := Load(bundleDir)
	require.NoError(t, err)

	assert.NotEmpty(t, p.Version)
	assert.Equal(t, 300, p.Pacing.CharsPerMinute)
	assert.Equal(t, 600, p.Pacing.SinglePartMaxChars)
	assert.InDelta(t, 0.7, p.Routing.SimilarityThreshold, 1e-9)
	assert.InDelta(t, 0.6, p.Memory.LowConfidence, 1e-9)
	assert.Equal(t, 72*time.Hour, p.Retention.CompleteAfter)
	assert.Equal(t, 720*time.Hour, p.Retention.ArchiveAfter)
	assert.NotEmpty(t, p.SystemPrompt())
	assert.Contains(t, p.ResponseFormat(), "Empathy")

	for _, agent := range models.AllAgents {
		out, err := p.Persona(PersonaData{Agent: agent, Intent: models.IntentPolicy, UserName: "Lan", MaxChars: 300})
		require.NoError(t, err, "agent %s", agent)
		assert.NotEmpty(t, out)
	}
}

func TestPolicy_ClassifyIntent(t *testing.T) {
	p, err := Load(bundleDir)
	require.NoError(t, err)

	tests := []struct {
		text string
		want models.Intent
	}{
		{"xin chào", models.IntentGreeting},
		{"Hello there", models.IntentGreeting},
		{"Chính sách đổi trả thế nào?", models.IntentPolicy},
		{"What is your return policy?", models.IntentPolicy},
		{"Serum này giá bao nhiêu?", models.IntentPricing},
		{"Thành phần của kem là gì?", models.IntentIngredients},
		{"Mình muốn đặt hàng", models.IntentPurchase},
		{"Bạn gợi ý giúp mình loại kem dưỡng", models.IntentRecommendation},
		{"Tôi muốn khiếu nại về đơn hàng", models.IntentComplaint},
		{"hôm nay trời đẹp quá", models.IntentUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ClassifyIntent(tt.text))
		})
	}
}

func TestPolicy_HandoffMatrix(t *testing.T) {
	p, err := Load(bundleDir)
	require.NoError(t, err)

	trig, ok := p.MatchTrigger("Mình đang mang thai, dùng serum này có an toàn không?")
	require.True(t, ok)
	assert.Equal(t, "pregnancy_safety", trig.ID)

	_, ok = p.MatchTrigger("Mình đang mang thai")
	assert.False(t, ok, "one pattern group alone must not fire")

	trig, ok = p.MatchTrigger("I was charged twice for my order")
	require.True(t, ok)
	assert.Equal(t, "payment_dispute", trig.ID)

	assert.True(t, p.DetectDistress("mình thấy tuyệt vọng quá"))
	assert.False(t, p.DetectDistress("mình thấy vui"))
}

func TestPolicy_Helpers(t *testing.T) {
	p, err := Load(bundleDir)
	require.NoError(t, err)

	assert.True(t, p.CitationRequired(models.IntentPricing))
	assert.False(t, p.CitationRequired(models.IntentGreeting))
	assert.True(t, p.IsCSKHIntent(models.IntentFAQ))
	assert.True(t, p.IsSalesIntent(models.IntentPurchase))
	assert.True(t, p.FollowsUpAfter(models.AgentSales))
	assert.False(t, p.FollowsUpAfter(models.AgentDiscovery))
	assert.Equal(t, p.Guardrails.DefaultDeflection, p.Deflection("no-such-category"))
	assert.NotEqual(t, p.Guardrails.DefaultDeflection, p.Deflection("politics"))
}

func TestLoad_Failures(t *testing.T) {
	tests := []struct {
		name  string
		break_ func(t *testing.T, dir string)
	}{
		{
			name: "missing template",
			break_: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, "prompts", "sales.tmpl")))
			},
		},
		{
			name: "malformed template",
			break_: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "cskh.tmpl"), []byte("{{if .Intent}"), 0644))
			},
		},
		{
			name: "template references unknown field",
			break_: func(t *testing.T, dir string) {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "cskh.tmpl"), []byte("Hi {{.Nickname}}"), 0644))
			},
		},
		{
			name: "invalid regex",
			break_: func(t *testing.T, dir string) {
				rewriteManifest(t, dir, `pattern: "chính trị|bầu cử|đảng phái|politic|election"`, `pattern: "chính trị(("`)
			},
		},
		{
			name: "threshold out of range",
			break_: func(t *testing.T, dir string) {
				rewriteManifest(t, dir, "similarity_threshold: 0.7", "similarity_threshold: 1.7")
			},
		},
		{
			name: "unknown field",
			break_: func(t *testing.T, dir string) {
				rewriteManifest(t, dir, "pacing:\n", "pacing:\n  typing_mood: cheerful\n")
			},
		},
		{
			name: "archive before complete",
			break_: func(t *testing.T, dir string) {
				rewriteManifest(t, dir, "archive_after: 720h", "archive_after: 48h")
			},
		},
		{
			name: "complete before follow-up is due",
			break_: func(t *testing.T, dir string) {
				rewriteManifest(t, dir, "complete_after: 72h", "complete_after: 12h")
			},
		},
		{
			name: "missing manifest",
			break_: func(t *testing.T, dir string) {
				require.NoError(t, os.Remove(filepath.Join(dir, BundleFile)))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := copyBundle(t)
			tt.break_(t, dir)

			p, err := Load(dir)
			assert.Nil(t, p)
			require.Error(t, err)

			var loadErr *PolicyLoadError
			assert.True(t, errors.As(err, &loadErr), "want *PolicyLoadError, got %T", err)
		})
	}
}

func TestStore_ReloadIsAtomic(t *testing.T) {
	dir := copyBundle(t)
	store, err := Open(dir)
	require.NoError(t, err)

	before := store.Current()

	// A broken bundle must not replace the active snapshot
	require.NoError(t, os.Remove(filepath.Join(dir, "prompts", "handoff.tmpl")))
	_, err = store.Reload("")
	require.Error(t, err)
	assert.Same(t, before, store.Current())

	// Fix it with a new version; in-flight holders keep their snapshot
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "handoff.tmpl"), []byte("Persona: Handoff."), 0644))
	rewriteManifest(t, dir, `version: "2026.10.1"`, `version: "2026.10.2"`)

	after, err := store.Reload("")
	require.NoError(t, err)
	assert.Equal(t, "2026.10.2", after.Version)
	assert.Equal(t, "2026.10.1", before.Version)
	assert.Same(t, after, store.Current())
}

func TestStore_ConcurrentReadsDuringReload(t *testing.T) {
	store, err := Open(bundleDir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p := store.Current()
				if p == nil || p.Version == "" {
					t.Error("observed empty snapshot")
					return
				}
			}
		}()
	}
	for i := 0; i < 3; i++ {
		_, err := store.Reload(bundleDir)
		require.NoError(t, err)
	}
	wg.Wait()
}
