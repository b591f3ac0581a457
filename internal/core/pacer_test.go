// ABOUTME: Tests for the response pacer: part planning, typing delays, and cancellation
// ABOUTME: Deliveries use millisecond pacing so the tests run quickly

package core

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/harper/concierge/internal/logging"
	"github.com/harper/concierge/internal/models"
	"github.com/harper/concierge/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraph(prefix string, sentences int) string {
	var parts []string
	for i := 0; i < sentences; i++ {
		parts = append(parts, prefix+" câu số "+strings.Repeat("dài ", 8)+"kết thúc.")
	}
	return strings.Join(parts, " ")
}

func joinedParts(parts []models.DeliveryPart) string {
	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.Text
	}
	return strings.Join(texts, "\n\n")
}

func TestPlan_ShortReplyIsOnePart(t *testing.T) {
	p := loadTestPolicy(t)

	parts := Plan("Chào bạn! Mình có thể giúp gì?", p)
	require.Len(t, parts, 1)
	assert.Equal(t, 0, parts[0].Index)
	assert.Equal(t, p.Pacing.MinDelayMs, parts[0].DelayMs, "short text clamps to the minimum delay")

	exact := strings.Repeat("a", p.Pacing.SinglePartMaxChars)
	assert.Len(t, Plan(exact, p), 1)

	assert.Empty(t, Plan("   ", p))
}

func TestPlan_StructuredReply(t *testing.T) {
	p := loadTestPolicy(t)

	empathy := paragraph("Empathy", 1)
	point1 := paragraph("Point one", 3)
	point2 := paragraph("Point two", 3)
	point3 := paragraph("Point three", 3)
	cta := paragraph("CTA", 2)
	notice := p.Guardrails.AssumptionNotice
	reply := strings.Join([]string{empathy, point1, point2, point3, cta, notice}, "\n\n")
	require.Greater(t, utf8.RuneCountInString(reply), p.Pacing.SinglePartMaxChars)

	parts := Plan(reply, p)
	require.Len(t, parts, 3)
	assert.Equal(t, empathy+"\n\n"+point1, parts[0].Text)
	assert.Equal(t, point2+"\n\n"+point3, parts[1].Text)
	assert.Equal(t, cta+"\n\n"+notice, parts[2].Text, "notice rides with the final part")
	assert.Equal(t, reply, joinedParts(parts), "parts reconstruct the reply")

	for i, part := range parts {
		assert.Equal(t, i, part.Index)
		assert.Equal(t, TypingDelay(part.Text, p.Pacing), part.DelayMs)
	}
}

func TestPlan_PartCounts(t *testing.T) {
	p := loadTestPolicy(t)

	tests := []struct {
		name  string
		reply string
		want  int
	}{
		{
			name:  "two paragraphs",
			reply: paragraph("A", 7) + "\n\n" + paragraph("B", 7),
			want:  2,
		},
		{
			name:  "three paragraphs",
			reply: paragraph("A", 5) + "\n\n" + paragraph("B", 5) + "\n\n" + paragraph("C", 5),
			want:  2,
		},
		{
			name:  "one long paragraph splits at sentences",
			reply: paragraph("A", 14),
			want:  2,
		},
		{
			name:  "one long paragraph with a notice",
			reply: paragraph("A", 14) + "\n\n" + p.Guardrails.HandoffNotice,
			want:  2,
		},
		{
			name:  "one long sentence splits at words",
			reply: strings.Repeat("chữ ", 200),
			want:  2,
		},
		{
			name:  "no spaces at all",
			reply: strings.Repeat("x", 700),
			want:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := Plan(tt.reply, p)
			require.Len(t, parts, tt.want)
			for _, part := range parts {
				assert.NotEmpty(t, strings.TrimSpace(part.Text))
			}
		})
	}
}

func TestPlan_NeverSplitsNotice(t *testing.T) {
	p := loadTestPolicy(t)
	disclaimer := p.Guardrails.Disclaimers["medical"]

	reply := paragraph("A", 14) + "\n\n" + disclaimer
	parts := Plan(reply, p)
	require.GreaterOrEqual(t, len(parts), 2)
	assert.True(t, strings.HasSuffix(parts[len(parts)-1].Text, disclaimer))
	for _, part := range parts[:len(parts)-1] {
		assert.NotContains(t, part.Text, disclaimer)
	}
}

func TestTypingDelay(t *testing.T) {
	pacing := policy.Pacing{CharsPerMinute: 300, MinDelayMs: 500, MaxDelayMs: 8000}

	assert.Equal(t, int64(500), TypingDelay("hi", pacing))
	assert.Equal(t, int64(2000), TypingDelay(strings.Repeat("a", 10), pacing))
	assert.Equal(t, int64(8000), TypingDelay(strings.Repeat("a", 1000), pacing))
	assert.Equal(t, int64(2000), TypingDelay(strings.Repeat("ệ", 10), pacing), "runes, not bytes")
}

func TestPacer_DeliversInOrder(t *testing.T) {
	p := loadTestPolicy(t)
	fastPacing(p)
	sink := newRecordingSink()
	pc := NewPacer(logging.Nop(), nil)
	defer pc.Close()

	reply := paragraph("A", 4) + "\n\n" + paragraph("B", 4) + "\n\n" + paragraph("C", 4) + "\n\n" + paragraph("D", 4)
	parts := Plan(reply, p)
	pc.Schedule("conv_1", parts, sink)
	pc.Wait()

	got := sink.delivered("conv_1")
	require.Len(t, got, len(parts))
	for i := range got {
		assert.Equal(t, i, got[i].Index)
	}
	assert.False(t, pc.Pending("conv_1"))
	assert.False(t, pc.Cancel("conv_1"), "nothing left to cancel")
}

func TestPacer_CancelStopsDelivery(t *testing.T) {
	sink := newRecordingSink()
	pc := NewPacer(logging.Nop(), nil)
	defer pc.Close()

	parts := []models.DeliveryPart{
		{Index: 0, Text: "one", DelayMs: 1},
		{Index: 1, Text: "two", DelayMs: 60_000},
		{Index: 2, Text: "three", DelayMs: 60_000},
	}

	first := make(chan struct{})
	var once sync.Once
	sink.onDeliver = func(string, models.DeliveryPart) { once.Do(func() { close(first) }) }

	pc.Schedule("conv_1", parts, sink)
	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("first part never delivered")
	}

	assert.True(t, pc.Cancel("conv_1"), "parts were still undelivered")
	pc.Wait()

	got := sink.delivered("conv_1")
	require.Len(t, got, 1, "nothing after cancellation reaches the sink")
	assert.Equal(t, "one", got[0].Text)
	assert.False(t, pc.Cancel("conv_1"))
}

func TestPacer_NewScheduleReplacesPending(t *testing.T) {
	sink := newRecordingSink()
	pc := NewPacer(logging.Nop(), nil)
	defer pc.Close()

	slow := []models.DeliveryPart{{Index: 0, Text: "old", DelayMs: 60_000}}
	fast := []models.DeliveryPart{{Index: 0, Text: "new", DelayMs: 1}}

	pc.Schedule("conv_1", slow, sink)
	pc.Schedule("conv_1", fast, sink)
	pc.Wait()

	got := sink.delivered("conv_1")
	require.Len(t, got, 1, "only one live plan per conversation")
	assert.Equal(t, "new", got[0].Text)
}

func TestPacer_ConversationsIndependent(t *testing.T) {
	sink := newRecordingSink()
	pc := NewPacer(logging.Nop(), nil)
	defer pc.Close()

	pc.Schedule("a", []models.DeliveryPart{{Index: 0, Text: "a", DelayMs: 60_000}}, sink)
	pc.Schedule("b", []models.DeliveryPart{{Index: 0, Text: "b", DelayMs: 1}}, sink)

	assert.True(t, pc.Cancel("a"))
	pc.Wait()

	assert.Empty(t, sink.delivered("a"))
	assert.Len(t, sink.delivered("b"), 1)
}
