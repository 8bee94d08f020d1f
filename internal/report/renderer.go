// Package report renders analysis results into the sectioned Markdown
// report delivered over Telegram.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lueurxax/crypto-intel-bot/internal/category"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

// Report is one rendered digest.
type Report struct {
	ID          string
	Markdown    string
	ItemCount   int
	GeneratedAt time.Time
}

// Renderer formats results grouped by category. Section order and emoji
// come from the registry; categories the registry has never seen get a
// synthesized definition via Lookup.
type Renderer struct {
	registry *category.Registry
	now      func() time.Time
}

// NewRenderer builds a renderer over the category registry.
func NewRenderer(registry *category.Registry) *Renderer {
	return &Renderer{registry: registry, now: time.Now}
}

const (
	titleLayout = "2006-01-02 15:04"
	entryMeta   = "%s | %d | [查看原文](%s)"
)

// Render produces the Markdown report. Results are grouped into sections in
// registry order; empty sections are omitted; within a section the input
// order (the analyzer's sort) is preserved.
func (r *Renderer) Render(results []db.AnalysisResult) Report {
	generatedAt := r.now()

	grouped := make(map[string][]db.AnalysisResult)
	for _, res := range results {
		if res.Category == category.Ignored {
			continue
		}

		r.registry.RecordSeen(res.Category)
		grouped[res.Category] = append(grouped[res.Category], res)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📋 *加密市场情报* %s\n", generatedAt.Format(titleLayout)))

	count := 0

	for _, def := range r.registry.AllOrdered() {
		section := grouped[def.Key]
		if len(section) == 0 {
			continue
		}

		sb.WriteString(fmt.Sprintf("\n%s *%s* (%d条)\n", def.Emoji, escapeMarkdown(def.DisplayName), len(section)))

		for i, res := range section {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, escapeMarkdown(res.Summary)))
			sb.WriteString(fmt.Sprintf(entryMeta+"\n", res.TimeStr, res.WeightScore, res.Source))
			count++
		}
	}

	if count == 0 {
		sb.WriteString("\n本时段无重要情报。\n")
	}

	return Report{
		ID:          uuid.NewString(),
		Markdown:    sb.String(),
		ItemCount:   count,
		GeneratedAt: generatedAt,
	}
}

// markdownEscaper covers the characters Telegram's legacy Markdown parser
// treats as formatting. URLs are emitted outside escaped text so links stay
// clickable.
var markdownEscaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
	"[", "\\[",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
