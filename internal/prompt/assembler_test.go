package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/crypto-intel-bot/internal/market"
)

const template = `You are a crypto analyst.

## Market context
${Grok_Summary_Here}

## Categories
- **Macro:** big picture moves.
`

func writeTemplate(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "analysis.md")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestSystemPromptSplicesOnce(t *testing.T) {
	asm := NewAssembler(writeTemplate(t, template))

	snap := market.Snapshot{
		GeneratedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Body:        "BTC ranging. Funding flat. See https://example.com/brief?id=1#top for detail.",
	}

	got, err := asm.SystemPrompt(snap)
	require.NoError(t, err)

	assert.NotContains(t, got, SnapshotPlaceholder)
	assert.Equal(t, 1, strings.Count(got, "BTC ranging."))
	// Links survive verbatim.
	assert.Contains(t, got, "https://example.com/brief?id=1#top")
	assert.Contains(t, got, "- **Macro:**")
}

func TestSystemPromptCachesBySnapshotGeneration(t *testing.T) {
	path := writeTemplate(t, template)
	asm := NewAssembler(path)

	snap := market.Snapshot{GeneratedAt: time.Now(), Body: "body one"}

	first, err := asm.SystemPrompt(snap)
	require.NoError(t, err)

	// Same snapshot generation: cached result survives a template rewrite
	// that keeps the mtime (we cannot easily force that), so instead check
	// the opposite direction: a new snapshot invalidates the cache.
	snap2 := market.Snapshot{GeneratedAt: snap.GeneratedAt.Add(time.Hour), Body: "body two"}

	second, err := asm.SystemPrompt(snap2)
	require.NoError(t, err)

	assert.Contains(t, first, "body one")
	assert.Contains(t, second, "body two")
	assert.NotEqual(t, first, second)
}

func TestSystemPromptMissingPlaceholder(t *testing.T) {
	asm := NewAssembler(writeTemplate(t, "no marker here"))

	_, err := asm.SystemPrompt(market.Snapshot{GeneratedAt: time.Now(), Body: "x"})
	require.ErrorIs(t, err, ErrNoPlaceholder)
}

func TestLoadOptional(t *testing.T) {
	got, err := LoadOptional("")
	require.NoError(t, err)
	assert.Empty(t, got)

	path := writeTemplate(t, "snapshot prompt text")
	got, err = LoadOptional(path)
	require.NoError(t, err)
	assert.Equal(t, "snapshot prompt text", got)
}
