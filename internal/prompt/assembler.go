// Package prompt assembles the analysis system prompt from the template file
// and the current market snapshot.
package prompt

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lueurxax/crypto-intel-bot/internal/market"
)

// SnapshotPlaceholder is the marker in the analysis template where the
// market brief is spliced in.
const SnapshotPlaceholder = "${Grok_Summary_Here}"

// ErrNoPlaceholder is returned when the template lacks the snapshot marker.
var ErrNoPlaceholder = fmt.Errorf("analysis template does not contain %s", SnapshotPlaceholder)

type cacheKey struct {
	templateMtime time.Time
	generatedAt   time.Time
}

// Assembler builds the final system prompt. The result is cached by
// (template mtime, snapshot generation time) so repeated calls within one
// run do no file or string work.
type Assembler struct {
	path string

	mu     sync.Mutex
	key    cacheKey
	cached string
}

// NewAssembler creates an assembler for the analysis template at path.
func NewAssembler(path string) *Assembler {
	return &Assembler{path: path}
}

// SystemPrompt returns the analysis system prompt with the snapshot body
// spliced into the placeholder exactly once. URLs inside the snapshot body
// pass through verbatim.
func (a *Assembler) SystemPrompt(snap market.Snapshot) (string, error) {
	info, err := os.Stat(a.path)
	if err != nil {
		return "", fmt.Errorf("stat template: %w", err)
	}

	key := cacheKey{templateMtime: info.ModTime(), generatedAt: snap.GeneratedAt}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cached != "" && a.key == key {
		return a.cached, nil
	}

	data, err := os.ReadFile(a.path)
	if err != nil {
		return "", fmt.Errorf("read template: %w", err)
	}

	template := string(data)
	if !strings.Contains(template, SnapshotPlaceholder) {
		return "", ErrNoPlaceholder
	}

	a.cached = strings.Replace(template, SnapshotPlaceholder, snap.Body, 1)
	a.key = key

	return a.cached, nil
}

// LoadOptional reads a prompt file, returning empty text when path is unset.
func LoadOptional(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}

	return string(data), nil
}
