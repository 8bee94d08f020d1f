// Package category keeps the runtime registry of report categories.
//
// The analysis prompt file is the single source of truth for categories: the
// registry parses its top-level bullet lines instead of enumerating
// categories in code. Categories returned by the model that were never
// defined in the prompt get a synthesized definition so rendering stays
// total.
package category

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Ignored is the sentinel category for items the model filtered out. Items
// carrying it never reach the report.
const Ignored = "Ignored"

// bulletRe matches top-level category bullets: `- **Key:** description`.
// The key part may carry a localized display name in parentheses:
// `- **Truth (真相):** ...`.
var bulletRe = regexp.MustCompile(`^- \*\*(.+?):\*\*\s*(.*)$`)

var displayRe = regexp.MustCompile(`^(.+?)\s*[(（](.+?)[)）]$`)

// defaultPalette supplies emoji for categories discovered at runtime; the
// choice is deterministic by key.
var defaultPalette = []string{"🔸", "🔹", "🔶", "🔷", "🟠", "🟣", "🟢", "⭐"}

// Definition describes one category for rendering.
type Definition struct {
	Key         string
	DisplayName string
	Emoji       string
	Description string
	OrderIndex  int
	Synthesized bool
}

// Registry maps category keys to definitions. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]Definition
	ordered []string // prompt parse order, then synthesized first-seen order
}

// LoadFromPrompt parses category bullets from the analysis prompt file.
func LoadFromPrompt(path string) (*Registry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompt file: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	reg := newRegistry()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		reg.parseLine(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan prompt file: %w", err)
	}

	return reg, nil
}

// ParsePrompt builds a registry from prompt text. Used by tests and by
// callers that already hold the template in memory.
func ParsePrompt(text string) *Registry {
	reg := newRegistry()
	for _, line := range strings.Split(text, "\n") {
		reg.parseLine(line)
	}

	return reg
}

func newRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

func (r *Registry) parseLine(line string) {
	m := bulletRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return
	}

	key, display := splitDisplayName(strings.TrimSpace(m[1]))
	desc := strings.TrimSpace(m[2])
	emoji, desc := splitLeadingEmoji(desc)

	if emoji == "" {
		emoji = paletteEmoji(key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[key]; exists {
		return
	}

	r.defs[key] = Definition{
		Key:         key,
		DisplayName: display,
		Emoji:       emoji,
		Description: desc,
		OrderIndex:  len(r.ordered),
	}
	r.ordered = append(r.ordered, key)
}

// splitDisplayName separates `Key (显示名)` into key and localized display
// name. Without the parenthetical the key doubles as display name.
func splitDisplayName(raw string) (key, display string) {
	if m := displayRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}

	return raw, raw
}

// splitLeadingEmoji peels a leading emoji glyph off the description.
func splitLeadingEmoji(desc string) (emoji, rest string) {
	fields := strings.Fields(desc)
	if len(fields) == 0 {
		return "", desc
	}

	first := fields[0]
	for _, r := range first {
		// Emoji blocks used in prompt files live above the BMP or in the
		// misc-symbols range.
		if r >= 0x1F000 || (r >= 0x2600 && r <= 0x27BF) {
			return first, strings.TrimSpace(strings.TrimPrefix(desc, first))
		}

		break
	}

	return "", desc
}

func paletteEmoji(key string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))

	return defaultPalette[int(h.Sum32())%len(defaultPalette)]
}

// Lookup returns the definition for key, synthesizing and registering one
// for unknown keys so renderers never see an undefined category.
func (r *Registry) Lookup(key string) Definition {
	r.mu.RLock()
	def, ok := r.defs[key]
	r.mu.RUnlock()

	if ok {
		return def
	}

	return r.synthesize(key)
}

// RecordSeen registers a runtime-discovered category key.
func (r *Registry) RecordSeen(key string) {
	if key == "" {
		return
	}

	r.mu.RLock()
	_, ok := r.defs[key]
	r.mu.RUnlock()

	if !ok {
		r.synthesize(key)
	}
}

func (r *Registry) synthesize(key string) Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.defs[key]; ok {
		return def
	}

	def := Definition{
		Key:         key,
		DisplayName: key,
		Emoji:       paletteEmoji(key),
		OrderIndex:  len(r.ordered),
		Synthesized: true,
	}
	r.defs[key] = def
	r.ordered = append(r.ordered, key)

	return def
}

// AllOrdered returns an immutable snapshot of all definitions: prompt-defined
// categories in parse order, synthesized ones appended in first-seen order.
func (r *Registry) AllOrdered() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.ordered))
	for _, key := range r.ordered {
		out = append(out, r.defs[key])
	}

	return out
}
