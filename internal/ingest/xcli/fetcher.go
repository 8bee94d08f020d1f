// Package xcli fetches X (Twitter) posts through an external CLI tool. The
// tool is invoked once per configured query and prints one JSON object per
// line on stdout.
package xcli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"

	"github.com/lueurxax/crypto-intel-bot/internal/platform/config"
	db "github.com/lueurxax/crypto-intel-bot/internal/storage"
)

const (
	titleMaxLen = 120
	// scannerBuffer bounds one output line; posts with long threads exceed
	// the bufio default.
	scannerBuffer = 1 << 20
	// futureSkew tolerates clock drift; posts dated further into the future
	// are dropped.
	futureSkew = 5 * time.Minute
)

// post is one line of CLI output.
type post struct {
	URL       string `json:"url"`
	Text      string `json:"text"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at"`
}

// runner executes the CLI and returns its stdout. Tests swap in a fake.
type runner func(ctx context.Context, path string, args []string, extraEnv []string) ([]byte, error)

// Fetcher shells out to the configured CLI for each query.
type Fetcher struct {
	cfg    config.FetcherConfig
	logger *zerolog.Logger
	run    runner
	now    func() time.Time
}

// New builds an X fetcher from its source configuration.
func New(cfg config.FetcherConfig, logger *zerolog.Logger) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		logger: logger,
		run:    runCLI,
		now:    time.Now,
	}
}

// Name returns the configured source name.
func (f *Fetcher) Name() string { return f.cfg.Name }

// Timeout returns the per-fetch deadline.
func (f *Fetcher) Timeout() time.Duration { return f.cfg.Timeout() }

// Fetch runs every configured query and returns posts created after since.
// A failing query is logged and skipped; the error is non-nil only when
// every query failed.
func (f *Fetcher) Fetch(ctx context.Context, since time.Time) ([]db.ContentItem, error) {
	var (
		items   []db.ContentItem
		lastErr error
		failed  int
	)

	for _, query := range f.cfg.Queries {
		out, err := f.run(ctx, f.cfg.CLIPath, f.queryArgs(query, since), f.cookieEnv())
		if err != nil {
			f.logger.Warn().Err(err).Str("query", query).Msg("x query failed")

			failed++
			lastErr = err

			continue
		}

		items = append(items, f.parseOutput(out, since)...)
	}

	if failed == len(f.cfg.Queries) && failed > 0 {
		return nil, lastErr
	}

	return items, nil
}

func (f *Fetcher) queryArgs(query string, since time.Time) []string {
	return []string{
		"search",
		"--query", query,
		"--since", since.UTC().Format(time.RFC3339),
		"--format", "jsonl",
	}
}

// cookieEnv resolves the session cookie named by cookie_env. The value is
// passed to the subprocess, never logged.
func (f *Fetcher) cookieEnv() []string {
	if f.cfg.CookieEnv == "" {
		return nil
	}

	cookie := os.Getenv(f.cfg.CookieEnv)
	if cookie == "" {
		return nil
	}

	return []string{"X_SESSION_COOKIE=" + cookie}
}

func (f *Fetcher) parseOutput(out []byte, since time.Time) []db.ContentItem {
	var items []db.ContentItem

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBuffer)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var p post
		if err := json.Unmarshal(line, &p); err != nil {
			f.logger.Debug().Err(err).Msg("skipping unparseable cli output line")

			continue
		}

		item, ok := f.convert(p, since)
		if !ok {
			continue
		}

		items = append(items, item)
	}

	if err := scanner.Err(); err != nil {
		f.logger.Warn().Err(err).Msg("cli output scan failed")
	}

	return items
}

func (f *Fetcher) convert(p post, since time.Time) (db.ContentItem, bool) {
	if p.URL == "" || p.Text == "" {
		return db.ContentItem{}, false
	}

	createdAt, err := dateparse.ParseAny(p.CreatedAt)
	if err != nil {
		f.logger.Debug().Str("url", p.URL).Msg("skipping post without parseable created_at")

		return db.ContentItem{}, false
	}

	if !createdAt.After(since) {
		return db.ContentItem{}, false
	}

	if createdAt.After(f.now().Add(futureSkew)) {
		f.logger.Debug().Str("url", p.URL).Time("created_at", createdAt).Msg("skipping future-dated post")

		return db.ContentItem{}, false
	}

	title := p.Text
	if p.Author != "" {
		title = "@" + p.Author + ": " + title
	}

	return db.ContentItem{
		ID:          db.Fingerprint(f.cfg.Name, p.URL, createdAt),
		Title:       truncate(title, titleMaxLen),
		Content:     p.Text,
		URL:         p.URL,
		PublishTime: createdAt.UTC(),
		SourceName:  f.cfg.Name,
		SourceType:  db.SourceTypeX,
	}, true
}

func runCLI(ctx context.Context, path string, args []string, extraEnv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), extraEnv...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("run %s: %w: %s", path, err, detail)
		}

		return nil, fmt.Errorf("run %s: %w", path, err)
	}

	return stdout.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	return s[:max]
}
