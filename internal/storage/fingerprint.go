package db

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const fingerprintLen = 32

// CanonicalURL normalizes a URL for deduplication: lowercased scheme and
// host, no fragment, no tracking query parameters, no trailing slash.
// Invalid URLs are returned trimmed but otherwise untouched.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || key == "ref" || key == "s" {
			q.Del(key)
		}
	}

	u.RawQuery = q.Encode()
	u.Path = strings.TrimSuffix(u.Path, "/")

	return u.String()
}

// Fingerprint derives the stable item id from source, canonical URL and
// publish time. Publish time is truncated to the minute so feeds that jitter
// sub-minute timestamps between fetches still converge on one id.
func Fingerprint(sourceName, rawURL string, publishTime time.Time) string {
	seed := fmt.Sprintf("%s|%s|%d", sourceName, CanonicalURL(rawURL), publishTime.UTC().Truncate(time.Minute).Unix())
	sum := sha256.Sum256([]byte(seed))

	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
