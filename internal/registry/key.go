package registry

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/channelscan/internal/scan"
)

var hostAliases = map[string]string{
	"telegram.me/":  "t.me/",
	"telegram.dog/": "t.me/",
}

// NormalizeKey derives the identity key for a channel link or handle. Keys are
// case-insensitive and scheme-less: "https://www.T.me/Example/" and "@example"
// both map to "t.me/example".
func NormalizeKey(link string) string {
	key := strings.ToLower(strings.TrimSpace(link))
	if key == "" {
		return ""
	}
	if strings.HasPrefix(key, "@") {
		key = "t.me/" + strings.TrimPrefix(key, "@")
	}
	if idx := strings.Index(key, "://"); idx >= 0 {
		key = key[idx+3:]
	}
	if idx := strings.IndexAny(key, "?#"); idx >= 0 {
		key = key[:idx]
	}
	key = strings.TrimPrefix(key, "www.")
	for alias, canonical := range hostAliases {
		if strings.HasPrefix(key, alias) {
			key = canonical + strings.TrimPrefix(key, alias)
			break
		}
	}
	return strings.TrimRight(key, "/")
}

func validate(rec scan.ChannelRecord) (string, error) {
	source := rec.Link
	if source == "" {
		source = rec.Key
	}
	key := NormalizeKey(source)
	if key == "" {
		return "", fmt.Errorf("%w: channel %q has no link", scan.ErrValidation, rec.Title)
	}
	if rec.Subscribers < 0 {
		return "", fmt.Errorf("%w: channel %s has negative subscriber count", scan.ErrValidation, key)
	}
	return key, nil
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
