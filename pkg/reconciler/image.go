package reconciler

import (
	"regexp"
	"strings"

	"github.com/cuemby/tunnel-agent/pkg/log"
)

const digestSeparator = "@sha256:"

var sha256Hex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// NormalizeImage sanitizes a configured image reference. Anything after the
// first whitespace or a '#' is dropped. A digest reference must carry a
// repository and 64 hex characters; the digest is lower-cased. Unusable
// input yields def.
func NormalizeImage(raw, def string) string {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return def
	}

	candidate = strings.Fields(candidate)[0]

	if i := strings.Index(candidate, "#"); i >= 0 {
		candidate = strings.TrimSpace(candidate[:i])
		if candidate == "" {
			log.Logger.Warn().Str("default", def).Msg("Image reference only contained a comment, using default")
			return def
		}
	}

	repo, digest, found := strings.Cut(candidate, digestSeparator)
	if !found {
		return candidate
	}
	if repo == "" {
		log.Logger.Error().Str("image", candidate).Str("default", def).Msg("Image digest has no repository, using default")
		return def
	}
	if !sha256Hex.MatchString(digest) {
		log.Logger.Error().Str("image", candidate).Str("default", def).Msg("Image digest is not 64 hex characters, using default")
		return def
	}
	return repo + digestSeparator + strings.ToLower(digest)
}
