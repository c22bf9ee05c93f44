// Package title implements the deterministic title-to-comparison-key
// pipeline of spec §4.1: scene-tag phrase stripping, Unicode→ASCII
// folding, leading-article stripping, per-word trailing-s stripping,
// lowercasing, and punctuation/whitespace removal.
package title

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ssm/suwayomi-merge/internal/cache"
)

var leadingArticles = map[string]bool{
	"the": true,
	"a":   true,
	"an":  true,
}

// nonAlnum matches any rune that survives lowercasing but is not an
// ASCII digit or lowercase letter; step 6 of the pipeline strips these.
var nonAlnum = regexp.MustCompile(`[^0-9a-z]+`)

// asciiFolder drops combining marks left behind by Unicode NFD
// decomposition, yielding the "closest ASCII equivalent" spec §4.1 calls
// for (é → e, ü → u, and so on); runes with no ASCII decomposition are
// passed through unchanged and removed later by the punctuation strip.
var asciiFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalizer caches comparison keys by raw input for the process
// lifetime, as spec §4.1 requires ("MUST cache the final key keyed by
// the raw input, not by path").
type Normalizer struct {
	keyCache *cache.Cache[string]
}

// NewNormalizer creates a Normalizer with a non-expiring cache holding
// at most maxEntries keys (0 or negative means unbounded); the bound
// limits memory use on very long-running daemons watching large/growing
// trees (a resource-safety supplement, not a
// change to the normalization contract — see SPEC_FULL.md §4).
func NewNormalizer(maxEntries int) *Normalizer {
	return &Normalizer{keyCache: cache.New[string](0, maxEntries)}
}

// ComparisonKey returns the deterministic, side-effect-free comparison
// key for raw, given the configured scene tags. The result contains
// only lowercase ASCII alphanumerics.
func (n *Normalizer) ComparisonKey(raw string, sceneTags []string) string {
	if n.keyCache != nil {
		if cached, ok := n.keyCache.Get(raw); ok {
			return cached
		}
	}
	key := ComparisonKey(raw, sceneTags)
	if n.keyCache != nil {
		n.keyCache.Set(raw, key)
	}
	return key
}

// ComparisonKey is the stateless form of the pipeline; Normalizer.ComparisonKey
// is the cached entry point callers should normally use.
func ComparisonKey(raw string, sceneTags []string) string {
	stripped := stripSceneTagSuffixes(raw, sceneTags)
	folded := foldToASCII(stripped)
	folded = stripLeadingArticle(folded)
	folded = stripTrailingSPerWord(folded)
	folded = strings.ToLower(folded)
	return nonAlnum.ReplaceAllString(folded, "")
}

// DisplayTitle preserves original punctuation except for removed
// trailing scene-tag suffixes, for use as a mountpoint basename and as a
// new group's canonical display name.
func DisplayTitle(raw string, sceneTags []string) string {
	return strings.TrimSpace(stripSceneTagSuffixes(raw, sceneTags))
}

// sceneTagSuffix matches a trailing "(TAG)", "[TAG]", "- TAG" or ": TAG"
// phrase so its TAG text can be tested against the configured scene tags.
var sceneTagSuffix = regexp.MustCompile(`(?s)^(.*?)[\s]*(?:\(([^()]*)\)|\[([^\[\]]*)\]|-\s*([^-]+)|:\s*(.+))$`)

// stripSceneTagSuffixes repeatedly removes trailing scene-tag phrases of
// the forms "… ( TAG )", "… [ TAG ]", "… - TAG", "… : TAG" where TAG
// matches a configured scene tag, either by normalized token-sequence
// equality (text/mixed tags, ignoring case and punctuation) or by exact
// punctuation-sequence equality (pure-punctuation tags).
func stripSceneTagSuffixes(raw string, sceneTags []string) string {
	current := raw
	for {
		m := sceneTagSuffix.FindStringSubmatch(current)
		if m == nil {
			return current
		}
		head := m[1]
		var tagText string
		for _, g := range m[2:] {
			if g != "" {
				tagText = g
				break
			}
		}
		tagText = strings.TrimSpace(tagText)
		if tagText == "" || !matchesSceneTag(tagText, sceneTags) {
			return current
		}
		current = strings.TrimRight(head, " \t")
		if current == "" {
			return current
		}
	}
}

func matchesSceneTag(candidate string, sceneTags []string) bool {
	for _, tag := range sceneTags {
		if isPurePunctuation(tag) {
			if candidate == tag {
				return true
			}
			continue
		}
		if tokenSequenceEqual(candidate, tag) {
			return true
		}
	}
	return false
}

var punctOnly = regexp.MustCompile(`^[^0-9a-zA-Z]+$`)

func isPurePunctuation(s string) bool {
	return s != "" && punctOnly.MatchString(s)
}

var tokenSplitter = regexp.MustCompile(`[0-9A-Za-z]+`)

// tokenSequenceEqual reports whether candidate and tag produce the same
// sequence of alphanumeric tokens, ignoring case and punctuation
// differences between tokens.
func tokenSequenceEqual(candidate, tag string) bool {
	a := tokenSplitter.FindAllString(strings.ToLower(candidate), -1)
	b := tokenSplitter.FindAllString(strings.ToLower(tag), -1)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func foldToASCII(s string) string {
	out, _, err := transform.String(asciiFolder, s)
	if err != nil {
		return s
	}
	return out
}

func stripLeadingArticle(s string) string {
	trimmed := strings.TrimLeft(s, " \t")
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return s
	}
	first := strings.ToLower(strings.Trim(fields[0], ".,!?;:'\""))
	if !leadingArticles[first] {
		return s
	}
	rest := strings.TrimPrefix(trimmed, fields[0])
	return strings.TrimLeft(rest, " \t")
}

func stripTrailingSPerWord(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if len(w) <= 1 {
			continue
		}
		last := w[len(w)-1]
		if last == 's' || last == 'S' {
			words[i] = w[:len(w)-1]
		}
	}
	return strings.Join(words, " ")
}
