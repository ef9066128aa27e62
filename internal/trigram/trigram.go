// Package trigram detects role-play profile leaks in bot messages. A bot
// that quotes its assigned profile verbatim gives the game away, so its
// outgoing text is checked against word n-grams of the profile.
package trigram

import (
	"regexp"
	"strings"
)

// DefaultWindow is the n-gram size used when none is configured.
const DefaultWindow = 3

var nonWord = regexp.MustCompile(`\W+`)

// Guard holds the n-grams of a protected text and a counter of consecutive
// leaking messages. It is not safe for concurrent use; callers synchronize.
type Guard struct {
	window int
	known  map[string]struct{}
	streak int
}

// NewGuard builds a guard protecting the given sentences. A window smaller
// than 1 falls back to DefaultWindow.
func NewGuard(window int, sentences []string) *Guard {
	if window < 1 {
		window = DefaultWindow
	}

	g := &Guard{
		window: window,
		known:  make(map[string]struct{}),
	}
	for _, s := range sentences {
		for _, gram := range grams(s, window) {
			g.known[gram] = struct{}{}
		}
	}
	return g
}

// Check reports whether text leaks the protected content, i.e. shares at
// least one n-gram with it. A leak increments the consecutive-leak streak; a
// clean message resets it.
func (g *Guard) Check(text string) bool {
	for _, gram := range grams(text, g.window) {
		if _, ok := g.known[gram]; ok {
			g.streak++
			return true
		}
	}
	g.streak = 0
	return false
}

// Streak returns the current number of consecutive leaking messages.
func (g *Guard) Streak() int { return g.streak }

// grams normalizes text and returns its overlapping word n-grams. Texts
// shorter than the window produce none.
func grams(text string, window int) []string {
	normalized := strings.ToLower(nonWord.ReplaceAllString(text, " "))
	words := strings.Fields(normalized)
	if len(words) < window {
		return nil
	}

	out := make([]string, 0, len(words)-window+1)
	for i := 0; i+window <= len(words); i++ {
		out = append(out, strings.Join(words[i:i+window], " "))
	}
	return out
}
