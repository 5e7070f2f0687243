package dedup

import (
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/mtzanidakis/phalanx/internal/config"
)

func TestNormalizeIsIdempotent(t *testing.T) {
	e := New(nil, config.DedupConfig{})
	tools := []string{"proxy_request", "nmap", "shell", "unclassified"}

	rapid.Check(t, func(t *rapid.T) {
		tool := rapid.SampledFrom(tools).Draw(t, "tool")
		target := rapid.StringMatching(`[ -~\t\n]{0,40}`).Draw(t, "target")

		once := e.Normalize(tool, target)
		twice := e.Normalize(tool, once)
		if once != twice {
			t.Fatalf("normalize(%q, %q) not idempotent: %q then %q", tool, target, once, twice)
		}
	})
}

func TestNormalizeURLIgnoresQueryAndFragment(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := "https://" + rapid.StringMatching(`[a-z]{1,12}\.[a-z]{2,4}(/[a-zA-Z0-9]{1,8}){0,3}`).Draw(t, "base")
		query := rapid.StringMatching(`[a-z0-9=&]{0,16}`).Draw(t, "query")
		frag := rapid.StringMatching(`[a-z0-9]{0,8}`).Draw(t, "frag")

		plain := NormalizeURL(base)
		decorated := NormalizeURL(base + "/?" + query + "#" + frag)
		if plain != decorated {
			t.Fatalf("expected %q, got %q", plain, decorated)
		}
		if plain != strings.ToLower(plain) {
			t.Fatalf("expected lower-case output, got %q", plain)
		}
	})
}

func TestNormalizeCommandHasNoRepeatedWhitespace(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9/.-]{1,6}`), 1, 6).Draw(t, "words")
		seps := rapid.SliceOfN(rapid.SampledFrom([]string{" ", "  ", "\t", " \n "}), len(words), len(words)).Draw(t, "seps")

		var b strings.Builder
		for i, w := range words {
			b.WriteString(seps[i])
			b.WriteString(w)
		}

		got := NormalizeCommand(b.String())
		if want := strings.Join(words, " "); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	})
}
