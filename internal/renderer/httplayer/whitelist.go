package httplayer

import (
	"fmt"
	"regexp"
	"strings"
)

// Whitelist holds the url templates http layers may use. Entries are exact
// templates, "regex:<pattern>" or "*". An empty whitelist allows nothing.
type Whitelist struct {
	any      bool
	exact    map[string]bool
	patterns []*regexp.Regexp
}

func NewWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{exact: map[string]bool{}}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch {
		case e == "":
		case e == "*":
			w.any = true
		case strings.HasPrefix(e, "regex:"):
			re, err := regexp.Compile(strings.TrimPrefix(e, "regex:"))
			if err != nil {
				return nil, fmt.Errorf("whitelist entry %q: %w", e, err)
			}
			w.patterns = append(w.patterns, re)
		default:
			w.exact[e] = true
		}
	}
	return w, nil
}

func (w *Whitelist) Allows(tmpl string) bool {
	if w == nil {
		return false
	}
	if w.any || w.exact[tmpl] {
		return true
	}
	for _, re := range w.patterns {
		if re.MatchString(tmpl) {
			return true
		}
	}
	return false
}
