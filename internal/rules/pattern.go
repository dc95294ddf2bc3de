package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Wildcard matches any substring, including the empty one.
const Wildcard = "%"

// Pattern is a compiled message key. Without a wildcard it matches by exact
// equality; with one it matches case-insensitively against the whole message.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

func CompilePattern(raw string) (Pattern, error) {
	p := Pattern{raw: raw}
	if !strings.Contains(raw, Wildcard) {
		return p, nil
	}
	parts := strings.Split(raw, Wildcard)
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile(`(?is)^` + strings.Join(parts, ".*") + `$`)
	if err != nil {
		return Pattern{}, fmt.Errorf("compile message pattern %q: %w", raw, err)
	}
	p.re = re
	return p, nil
}

func (p Pattern) Match(message string) bool {
	if message == p.raw {
		return true
	}
	if p.re == nil {
		return false
	}
	return p.re.MatchString(message)
}

func (p Pattern) String() string {
	return p.raw
}
