// Package filter decides which parsed emails belong to the digest based
// on the configured monitored recipient addresses.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the recipient filter configuration.
type Options struct {
	// Recipients is an allow-list of monitored addresses. Each entry is
	// either a literal address (matched case-insensitively) or, when
	// wrapped in slashes like /…/, a regular expression. An empty list
	// admits every message.
	Recipients []string
}

// Filter holds the compiled recipient allow-list.
type Filter struct {
	literals map[string]struct{}
	patterns []*regexp.Regexp
}

// New creates a Filter from the provided options.
func New(opts Options) (*Filter, error) {
	f := &Filter{literals: make(map[string]struct{})}

	for _, entry := range opts.Recipients {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.HasPrefix(entry, "/") && strings.HasSuffix(entry, "/") && len(entry) > 2 {
			re, err := regexp.Compile(entry[1 : len(entry)-1])
			if err != nil {
				return nil, fmt.Errorf("compile recipient pattern %q: %w", entry, err)
			}
			f.patterns = append(f.patterns, re)
			continue
		}
		f.literals[strings.ToLower(entry)] = struct{}{}
	}

	return f, nil
}

// Active reports whether any recipient constraint is configured.
func (f *Filter) Active() bool {
	return len(f.literals) > 0 || len(f.patterns) > 0
}

// Allows returns true if at least one recipient address is monitored,
// or when no constraint is configured.
func (f *Filter) Allows(recipients []string) bool {
	if !f.Active() {
		return true
	}

	for _, addr := range recipients {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" {
			continue
		}
		if _, ok := f.literals[addr]; ok {
			return true
		}
		for _, re := range f.patterns {
			if re.MatchString(addr) {
				return true
			}
		}
	}

	return false
}
