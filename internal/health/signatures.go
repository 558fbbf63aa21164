// ABOUTME: Fast health tier: pattern-matches recent session output against fatal signatures.
// ABOUTME: Also detects stuck sessions emitting the same output line over and over.

package health

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/2389/coven-courier/internal/transcript"
)

// defaultSignatures match output that means the session is beyond local
// retry. The list is a moving target: config extends it without rebuilds.
var defaultSignatures = []string{
	`(?i)fatal error`,
	`(?i)panic:`,
	`(?i)session (corrupt|corrupted|invalid)`,
	`(?i)invalid api key`,
	`(?i)credit balance is too low`,
	`(?i)out of memory`,
}

// stuckThreshold is how many identical consecutive output lines count as a
// stuck session.
const stuckThreshold = 5

// Matcher scans transcript entries for known-fatal output.
type Matcher struct {
	patterns []*regexp.Regexp
}

// NewMatcher compiles the builtin signatures plus any extras from config.
func NewMatcher(extra []string) (*Matcher, error) {
	all := append(append([]string(nil), defaultSignatures...), extra...)
	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, sig := range all {
		re, err := regexp.Compile(sig)
		if err != nil {
			return nil, fmt.Errorf("compiling fatal signature %q: %w", sig, err)
		}
		patterns = append(patterns, re)
	}
	return &Matcher{patterns: patterns}, nil
}

// Scan inspects entries in order and reports the first fatal condition
// found. Inbound entries are ignored: only agent output can be fatal.
func (m *Matcher) Scan(entries []transcript.Entry) (reason string, fatal bool) {
	repeats := 0
	var lastLine string

	for _, e := range entries {
		if e.Kind == transcript.KindInbound {
			continue
		}

		for _, re := range m.patterns {
			if re.MatchString(e.Content) {
				return fmt.Sprintf("fatal signature %q in %s output", re.String(), e.Kind), true
			}
		}

		line := strings.TrimSpace(e.Content)
		if line == "" {
			continue
		}
		if line == lastLine {
			repeats++
			if repeats >= stuckThreshold-1 {
				return fmt.Sprintf("output repeated %d times", repeats+1), true
			}
		} else {
			repeats = 0
			lastLine = line
		}
	}

	return "", false
}
