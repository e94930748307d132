// Package ruleparser turns raw rule-file text into typed, deduplicated rule
// records. It never fails on a single malformed line — it skips it (a
// skipped cloaking line is logged as a warning through the supplied logger;
// a skipped name/IP line is dropped silently) — and never fails the whole
// file unless the file itself cannot be read by the caller.
package ruleparser

import (
	"net"
	"sort"
	"strings"

	"localdns/pkg/logging"
)

// RecordType classifies a cloaking target.
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
)

// NameRule is a parsed name or IP token from an allow/block/forwarding file.
type NameRule struct {
	Group   string
	Pattern string
	Glob    bool
}

// CloakingRule is one parsed line of a cloaking file.
type CloakingRule struct {
	Group      string
	Name       string
	Mapped     string
	RecordType RecordType
	Glob       bool
}

// shouldUseGlob reports whether s contains any glob metacharacter.
func shouldUseGlob(s string) bool {
	return strings.ContainsAny(s, "*?[]")
}

// stripLine removes a trailing '#' comment and surrounding whitespace.
// A line beginning with '#' (after trimming) is considered pure comment.
func stripLine(line string) (string, bool) {
	if i := strings.IndexByte(line, '#'); i == 0 {
		return "", false
	} else if i > 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	return line, line != ""
}

// ParseLines tokenizes raw rule-file text: strips comments and blank lines,
// trims whitespace, deduplicates, and returns a sorted list of tokens.
func ParseLines(text string) []string {
	if text == "" {
		return nil
	}
	seen := make(map[string]struct{})
	for _, raw := range strings.Split(text, "\n") {
		line, ok := stripLine(raw)
		if !ok {
			continue
		}
		seen[line] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for line := range seen {
		out = append(out, line)
	}
	sort.Strings(out)
	return out
}

// parseTokens lowercases each line and discards any that contain whitespace
// (a malformed name/IP line), matching the single-token-per-line contract.
func parseTokens(text string) []string {
	lines := ParseLines(text)
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if len(strings.Fields(l)) != 1 {
			continue
		}
		out = append(out, strings.ToLower(l))
	}
	return out
}

// ParseAllowedIPs parses an allowed-IP rule file for the given group.
func ParseAllowedIPs(group, text string) []NameRule { return parseNameRules(group, text) }

// ParseBlockedIPs parses a blocked-IP rule file for the given group.
func ParseBlockedIPs(group, text string) []NameRule { return parseNameRules(group, text) }

// ParseAllowedNames parses an allowed-name rule file for the given group.
func ParseAllowedNames(group, text string) []NameRule { return parseNameRules(group, text) }

// ParseBlockedNames parses a blocked-name rule file for the given group.
func ParseBlockedNames(group, text string) []NameRule { return parseNameRules(group, text) }

// ParseForwardingRules parses a forwarding rule file; group must name an
// upstream known to the config loader (enforced at that layer, not here).
func ParseForwardingRules(group, text string) []NameRule { return parseNameRules(group, text) }

func parseNameRules(group, text string) []NameRule {
	tokens := parseTokens(text)
	out := make([]NameRule, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, NameRule{Group: group, Pattern: t, Glob: shouldUseGlob(t)})
	}
	return out
}

// ParseCloakingRules parses a cloaking rule file: exactly two whitespace
// separated tokens per line. mapped is classified by attempting to parse it
// as an IP literal; a non-IP, glob-like mapped value is rejected.
func ParseCloakingRules(group, text string, logger *logging.Logger) []CloakingRule {
	lines := ParseLines(text)
	type key struct{ group, name, mapped string }
	seen := make(map[key]CloakingRule)

	for _, line := range lines {
		fields := strings.Fields(strings.ToLower(line))
		if len(fields) != 2 {
			if logger != nil {
				logger.Warn("cloaking rule ignored: expected 2 tokens", "group", group, "line", line)
			}
			continue
		}
		name, mapped := fields[0], fields[1]
		if name == mapped {
			if logger != nil {
				logger.Warn("cloaking rule ignored: name equals mapped", "group", group, "line", line)
			}
			continue
		}

		var rt RecordType
		if ip := net.ParseIP(mapped); ip != nil {
			if ip.To4() != nil {
				rt = RecordA
			} else {
				rt = RecordAAAA
			}
		} else {
			if shouldUseGlob(mapped) {
				if logger != nil {
					logger.Warn("cloaking rule ignored: mapped value is glob-like and not an IP", "group", group, "line", line)
				}
				continue
			}
			rt = RecordCNAME
		}

		k := key{group, name, mapped}
		seen[k] = CloakingRule{
			Group:      group,
			Name:       name,
			Mapped:     mapped,
			RecordType: rt,
			Glob:       shouldUseGlob(name),
		}
	}

	out := make([]CloakingRule, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Mapped < out[j].Mapped
	})
	return out
}
