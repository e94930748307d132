// Package rulestore holds the compiled rule index (C2): a read-mostly
// structure, built once at startup, that answers scoped match queries for
// names and IPs using the glob-vs-literal and group-scoping semantics of
// §4.2. It is safe for unsynchronized concurrent reads once built — nothing
// mutates it after Build returns.
package rulestore

import (
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"localdns/pkg/ruleparser"
)

const (
	groupDefault = "default"
	groupTemp    = "temp"
)

func isUniversalGroup(group string) bool {
	return group == groupDefault || group == groupTemp
}

// entry is the compiled form of a name/IP rule record: the raw fields plus
// pre-built glob matchers so Match* calls never compile a pattern on the
// hot path.
type entry struct {
	idx         int
	group       string
	groupGlob   glob.Glob // nil for universal groups
	pattern     string
	patternGlob glob.Glob // nil when the rule is literal
	suffixGlob  glob.Glob // "*." + pattern, only set alongside patternGlob
}

func compileEntry(idx int, group, pattern string, useGlob bool) entry {
	e := entry{idx: idx, group: group, pattern: pattern}
	if !isUniversalGroup(group) {
		if g, err := glob.Compile(group); err == nil {
			e.groupGlob = g
		}
	}
	if useGlob {
		if g, err := glob.Compile(pattern); err == nil {
			e.patternGlob = g
		}
		if g, err := glob.Compile("*." + pattern); err == nil {
			e.suffixGlob = g
		}
	}
	return e
}

func (e entry) groupApplies(clientIP string) bool {
	if isUniversalGroup(e.group) {
		return true
	}
	if e.groupGlob == nil {
		return false
	}
	return e.groupGlob.Match(clientIP)
}

// nameMatches implements §4.2's name pattern filter.
func (e entry) nameMatches(q string) bool {
	if e.patternGlob != nil {
		return e.patternGlob.Match(q) || (e.suffixGlob != nil && e.suffixGlob.Match(q))
	}
	return strings.HasSuffix(q, "."+e.pattern) || e.pattern == "="+q || e.pattern == q
}

// ipMatches implements §4.2's IP pattern filter (no suffix/exact-marker
// variants — literal equality or glob equality only).
func (e entry) ipMatches(ip string) bool {
	if e.patternGlob != nil {
		return e.patternGlob.Match(ip)
	}
	return e.pattern == ip
}

// cloakEntry is the compiled form of a cloaking rule, carrying the mapped
// target and record type alongside the matcher.
type cloakEntry struct {
	entry
	mapped     string
	recordType ruleparser.RecordType
}

// Store is the built, immutable rule index.
type Store struct {
	allowedNames    []entry
	blockedNames    []entry
	allowedIPs      []entry
	blockedIPs      []entry
	forwardingNames []entry
	cloaking        []cloakEntry
}

// Rules bundles the six parsed rule-file outputs C3 hands to Build.
type Rules struct {
	AllowedIPs      []ruleparser.NameRule
	AllowedNames    []ruleparser.NameRule
	BlockedIPs      []ruleparser.NameRule
	BlockedNames    []ruleparser.NameRule
	ForwardingRules []ruleparser.NameRule
	CloakingRules   []ruleparser.CloakingRule
}

// Build compiles parsed rule records into a read-only Store.
func Build(r Rules) *Store {
	s := &Store{}
	for i, nr := range r.AllowedNames {
		s.allowedNames = append(s.allowedNames, compileEntry(i, nr.Group, nr.Pattern, nr.Glob))
	}
	for i, nr := range r.BlockedNames {
		s.blockedNames = append(s.blockedNames, compileEntry(i, nr.Group, nr.Pattern, nr.Glob))
	}
	for i, nr := range r.AllowedIPs {
		s.allowedIPs = append(s.allowedIPs, compileEntry(i, nr.Group, nr.Pattern, nr.Glob))
	}
	for i, nr := range r.BlockedIPs {
		s.blockedIPs = append(s.blockedIPs, compileEntry(i, nr.Group, nr.Pattern, nr.Glob))
	}
	for i, nr := range r.ForwardingRules {
		s.forwardingNames = append(s.forwardingNames, compileEntry(i, nr.Group, nr.Pattern, nr.Glob))
	}
	for i, cr := range r.CloakingRules {
		s.cloaking = append(s.cloaking, cloakEntry{
			entry:      compileEntry(i, cr.Group, cr.Name, cr.Glob),
			mapped:     cr.Mapped,
			recordType: cr.RecordType,
		})
	}
	return s
}

// Decision is the outcome of a name or IP lookup.
type Decision int

const (
	DecisionNone Decision = iota
	DecisionAllowed
	DecisionBlocked
)

// nameTieBreak implements §4.2's 4-step tie-break for names. When
// longestWins is true, step 3 ("non-universal group wins") is replaced by
// "longest pattern wins", per the cloaking/forwarding variant.
func nameTieBreak(cands []entry, q string, longestWins bool) *entry {
	if len(cands) == 0 {
		return nil
	}
	for i := range cands {
		if strings.HasPrefix(cands[i].pattern, "=") {
			return &cands[i]
		}
	}
	for i := range cands {
		if cands[i].pattern == q {
			return &cands[i]
		}
	}
	if longestWins {
		best := &cands[0]
		for i := 1; i < len(cands); i++ {
			if len(cands[i].pattern) > len(best.pattern) {
				best = &cands[i]
			}
		}
		return best
	}
	for i := range cands {
		if !isUniversalGroup(cands[i].group) {
			return &cands[i]
		}
	}
	return &cands[0]
}

// ipTieBreak implements §4.2's 3-step IP tie-break: exact string match,
// else first non-universal group, else first-inserted.
func ipTieBreak(cands []entry, ip string) *entry {
	if len(cands) == 0 {
		return nil
	}
	for i := range cands {
		if cands[i].pattern == ip {
			return &cands[i]
		}
	}
	for i := range cands {
		if !isUniversalGroup(cands[i].group) {
			return &cands[i]
		}
	}
	return &cands[0]
}

func matchingNames(entries []entry, clientIP, q string) []entry {
	var out []entry
	for _, e := range entries {
		if e.groupApplies(clientIP) && e.nameMatches(q) {
			out = append(out, e)
		}
	}
	return out
}

func matchingIPs(entries []entry, clientIP, ip string) []entry {
	var out []entry
	for _, e := range entries {
		if e.groupApplies(clientIP) && e.ipMatches(ip) {
			out = append(out, e)
		}
	}
	return out
}

// MatchAllowedName returns the winning allow-name rule, if any.
func (s *Store) MatchAllowedName(clientIP, name string) (group, pattern string, ok bool) {
	w := nameTieBreak(matchingNames(s.allowedNames, clientIP, name), name, false)
	if w == nil {
		return "", "", false
	}
	return w.group, w.pattern, true
}

// MatchBlockedName returns the winning block-name rule, if any.
func (s *Store) MatchBlockedName(clientIP, name string) (group, pattern string, ok bool) {
	w := nameTieBreak(matchingNames(s.blockedNames, clientIP, name), name, false)
	if w == nil {
		return "", "", false
	}
	return w.group, w.pattern, true
}

// MatchAllowedIP returns the winning allow-IP rule, if any.
func (s *Store) MatchAllowedIP(clientIP, ip string) (group, pattern string, ok bool) {
	w := ipTieBreak(matchingIPs(s.allowedIPs, clientIP, ip), ip)
	if w == nil {
		return "", "", false
	}
	return w.group, w.pattern, true
}

// MatchBlockedIP returns the winning block-IP rule, if any.
func (s *Store) MatchBlockedIP(clientIP, ip string) (group, pattern string, ok bool) {
	w := ipTieBreak(matchingIPs(s.blockedIPs, clientIP, ip), ip)
	if w == nil {
		return "", "", false
	}
	return w.group, w.pattern, true
}

// MatchNameDecision implements match_name_decision: allowed wins.
func (s *Store) MatchNameDecision(clientIP, name string) Decision {
	if _, _, ok := s.MatchAllowedName(clientIP, name); ok {
		return DecisionAllowed
	}
	if _, _, ok := s.MatchBlockedName(clientIP, name); ok {
		return DecisionBlocked
	}
	return DecisionNone
}

// MatchIPDecision implements match_ip_decision: allowed wins.
func (s *Store) MatchIPDecision(clientIP, ip string) Decision {
	if _, _, ok := s.MatchAllowedIP(clientIP, ip); ok {
		return DecisionAllowed
	}
	if _, _, ok := s.MatchBlockedIP(clientIP, ip); ok {
		return DecisionBlocked
	}
	return DecisionNone
}

// MatchForwarding returns the winning forwarding rule's upstream group
// name, if any.
func (s *Store) MatchForwarding(name string) (group string, ok bool) {
	var cands []entry
	for _, e := range s.forwardingNames {
		if e.nameMatches(name) {
			cands = append(cands, e)
		}
	}
	w := nameTieBreak(cands, name, true)
	if w == nil {
		return "", false
	}
	return w.group, true
}

// CloakingAnswer is one resolved cloaking record.
type CloakingAnswer struct {
	RecordType ruleparser.RecordType
	Mapped     string
}

// MatchCloaking returns every cloaking record sharing the winning pattern.
func (s *Store) MatchCloaking(name string) []CloakingAnswer {
	var cands []entry
	byPattern := make(map[string][]cloakEntry)
	for _, c := range s.cloaking {
		if c.nameMatches(name) {
			cands = append(cands, c.entry)
			byPattern[c.pattern] = append(byPattern[c.pattern], c)
		}
	}
	w := nameTieBreak(cands, name, true)
	if w == nil {
		return nil
	}
	group := byPattern[w.pattern]
	sort.Slice(group, func(i, j int) bool { return group[i].idx < group[j].idx })
	out := make([]CloakingAnswer, 0, len(group))
	for _, c := range group {
		out = append(out, CloakingAnswer{RecordType: c.recordType, Mapped: c.mapped})
	}
	return out
}

// MatchCloakingResolved follows CNAME chains up to five hops, per §4.2.
func (s *Store) MatchCloakingResolved(name string) []CloakingAnswer {
	result := s.MatchCloaking(name)
	for i := 0; i < 5; i++ {
		var cname *CloakingAnswer
		for j := range result {
			if result[j].RecordType == ruleparser.RecordCNAME {
				cname = &result[j]
				break
			}
		}
		if cname == nil {
			break
		}
		next := s.MatchCloaking(cname.Mapped)
		if len(next) == 0 {
			break
		}
		result = next
	}
	if len(result) > 5 {
		result = result[:5]
	}
	return result
}
