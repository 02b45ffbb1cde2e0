// Package filter implements the allow/block rule stage that runs before
// scripting. A Filter is immutable after New and safe for concurrent use.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/maxpert/burrow/common"
)

// Rejection reasons carried in Decision.Reason.
const (
	ReasonBlockedDatabase    = "blocked_database"
	ReasonDatabaseNotAllowed = "database_not_allowed"
	ReasonBlockedCommand     = "blocked_command"
	ReasonCommandNotAllowed  = "command_not_allowed"
	ReasonBlockedGroup       = "blocked_group"
	ReasonGroupNotAllowed    = "group_not_allowed"
	ReasonBlockedKey         = "blocked_key"
	ReasonKeyNotAllowed      = "key_not_allowed"
	ReasonMixedKeys          = "mixed_keys"
)

// KeyRules lists key patterns by kind. Empty kinds are ignored.
type KeyRules struct {
	Exact  []string `toml:"exact"`
	Prefix []string `toml:"prefix"`
	Suffix []string `toml:"suffix"`
	Regex  []string `toml:"regex"`
	Glob   []string `toml:"glob"`
}

// Rules is the full rule set. A category with no allow entries passes
// everything; block entries always win.
type Rules struct {
	AllowKeys     KeyRules `toml:"allow_keys"`
	BlockKeys     KeyRules `toml:"block_keys"`
	AllowDBs      []int    `toml:"allow_dbs"`
	BlockDBs      []int    `toml:"block_dbs"`
	AllowCommands []string `toml:"allow_commands"`
	BlockCommands []string `toml:"block_commands"`
	AllowGroups   []string `toml:"allow_groups"`
	BlockGroups   []string `toml:"block_groups"`
}

// Decision is the outcome for one Operation.
type Decision struct {
	Accepted bool
	Reason   string
	// MismatchedKeys lists the failing keys when a multi-key operation had
	// keys on both sides of the rules.
	MismatchedKeys []string
}

var accepted = Decision{Accepted: true}

// Filter evaluates compiled Rules.
type Filter struct {
	allowKeys     *keyMatcher
	blockKeys     *keyMatcher
	allowDBs      map[int]struct{}
	blockDBs      map[int]struct{}
	allowCommands map[string]struct{}
	blockCommands map[string]struct{}
	allowGroups   map[common.Group]struct{}
	blockGroups   map[common.Group]struct{}
}

// New compiles rules. Invalid regex or glob patterns and unknown group
// names are errors.
func New(rules Rules) (*Filter, error) {
	f := &Filter{
		allowDBs:      intSet(rules.AllowDBs),
		blockDBs:      intSet(rules.BlockDBs),
		allowCommands: upperSet(rules.AllowCommands),
		blockCommands: upperSet(rules.BlockCommands),
	}

	var err error
	if f.allowKeys, err = compileKeys(rules.AllowKeys); err != nil {
		return nil, fmt.Errorf("allow keys: %w", err)
	}
	if f.blockKeys, err = compileKeys(rules.BlockKeys); err != nil {
		return nil, fmt.Errorf("block keys: %w", err)
	}
	if f.allowGroups, err = groupSet(rules.AllowGroups); err != nil {
		return nil, fmt.Errorf("allow groups: %w", err)
	}
	if f.blockGroups, err = groupSet(rules.BlockGroups); err != nil {
		return nil, fmt.Errorf("block groups: %w", err)
	}
	return f, nil
}

// Empty reports whether the filter accepts everything.
func (f *Filter) Empty() bool {
	return f.allowKeys.empty() && f.blockKeys.empty() &&
		len(f.allowDBs) == 0 && len(f.blockDBs) == 0 &&
		len(f.allowCommands) == 0 && len(f.blockCommands) == 0 &&
		len(f.allowGroups) == 0 && len(f.blockGroups) == 0
}

// Accept is Evaluate(op).Accepted.
func (f *Filter) Accept(op *common.Operation) bool {
	return f.Evaluate(op).Accepted
}

// Evaluate applies block rules, then key rules per key, then allow rules.
func (f *Filter) Evaluate(op *common.Operation) Decision {
	cmd := op.Command()
	group := common.GroupOf(cmd)

	if _, ok := f.blockDBs[op.DB]; ok {
		return Decision{Reason: ReasonBlockedDatabase}
	}
	if _, ok := f.blockCommands[cmd]; ok {
		return Decision{Reason: ReasonBlockedCommand}
	}
	if _, ok := f.blockGroups[group]; ok && group != common.GroupUnknown {
		return Decision{Reason: ReasonBlockedGroup}
	}

	if d := f.evaluateKeys(op); !d.Accepted {
		return d
	}

	if len(f.allowDBs) > 0 {
		if _, ok := f.allowDBs[op.DB]; !ok {
			return Decision{Reason: ReasonDatabaseNotAllowed}
		}
	}
	if len(f.allowCommands) > 0 {
		if _, ok := f.allowCommands[cmd]; !ok {
			return Decision{Reason: ReasonCommandNotAllowed}
		}
	}
	if len(f.allowGroups) > 0 {
		if _, ok := f.allowGroups[group]; !ok {
			return Decision{Reason: ReasonGroupNotAllowed}
		}
	}
	return accepted
}

// evaluateKeys requires every key to pass on its own. Zero-key operations
// pass vacuously.
func (f *Filter) evaluateKeys(op *common.Operation) Decision {
	if f.allowKeys.empty() && f.blockKeys.empty() {
		return accepted
	}

	var failed []string
	blocked := false
	passed := 0
	for _, idx := range op.KeyIndexes {
		key := string(op.Args[idx])
		switch {
		case f.blockKeys.match(key):
			blocked = true
			failed = append(failed, key)
		case !f.allowKeys.empty() && !f.allowKeys.match(key):
			failed = append(failed, key)
		default:
			passed++
		}
	}

	switch {
	case len(failed) == 0:
		return accepted
	case passed > 0:
		return Decision{Reason: ReasonMixedKeys, MismatchedKeys: failed}
	case blocked:
		return Decision{Reason: ReasonBlockedKey}
	}
	return Decision{Reason: ReasonKeyNotAllowed}
}

type keyMatcher struct {
	exact    map[string]struct{}
	prefixes []string
	suffixes []string
	regexes  []*regexp.Regexp
	globs    []glob.Glob
}

func compileKeys(r KeyRules) (*keyMatcher, error) {
	m := &keyMatcher{
		exact:    make(map[string]struct{}, len(r.Exact)),
		prefixes: r.Prefix,
		suffixes: r.Suffix,
	}
	for _, k := range r.Exact {
		m.exact[k] = struct{}{}
	}
	for _, pattern := range r.Regex {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
		}
		m.regexes = append(m.regexes, re)
	}
	for _, pattern := range r.Glob {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		m.globs = append(m.globs, g)
	}
	return m, nil
}

func (m *keyMatcher) empty() bool {
	return len(m.exact) == 0 && len(m.prefixes) == 0 && len(m.suffixes) == 0 &&
		len(m.regexes) == 0 && len(m.globs) == 0
}

func (m *keyMatcher) match(key string) bool {
	if _, ok := m.exact[key]; ok {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	for _, re := range m.regexes {
		if re.MatchString(key) {
			return true
		}
	}
	for _, g := range m.globs {
		if g.Match(key) {
			return true
		}
	}
	return false
}

func intSet(vals []int) map[int]struct{} {
	m := make(map[int]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

func upperSet(vals []string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[strings.ToUpper(v)] = struct{}{}
	}
	return m
}

var knownGroups = map[common.Group]struct{}{
	common.GroupString:       {},
	common.GroupList:         {},
	common.GroupSet:          {},
	common.GroupSortedSet:    {},
	common.GroupHash:         {},
	common.GroupStream:       {},
	common.GroupGeneric:      {},
	common.GroupScripting:    {},
	common.GroupServer:       {},
	common.GroupTransactions: {},
	common.GroupHyperLogLog:  {},
	common.GroupGeo:          {},
	common.GroupPubSub:       {},
}

func groupSet(vals []string) (map[common.Group]struct{}, error) {
	m := make(map[common.Group]struct{}, len(vals))
	for _, v := range vals {
		g := common.Group(strings.ToLower(v))
		if _, ok := knownGroups[g]; !ok {
			return nil, fmt.Errorf("unknown command group %q", v)
		}
		m[g] = struct{}{}
	}
	return m, nil
}
