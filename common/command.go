// Package common provides the operation model shared by every pipeline stage.
// Key positions, groups and split rules for every known command come from
// LookupCommand.
package common

import (
	"strconv"
	"strings"
)

// Group categorizes commands for rule filtering and script context.
type Group string

const (
	GroupUnknown      Group = ""
	GroupString       Group = "string"
	GroupList         Group = "list"
	GroupSet          Group = "set"
	GroupSortedSet    Group = "sorted_set"
	GroupHash         Group = "hash"
	GroupStream       Group = "stream"
	GroupGeneric      Group = "generic"
	GroupScripting    Group = "scripting"
	GroupServer       Group = "server"
	GroupTransactions Group = "transactions"
	GroupHyperLogLog  Group = "hyperloglog"
	GroupGeo          Group = "geo"
	GroupPubSub       Group = "pubsub"
)

// SplitPolicy says what the writer may do when a command's keys land in
// more than one slot.
type SplitPolicy uint8

const (
	// SplitNone marks a command atomic-only: multi-slot is an error.
	SplitNone SplitPolicy = iota
	// SplitKeys splits into one command per key (DEL, UNLINK, TOUCH).
	SplitKeys
	// SplitKeyValue splits key/value pairs into one command per slot (MSET).
	SplitKeyValue
)

func (p SplitPolicy) String() string {
	switch p {
	case SplitKeys:
		return "keys"
	case SplitKeyValue:
		return "key_value"
	}
	return "none"
}

// CommandSpec describes where a command carries its keys.
//
// Keys are the arguments FirstKey..LastKey stepping by Step, where a negative
// LastKey counts from the end (-1 is the last argument). When NumKeysIndex is
// set, that argument holds a key count and the keys follow it directly.
type CommandSpec struct {
	Name         string
	Group        Group
	FirstKey     int
	LastKey      int
	Step         int
	NumKeysIndex int
	Split        SplitPolicy
}

// KeyIndexes resolves key positions for args. Positions are strictly
// increasing and never point past the end of args.
func (s CommandSpec) KeyIndexes(args [][]byte) []int {
	var out []int

	if s.FirstKey > 0 {
		last := s.LastKey
		if last < 0 {
			last = len(args) + last
		}
		if last >= len(args) {
			last = len(args) - 1
		}
		step := s.Step
		if step <= 0 {
			step = 1
		}
		for i := s.FirstKey; i <= last; i += step {
			out = append(out, i)
		}
	}

	if s.NumKeysIndex > 0 && s.NumKeysIndex < len(args) {
		n, err := strconv.Atoi(string(args[s.NumKeysIndex]))
		if err == nil && n > 0 {
			for i := s.NumKeysIndex + 1; i <= s.NumKeysIndex+n && i < len(args); i++ {
				if len(out) > 0 && out[len(out)-1] >= i {
					continue
				}
				out = append(out, i)
			}
		}
	}

	return out
}

// LookupCommand returns the table entry for a command name, case-insensitively.
func LookupCommand(name string) (CommandSpec, bool) {
	spec, ok := commandTable[strings.ToUpper(name)]
	return spec, ok
}

// GroupOf returns the group for a command name, GroupUnknown if not in the table.
func GroupOf(name string) Group {
	spec, ok := LookupCommand(name)
	if !ok {
		return GroupUnknown
	}
	return spec.Group
}

// IsTransactionControl reports MULTI/EXEC/DISCARD style commands that carry
// no data on their own.
func IsTransactionControl(name string) bool {
	return GroupOf(name) == GroupTransactions
}
