package writer

import (
	"github.com/maxpert/burrow/cluster"
	"github.com/maxpert/burrow/common"
)

// slotsOf returns the distinct slots of op's keys in first-seen order.
func slotsOf(op *common.Operation) []uint16 {
	var out []uint16
	for _, idx := range op.KeyIndexes {
		s := cluster.Slot(op.Args[idx])
		seen := false
		for _, o := range out {
			if o == s {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, s)
		}
	}
	return out
}

// split breaks a splittable multi-slot operation into one operation per
// slot, keeping key order within each part. ok is false for atomic-only
// commands.
func split(op *common.Operation) (parts []*common.Operation, ok bool) {
	spec, found := op.Spec()
	if !found || spec.Split == common.SplitNone {
		return nil, false
	}

	width := 1
	if spec.Split == common.SplitKeyValue {
		width = 2
	}

	bySlot := make(map[uint16]*common.Operation)
	for _, idx := range op.KeyIndexes {
		if idx+width > len(op.Args) {
			return nil, false
		}
		slot := cluster.Slot(op.Args[idx])
		part, exists := bySlot[slot]
		if !exists {
			part = &common.Operation{
				DB:       op.DB,
				SourceDB: op.SourceDB,
				Offset:   op.Offset,
				Args:     [][]byte{op.Args[0]},
			}
			bySlot[slot] = part
			parts = append(parts, part)
		}
		part.Args = append(part.Args, op.Args[idx:idx+width]...)
	}

	for _, p := range parts {
		p.ResolveKeys()
	}
	return parts, true
}
