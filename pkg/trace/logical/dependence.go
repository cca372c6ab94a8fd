package logical

import (
	"github.com/legion-project/physical-trace/pkg/trace/fieldmask"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
)

// DependenceRecord is one recorded inter-operation dependence (spec §3,
// §4.1 "Dependence recording"). OperationIdx identifies the earlier
// operation this record targets, by its position in the trace's issue
// order. PrevIdx/NextIdx are the target's and source's region-requirement
// indices respectively; -1 in either denotes a whole-operation dependence
// rather than a specific requirement pair.
type DependenceRecord struct {
	OperationIdx  int
	PrevIdx       int
	NextIdx       int
	Validates     bool
	Type          runtime.DependenceType
	DependentMask fieldmask.FieldMask
}

// mergeable reports whether r and other share identical
// OperationIdx/PrevIdx/NextIdx/Type/Validates, the condition spec §3
// requires before two records may be combined by unioning their field
// masks.
func (r DependenceRecord) mergeable(other DependenceRecord) bool {
	return r.OperationIdx == other.OperationIdx &&
		r.PrevIdx == other.PrevIdx &&
		r.NextIdx == other.NextIdx &&
		r.Validates == other.Validates &&
		r.Type == other.Type
}

// mergeAppend inserts rec into bucket, unioning it into an existing
// mergeable record if one is found rather than appending a duplicate
// (spec §3 "mergeable: ... union field masks").
func mergeAppend(bucket []DependenceRecord, rec DependenceRecord) []DependenceRecord {
	for i, existing := range bucket {
		if existing.mergeable(rec) {
			bucket[i].DependentMask = existing.DependentMask.Union(rec.DependentMask)
			return bucket
		}
	}
	return append(bucket, rec)
}

// OpInfo is a structural fingerprint of one recorded operation, checked
// against the operation replaying at the same index (spec §4.1
// "op_info[i]").
type OpInfo struct {
	Kind        runtime.OperationKind
	RegionCount int
}
