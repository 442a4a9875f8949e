package ingest

// Diff is the minimal change set reconciling stored rows with incoming rows.
// Every row that differs costs exactly one delete and one create; matching
// rows cost nothing.
type Diff[T any] struct {
	ToDelete  []T
	ToCreate  []T
	Unchanged int
}

// Empty reports whether applying the diff would write anything.
func (d Diff[T]) Empty() bool {
	return len(d.ToDelete) == 0 && len(d.ToCreate) == 0
}

// SyncByIndex diffs two slices positionally: element i of existing is compared
// with element i of incoming, and any length difference becomes pure deletes
// or pure creates at the tail. Row identity is the index itself, so reordered
// rows count as changed.
func SyncByIndex[T any](existing, incoming []T, equal func(a, b T) bool) Diff[T] {
	var diff Diff[T]
	shared := len(existing)
	if len(incoming) < shared {
		shared = len(incoming)
	}
	for i := 0; i < shared; i++ {
		if equal(existing[i], incoming[i]) {
			diff.Unchanged++
			continue
		}
		diff.ToDelete = append(diff.ToDelete, existing[i])
		diff.ToCreate = append(diff.ToCreate, incoming[i])
	}
	diff.ToDelete = append(diff.ToDelete, existing[shared:]...)
	diff.ToCreate = append(diff.ToCreate, incoming[shared:]...)
	return diff
}

// SyncByKey diffs two row sets by a comparable identity key. Rows whose key
// appears on both sides are unchanged regardless of order; keys only in
// existing become deletes and keys only in incoming become creates.
func SyncByKey[T any, K comparable](existing, incoming []T, key func(T) K) Diff[T] {
	var diff Diff[T]
	incomingKeys := make(map[K]bool, len(incoming))
	for _, row := range incoming {
		incomingKeys[key(row)] = true
	}
	existingKeys := make(map[K]bool, len(existing))
	for _, row := range existing {
		k := key(row)
		existingKeys[k] = true
		if incomingKeys[k] {
			diff.Unchanged++
		} else {
			diff.ToDelete = append(diff.ToDelete, row)
		}
	}
	for _, row := range incoming {
		if !existingKeys[key(row)] {
			diff.ToCreate = append(diff.ToCreate, row)
		}
	}
	return diff
}
