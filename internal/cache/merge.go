package cache

// KeyName is one (id, name) pair produced by the ID probe, in probe order.
type KeyName struct {
	ID   string
	Name string
}

// MergeOrdered assembles the final result set from the cache probe and the
// backfill, re-emitting records in the exact order the ID probe produced.
// IDs resolved by neither map are skipped rather than emitted empty.
func MergeOrdered(order []KeyName, cached map[string]Record, fresh map[string]Record) []Record {
	out := make([]Record, 0, len(order))
	for _, kn := range order {
		if rec, ok := fresh[kn.ID]; ok {
			out = append(out, rec)
			continue
		}
		if rec, ok := cached[kn.ID]; ok {
			out = append(out, rec)
		}
	}
	return out
}
