// ABOUTME: Set operations over lists of records keyed by an identity field.
// ABOUTME: Records without the field are keyed by their canonical JSON encoding.

package plan

import (
	"encoding/json"
	"fmt"
)

// keyed is an insertion-ordered record index. A later record with an existing
// key replaces the earlier one in place.
type keyed struct {
	order   []string
	records map[string]any
}

func newKeyed() *keyed {
	return &keyed{records: make(map[string]any)}
}

func (k *keyed) put(key string, rec any) {
	if _, ok := k.records[key]; !ok {
		k.order = append(k.order, key)
	}
	k.records[key] = rec
}

func (k *keyed) has(key string) bool {
	_, ok := k.records[key]
	return ok
}

func (k *keyed) list(keep func(key string) bool) []any {
	out := make([]any, 0, len(k.order))
	for _, key := range k.order {
		if keep == nil || keep(key) {
			out = append(out, k.records[key])
		}
	}
	return out
}

// recordKey identifies rec by its identity field, falling back to the whole record.
func recordKey(rec any, identity string) string {
	if obj, ok := rec.(map[string]any); ok {
		if v, ok := obj[identity]; ok && v != nil {
			return "k:" + canonical(v)
		}
	}
	return "r:" + canonical(rec)
}

// canonical encodes v deterministically. Object keys are sorted by encoding/json.
func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(data)
}

func index(set []any, identity string) *keyed {
	k := newKeyed()
	for _, rec := range set {
		k.put(recordKey(rec, identity), rec)
	}
	return k
}

// Union merges every set. Later duplicates overwrite earlier ones; the
// first-seen position is kept.
func Union(sets [][]any, identity string) []any {
	k := newKeyed()
	for _, set := range sets {
		for _, rec := range set {
			k.put(recordKey(rec, identity), rec)
		}
	}
	return k.list(nil)
}

// Intersect keeps the records of the first set whose key appears in every other set.
func Intersect(sets [][]any, identity string) []any {
	if len(sets) == 0 {
		return []any{}
	}
	first := index(sets[0], identity)
	others := make([]*keyed, 0, len(sets)-1)
	for _, set := range sets[1:] {
		others = append(others, index(set, identity))
	}
	return first.list(func(key string) bool {
		for _, o := range others {
			if !o.has(key) {
				return false
			}
		}
		return true
	})
}

// Difference returns the records of a whose key is absent from b.
func Difference(a, b []any, identity string) []any {
	exclude := index(b, identity)
	return index(a, identity).list(func(key string) bool {
		return !exclude.has(key)
	})
}
