package runstate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// definitionHash computes a SHA-256 hash over the canonical JSON encoding
// of a workflow definition: map keys sorted, no whitespace. This is a
// compatibility requirement shared with the wire format — any UUID-like
// values inside the definition must already be plain strings by the time
// they reach here.
func definitionHash(wf WorkflowDef) string {
	canonical := canonicalize(wf)
	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalize converts a value into a structure whose map keys marshal in
// sorted order, so structurally-identical definitions always hash
// identically regardless of field declaration order upstream.
func canonicalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return v
	}
	return sortKeys(generic)
}

func sortKeys(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedEntry{Key: k, Value: sortKeys(val[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = sortKeys(elem)
		}
		return out
	default:
		return val
	}
}

// orderedMap marshals as a JSON object with keys in the order given,
// letting us force deterministic key ordering without relying on the
// stdlib's (already sorted) map marshalling alone — explicit here because
// the ordering requirement is load-bearing for the hash, not incidental.
type orderedMap []orderedEntry

type orderedEntry struct {
	Key   string
	Value any
}

func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, entry := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, _ := json.Marshal(entry.Key)
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		valJSON, err := json.Marshal(entry.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}
