package engine

import (
	"sort"
	"strings"
	"time"

	"modeldb/src/models"
)

// OrderKey is one parsed orderBy token.
type OrderKey struct {
	Field string
	Desc  bool
}

// ParseOrderBy parses tokens of the form "field", "field asc" or "field desc".
func ParseOrderBy(meta *models.ModelMeta, tokens []string) ([]OrderKey, error) {
	keys := make([]OrderKey, 0, len(tokens))
	for _, token := range tokens {
		parts := strings.Fields(token)
		if len(parts) == 0 || len(parts) > 2 {
			return nil, invalidQuery(meta, "", "malformed orderBy token %q", token)
		}
		key := OrderKey{Field: parts[0]}
		if len(parts) == 2 {
			switch strings.ToLower(parts[1]) {
			case "asc":
			case "desc":
				key.Desc = true
			default:
				return nil, invalidQuery(meta, parts[0], "unknown sort direction %q", parts[1])
			}
		}
		field, ok := meta.Field(key.Field)
		if !ok {
			return nil, invalidQuery(meta, key.Field, "unknown orderBy field")
		}
		if !field.Stored() {
			return nil, invalidQuery(meta, key.Field, "cannot order by a field that is not stored")
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// sortRecords stable-sorts records by keys applied left to right. nil sorts before any
// value; values of different kinds are ordered booleans, numbers, strings, times, others.
func sortRecords(records []StoredRecord, keys []OrderKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, key := range keys {
			c := orderCompare(records[i][key.Field], records[j][key.Field])
			if c == 0 {
				continue
			}
			if key.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func orderCompare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	ra, rb := kindRank(a), kindRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return 0
}

func kindRank(v any) int {
	if _, ok := ToFloat(v); ok {
		return 1
	}
	switch v.(type) {
	case bool:
		return 0
	case string:
		return 2
	case time.Time:
		return 3
	}
	return 4
}

// paginate slices records by offset and limit, where limit 0 means unbounded.
func paginate(records []StoredRecord, offset, limit int) []StoredRecord {
	if offset >= len(records) {
		return []StoredRecord{}
	}
	records = records[offset:]
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records
}
