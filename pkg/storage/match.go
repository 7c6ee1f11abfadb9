package storage

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MatchFilter evaluates a filter expression against a record in process.
//
// It follows the semantics of FilterCompiler: scope fields must match, unsafe
// keys are ignored, and a missing field satisfies no comparison except an
// equality test against nil.
func MatchFilter(m *Memory, scope Scope, filters map[string]interface{}) bool {
	if !scope.Allows(m) {
		return false
	}
	return matchMap(m, filters)
}

func matchMap(m *Memory, filters map[string]interface{}) bool {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filters[key]
		switch strings.ToUpper(key) {
		case "AND":
			for _, sub := range subExpressions(value) {
				if !matchMap(m, sub) {
					return false
				}
			}
			continue
		case "OR":
			subs := subExpressions(value)
			if len(subs) == 0 {
				continue
			}
			matched := false
			for _, sub := range subs {
				if matchMap(m, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
			continue
		}

		if !IsSafeKey(key) {
			continue
		}
		if !matchField(m, key, value) {
			return false
		}
	}
	return true
}

func matchField(m *Memory, key string, value interface{}) bool {
	actual, present := fieldValue(m, key)

	if value == nil {
		return !present || actual == nil
	}

	if ops, ok := value.(map[string]interface{}); ok {
		for name, operand := range ops {
			if !matchOp(actual, present, strings.ToLower(name), operand) {
				return false
			}
		}
		return true
	}

	if list, ok := asList(value); ok {
		return matchOp(actual, present, "in", list)
	}
	return matchOp(actual, present, "eq", value)
}

func matchOp(actual interface{}, present bool, op string, operand interface{}) bool {
	if op == "eq" && operand == nil {
		return !present || actual == nil
	}
	if op == "ne" && operand == nil {
		return present && actual != nil
	}
	if !present || actual == nil {
		return false
	}

	switch op {
	case "eq":
		return valuesEqual(actual, operand)
	case "ne":
		return !valuesEqual(actual, operand)
	case "gt", "gte", "lt", "lte":
		cmp, ok := compareValues(actual, operand)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "in", "nin":
		list, ok := asList(operand)
		if !ok {
			list = []interface{}{operand}
		}
		found := false
		for _, v := range list {
			if valuesEqual(actual, v) {
				found = true
				break
			}
		}
		if op == "in" {
			return found
		}
		return !found
	case "like":
		return likeMatch(fmt.Sprint(actual), fmt.Sprint(operand), false)
	case "ilike":
		return likeMatch(fmt.Sprint(actual), fmt.Sprint(operand), true)
	}
	return false
}

// fieldValue resolves key to a promoted record field or a metadata entry.
func fieldValue(m *Memory, key string) (interface{}, bool) {
	switch key {
	case "id":
		return m.ID, true
	case "user_id":
		return m.UserID, m.UserID != ""
	case "agent_id":
		return m.AgentID, m.AgentID != ""
	case "run_id":
		return m.RunID, m.RunID != ""
	case "actor_id":
		return m.ActorID, m.ActorID != ""
	case "hash":
		return m.Hash, m.Hash != ""
	case "category":
		if m.Category != "" {
			return m.Category, true
		}
	case "scope":
		return m.Visibility, m.Visibility != ""
	case "created_at":
		return FormatTime(m.CreatedAt), !m.CreatedAt.IsZero()
	case "updated_at":
		return FormatTime(m.UpdatedAt), !m.UpdatedAt.IsZero()
	}
	v, ok := m.Metadata[key]
	return v, ok
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

// likeMatch implements SQL LIKE with % and _ wildcards.
func likeMatch(s, pattern string, foldCase bool) bool {
	var b strings.Builder
	b.WriteString("^")
	if foldCase {
		b.WriteString("(?i)")
	}
	b.WriteString("(?s)")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
