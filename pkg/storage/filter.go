package storage

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	safeKey    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

// ValidIdentifier reports whether name can be used unquoted as a table or
// index name by every SQL backend.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// IsSafeKey reports whether key may appear in a compiled predicate.
func IsSafeKey(key string) bool {
	return safeKey.MatchString(key)
}

// Dialect renders the backend specific pieces of a compiled predicate.
type Dialect interface {
	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string

	// JSONText extracts the value at path inside the JSON column as text.
	JSONText(column string, path ...string) string

	// JSONNumber extracts the value at path inside the JSON column as a number.
	JSONNumber(column string, path ...string) string

	// ILike renders a case-insensitive pattern match.
	ILike(expr, placeholder string) string

	// Bool converts a boolean argument into the form JSONText compares against.
	Bool(b bool) interface{}
}

// MySQLDialect renders predicates for MySQL-protocol servers such as OceanBase.
type MySQLDialect struct{}

func (MySQLDialect) Placeholder(int) string { return "?" }

func (MySQLDialect) JSONText(column string, path ...string) string {
	return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s, '%s'))", column, jsonPath(path))
}

func (MySQLDialect) JSONNumber(column string, path ...string) string {
	return fmt.Sprintf("JSON_EXTRACT(%s, '%s')", column, jsonPath(path))
}

func (MySQLDialect) ILike(expr, placeholder string) string {
	return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", expr, placeholder)
}

func (MySQLDialect) Bool(b bool) interface{} { return strconv.FormatBool(b) }

// PostgresDialect renders predicates for PostgreSQL with a JSONB payload.
type PostgresDialect struct{}

func (PostgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (PostgresDialect) JSONText(column string, path ...string) string {
	var b strings.Builder
	b.WriteString(column)
	for i, p := range path {
		if i == len(path)-1 {
			b.WriteString("->>'")
		} else {
			b.WriteString("->'")
		}
		b.WriteString(p)
		b.WriteString("'")
	}
	return b.String()
}

func (d PostgresDialect) JSONNumber(column string, path ...string) string {
	return "(" + d.JSONText(column, path...) + ")::numeric"
}

func (PostgresDialect) ILike(expr, placeholder string) string {
	return fmt.Sprintf("%s ILIKE %s", expr, placeholder)
}

func (PostgresDialect) Bool(b bool) interface{} { return strconv.FormatBool(b) }

// SQLiteDialect renders predicates for SQLite's JSON1 functions.
type SQLiteDialect struct{}

func (SQLiteDialect) Placeholder(int) string { return "?" }

func (SQLiteDialect) JSONText(column string, path ...string) string {
	return fmt.Sprintf("json_extract(%s, '%s')", column, jsonPath(path))
}

func (d SQLiteDialect) JSONNumber(column string, path ...string) string {
	return d.JSONText(column, path...)
}

func (SQLiteDialect) ILike(expr, placeholder string) string {
	return fmt.Sprintf("LOWER(%s) LIKE LOWER(%s)", expr, placeholder)
}

func (SQLiteDialect) Bool(b bool) interface{} {
	if b {
		return 1
	}
	return 0
}

// jsonPath renders a JSON path with every segment quoted, e.g. $."metadata"."k".
// Segments are validated by IsSafeKey before they get here.
func jsonPath(path []string) string {
	var b strings.Builder
	b.WriteByte('$')
	for _, p := range path {
		b.WriteString(`."`)
		b.WriteString(p)
		b.WriteByte('"')
	}
	return b.String()
}

// FilterCompiler translates a filter expression plus a scope into a
// parameterized predicate.
//
// Filter expressions are maps. A key is either a field name or one of the
// combinators AND / OR, whose value is a list of sub-expressions. A field's
// value is a scalar (equality), a list (membership), nil (IS NULL), or a map
// of operators: eq, ne, gt, gte, lt, lte, in, nin, like, ilike.
//
//	{"category": "preference",
//	 "OR": [{"priority": {"gte": 3}}, {"tags": ["urgent", "todo"]}]}
//
// Keys with characters outside [A-Za-z0-9_-] are dropped.
type FilterCompiler struct {
	// Dialect renders placeholders and JSON access.
	Dialect Dialect

	// PayloadColumn is the JSON column holding the payload document.
	PayloadColumn string

	// Columns maps logical keys to SQL expressions for promoted fields.
	// Keys not listed here resolve to metadata paths inside the payload.
	Columns map[string]string
}

// NewPayloadFilterCompiler returns a compiler for backends that keep every
// field inside the payload document.
func NewPayloadFilterCompiler(d Dialect, payloadColumn string) *FilterCompiler {
	cols := make(map[string]string, len(PayloadFields))
	for _, f := range PayloadFields {
		cols[f] = d.JSONText(payloadColumn, f)
	}
	cols["id"] = "id"
	return &FilterCompiler{Dialect: d, PayloadColumn: payloadColumn, Columns: cols}
}

type compileState struct {
	args []interface{}
	base int
}

func (s *compileState) bind(d Dialect, v interface{}) string {
	s.args = append(s.args, v)
	return d.Placeholder(s.base + len(s.args))
}

// Compile returns the predicate (without WHERE) and its ordered arguments.
// argOffset is the number of arguments already bound ahead of the predicate.
// An empty string means no restriction.
func (c *FilterCompiler) Compile(scope Scope, filters map[string]interface{}, argOffset int) (string, []interface{}) {
	st := &compileState{base: argOffset}

	var conds []string
	for _, sc := range []struct{ key, value string }{
		{"user_id", scope.UserID},
		{"agent_id", scope.AgentID},
		{"run_id", scope.RunID},
	} {
		if sc.value == "" {
			continue
		}
		expr := c.Columns[sc.key]
		if expr == "" {
			expr = c.Dialect.JSONText(c.PayloadColumn, sc.key)
		}
		conds = append(conds, fmt.Sprintf("%s = %s", expr, st.bind(c.Dialect, sc.value)))
	}

	conds = append(conds, c.compileMap(filters, st)...)
	return strings.Join(conds, " AND "), st.args
}

func (c *FilterCompiler) compileMap(filters map[string]interface{}, st *compileState) []string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var conds []string
	for _, key := range keys {
		value := filters[key]
		switch strings.ToUpper(key) {
		case "AND", "OR":
			if cond := c.compileLogical(strings.ToUpper(key), value, st); cond != "" {
				conds = append(conds, cond)
			}
			continue
		}

		if !IsSafeKey(key) {
			continue
		}
		conds = append(conds, c.compileField(key, value, st)...)
	}
	return conds
}

func (c *FilterCompiler) compileLogical(op string, value interface{}, st *compileState) string {
	var parts []string
	for _, sub := range subExpressions(value) {
		conds := c.compileMap(sub, st)
		if len(conds) == 0 {
			continue
		}
		parts = append(parts, "("+strings.Join(conds, " AND ")+")")
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

func (c *FilterCompiler) compileField(key string, value interface{}, st *compileState) []string {
	if value == nil {
		return []string{c.textExpr(key) + " IS NULL"}
	}

	if ops, ok := value.(map[string]interface{}); ok {
		names := make([]string, 0, len(ops))
		for name := range ops {
			names = append(names, name)
		}
		sort.Strings(names)

		var conds []string
		for _, name := range names {
			if cond := c.compileOp(key, strings.ToLower(name), ops[name], st); cond != "" {
				conds = append(conds, cond)
			}
		}
		return conds
	}

	if list, ok := asList(value); ok {
		return []string{c.compileOp(key, "in", list, st)}
	}
	return []string{c.compileOp(key, "eq", value, st)}
}

func (c *FilterCompiler) compileOp(key, op string, value interface{}, st *compileState) string {
	switch op {
	case "eq", "ne":
		sym := "="
		if op == "ne" {
			sym = "<>"
		}
		if value == nil {
			if op == "eq" {
				return c.textExpr(key) + " IS NULL"
			}
			return c.textExpr(key) + " IS NOT NULL"
		}
		expr, arg := c.operand(key, value)
		return fmt.Sprintf("%s %s %s", expr, sym, st.bind(c.Dialect, arg))

	case "gt", "gte", "lt", "lte":
		sym := map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op]
		expr, arg := c.operand(key, value)
		return fmt.Sprintf("%s %s %s", expr, sym, st.bind(c.Dialect, arg))

	case "in", "nin":
		list, ok := asList(value)
		if !ok {
			list = []interface{}{value}
		}
		if len(list) == 0 {
			if op == "in" {
				return "1 = 0"
			}
			return ""
		}
		expr, _ := c.operand(key, list[0])
		marks := make([]string, len(list))
		for i, v := range list {
			_, arg := c.operand(key, v)
			marks[i] = st.bind(c.Dialect, arg)
		}
		kw := "IN"
		if op == "nin" {
			kw = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", expr, kw, strings.Join(marks, ", "))

	case "like":
		return fmt.Sprintf("%s LIKE %s", c.textExpr(key), st.bind(c.Dialect, fmt.Sprint(value)))

	case "ilike":
		return c.Dialect.ILike(c.textExpr(key), st.bind(c.Dialect, fmt.Sprint(value)))
	}
	return ""
}

// operand picks the text or numeric accessor for key depending on the value
// and converts the value into a bind argument.
func (c *FilterCompiler) operand(key string, value interface{}) (string, interface{}) {
	if col, ok := c.Columns[key]; ok {
		if b, isBool := value.(bool); isBool {
			return col, c.Dialect.Bool(b)
		}
		return col, value
	}

	switch v := value.(type) {
	case bool:
		return c.Dialect.JSONText(c.PayloadColumn, "metadata", key), c.Dialect.Bool(v)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return c.Dialect.JSONNumber(c.PayloadColumn, "metadata", key), v
	}
	return c.Dialect.JSONText(c.PayloadColumn, "metadata", key), fmt.Sprint(value)
}

func (c *FilterCompiler) textExpr(key string) string {
	if col, ok := c.Columns[key]; ok {
		return col
	}
	return c.Dialect.JSONText(c.PayloadColumn, "metadata", key)
}

// subExpressions normalizes the operand of AND / OR into a list of maps.
func subExpressions(value interface{}) []map[string]interface{} {
	switch v := value.(type) {
	case []map[string]interface{}:
		return v
	case map[string]interface{}:
		return []map[string]interface{}{v}
	}

	list, ok := asList(value)
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

// asList converts any slice or array (except []byte) into []interface{}.
func asList(value interface{}) ([]interface{}, bool) {
	if list, ok := value.([]interface{}); ok {
		return list, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
