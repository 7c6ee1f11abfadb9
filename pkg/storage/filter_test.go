package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

func mysqlCompiler() *storage.FilterCompiler {
	return &storage.FilterCompiler{
		Dialect:       storage.MySQLDialect{},
		PayloadColumn: "payload",
		Columns: map[string]string{
			"user_id":  "user_id",
			"agent_id": "agent_id",
			"run_id":   "run_id",
			"category": "category",
		},
	}
}

func TestCompileScopeOnly(t *testing.T) {
	c := mysqlCompiler()

	where, args := c.Compile(storage.Scope{UserID: "u1", AgentID: "a1"}, nil, 0)
	assert.Equal(t, "user_id = ? AND agent_id = ?", where)
	assert.Equal(t, []interface{}{"u1", "a1"}, args)

	where, args = c.Compile(storage.Scope{}, nil, 0)
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestCompileEqualityAndMetadataPath(t *testing.T) {
	c := mysqlCompiler()

	where, args := c.Compile(storage.Scope{UserID: "u1"}, map[string]interface{}{
		"category": "preference",
		"source":   "chat",
	}, 0)

	assert.Equal(t,
		`user_id = ? AND category = ? AND JSON_UNQUOTE(JSON_EXTRACT(payload, '$."metadata"."source"')) = ?`,
		where)
	assert.Equal(t, []interface{}{"u1", "preference", "chat"}, args)
}

func TestCompileOperators(t *testing.T) {
	c := mysqlCompiler()

	where, args := c.Compile(storage.Scope{}, map[string]interface{}{
		"priority": map[string]interface{}{"gte": 2, "lt": 5},
		"tags":     []string{"a", "b"},
		"title":    map[string]interface{}{"ilike": "%Go%"},
	}, 0)

	assert.Equal(t,
		`JSON_EXTRACT(payload, '$."metadata"."priority"') >= ? AND `+
			`JSON_EXTRACT(payload, '$."metadata"."priority"') < ? AND `+
			`JSON_UNQUOTE(JSON_EXTRACT(payload, '$."metadata"."tags"')) IN (?, ?) AND `+
			`LOWER(JSON_UNQUOTE(JSON_EXTRACT(payload, '$."metadata"."title"'))) LIKE LOWER(?)`,
		where)
	assert.Equal(t, []interface{}{2, 5, "a", "b", "%Go%"}, args)
}

func TestCompileLogicalCombinators(t *testing.T) {
	c := mysqlCompiler()

	where, args := c.Compile(storage.Scope{}, map[string]interface{}{
		"OR": []interface{}{
			map[string]interface{}{"category": "work"},
			map[string]interface{}{"category": "hobby"},
		},
	}, 0)
	assert.Equal(t, "((category = ?) OR (category = ?))", where)
	assert.Equal(t, []interface{}{"work", "hobby"}, args)

	where, _ = c.Compile(storage.Scope{}, map[string]interface{}{
		"and": []map[string]interface{}{{"category": "work"}},
	}, 0)
	assert.Equal(t, "(category = ?)", where)
}

func TestCompileDropsUnsafeKeys(t *testing.T) {
	c := mysqlCompiler()

	where, args := c.Compile(storage.Scope{UserID: "u1"}, map[string]interface{}{
		"bad key'; DROP TABLE x; --": "v",
		"a.b":                        "v",
	}, 0)
	assert.Equal(t, "user_id = ?", where)
	assert.Equal(t, []interface{}{"u1"}, args)
}

func TestCompileEmptyMembership(t *testing.T) {
	c := mysqlCompiler()

	where, args := c.Compile(storage.Scope{}, map[string]interface{}{
		"category": map[string]interface{}{"in": []interface{}{}},
	}, 0)
	assert.Equal(t, "1 = 0", where)
	assert.Empty(t, args)

	where, _ = c.Compile(storage.Scope{}, map[string]interface{}{
		"category": map[string]interface{}{"nin": []interface{}{}},
	}, 0)
	assert.Empty(t, where)
}

func TestCompilePostgresPlaceholders(t *testing.T) {
	c := &storage.FilterCompiler{
		Dialect:       storage.PostgresDialect{},
		PayloadColumn: "payload",
		Columns:       map[string]string{"user_id": "user_id"},
	}

	where, args := c.Compile(storage.Scope{UserID: "u1"}, map[string]interface{}{
		"score":  map[string]interface{}{"gt": 0.5},
		"status": map[string]interface{}{"ne": "done"},
	}, 2)

	assert.Equal(t,
		`user_id = $3 AND (payload->'metadata'->>'score')::numeric > $4 AND payload->'metadata'->>'status' <> $5`,
		where)
	assert.Equal(t, []interface{}{"u1", 0.5, "done"}, args)
}

func TestPayloadFilterCompilerSQLite(t *testing.T) {
	c := storage.NewPayloadFilterCompiler(storage.SQLiteDialect{}, "payload")

	where, args := c.Compile(storage.Scope{UserID: "u1"}, map[string]interface{}{
		"category": "preference",
		"pinned":   true,
	}, 0)

	assert.Equal(t,
		`json_extract(payload, '$."user_id"') = ? AND json_extract(payload, '$."category"') = ? AND `+
			`json_extract(payload, '$."metadata"."pinned"') = ?`,
		where)
	assert.Equal(t, []interface{}{"u1", "preference", 1}, args)
}

func TestMatchFilter(t *testing.T) {
	m := &storage.Memory{
		ID:       1,
		UserID:   "u1",
		Content:  "User prefers concise English answers",
		Category: "preference",
		Metadata: map[string]interface{}{
			"category": "preference",
			"priority": float64(3),
			"source":   "Chat",
		},
		CreatedAt: time.Now(),
	}

	assert.True(t, storage.MatchFilter(m, storage.Scope{UserID: "u1"}, nil))
	assert.False(t, storage.MatchFilter(m, storage.Scope{UserID: "u2"}, nil))

	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{"category": "preference"}))
	assert.False(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{"category": "work"}))

	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"priority": map[string]interface{}{"gte": 3, "lt": 10},
	}))
	assert.False(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"priority": map[string]interface{}{"gt": 3},
	}))

	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"source": map[string]interface{}{"ilike": "ch%"},
	}))
	assert.False(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"source": map[string]interface{}{"like": "ch%"},
	}))

	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"source": []string{"Chat", "Email"},
	}))
	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"source": map[string]interface{}{"nin": []interface{}{"Email"}},
	}))

	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"OR": []interface{}{
			map[string]interface{}{"category": "work"},
			map[string]interface{}{"priority": 3},
		},
	}))
	assert.False(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{
		"AND": []interface{}{
			map[string]interface{}{"category": "preference"},
			map[string]interface{}{"priority": 4},
		},
	}))

	// Missing fields match nothing except a nil equality.
	assert.False(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{"missing": "x"}))
	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{"missing": nil}))

	// Unsafe keys are ignored.
	assert.True(t, storage.MatchFilter(m, storage.Scope{}, map[string]interface{}{"bad key": "x"}))
}
