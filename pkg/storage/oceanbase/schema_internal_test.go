package oceanbase

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

func TestParserLadder(t *testing.T) {
	assert.Equal(t, []string{"", "ik", "ngram", "space", "beng"}, parserLadder(""))
	assert.Equal(t, []string{"", "ngram", "ik", "space", "beng"}, parserLadder("ngram"))
	assert.Equal(t, []string{"", "jieba", "ik", "ngram", "space", "beng"}, parserLadder(" Jieba "))
}

func TestParseVectorDims(t *testing.T) {
	n, ok := parseVectorDims("vector(1536)")
	assert.True(t, ok)
	assert.Equal(t, 1536, n)

	n, ok = parseVectorDims("VECTOR(3)")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = parseVectorDims("longtext")
	assert.False(t, ok)
}

func TestIsAlreadyExists(t *testing.T) {
	for _, n := range []uint16{1050, 1060, 1061} {
		err := fmt.Errorf("wrapped: %w", &mysql.MySQLError{Number: n, Message: "exists"})
		assert.True(t, isAlreadyExists(err), "error %d", n)
	}
	assert.False(t, isAlreadyExists(&mysql.MySQLError{Number: 1064}))
	assert.False(t, isAlreadyExists(errors.New("plain")))
	assert.False(t, isAlreadyExists(nil))
}

func TestVectorIndexSQL(t *testing.T) {
	q := vectorIndexSQL("memories", storage.MetricCosine, storage.HNSWParams{M: 16, EfConstruction: 200})
	assert.Equal(t,
		"CREATE VECTOR INDEX idx_memories_vec ON memories (embedding) WITH (distance=cosine, type=hnsw, lib=vsag, m=16, ef_construction=200)",
		q)

	q = vectorIndexSQL("m", storage.MetricIP, storage.HNSWParams{})
	assert.Contains(t, q, "distance=inner_product")
}

func TestFulltextIndexSQL(t *testing.T) {
	assert.Equal(t, "CREATE FULLTEXT INDEX idx_m_fts ON m (fulltext_content)", fulltextIndexSQL("m", ""))
	assert.Equal(t, "CREATE FULLTEXT INDEX idx_m_fts ON m (fulltext_content) WITH PARSER ik", fulltextIndexSQL("m", "ik"))
}

func TestLikeCondition(t *testing.T) {
	cond, args := likeCondition([]string{"concise", "100%"})
	assert.Equal(t, "(LOWER(fulltext_content) LIKE ? OR LOWER(fulltext_content) LIKE ?)", cond)
	assert.Equal(t, []interface{}{"%concise%", `%100\%%`}, args)
}

func TestDistanceFunc(t *testing.T) {
	fn, desc := distanceFunc(storage.MetricCosine)
	assert.Equal(t, "cosine_distance", fn)
	assert.False(t, desc)

	fn, desc = distanceFunc(storage.MetricIP)
	assert.Equal(t, "inner_product", fn)
	assert.True(t, desc)
}

func TestCompilerUsesPromotedColumns(t *testing.T) {
	where, args := newCompiler().Compile(storage.Scope{UserID: "u"},
		map[string]interface{}{"category": "preference", "topic": "food", "actor_id": "bob"}, 0)
	assert.Equal(t,
		`user_id = ? AND JSON_UNQUOTE(JSON_EXTRACT(payload, '$."actor_id"')) = ? AND category = ? AND JSON_UNQUOTE(JSON_EXTRACT(payload, '$."metadata"."topic"')) = ?`,
		where)
	assert.Equal(t, []interface{}{"u", "bob", "preference", "food"}, args)
}

func TestBuildDSN(t *testing.T) {
	dsn := buildDSN(&Config{Host: "127.0.0.1", Port: 2881, User: "root@test", Password: "p@ss:word", DBName: "powermem"})
	cfg, err := mysql.ParseDSN(dsn)
	assert.NoError(t, err)
	assert.Equal(t, "root@test", cfg.User)
	assert.Equal(t, "p@ss:word", cfg.Passwd)
	assert.Equal(t, "127.0.0.1:2881", cfg.Addr)
	assert.Equal(t, "powermem", cfg.DBName)
	assert.True(t, cfg.ParseTime)
}
