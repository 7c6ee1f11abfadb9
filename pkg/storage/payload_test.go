package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

func TestPayloadRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	accessed := created.Add(time.Hour)
	in := &storage.Memory{
		ID:             42,
		UserID:         "u1",
		AgentID:        "a1",
		RunID:          "r1",
		Content:        "User prefers concise English answers",
		Hash:           storage.ContentHash("User prefers concise English answers"),
		Category:       "preference",
		Visibility:     "private",
		Metadata:       map[string]interface{}{"category": "preference", "source": "chat"},
		Attributes:     map[string]interface{}{"importance_score": 0.7},
		CreatedAt:      created,
		UpdatedAt:      created,
		LastAccessedAt: &accessed,
	}

	data, err := storage.EncodePayload(in)
	require.NoError(t, err)

	out := &storage.Memory{ID: in.ID}
	require.NoError(t, storage.DecodePayload(data, out))

	assert.Equal(t, in.Content, out.Content)
	assert.Equal(t, in.Metadata, out.Metadata)
	assert.Equal(t, in.Attributes, out.Attributes)
	assert.Equal(t, in.Hash, out.Hash)
	assert.Equal(t, in.Category, out.Category)
	assert.Equal(t, in.Visibility, out.Visibility)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	require.NotNil(t, out.LastAccessedAt)
	assert.True(t, accessed.Equal(*out.LastAccessedAt))
}

func TestVectorCodec(t *testing.T) {
	s, err := storage.EncodeVector([]float64{0.1, -2, 3.5})
	require.NoError(t, err)

	v, err := storage.DecodeVector(s)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, -2, 3.5}, v)

	v, err = storage.DecodeVector("[0.25, 1e-3 ,2]")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.25, 0.001, 2}, v)

	assert.Equal(t, "[0.25,-1,3]", storage.VectorLiteral([]float64{0.25, -1, 3}))

	_, err = storage.DecodeVector("[a,b]")
	assert.Error(t, err)
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", storage.ContentHash("hello"))
}

func TestScopeAllows(t *testing.T) {
	m := &storage.Memory{UserID: "u1", AgentID: "a1"}
	assert.True(t, storage.Scope{}.Allows(m))
	assert.True(t, storage.Scope{UserID: "u1"}.Allows(m))
	assert.False(t, storage.Scope{UserID: "u1", RunID: "r1"}.Allows(m))
	assert.False(t, storage.Scope{AgentID: "a2"}.Allows(m))
	assert.False(t, storage.Scope{}.Allows(nil))
}
