package core_test

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	powermem "github.com/oceanbase/powermem-engine/pkg/core"
	"github.com/oceanbase/powermem-engine/pkg/embedder"
	"github.com/oceanbase/powermem-engine/pkg/graph"
	"github.com/oceanbase/powermem-engine/pkg/llm"
	"github.com/oceanbase/powermem-engine/pkg/rerank"
)

const testDims = 32

// wordEmbedder hashes each lowercased word into a bucket, so texts sharing
// words end up close.
type wordEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *wordEmbedder) Embed(_ context.Context, text string, _ embedder.Action) ([]float64, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	v := make([]float64, testDims)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(strings.Trim(w, ".,!?")))
		v[int(h.Sum32()%testDims)]++
	}
	v[0] += 0.01
	return v, nil
}

func (e *wordEmbedder) EmbedBatch(ctx context.Context, texts []string, action embedder.Action) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t, action)
	}
	return out, nil
}

func (e *wordEmbedder) Dimensions() int { return testDims }
func (e *wordEmbedder) Close() error    { return nil }

// queuedLLM returns its replies in order and fails once they run out.
type queuedLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (q *queuedLLM) Generate(ctx context.Context, prompt string, opts ...llm.GenerateOption) (string, error) {
	return q.GenerateWithMessages(ctx, []llm.Message{{Role: "user", Content: prompt}}, opts...)
}

func (q *queuedLLM) GenerateWithMessages(context.Context, []llm.Message, ...llm.GenerateOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if len(q.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := q.replies[0]
	q.replies = q.replies[1:]
	return reply, nil
}

func (q *queuedLLM) Close() error { return nil }

// keywordReranker scores documents containing keyword above the rest.
type keywordReranker struct {
	keyword string
	err     error
}

func (r *keywordReranker) Rerank(_ context.Context, _ string, docs []string, topN int) ([]rerank.Result, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]rerank.Result, len(docs))
	for i, d := range docs {
		score := 0.1
		if strings.Contains(d, r.keyword) {
			score = 0.9
		}
		out[i] = rerank.Result{Index: i, Score: score}
	}
	return rerank.SortResults(out, topN), nil
}

// recordingGraph keeps the texts it was given and fails searches on demand.
type recordingGraph struct {
	mu        sync.Mutex
	added     []string
	deleted   int
	searchErr error
}

func (g *recordingGraph) Add(_ context.Context, text string, _ graph.Filters) ([]graph.Relation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.added = append(g.added, text)
	return []graph.Relation{{Source: "user", Relationship: "said", Destination: text}}, nil
}

func (g *recordingGraph) Search(context.Context, string, graph.Filters, int) ([]graph.Relation, error) {
	if g.searchErr != nil {
		return nil, g.searchErr
	}
	return []graph.Relation{{Source: "user", Relationship: "knows", Destination: "tea"}}, nil
}

func (g *recordingGraph) GetAll(context.Context, graph.Filters, int) ([]graph.Relation, error) {
	return nil, nil
}

func (g *recordingGraph) DeleteAll(context.Context, graph.Filters) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted++
	return nil
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func memoryConfig() *powermem.Config {
	return &powermem.Config{
		VectorStore: powermem.VectorStoreConfig{Provider: "memory"},
	}
}

// newTestClient builds a client on the in-process store with the word
// embedder injected.
func newTestClient(t *testing.T, cfg *powermem.Config, opts ...powermem.ClientOption) *powermem.Client {
	t.Helper()
	if cfg == nil {
		cfg = memoryConfig()
	}
	opts = append([]powermem.ClientOption{powermem.WithEmbedder(&wordEmbedder{})}, opts...)
	client, err := powermem.NewClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}
