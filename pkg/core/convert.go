package core

import (
	"github.com/oceanbase/powermem-engine/pkg/intelligence"
	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// fromStorageMemory converts a storage.Memory to core.Memory.
func fromStorageMemory(m *storage.Memory) *Memory {
	if m == nil {
		return nil
	}
	out := &Memory{
		ID:             m.ID,
		UserID:         m.UserID,
		AgentID:        m.AgentID,
		RunID:          m.RunID,
		ActorID:        m.ActorID,
		Content:        m.Content,
		Hash:           m.Hash,
		Category:       m.Category,
		Scope:          MemoryScope(m.Visibility),
		Embedding:      m.Embedding,
		Metadata:       m.Metadata,
		Attributes:     m.Attributes,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		LastAccessedAt: m.LastAccessedAt,
		Score:          m.Score,
		Fusion:         m.Fusion,
	}
	if state, ok := intelligence.StateFrom(m.Attributes); ok {
		out.RetentionStrength = state.CurrentRetention
	}
	return out
}

func fromStorageMemories(memories []*storage.Memory) []*Memory {
	result := make([]*Memory, 0, len(memories))
	for _, m := range memories {
		if m != nil {
			result = append(result, fromStorageMemory(m))
		}
	}
	return result
}

// applyPatch mirrors an access patch onto a record already in hand so the
// caller sees the state that was just persisted.
func applyPatch(m *storage.Memory, p intelligence.FieldPatch) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]interface{}, len(p.Attributes))
	}
	for k, v := range p.Attributes {
		m.Attributes[k] = v
	}
	t := p.LastAccessedAt
	m.LastAccessedAt = &t
}

func isArchived(m *storage.Memory) bool {
	return intelligence.ManagementFrom(m.Attributes).Archived
}
