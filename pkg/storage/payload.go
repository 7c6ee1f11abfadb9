package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// payload is the JSON document persisted next to each vector.
type payload struct {
	Data           string                 `json:"data"`
	UserID         string                 `json:"user_id,omitempty"`
	AgentID        string                 `json:"agent_id,omitempty"`
	RunID          string                 `json:"run_id,omitempty"`
	ActorID        string                 `json:"actor_id,omitempty"`
	Hash           string                 `json:"hash,omitempty"`
	Category       string                 `json:"category,omitempty"`
	Scope          string                 `json:"scope,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Attributes     map[string]interface{} `json:"attributes,omitempty"`
	CreatedAt      string                 `json:"created_at,omitempty"`
	UpdatedAt      string                 `json:"updated_at,omitempty"`
	LastAccessedAt string                 `json:"last_accessed_at,omitempty"`
}

// PayloadFields lists the top-level payload keys other than metadata.
// Backends without denormalized columns resolve these keys against the
// payload document instead of the metadata path.
var PayloadFields = []string{
	"user_id", "agent_id", "run_id", "actor_id", "hash", "category", "scope",
	"created_at", "updated_at",
}

// EncodePayload serializes everything but the ID and embedding of m.
func EncodePayload(m *Memory) ([]byte, error) {
	p := payload{
		Data:       m.Content,
		UserID:     m.UserID,
		AgentID:    m.AgentID,
		RunID:      m.RunID,
		ActorID:    m.ActorID,
		Hash:       m.Hash,
		Category:   m.Category,
		Scope:      m.Visibility,
		Metadata:   m.Metadata,
		Attributes: m.Attributes,
		CreatedAt:  FormatTime(m.CreatedAt),
		UpdatedAt:  FormatTime(m.UpdatedAt),
	}
	if m.LastAccessedAt != nil {
		p.LastAccessedAt = FormatTime(*m.LastAccessedAt)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("EncodePayload: %w", err)
	}
	return data, nil
}

// DecodePayload fills m from a payload document produced by EncodePayload.
func DecodePayload(data []byte, m *Memory) error {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("DecodePayload: %w", err)
	}

	m.Content = p.Data
	m.UserID = p.UserID
	m.AgentID = p.AgentID
	m.RunID = p.RunID
	m.ActorID = p.ActorID
	m.Hash = p.Hash
	m.Category = p.Category
	m.Visibility = p.Scope
	m.Metadata = p.Metadata
	m.Attributes = p.Attributes
	m.CreatedAt = ParseTime(p.CreatedAt)
	m.UpdatedAt = ParseTime(p.UpdatedAt)
	if p.LastAccessedAt != "" {
		t := ParseTime(p.LastAccessedAt)
		m.LastAccessedAt = &t
	} else {
		m.LastAccessedAt = nil
	}
	return nil
}

// EncodeVector serializes a vector as a JSON array.
func EncodeVector(v []float64) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("EncodeVector: %w", err)
	}
	return string(data), nil
}

// DecodeVector parses a vector from a JSON array or from the bracketed text
// form returned by vector columns ("[0.1,0.2]").
func DecodeVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var v []float64
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, nil
	}

	inner := strings.Trim(s, "[]")
	if inner == "" {
		return []float64{}, nil
	}
	parts := strings.Split(inner, ",")
	v = make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("DecodeVector: %w", err)
		}
		v[i] = f
	}
	return v, nil
}

// VectorLiteral renders v in the "[a,b,c]" text form accepted by vector columns.
func VectorLiteral(v []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// ContentHash returns the md5 hex digest used for the record hash.
func ContentHash(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// FormatTime renders t in UTC RFC 3339 with nanoseconds. The zero time
// renders as the empty string.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a FormatTime value, returning the zero time on failure.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
