package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oceanbase/powermem-engine/pkg/storage"
)

// tableColumns returns the column names of table, or nil if it does not exist.
func (c *Client) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// isLegacyLayout reports whether an existing table needs migrating. Anything
// that is not exactly the (id, vector, payload) shape is treated as legacy.
func isLegacyLayout(cols map[string]bool) bool {
	if !cols["id"] || !cols["vector"] || !cols["payload"] {
		return true
	}
	return len(cols) != 3
}

// migrateLegacy copies the rows of a legacy table into a fresh table and swaps
// the two inside one transaction. The legacy table is kept under a
// timestamped name.
func (c *Client) migrateLegacy(ctx context.Context, cols map[string]bool) error {
	tmp := c.table + "_migrating"
	backup := fmt.Sprintf("%s_legacy_%d", c.table, time.Now().Unix())

	c.logger.Info("migrating legacy table layout", zap.String("backup", backup))

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tmp)); err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(tmp)); err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s`, c.table))
	if err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}
	records, err := readLegacyRows(rows)
	if err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}

	insert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, vector, payload) VALUES (?, ?, ?)`, tmp)
	copied := 0
	for _, rec := range records {
		m, vector, err := convertLegacyRow(rec)
		if err != nil {
			c.logger.Warn("skipping unreadable legacy row", zap.Error(err))
			continue
		}
		payload, err := storage.EncodePayload(m)
		if err != nil {
			return fmt.Errorf("migrateLegacy: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insert, m.ID, vector, string(payload)); err != nil {
			return fmt.Errorf("migrateLegacy: %w", err)
		}
		copied++
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, c.table, backup)); err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, tmp, c.table)); err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrateLegacy: %w", err)
	}

	c.logger.Info("legacy table migrated",
		zap.Int("rows", copied),
		zap.Int("skipped", len(records)-copied),
		zap.String("backup", backup))
	return nil
}

// readLegacyRows reads every row as a column-name to text map.
func readLegacyRows(rows *sql.Rows) ([]map[string]sql.NullString, error) {
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]sql.NullString
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		ptrs := make([]interface{}, len(names))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := make(map[string]sql.NullString, len(names))
		for i, name := range names {
			rec[strings.ToLower(name)] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// convertLegacyRow maps a legacy row onto a record and its vector text.
func convertLegacyRow(rec map[string]sql.NullString) (*storage.Memory, string, error) {
	idText := first(rec, "id")
	id, err := strconv.ParseInt(idText, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("legacy id %q: %w", idText, err)
	}

	m := &storage.Memory{ID: id}

	// Some legacy tables already kept a payload document next to other columns.
	if p := first(rec, "payload"); p != "" {
		if err := storage.DecodePayload([]byte(p), m); err != nil {
			return nil, "", err
		}
	}

	if v := first(rec, "content", "document", "data", "memory"); v != "" {
		m.Content = v
	}
	if v := first(rec, "user_id"); v != "" {
		m.UserID = v
	}
	if v := first(rec, "agent_id"); v != "" {
		m.AgentID = v
	}
	if v := first(rec, "run_id"); v != "" {
		m.RunID = v
	}
	if v := first(rec, "actor_id"); v != "" {
		m.ActorID = v
	}
	if v := first(rec, "category"); v != "" {
		m.Category = v
	}
	if v := first(rec, "metadata"); v != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(v), &meta); err == nil && len(meta) > 0 {
			m.Metadata = meta
		}
	}
	if v := first(rec, "retention_strength"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if m.Attributes == nil {
				m.Attributes = make(map[string]interface{})
			}
			m.Attributes["retention_strength"] = f
		}
	}

	if t := parseLegacyTime(first(rec, "created_at")); !t.IsZero() {
		m.CreatedAt = t
	}
	if t := parseLegacyTime(first(rec, "updated_at")); !t.IsZero() {
		m.UpdatedAt = t
	}
	if m.UpdatedAt.IsZero() || m.UpdatedAt.Before(m.CreatedAt) {
		m.UpdatedAt = m.CreatedAt
	}
	if t := parseLegacyTime(first(rec, "last_accessed_at")); !t.IsZero() {
		m.LastAccessedAt = &t
	}

	if m.Hash == "" {
		m.Hash = storage.ContentHash(m.Content)
	}

	vector := first(rec, "vector", "embedding")
	if vector == "" {
		vector = "[]"
	}
	if _, err := storage.DecodeVector(vector); err != nil {
		return nil, "", err
	}

	return m, vector, nil
}

func first(rec map[string]sql.NullString, names ...string) string {
	for _, n := range names {
		if v, ok := rec[n]; ok && v.Valid && v.String != "" {
			return v.String
		}
	}
	return ""
}

var legacyTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseLegacyTime(s string) time.Time {
	for _, layout := range legacyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
