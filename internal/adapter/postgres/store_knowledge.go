package postgres

import (
	"context"
	"fmt"

	"github.com/loopsymphony/server/internal/domain/knowledge"
)

// --- Knowledge sync ---

// ListKnowledgeSince returns entries for the app in ctx with a version
// strictly greater than sinceVersion, ordered by version.
func (s *Store) ListKnowledgeSince(ctx context.Context, sinceVersion int64) ([]knowledge.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, app_id, key, content, version, updated_at
		 FROM knowledge_entries WHERE app_id = $1 AND version > $2
		 ORDER BY version ASC`,
		appFromCtx(ctx), sinceVersion)
	if err != nil {
		return nil, fmt.Errorf("list knowledge since %d: %w", sinceVersion, err)
	}
	defer rows.Close()

	var entries []knowledge.Entry
	for rows.Next() {
		var e knowledge.Entry
		if err := rows.Scan(&e.ID, &e.AppID, &e.Key, &e.Content, &e.Version, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		entries = append(entries, e)
	}
	return orEmpty(entries), rows.Err()
}

// UpsertRoomSyncState records the knowledge version a room has synced to.
func (s *Store) UpsertRoomSyncState(ctx context.Context, roomID string, version int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_sync_state (app_id, room_id, last_knowledge_version, synced_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (app_id, room_id) DO UPDATE SET
		   last_knowledge_version = EXCLUDED.last_knowledge_version,
		   synced_at = now()`,
		appFromCtx(ctx), roomID, version)
	if err != nil {
		return fmt.Errorf("upsert room sync state %s: %w", roomID, err)
	}
	return nil
}
