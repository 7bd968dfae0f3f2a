package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/issuedeck/issuedeck/internal/issue/models"
	"github.com/issuedeck/issuedeck/internal/issue/repository"
)

// GetLogs returns one ascending page of the issue's conversation, merging
// the live ring tail over what persistence has. The devMode flag is
// remembered per issue and gates which later log events are published.
//
// Three exclusive read modes:
//   - q.Cursor set: rows strictly after the cursor, plus ring entries past
//     it. First Limit rows win.
//   - q.Before set: the rows immediately preceding the position. Purely
//     historical, no ring merge.
//   - neither: the newest rows, plus ring entries newer than the last
//     persisted one. Last Limit rows win.
func (e *Engine) GetLogs(ctx context.Context, issueID string, devMode bool, q repository.LogQuery) ([]*models.NormalizedEntry, error) {
	e.devModes.Store(issueID, devMode)

	dbQuery := q
	if q.Limit > 0 {
		// Overfetch; visibility narrowing and ring dedupe run after the
		// SQL limit.
		dbQuery.Limit = q.Limit*2 + 1
	}
	entries, err := e.repo.Logs(ctx, issueID, devMode, dbQuery)
	if err != nil {
		return nil, err
	}

	if q.Before != "" {
		return keepLast(entries, q.Limit), nil
	}

	merged := e.mergeRing(issueID, devMode, q.Cursor, entries)
	if q.Cursor != "" {
		return keepFirst(merged, q.Limit), nil
	}
	return keepLast(merged, q.Limit), nil
}

// mergeRing folds the issue's live ring tail into a DB page. Persisted ring
// entries are bounded by position and deduplicated by messageId; entries
// that never got a row bypass the bound so persistence failures stay
// visible, with a content key as the dedupe fallback.
func (e *Engine) mergeRing(issueID string, devMode bool, cursor string, db []*models.NormalizedEntry) []*models.NormalizedEntry {
	e.mu.RLock()
	ring := e.rings[issueID]
	e.mu.RUnlock()
	if ring == nil || ring.Len() == 0 {
		return db
	}

	var boundTurn, boundEntry int
	bounded := false
	if cursor != "" {
		if t, n, err := repository.DecodeCursor(cursor); err == nil {
			boundTurn, boundEntry, bounded = t, n, true
		}
	} else if len(db) > 0 {
		newest := db[len(db)-1]
		boundTurn, boundEntry, bounded = newest.TurnIndex, newest.EntryIndex, true
	}

	seenIDs := make(map[string]struct{}, len(db))
	seenKeys := make(map[string]struct{}, len(db))
	for _, entry := range db {
		if entry.MessageID != "" {
			seenIDs[entry.MessageID] = struct{}{}
		}
		seenKeys[fallbackKey(entry)] = struct{}{}
	}

	merged := db
	for _, entry := range ring.Snapshot() {
		if !repository.IsVisibleForMode(entry, devMode) {
			continue
		}
		if entry.MessageID != "" {
			if bounded && !positionAfter(entry, boundTurn, boundEntry) {
				continue
			}
			if _, dup := seenIDs[entry.MessageID]; dup {
				continue
			}
			seenIDs[entry.MessageID] = struct{}{}
		} else {
			if _, dup := seenKeys[fallbackKey(entry)]; dup {
				continue
			}
		}
		seenKeys[fallbackKey(entry)] = struct{}{}
		merged = append(merged, entry)
	}

	sortEntries(merged)
	return merged
}

// fallbackKey identifies an entry when it has no messageId to compare.
func fallbackKey(entry *models.NormalizedEntry) string {
	return fmt.Sprintf("%d|%s|%s|%s", entry.TurnIndex, entry.Timestamp, entry.EntryType, entry.Content)
}

func positionAfter(entry *models.NormalizedEntry, turn, idx int) bool {
	if entry.TurnIndex != turn {
		return entry.TurnIndex > turn
	}
	return entry.EntryIndex > idx
}

// sortEntries orders by messageId; the id is a ULID, so lexicographic order
// is creation order. Entries without an id sort after everything persisted
// and keep their relative emission order.
func sortEntries(entries []*models.NormalizedEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.MessageID == "" || b.MessageID == "" {
			return b.MessageID == "" && a.MessageID != ""
		}
		return a.MessageID < b.MessageID
	})
}

func keepFirst(entries []*models.NormalizedEntry, limit int) []*models.NormalizedEntry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[:limit]
}

func keepLast(entries []*models.NormalizedEntry, limit int) []*models.NormalizedEntry {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[len(entries)-limit:]
}
