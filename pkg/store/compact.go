package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/CTAG07/wordchain/pkg/markov"
)

// SQLite's default variable limit is 999, so around half that is good
const batchSize = 500

// DBStats holds aggregated statistics for the entire database.
type DBStats struct {
	Models     int `json:"models"`      // The number of stored models
	VocabSize  int `json:"vocab_size"`  // The number of unique tokens in all models' vocabularies
	PrefixSize int `json:"prefix_size"` // The number of unique prefixes in all models' chains
	Chains     int `json:"chains"`      // The number of stored context->next_token links
}

// Stats returns global counts for the database.
func (s *Store) Stats(ctx context.Context) (DBStats, error) {
	var stats DBStats
	err := s.db.QueryRowContext(ctx, `SELECT
	(SELECT COUNT(*) FROM markov_models),
	(SELECT COUNT(*) FROM markov_vocabulary),
	(SELECT COUNT(*) FROM markov_prefixes),
	(SELECT COUNT(*) FROM markov_chains);`).Scan(&stats.Models, &stats.VocabSize, &stats.PrefixSize, &stats.Chains)
	if err != nil {
		return DBStats{}, fmt.Errorf("could not query database stats: %w", err)
	}
	return stats, nil
}

// Compact performs a database-wide cleanup, removing prefixes and vocabulary
// entries that no stored chain references any more. They accumulate as models
// are replaced or removed. Special tokens (<SOC>, <EOC>) are never removed.
// It returns the number of tokens and prefixes removed.
func (s *Store) Compact(ctx context.Context) (tokensRemoved, prefixesRemoved int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("could not begin transaction for compaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM markov_prefixes WHERE prefix_id NOT IN (SELECT DISTINCT prefix_id FROM markov_chains)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to remove orphaned prefixes: %w", err)
	}
	removed, _ := res.RowsAffected()
	prefixesRemoved = int(removed)

	// Every token still in use appears as a next token or inside a prefix.
	used := map[int]struct{}{int(markov.StartTokenID): {}, int(markov.EndTokenID): {}}
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT next_token_id FROM markov_chains`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query used tokens: %w", err)
	}
	for rows.Next() {
		var id int
		if err = rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, 0, fmt.Errorf("failed to scan token id: %w", err)
		}
		used[id] = struct{}{}
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error after iterating token rows: %w", err)
	}

	// Prefixes are checked in Go, which is more portable and clearer than
	// non-SARGable SQL LIKE queries.
	pRows, err := tx.QueryContext(ctx, `SELECT prefix_text FROM markov_prefixes`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query prefixes: %w", err)
	}
	for pRows.Next() {
		var prefixText string
		if err = pRows.Scan(&prefixText); err != nil {
			_ = pRows.Close()
			return 0, 0, fmt.Errorf("failed to scan prefix row: %w", err)
		}
		ids, err := parsePrefix(prefixText)
		if err != nil {
			_ = pRows.Close()
			return 0, 0, err
		}
		for _, id := range ids {
			used[id] = struct{}{}
		}
	}
	_ = pRows.Close()
	if err = pRows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error after iterating prefix rows: %w", err)
	}

	vRows, err := tx.QueryContext(ctx, `SELECT token_id FROM markov_vocabulary`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query vocabulary: %w", err)
	}
	var orphaned []int
	for vRows.Next() {
		var id int
		if err = vRows.Scan(&id); err != nil {
			_ = vRows.Close()
			return 0, 0, fmt.Errorf("failed to scan token id: %w", err)
		}
		if _, ok := used[id]; !ok {
			orphaned = append(orphaned, id)
		}
	}
	_ = vRows.Close()
	if err = vRows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error after iterating vocabulary rows: %w", err)
	}

	if err = batchDelete(ctx, tx, "markov_vocabulary", "token_id", intSliceToInterface(orphaned)); err != nil {
		return 0, 0, fmt.Errorf("failed to remove orphaned tokens: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("could not commit compaction: %w", err)
	}

	s.logger.InfoContext(ctx, "Database compacted",
		slog.Int("tokens_removed", len(orphaned)),
		slog.Int("prefixes_removed", prefixesRemoved),
	)
	return len(orphaned), prefixesRemoved, nil
}

// batchDelete is a private helper to robustly delete from a table. It handles empty lists and splits large lists into smaller batches to avoid SQL limits.
func batchDelete(ctx context.Context, tx *sql.Tx, table, column string, ids []interface{}) error {
	if len(ids) == 0 {
		return nil
	}

	for i := 0; i < len(ids); i += batchSize {
		end := min(i+batchSize, len(ids))
		batch := ids[i:end]

		query := fmt.Sprintf("DELETE FROM %s WHERE %s IN (?%s)", table, column, strings.Repeat(",?", len(batch)-1))

		if _, err := tx.ExecContext(ctx, query, batch...); err != nil {
			return err
		}
	}
	return nil
}

// intSliceToInterface is a helper to convert []int to []interface{} for SQL args.
func intSliceToInterface(s []int) []interface{} {
	if s == nil {
		return nil
	}
	i := make([]interface{}, len(s))
	for j, v := range s {
		i[j] = v
	}
	return i
}
