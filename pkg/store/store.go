package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/CTAG07/wordchain/pkg/markov"
)

var (
	// ErrModelNotFound is returned when no model with the requested name exists.
	ErrModelNotFound = errors.New("store: model not found")
	// ErrReservedToken is returned when a chain holds a word whose text is
	// StartTokenText or EndTokenText. The vocabulary table is keyed by text,
	// so such a word cannot be told apart from the sentinel it spells.
	ErrReservedToken = errors.New("store: token text is reserved")
)

// CheckVocabulary returns an error wrapping ErrReservedToken if chain cannot
// be saved because one of its words spells a sentinel.
func CheckVocabulary(chain *markov.Chain) error {
	return checkVocabulary(chain.Snapshot().Vocabulary)
}

func checkVocabulary(vocab []string) error {
	if len(vocab) < 2 {
		return nil
	}
	for _, text := range vocab[2:] {
		if text == markov.StartTokenText || text == markov.EndTokenText {
			return fmt.Errorf("%w: %q", ErrReservedToken, text)
		}
	}
	return nil
}

// ModelInfo holds the essential metadata for a stored model, including its
// unique ID, name, and the order of its chain.
type ModelInfo struct {
	Id    int    `json:"id"`
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// Store keeps named chains in a SQLite database. It holds the database
// connection and prepared SQL statements for efficient database interaction.
// The caller owns the *sql.DB and chooses the driver.
type Store struct {
	db                    *sql.DB
	stmtGetModelInfo      *sql.Stmt
	stmtGetModels         *sql.Stmt
	stmtUpsertModel       *sql.Stmt
	stmtClearChains       *sql.Stmt
	stmtInsertVocab       *sql.Stmt
	stmtGetOrInsertPrefix *sql.Stmt
	stmtInsertChain       *sql.Stmt
	stmtGetChains         *sql.Stmt
	logger                *slog.Logger
}

// New creates a Store over a database prepared with SetupSchema. It
// pre-compiles all necessary SQL statements, returning an error if any
// preparation fails.
func New(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	statements := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.stmtGetModelInfo, `SELECT model_id, model_order FROM markov_models WHERE model_name = ?;`},
		{&s.stmtGetModels, `SELECT model_id, model_name, model_order FROM markov_models ORDER BY model_name;`},
		{&s.stmtUpsertModel, `INSERT INTO markov_models (model_name, model_order) VALUES (?, ?) ON CONFLICT(model_name) DO UPDATE SET model_order=excluded.model_order RETURNING model_id;`},
		{&s.stmtClearChains, `DELETE FROM markov_chains WHERE model_id = ?;`},
		{&s.stmtInsertVocab, `INSERT INTO markov_vocabulary (token_text) VALUES (?) ON CONFLICT(token_text) DO UPDATE SET token_text=excluded.token_text RETURNING token_id;`},
		{&s.stmtGetOrInsertPrefix, `INSERT INTO markov_prefixes (prefix_text) VALUES (?) ON CONFLICT(prefix_text) DO UPDATE SET prefix_text=excluded.prefix_text RETURNING prefix_id;`},
		{&s.stmtInsertChain, `INSERT INTO markov_chains (model_id, prefix_id, next_token_id, frequency) VALUES (?, ?, ?, ?);`},
		// rowid follows insertion order, which keeps successors in the order they were saved.
		{&s.stmtGetChains, `SELECT p.prefix_text, c.next_token_id, c.frequency FROM markov_chains c JOIN markov_prefixes p ON p.prefix_id = c.prefix_id WHERE c.model_id = ? ORDER BY c.rowid;`},
	}
	for _, st := range statements {
		stmt, err := db.Prepare(st.query)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("could not prepare statement: %w", err)
		}
		*st.dst = stmt
	}
	return s, nil
}

// Close releases all prepared SQL statements held by the Store. It does not
// close the database.
func (s *Store) Close() {
	for _, stmt := range []*sql.Stmt{
		s.stmtGetModelInfo, s.stmtGetModels, s.stmtUpsertModel, s.stmtClearChains,
		s.stmtInsertVocab, s.stmtGetOrInsertPrefix, s.stmtInsertChain, s.stmtGetChains,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// SetLogger sets the logger for the Store. By default, all logs are discarded.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// List retrieves metadata for all stored models, sorted by name.
func (s *Store) List(ctx context.Context) ([]ModelInfo, error) {
	rows, err := s.stmtGetModels.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	models := make([]ModelInfo, 0)
	for rows.Next() {
		var model ModelInfo
		if err = rows.Scan(&model.Id, &model.Name, &model.Order); err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

// Info retrieves the metadata for a single model specified by name.
func (s *Store) Info(ctx context.Context, name string) (ModelInfo, error) {
	info := ModelInfo{Name: name}
	err := s.stmtGetModelInfo.QueryRowContext(ctx, name).Scan(&info.Id, &info.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelInfo{}, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	if err != nil {
		return ModelInfo{}, err
	}
	return info, nil
}

// Save writes chain under name, replacing any model previously stored with
// that name. The operation is performed within a transaction, so readers
// see either the old model or the new one. A chain with a word spelled like
// a sentinel ("<SOC>" or "<EOC>") is rejected with ErrReservedToken before
// anything is written.
func (s *Store) Save(ctx context.Context, name string, chain *markov.Chain) error {
	exported := chain.Snapshot()
	if err := checkVocabulary(exported.Vocabulary); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction for save: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	var modelID int
	if err = tx.StmtContext(ctx, s.stmtUpsertModel).QueryRowContext(ctx, name, exported.Order).Scan(&modelID); err != nil {
		return fmt.Errorf("failed to upsert model '%s': %w", name, err)
	}
	if _, err = tx.StmtContext(ctx, s.stmtClearChains).ExecContext(ctx, modelID); err != nil {
		return fmt.Errorf("failed to clear chains for model %d: %w", modelID, err)
	}

	stmtInsertVocab := tx.StmtContext(ctx, s.stmtInsertVocab)
	stmtGetOrInsertPrefix := tx.StmtContext(ctx, s.stmtGetOrInsertPrefix)
	stmtInsertChain := tx.StmtContext(ctx, s.stmtInsertChain)

	vocabIDMap := make([]int, len(exported.Vocabulary)) // chain id -> global id
	vocabIDMap[markov.StartTokenID] = int(markov.StartTokenID)
	vocabIDMap[markov.EndTokenID] = int(markov.EndTokenID)
	for i, text := range exported.Vocabulary[2:] {
		if err = stmtInsertVocab.QueryRowContext(ctx, text).Scan(&vocabIDMap[i+2]); err != nil {
			return fmt.Errorf("failed to get/insert vocab '%s': %w", text, err)
		}
	}

	prefixIDs := make(map[string]int)
	prefixParts := make([]string, exported.Order)
	for _, t := range exported.Transitions {
		for i, id := range t.Context {
			prefixParts[i] = strconv.Itoa(vocabIDMap[id])
		}
		prefixText := strings.Join(prefixParts, " ")

		prefixID, ok := prefixIDs[prefixText]
		if !ok {
			if err = stmtGetOrInsertPrefix.QueryRowContext(ctx, prefixText).Scan(&prefixID); err != nil {
				return fmt.Errorf("failed to get/insert prefix '%s': %w", prefixText, err)
			}
			prefixIDs[prefixText] = prefixID
		}

		if _, err = stmtInsertChain.ExecContext(ctx, modelID, prefixID, vocabIDMap[t.Next], int64(t.Count)); err != nil {
			return fmt.Errorf("failed to insert chain link (%d -> %d): %w", prefixID, vocabIDMap[t.Next], err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit save: %w", err)
	}

	s.logger.InfoContext(ctx, "Model saved",
		slog.String("model_name", name),
		slog.Int("model_id", modelID),
		slog.Int("vocab_items_saved", len(exported.Vocabulary)),
		slog.Int("prefixes_saved", len(prefixIDs)),
		slog.Int("chains_saved", len(exported.Transitions)),
	)
	return nil
}

// Load rebuilds the chain stored under name. Token IDs are re-mapped from the
// shared vocabulary into a fresh chain vocabulary; counts, order and the
// order of successors are preserved. opts configure the returned chain, for
// example its tokenizer or logger; the stored order always wins.
func (s *Store) Load(ctx context.Context, name string, opts ...markov.ChainOption) (*markov.Chain, error) {
	info, err := s.Info(ctx, name)
	if err != nil {
		return nil, err
	}

	rows, err := s.stmtGetChains.QueryContext(ctx, info.Id)
	if err != nil {
		return nil, fmt.Errorf("could not query chains for model %d: %w", info.Id, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	type storedLink struct {
		prefix []int
		next   int
		freq   int64
	}
	var links []storedLink
	// Global IDs in first-seen order, so the rebuilt vocabulary is stable.
	var globalIDs []int
	seen := map[int]struct{}{int(markov.StartTokenID): {}, int(markov.EndTokenID): {}}
	note := func(id int) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			globalIDs = append(globalIDs, id)
		}
	}

	for rows.Next() {
		var prefixText string
		var link storedLink
		if err = rows.Scan(&prefixText, &link.next, &link.freq); err != nil {
			return nil, fmt.Errorf("failed to scan chain row: %w", err)
		}
		link.prefix, err = parsePrefix(prefixText)
		if err != nil {
			return nil, err
		}
		for _, id := range link.prefix {
			note(id)
		}
		note(link.next)
		links = append(links, link)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	texts, err := s.tokenTexts(ctx, globalIDs)
	if err != nil {
		return nil, err
	}

	localIDs := map[int]markov.TokenID{
		int(markov.StartTokenID): markov.StartTokenID,
		int(markov.EndTokenID):   markov.EndTokenID,
	}
	exported := markov.ExportedChain{
		Order:       info.Order,
		Vocabulary:  []string{markov.StartTokenText, markov.EndTokenText},
		Transitions: make([]markov.ExportedTransition, 0, len(links)),
	}
	for _, id := range globalIDs {
		text, ok := texts[id]
		if !ok {
			return nil, fmt.Errorf("consistency error: token id %d not found in vocabulary", id)
		}
		localIDs[id] = markov.TokenID(len(exported.Vocabulary))
		exported.Vocabulary = append(exported.Vocabulary, text)
	}
	for _, link := range links {
		prefix := make([]markov.TokenID, len(link.prefix))
		for i, id := range link.prefix {
			prefix[i] = localIDs[id]
		}
		exported.Transitions = append(exported.Transitions, markov.ExportedTransition{
			Context: prefix,
			Next:    localIDs[link.next],
			Count:   uint64(link.freq),
		})
	}

	chain, err := markov.FromExported(exported, opts...)
	if err != nil {
		return nil, fmt.Errorf("model '%s' is corrupt: %w", name, err)
	}

	s.logger.DebugContext(ctx, "Model loaded",
		slog.String("model_name", name),
		slog.Int("model_id", info.Id),
		slog.Int("chains_loaded", len(links)),
	)
	return chain, nil
}

// Remove deletes a model and all of its associated chain data from the
// database. The operation is performed within a transaction. Shared
// vocabulary and prefixes are left for Compact.
func (s *Store) Remove(ctx context.Context, name string) error {
	info, err := s.Info(ctx, name)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if _, err = tx.StmtContext(ctx, s.stmtClearChains).ExecContext(ctx, info.Id); err != nil {
		return fmt.Errorf("failed to remove chains for model %d: %w", info.Id, err)
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM markov_models WHERE model_id = ?", info.Id); err != nil {
		return fmt.Errorf("failed to remove model %d: %w", info.Id, err)
	}

	s.logger.InfoContext(ctx, "Model removed successfully",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
	)
	return tx.Commit()
}

// tokenTexts fetches the text of every given global token ID.
func (s *Store) tokenTexts(ctx context.Context, ids []int) (map[int]string, error) {
	texts := make(map[int]string, len(ids))
	for start := 0; start < len(ids); start += batchSize {
		batch := intSliceToInterface(ids[start:min(start+batchSize, len(ids))])
		// Grab every token in the batch with one query
		query := fmt.Sprintf(`SELECT token_id, token_text FROM markov_vocabulary WHERE token_id IN (?%s)`, strings.Repeat(",?", len(batch)-1))
		rows, err := s.db.QueryContext(ctx, query, batch...)
		if err != nil {
			return nil, fmt.Errorf("could not query vocabulary: %w", err)
		}
		for rows.Next() {
			var id int
			var text string
			if err = rows.Scan(&id, &text); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan vocabulary row: %w", err)
			}
			texts[id] = text
		}
		_ = rows.Close()
		if err = rows.Err(); err != nil {
			return nil, err
		}
	}
	return texts, nil
}

// parsePrefix splits a stored prefix back into global token IDs.
func parsePrefix(text string) ([]int, error) {
	parts := strings.Split(text, " ")
	ids := make([]int, len(parts))
	for i, part := range parts {
		id, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("consistency error: malformed prefix %q: %w", text, err)
		}
		ids[i] = id
	}
	return ids, nil
}
