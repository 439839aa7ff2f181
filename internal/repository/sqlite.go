package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/surveychat/internal/domain"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store. Write transactions are opened
// with BEGIN IMMEDIATE so read-max-then-insert sequences are serialized.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
	db, err := sql.Open("sqlite3", withTxLock(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func withTxLock(dsn string) string {
	if strings.Contains(dsn, "_txlock=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			experiment_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			behavior TEXT NOT NULL DEFAULT '',
			max_turns INTEGER,
			min_turns INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pages_experiment ON pages(experiment_id, sort_order)`,
		`CREATE TABLE IF NOT EXISTS models (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			provider_model TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature REAL
		)`,
		`CREATE TABLE IF NOT EXISTS page_models (
			page_id INTEGER NOT NULL,
			model_id INTEGER NOT NULL,
			PRIMARY KEY (page_id, model_id),
			FOREIGN KEY (page_id) REFERENCES pages(id),
			FOREIGN KEY (model_id) REFERENCES models(id)
		)`,
		`CREATE TABLE IF NOT EXISTS questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text'
		)`,
		`CREATE TABLE IF NOT EXISTS page_questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			question_id INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			required INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			show_only_turn INTEGER,
			hide_on_turn INTEGER,
			show_only_model INTEGER,
			hide_on_model INTEGER,
			FOREIGN KEY (page_id) REFERENCES pages(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_page_questions_page ON page_questions(page_id, sort_order)`,
		`CREATE TABLE IF NOT EXISTS subpages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			turn_visibility TEXT NOT NULL DEFAULT 'all_turns',
			turn_number INTEGER,
			sort_order INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (page_id) REFERENCES pages(id)
		)`,
		`CREATE TABLE IF NOT EXISTS subpage_questions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subpage_id INTEGER NOT NULL,
			question_id INTEGER NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			required INTEGER NOT NULL DEFAULT 0,
			sort_order INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (subpage_id) REFERENCES subpages(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			model_id INTEGER,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			parent_id INTEGER,
			turn_id INTEGER,
			created_at INTEGER NOT NULL,
			FOREIGN KEY (page_id) REFERENCES pages(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_turn ON messages(page_id, user_id, turn_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(page_id, user_id, parent_id)`,
		`CREATE TABLE IF NOT EXISTS branches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			parent_turn_id INTEGER NOT NULL,
			child_turn_id INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			UNIQUE (page_id, user_id, child_turn_id),
			FOREIGN KEY (page_id) REFERENCES pages(id)
		)`,
		`CREATE TABLE IF NOT EXISTS responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			question_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			turn_id INTEGER,
			value TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			FOREIGN KEY (page_id) REFERENCES pages(id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_responses_key ON responses(page_id, question_id, user_id, IFNULL(turn_id, -9223372036854775808))`,
		`CREATE TABLE IF NOT EXISTS review_datasets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			import_id TEXT NOT NULL,
			filename TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			imported_at INTEGER NOT NULL,
			FOREIGN KEY (page_id) REFERENCES pages(id)
		)`,
		`CREATE TABLE IF NOT EXISTS review_threads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id INTEGER NOT NULL,
			thread_key TEXT NOT NULL,
			label TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			FOREIGN KEY (dataset_id) REFERENCES review_datasets(id)
		)`,
		`CREATE TABLE IF NOT EXISTS review_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id INTEGER NOT NULL,
			external_id TEXT NOT NULL,
			parent_external_id TEXT NOT NULL DEFAULT '',
			turn_ref TEXT NOT NULL DEFAULT '',
			model_ref TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER,
			sort_order INTEGER NOT NULL,
			FOREIGN KEY (dataset_id) REFERENCES review_datasets(id)
		)`,
		`CREATE TABLE IF NOT EXISTS review_thread_messages (
			thread_id INTEGER NOT NULL,
			message_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (thread_id, message_id),
			FOREIGN KEY (thread_id) REFERENCES review_threads(id),
			FOREIGN KEY (message_id) REFERENCES review_messages(id)
		)`,
		`CREATE TABLE IF NOT EXISTS review_targets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			page_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL,
			thread_key TEXT NOT NULL,
			last_message_id INTEGER,
			updated_at INTEGER NOT NULL,
			UNIQUE (page_id, user_id, thread_key)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// WithTx runs fn in a transaction, committing on success.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx, inTx: true}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}

// Experiment and page catalog

func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *domain.Experiment) error {
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO experiments (name, created_at) VALUES (?, ?)`,
		exp.Name, exp.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	exp.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id int64) (*domain.Experiment, error) {
	var exp domain.Experiment
	var created int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM experiments WHERE id = ?`, id,
	).Scan(&exp.ID, &exp.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	exp.CreatedAt = time.UnixMilli(created)
	return &exp, nil
}

func (s *SQLiteStore) CreatePage(ctx context.Context, page *domain.Page) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO pages (experiment_id, name, type, behavior, max_turns, min_turns, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		page.ExperimentID, page.Name, string(page.Type), string(page.Behavior),
		nullInt(page.MaxTurns), page.MinTurns, page.SortOrder)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	page.ID, err = res.LastInsertId()
	return err
}

const pageColumns = `id, experiment_id, name, type, behavior, max_turns, min_turns, sort_order`

func scanPage(sc scanner) (domain.Page, error) {
	var p domain.Page
	var typ, behavior string
	var maxTurns sql.NullInt64
	if err := sc.Scan(&p.ID, &p.ExperimentID, &p.Name, &typ, &behavior, &maxTurns, &p.MinTurns, &p.SortOrder); err != nil {
		return p, err
	}
	p.Type = domain.PageType(typ)
	p.Behavior = domain.Behavior(behavior)
	if maxTurns.Valid {
		v := int(maxTurns.Int64)
		p.MaxTurns = &v
	}
	return p, nil
}

func (s *SQLiteStore) GetPage(ctx context.Context, id int64) (*domain.Page, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get page: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) ListPages(ctx context.Context, experimentID int64) ([]domain.Page, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE experiment_id = ? ORDER BY sort_order, id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []domain.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// Models

func (s *SQLiteStore) UpsertModel(ctx context.Context, model *domain.Model) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO models (id, name, provider_model, system_prompt, temperature) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, provider_model = excluded.provider_model,
		 system_prompt = excluded.system_prompt, temperature = excluded.temperature`,
		model.ID, model.Name, model.ProviderModel, model.SystemPrompt, nullFloat(model.Temperature))
	if err != nil {
		return fmt.Errorf("upsert model: %w", err)
	}
	return nil
}

func scanModel(sc scanner) (domain.Model, error) {
	var m domain.Model
	var temp sql.NullFloat64
	if err := sc.Scan(&m.ID, &m.Name, &m.ProviderModel, &m.SystemPrompt, &temp); err != nil {
		return m, err
	}
	if temp.Valid {
		v := temp.Float64
		m.Temperature = &v
	}
	return m, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, id int64) (*domain.Model, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, name, provider_model, system_prompt, temperature FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) AttachModel(ctx context.Context, pageID, modelID int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO page_models (page_id, model_id) VALUES (?, ?)`, pageID, modelID)
	if err != nil {
		return fmt.Errorf("attach model: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PageHasModel(ctx context.Context, pageID, modelID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM page_models WHERE page_id = ? AND model_id = ?`, pageID, modelID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check page model: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListPageModels(ctx context.Context, pageID int64) ([]domain.Model, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT m.id, m.name, m.provider_model, m.system_prompt, m.temperature
		 FROM models m JOIN page_models pm ON pm.model_id = m.id
		 WHERE pm.page_id = ? ORDER BY m.id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page models: %w", err)
	}
	defer rows.Close()

	var models []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Questions

func (s *SQLiteStore) CreateQuestion(ctx context.Context, q *domain.Question) error {
	kind := q.Kind
	if kind == "" {
		kind = "text"
	}
	res, err := s.q.ExecContext(ctx, `INSERT INTO questions (name, kind) VALUES (?, ?)`, q.Name, kind)
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	q.Kind = kind
	q.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListQuestions(ctx context.Context, ids []int64) ([]domain.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT id, name, kind FROM questions WHERE id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	rows, err := s.q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var q domain.Question
		if err := rows.Scan(&q.ID, &q.Name, &q.Kind); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreatePageQuestion(ctx context.Context, pq *domain.PageQuestion) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO page_questions (page_id, question_id, enabled, required, sort_order,
		 show_only_turn, hide_on_turn, show_only_model, hide_on_model)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pq.PageID, pq.QuestionID, pq.Enabled, pq.Required, pq.SortOrder,
		nullInt64(pq.ShowOnlyTurn), nullInt64(pq.HideOnTurn), nullInt64(pq.ShowOnlyModel), nullInt64(pq.HideOnModel))
	if err != nil {
		return fmt.Errorf("insert page question: %w", err)
	}
	pq.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListPageQuestions(ctx context.Context, pageID int64) ([]domain.PageQuestion, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, page_id, question_id, enabled, required, sort_order,
		 show_only_turn, hide_on_turn, show_only_model, hide_on_model
		 FROM page_questions WHERE page_id = ? ORDER BY sort_order, id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list page questions: %w", err)
	}
	defer rows.Close()

	var out []domain.PageQuestion
	for rows.Next() {
		var pq domain.PageQuestion
		var showTurn, hideTurn, showModel, hideModel sql.NullInt64
		if err := rows.Scan(&pq.ID, &pq.PageID, &pq.QuestionID, &pq.Enabled, &pq.Required, &pq.SortOrder,
			&showTurn, &hideTurn, &showModel, &hideModel); err != nil {
			return nil, fmt.Errorf("scan page question: %w", err)
		}
		pq.ShowOnlyTurn = int64Ptr(showTurn)
		pq.HideOnTurn = int64Ptr(hideTurn)
		pq.ShowOnlyModel = int64Ptr(showModel)
		pq.HideOnModel = int64Ptr(hideModel)
		out = append(out, pq)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateSubpage(ctx context.Context, sp *domain.Subpage) error {
	vis := sp.TurnVisibility
	if vis == "" {
		vis = domain.TurnVisibilityAll
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO subpages (page_id, title, turn_visibility, turn_number, sort_order) VALUES (?, ?, ?, ?, ?)`,
		sp.PageID, sp.Title, string(vis), nullInt64(sp.TurnNumber), sp.SortOrder)
	if err != nil {
		return fmt.Errorf("insert subpage: %w", err)
	}
	sp.TurnVisibility = vis
	sp.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListSubpages(ctx context.Context, pageID int64) ([]domain.Subpage, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, page_id, title, turn_visibility, turn_number, sort_order
		 FROM subpages WHERE page_id = ? ORDER BY sort_order, id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list subpages: %w", err)
	}
	defer rows.Close()

	var out []domain.Subpage
	for rows.Next() {
		var sp domain.Subpage
		var vis string
		var turn sql.NullInt64
		if err := rows.Scan(&sp.ID, &sp.PageID, &sp.Title, &vis, &turn, &sp.SortOrder); err != nil {
			return nil, fmt.Errorf("scan subpage: %w", err)
		}
		sp.TurnVisibility = domain.TurnVisibility(vis)
		sp.TurnNumber = int64Ptr(turn)
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateSubpageQuestion(ctx context.Context, sq *domain.SubpageQuestion) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO subpage_questions (subpage_id, question_id, enabled, required, sort_order) VALUES (?, ?, ?, ?, ?)`,
		sq.SubpageID, sq.QuestionID, sq.Enabled, sq.Required, sq.SortOrder)
	if err != nil {
		return fmt.Errorf("insert subpage question: %w", err)
	}
	sq.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListSubpageQuestions(ctx context.Context, pageID int64) ([]domain.SubpageQuestion, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT sq.id, sq.subpage_id, sq.question_id, sq.enabled, sq.required, sq.sort_order
		 FROM subpage_questions sq JOIN subpages sp ON sp.id = sq.subpage_id
		 WHERE sp.page_id = ? ORDER BY sp.sort_order, sp.id, sq.sort_order, sq.id`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list subpage questions: %w", err)
	}
	defer rows.Close()

	var out []domain.SubpageQuestion
	for rows.Next() {
		var sq domain.SubpageQuestion
		if err := rows.Scan(&sq.ID, &sq.SubpageID, &sq.QuestionID, &sq.Enabled, &sq.Required, &sq.SortOrder); err != nil {
			return nil, fmt.Errorf("scan subpage question: %w", err)
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// Message log

const messageColumns = `id, page_id, user_id, model_id, role, content, parent_id, turn_id, created_at`

func scanMessage(sc scanner) (domain.Message, error) {
	var m domain.Message
	var role string
	var modelID, parentID, turnID sql.NullInt64
	var created int64
	if err := sc.Scan(&m.ID, &m.PageID, &m.UserID, &modelID, &role, &m.Content, &parentID, &turnID, &created); err != nil {
		return m, err
	}
	m.Role = domain.Role(role)
	m.ModelID = int64Ptr(modelID)
	m.ParentID = int64Ptr(parentID)
	m.TurnID = int64Ptr(turnID)
	m.CreatedAt = time.UnixMilli(created)
	return m, nil
}

// AppendMessage inserts msg and assigns its id.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) (int64, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO messages (page_id, user_id, model_id, role, content, parent_id, turn_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.PageID, msg.UserID, nullInt64(msg.ModelID), string(msg.Role), msg.Content,
		nullInt64(msg.ParentID), nullInt64(msg.TurnID), msg.CreatedAt.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	msg.ID = id
	return id, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

func messageWhere(f MessageFilter) (string, []any) {
	var conds []string
	var args []any
	if f.PageID != 0 {
		conds = append(conds, "page_id = ?")
		args = append(args, f.PageID)
	}
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ModelID != nil {
		conds = append(conds, "model_id = ?")
		args = append(args, *f.ModelID)
	}
	if len(f.TurnIDs) > 0 {
		conds = append(conds, "turn_id IN ("+placeholders(len(f.TurnIDs))+")")
		args = append(args, int64Args(f.TurnIDs)...)
	}
	if f.ExcludePlaceholders {
		conds = append(conds, "content <> ?")
		args = append(args, domain.PlaceholderContent)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *SQLiteStore) FindMessages(ctx context.Context, filter MessageFilter) ([]domain.Message, error) {
	where, args := messageWhere(filter)
	order := " ORDER BY created_at, id"
	if filter.Order == OrderByTurn {
		order = " ORDER BY turn_id, created_at, id"
	}
	rows, err := s.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages`+where+order, args...)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, filter MessageFilter) (int, error) {
	where, args := messageWhere(filter)
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// UpdateMessageTurn backfills the turn id of a message that has none yet.
// It is the only mutation the message log allows.
func (s *SQLiteStore) UpdateMessageTurn(ctx context.Context, id, turnID int64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE messages SET turn_id = ? WHERE id = ? AND turn_id IS NULL`, turnID, id)
	if err != nil {
		return fmt.Errorf("update message turn: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message turn: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update message turn: message %d not found or already assigned", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// MaxMessageTurn returns the highest turn id in the user's log for the page,
// optionally restricted to one model. Zero means no turns.
func (s *SQLiteStore) MaxMessageTurn(ctx context.Context, pageID, userID int64, modelID *int64) (int64, error) {
	query := `SELECT IFNULL(MAX(turn_id), 0) FROM messages WHERE page_id = ? AND user_id = ?`
	args := []any{pageID, userID}
	if modelID != nil {
		query += ` AND model_id = ?`
		args = append(args, *modelID)
	}
	var max int64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&max); err != nil {
		return 0, fmt.Errorf("max message turn: %w", err)
	}
	return max, nil
}

// Branches

func (s *SQLiteStore) CreateBranch(ctx context.Context, branch *domain.Branch) error {
	if branch.CreatedAt.IsZero() {
		branch.CreatedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO branches (page_id, user_id, parent_turn_id, child_turn_id, label, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		branch.PageID, branch.UserID, branch.ParentTurnID, branch.ChildTurnID, branch.Label, branch.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert branch: %w", err)
	}
	branch.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListBranches(ctx context.Context, pageID, userID int64) ([]domain.Branch, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, page_id, user_id, parent_turn_id, child_turn_id, label, created_at
		 FROM branches WHERE page_id = ? AND user_id = ? ORDER BY child_turn_id`, pageID, userID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []domain.Branch
	for rows.Next() {
		var b domain.Branch
		var created int64
		if err := rows.Scan(&b.ID, &b.PageID, &b.UserID, &b.ParentTurnID, &b.ChildTurnID, &b.Label, &created); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		b.CreatedAt = time.UnixMilli(created)
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MaxBranchTurn(ctx context.Context, pageID, userID int64) (int64, error) {
	var max int64
	err := s.q.QueryRowContext(ctx,
		`SELECT IFNULL(MAX(MAX(parent_turn_id, child_turn_id)), 0) FROM branches WHERE page_id = ? AND user_id = ?`,
		pageID, userID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max branch turn: %w", err)
	}
	return max, nil
}

// Responses

// UpsertResponse writes resp, keeping the (page, question, user, turn) key.
func (s *SQLiteStore) UpsertResponse(ctx context.Context, resp *domain.Response) error {
	if resp.UpdatedAt.IsZero() {
		resp.UpdatedAt = time.Now()
	}
	existing, err := s.FindResponses(ctx, ResponseFilter{
		PageID: resp.PageID, UserID: resp.UserID, QuestionID: resp.QuestionID, TurnID: resp.TurnID,
	})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		resp.ID = existing[0].ID
		_, err := s.q.ExecContext(ctx,
			`UPDATE responses SET value = ?, updated_at = ? WHERE id = ?`,
			resp.Value, resp.UpdatedAt.UnixMilli(), resp.ID)
		if err != nil {
			return fmt.Errorf("update response: %w", err)
		}
		return nil
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO responses (page_id, question_id, user_id, turn_id, value, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		resp.PageID, resp.QuestionID, resp.UserID, nullInt64(resp.TurnID), resp.Value, resp.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	resp.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) RekeyResponses(ctx context.Context, pageID, userID, from, to int64) error {
	if from == to {
		return nil
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE responses SET turn_id = ?
		 WHERE page_id = ? AND user_id = ? AND turn_id = ?
		 AND NOT EXISTS (
			SELECT 1 FROM responses r
			WHERE r.page_id = responses.page_id AND r.user_id = responses.user_id
			AND r.question_id = responses.question_id AND r.turn_id = ?
		 )`,
		to, pageID, userID, from, to); err != nil {
		return fmt.Errorf("rekey responses: %w", err)
	}
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM responses WHERE page_id = ? AND user_id = ? AND turn_id = ?`,
		pageID, userID, from); err != nil {
		return fmt.Errorf("drop superseded responses: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindResponses(ctx context.Context, filter ResponseFilter) ([]domain.Response, error) {
	query := `SELECT id, page_id, question_id, user_id, turn_id, value, updated_at FROM responses
		WHERE page_id = ? AND user_id = ?`
	args := []any{filter.PageID, filter.UserID}
	if filter.QuestionID != 0 {
		query += ` AND question_id = ?`
		args = append(args, filter.QuestionID)
	}
	if !filter.AnyTurn {
		if filter.TurnID == nil {
			query += ` AND turn_id IS NULL`
		} else {
			query += ` AND turn_id = ?`
			args = append(args, *filter.TurnID)
		}
	}
	query += ` ORDER BY question_id, id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find responses: %w", err)
	}
	defer rows.Close()

	var out []domain.Response
	for rows.Next() {
		var r domain.Response
		var turn sql.NullInt64
		var updated int64
		if err := rows.Scan(&r.ID, &r.PageID, &r.QuestionID, &r.UserID, &turn, &r.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.TurnID = int64Ptr(turn)
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Review datasets

// GetDataset returns the most recent dataset of a page.
func (s *SQLiteStore) GetDataset(ctx context.Context, pageID int64) (*domain.Dataset, error) {
	var ds domain.Dataset
	var status string
	var imported int64
	err := s.q.QueryRowContext(ctx,
		`SELECT id, page_id, import_id, filename, content_hash, status, imported_at
		 FROM review_datasets WHERE page_id = ? ORDER BY id DESC LIMIT 1`, pageID,
	).Scan(&ds.ID, &ds.PageID, &ds.ImportID, &ds.Filename, &ds.ContentHash, &status, &imported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	ds.Status = domain.DatasetStatus(status)
	ds.ImportedAt = time.UnixMilli(imported)
	return &ds, nil
}

func (s *SQLiteStore) CreateDataset(ctx context.Context, ds *domain.Dataset) error {
	if ds.ImportedAt.IsZero() {
		ds.ImportedAt = time.Now()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO review_datasets (page_id, import_id, filename, content_hash, status, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ds.PageID, ds.ImportID, ds.Filename, ds.ContentHash, string(ds.Status), ds.ImportedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert dataset: %w", err)
	}
	ds.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateDataset(ctx context.Context, ds *domain.Dataset) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE review_datasets SET import_id = ?, filename = ?, content_hash = ?, status = ?, imported_at = ? WHERE id = ?`,
		ds.ImportID, ds.Filename, ds.ContentHash, string(ds.Status), ds.ImportedAt.UnixMilli(), ds.ID)
	if err != nil {
		return fmt.Errorf("update dataset: %w", err)
	}
	return nil
}

// DeleteDatasetContents removes the join rows, messages and threads of a dataset.
func (s *SQLiteStore) DeleteDatasetContents(ctx context.Context, datasetID int64) error {
	stmts := []string{
		`DELETE FROM review_thread_messages WHERE thread_id IN (SELECT id FROM review_threads WHERE dataset_id = ?)`,
		`DELETE FROM review_messages WHERE dataset_id = ?`,
		`DELETE FROM review_threads WHERE dataset_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.ExecContext(ctx, stmt, datasetID); err != nil {
			return fmt.Errorf("delete dataset contents: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, th *domain.Thread) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO review_threads (dataset_id, thread_key, label, sort_order) VALUES (?, ?, ?, ?)`,
		th.DatasetID, th.ThreadKey, th.Label, th.SortOrder)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	th.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetThread(ctx context.Context, id int64) (*domain.Thread, error) {
	var th domain.Thread
	err := s.q.QueryRowContext(ctx,
		`SELECT id, dataset_id, thread_key, label, sort_order FROM review_threads WHERE id = ?`, id,
	).Scan(&th.ID, &th.DatasetID, &th.ThreadKey, &th.Label, &th.SortOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &th, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, datasetID int64) ([]domain.Thread, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, dataset_id, thread_key, label, sort_order FROM review_threads
		 WHERE dataset_id = ? ORDER BY sort_order, id`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []domain.Thread
	for rows.Next() {
		var th domain.Thread
		if err := rows.Scan(&th.ID, &th.DatasetID, &th.ThreadKey, &th.Label, &th.SortOrder); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateReviewMessage(ctx context.Context, msg *domain.ReviewMessage) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO review_messages (dataset_id, external_id, parent_external_id, turn_ref, model_ref,
		 role, content, timestamp, sort_order) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.DatasetID, msg.ExternalID, msg.ParentExternalID, msg.TurnRef, msg.ModelRef,
		string(msg.Role), msg.Content, nullInt64(msg.Timestamp), msg.SortOrder)
	if err != nil {
		return fmt.Errorf("insert review message: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) LinkThreadMessage(ctx context.Context, link domain.ThreadMessage) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO review_thread_messages (thread_id, message_id, position) VALUES (?, ?, ?)`,
		link.ThreadID, link.MessageID, link.Position)
	if err != nil {
		return fmt.Errorf("link thread message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListThreadMessages(ctx context.Context, threadID int64) ([]domain.ReviewMessage, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT m.id, m.dataset_id, m.external_id, m.parent_external_id, m.turn_ref, m.model_ref,
		 m.role, m.content, m.timestamp, m.sort_order
		 FROM review_messages m JOIN review_thread_messages tm ON tm.message_id = m.id
		 WHERE tm.thread_id = ? ORDER BY tm.position`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list thread messages: %w", err)
	}
	defer rows.Close()

	var out []domain.ReviewMessage
	for rows.Next() {
		var m domain.ReviewMessage
		var role string
		var ts sql.NullInt64
		if err := rows.Scan(&m.ID, &m.DatasetID, &m.ExternalID, &m.ParentExternalID, &m.TurnRef, &m.ModelRef,
			&role, &m.Content, &ts, &m.SortOrder); err != nil {
			return nil, fmt.Errorf("scan review message: %w", err)
		}
		m.Role = domain.Role(role)
		m.Timestamp = int64Ptr(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountDatasetRows(ctx context.Context, datasetID int64) (int, int, error) {
	var threads, messages int
	err := s.q.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM review_threads WHERE dataset_id = ?),
		        (SELECT COUNT(*) FROM review_messages WHERE dataset_id = ?)`,
		datasetID, datasetID).Scan(&threads, &messages)
	if err != nil {
		return 0, 0, fmt.Errorf("count dataset rows: %w", err)
	}
	return threads, messages, nil
}

// Review targets

func (s *SQLiteStore) ListTargets(ctx context.Context, filter TargetFilter) ([]domain.Target, error) {
	query := `SELECT id, page_id, user_id, thread_id, thread_key, last_message_id, updated_at
		FROM review_targets WHERE page_id = ?`
	args := []any{filter.PageID}
	if filter.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *filter.UserID)
	}
	query += ` ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var out []domain.Target
	for rows.Next() {
		var t domain.Target
		var last sql.NullInt64
		var updated int64
		if err := rows.Scan(&t.ID, &t.PageID, &t.UserID, &t.ThreadID, &t.ThreadKey, &last, &updated); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.LastMessageID = int64Ptr(last)
		t.UpdatedAt = time.UnixMilli(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertTarget inserts or updates the target keyed by (page, user, thread key).
func (s *SQLiteStore) UpsertTarget(ctx context.Context, target *domain.Target) error {
	if target.UpdatedAt.IsZero() {
		target.UpdatedAt = time.Now()
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO review_targets (page_id, user_id, thread_id, thread_key, last_message_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(page_id, user_id, thread_key) DO UPDATE SET
		 thread_id = excluded.thread_id, last_message_id = excluded.last_message_id, updated_at = excluded.updated_at`,
		target.PageID, target.UserID, target.ThreadID, target.ThreadKey,
		nullInt64(target.LastMessageID), target.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return s.q.QueryRowContext(ctx,
		`SELECT id FROM review_targets WHERE page_id = ? AND user_id = ? AND thread_key = ?`,
		target.PageID, target.UserID, target.ThreadKey).Scan(&target.ID)
}

// RemapTarget points a target at a re-imported thread, keeping its key.
func (s *SQLiteStore) RemapTarget(ctx context.Context, targetID, threadID int64, lastMessageID *int64) error {
	if _, err := s.q.ExecContext(ctx,
		`UPDATE review_targets SET thread_id = ?, last_message_id = ? WHERE id = ?`,
		threadID, nullInt64(lastMessageID), targetID); err != nil {
		return fmt.Errorf("remap target: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTarget(ctx context.Context, targetID int64) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM review_targets WHERE id = ?`, targetID); err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

// helpers

type scanner interface {
	Scan(dest ...any) error
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
