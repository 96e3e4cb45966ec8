// Package sql implements storage.Storage on PostgreSQL or SQLite through sqlx.
package sql

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/domain"
	"github.com/bcnelson/fight-tag-manager/internal/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Postgres SQLSTATE codes.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// isUniqueViolation checks if an error is a UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key value violates unique constraint")
}

// isForeignKeyViolation checks if an error is a FOREIGN KEY constraint violation.
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqForeignKeyViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}

// wrapUniqueError converts UNIQUE violations to the given domain error.
func wrapUniqueError(err, as error) error {
	if isUniqueViolation(err) {
		return as
	}
	return err
}

// Store implements the storage.Storage interface using SQL.
type Store struct {
	db     *sqlx.DB
	driver string
}

// New connects to the database and runs the embedded migrations.
func New(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return open(db, driver)
}

// NewFromDB wraps an existing connection without running migrations.
func NewFromDB(db *sqlx.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

func open(db *sqlx.DB, driver string) (*Store, error) {
	if driver == DriverSQLite {
		// SQLite allows a single writer; one connection also keeps an
		// in-memory database alive and the pragma below in effect.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	// Run migrations
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}

	if err := goose.Up(db.DB, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction.
func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx, driver: s.driver}, nil
}

// Tx wraps a database transaction.
type Tx struct {
	tx     *sqlx.Tx
	driver string
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	return t.tx.Commit()
}

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// Close is a no-op for transactions (they should be committed or rolled back).
func (t *Tx) Close() error {
	return nil
}

// BeginTx is not supported within a transaction.
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, fmt.Errorf("nested transactions not supported")
}

// helper to get the correct database interface
type dbInterface interface {
	sqlx.ExtContext
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ============================================
// API Keys
// ============================================

const apiKeyColumns = `id, name, role, key_hash, key_prefix, created_at, last_used_at`

func createAPIKey(ctx context.Context, db dbInterface, key *domain.APIKey) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO api_keys (`+apiKeyColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.Role, key.KeyHash, key.KeyPrefix, key.CreatedAt, key.LastUsedAt)
	return wrapUniqueError(err, domain.ErrAlreadyExists)
}

func (s *Store) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, s.db, key)
}

func (t *Tx) CreateAPIKey(ctx context.Context, key *domain.APIKey) error {
	return createAPIKey(ctx, t.tx, key)
}

func getAPIKeyByHash(ctx context.Context, db dbInterface, keyHash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := db.GetContext(ctx, &key,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1`, keyHash)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, s.db, keyHash)
}

func (t *Tx) GetAPIKeyByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	return getAPIKeyByHash(ctx, t.tx, keyHash)
}

func listAPIKeys(ctx context.Context, db dbInterface) ([]*domain.APIKey, error) {
	keys := []*domain.APIKey{}
	err := db.SelectContext(ctx, &keys,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, s.db)
}

func (t *Tx) ListAPIKeys(ctx context.Context) ([]*domain.APIKey, error) {
	return listAPIKeys(ctx, t.tx)
}

func deleteAPIKey(ctx context.Context, db dbInterface, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, s.db, id)
}

func (t *Tx) DeleteAPIKey(ctx context.Context, id string) error {
	return deleteAPIKey(ctx, t.tx, id)
}

func updateAPIKeyLastUsed(ctx context.Context, db dbInterface, id string) error {
	result, err := db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, s.db, id)
}

func (t *Tx) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	return updateAPIKeyLastUsed(ctx, t.tx, id)
}

func countAPIKeys(ctx context.Context, db dbInterface) (int, error) {
	var count int
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM api_keys`)
	return count, err
}

func (s *Store) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, s.db)
}

func (t *Tx) CountAPIKeys(ctx context.Context) (int, error) {
	return countAPIKeys(ctx, t.tx)
}

// ============================================
// Fights
// ============================================

func createFight(ctx context.Context, db dbInterface, fight *domain.Fight) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO fights (id, created_at) VALUES ($1, $2)`, fight.ID, fight.CreatedAt)
	return wrapUniqueError(err, domain.ErrAlreadyExists)
}

func (s *Store) CreateFight(ctx context.Context, fight *domain.Fight) error {
	return createFight(ctx, s.db, fight)
}

func (t *Tx) CreateFight(ctx context.Context, fight *domain.Fight) error {
	return createFight(ctx, t.tx, fight)
}

func fightExists(ctx context.Context, db dbInterface, fightID string) (bool, error) {
	var count int
	if err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM fights WHERE id = $1`, fightID); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) FightExists(ctx context.Context, fightID string) (bool, error) {
	return fightExists(ctx, s.db, fightID)
}

func (t *Tx) FightExists(ctx context.Context, fightID string) (bool, error) {
	return fightExists(ctx, t.tx, fightID)
}

func lockFight(ctx context.Context, db dbInterface, driver, fightID string) error {
	query := `SELECT id FROM fights WHERE id = $1`
	if driver == DriverPostgres {
		query += ` FOR UPDATE`
	}
	var id string
	err := db.GetContext(ctx, &id, query, fightID)
	if err == sql.ErrNoRows {
		return domain.ErrFightNotFound
	}
	return err
}

func (s *Store) LockFight(ctx context.Context, fightID string) error {
	return lockFight(ctx, s.db, s.driver, fightID)
}

// LockFight takes a row lock on PostgreSQL. SQLite transactions already
// run one at a time over the single connection.
func (t *Tx) LockFight(ctx context.Context, fightID string) error {
	return lockFight(ctx, t.tx, t.driver, fightID)
}

// ============================================
// Tags
// ============================================

const tagColumns = `id, fight_id, tag_type, parent_tag_id, value, active, change_request_id, created_by, created_at, deactivated_at`

func createTag(ctx context.Context, db dbInterface, tag *domain.Tag) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tags (`+tagColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		tag.ID, tag.FightID, tag.TagType, tag.ParentTagID, tag.Value, tag.Active,
		tag.ChangeRequestID, tag.CreatedBy, tag.CreatedAt, tag.DeactivatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: tag references a missing fight, parent or request", domain.ErrNotFound)
	}
	return wrapUniqueError(err, domain.ErrAlreadyExists)
}

func (s *Store) CreateTag(ctx context.Context, tag *domain.Tag) error {
	return createTag(ctx, s.db, tag)
}

func (t *Tx) CreateTag(ctx context.Context, tag *domain.Tag) error {
	return createTag(ctx, t.tx, tag)
}

func getTag(ctx context.Context, db dbInterface, id string) (*domain.Tag, error) {
	var tag domain.Tag
	err := db.GetContext(ctx, &tag, `SELECT `+tagColumns+` FROM tags WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

func (s *Store) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	return getTag(ctx, s.db, id)
}

func (t *Tx) GetTag(ctx context.Context, id string) (*domain.Tag, error) {
	return getTag(ctx, t.tx, id)
}

func selectTags(ctx context.Context, db dbInterface, where string, args ...any) ([]*domain.Tag, error) {
	tags := []*domain.Tag{}
	err := db.SelectContext(ctx, &tags,
		`SELECT `+tagColumns+` FROM tags WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) ListActiveTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return selectTags(ctx, s.db, `fight_id = $1 AND active = TRUE`, fightID)
}

func (t *Tx) ListActiveTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return selectTags(ctx, t.tx, `fight_id = $1 AND active = TRUE`, fightID)
}

func (s *Store) ListActiveTagsByType(ctx context.Context, fightID, tagType string) ([]*domain.Tag, error) {
	return selectTags(ctx, s.db, `fight_id = $1 AND tag_type = $2 AND active = TRUE`, fightID, tagType)
}

func (t *Tx) ListActiveTagsByType(ctx context.Context, fightID, tagType string) ([]*domain.Tag, error) {
	return selectTags(ctx, t.tx, `fight_id = $1 AND tag_type = $2 AND active = TRUE`, fightID, tagType)
}

func (s *Store) ListActiveChildTags(ctx context.Context, parentID string) ([]*domain.Tag, error) {
	return selectTags(ctx, s.db, `parent_tag_id = $1 AND active = TRUE`, parentID)
}

func (t *Tx) ListActiveChildTags(ctx context.Context, parentID string) ([]*domain.Tag, error) {
	return selectTags(ctx, t.tx, `parent_tag_id = $1 AND active = TRUE`, parentID)
}

func (s *Store) ListTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return selectTags(ctx, s.db, `fight_id = $1`, fightID)
}

func (t *Tx) ListTags(ctx context.Context, fightID string) ([]*domain.Tag, error) {
	return selectTags(ctx, t.tx, `fight_id = $1`, fightID)
}

func deactivateTag(ctx context.Context, db dbInterface, id string, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE tags SET active = FALSE, deactivated_at = $1 WHERE id = $2 AND active = TRUE`, at, id)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}
	if _, err := getTag(ctx, db, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) DeactivateTag(ctx context.Context, id string, at time.Time) (bool, error) {
	return deactivateTag(ctx, s.db, id, at)
}

func (t *Tx) DeactivateTag(ctx context.Context, id string, at time.Time) (bool, error) {
	return deactivateTag(ctx, t.tx, id, at)
}

// ============================================
// Change Requests
// ============================================

const changeRequestColumns = `id, fight_id, tag_type, replaces_tag_id, parent_tag_id, proposed_value, threshold,
	status, votes_for, votes_against, requested_by, created_at, resolved_at, resolved_by, resolution`

func createChangeRequest(ctx context.Context, db dbInterface, req *domain.ChangeRequest) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO change_requests (`+changeRequestColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		req.ID, req.FightID, req.TagType, req.ReplacesTagID, req.ParentTagID, req.ProposedValue, req.Threshold,
		req.Status, req.VotesFor, req.VotesAgainst, req.RequestedBy, req.CreatedAt, req.ResolvedAt, req.ResolvedBy, req.Resolution)
	if isForeignKeyViolation(err) {
		return domain.ErrFightNotFound
	}
	return wrapUniqueError(err, domain.ErrDuplicatePendingRequest)
}

func (s *Store) CreateChangeRequest(ctx context.Context, req *domain.ChangeRequest) error {
	return createChangeRequest(ctx, s.db, req)
}

func (t *Tx) CreateChangeRequest(ctx context.Context, req *domain.ChangeRequest) error {
	return createChangeRequest(ctx, t.tx, req)
}

func getChangeRequest(ctx context.Context, db dbInterface, where string, args ...any) (*domain.ChangeRequest, error) {
	var req domain.ChangeRequest
	err := db.GetContext(ctx, &req, `SELECT `+changeRequestColumns+` FROM change_requests WHERE `+where, args...)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *Store) GetChangeRequest(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	return getChangeRequest(ctx, s.db, `id = $1`, id)
}

func (t *Tx) GetChangeRequest(ctx context.Context, id string) (*domain.ChangeRequest, error) {
	return getChangeRequest(ctx, t.tx, `id = $1`, id)
}

const pendingWhere = `fight_id = $1 AND tag_type = $2 AND status = 'pending'`

func (s *Store) GetPendingChangeRequest(ctx context.Context, fightID, tagType string) (*domain.ChangeRequest, error) {
	return getChangeRequest(ctx, s.db, pendingWhere, fightID, tagType)
}

func (t *Tx) GetPendingChangeRequest(ctx context.Context, fightID, tagType string) (*domain.ChangeRequest, error) {
	return getChangeRequest(ctx, t.tx, pendingWhere, fightID, tagType)
}

func listChangeRequests(ctx context.Context, db dbInterface, fightID string) ([]*domain.ChangeRequest, error) {
	reqs := []*domain.ChangeRequest{}
	err := db.SelectContext(ctx, &reqs,
		`SELECT `+changeRequestColumns+` FROM change_requests WHERE fight_id = $1 ORDER BY created_at, id`, fightID)
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *Store) ListChangeRequests(ctx context.Context, fightID string) ([]*domain.ChangeRequest, error) {
	return listChangeRequests(ctx, s.db, fightID)
}

func (t *Tx) ListChangeRequests(ctx context.Context, fightID string) ([]*domain.ChangeRequest, error) {
	return listChangeRequests(ctx, t.tx, fightID)
}

// notPending explains why a conditional update on a request touched no rows.
func notPending(ctx context.Context, db dbInterface, id string) error {
	if _, err := getChangeRequest(ctx, db, `id = $1`, id); err != nil {
		return err
	}
	return domain.ErrRequestAlreadyResolved
}

func incrementTally(ctx context.Context, db dbInterface, id string, direction domain.Direction) (*domain.ChangeRequest, error) {
	var query string
	switch direction {
	case domain.DirectionFor:
		query = `UPDATE change_requests SET votes_for = votes_for + 1 WHERE id = $1 AND status = 'pending'`
	case domain.DirectionAgainst:
		query = `UPDATE change_requests SET votes_against = votes_against + 1 WHERE id = $1 AND status = 'pending'`
	default:
		return nil, fmt.Errorf("%w: direction %q", domain.ErrInvalidInput, direction)
	}

	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, notPending(ctx, db, id)
	}
	return getChangeRequest(ctx, db, `id = $1`, id)
}

func (s *Store) IncrementTally(ctx context.Context, id string, direction domain.Direction) (*domain.ChangeRequest, error) {
	return incrementTally(ctx, s.db, id, direction)
}

func (t *Tx) IncrementTally(ctx context.Context, id string, direction domain.Direction) (*domain.ChangeRequest, error) {
	return incrementTally(ctx, t.tx, id, direction)
}

func transitionChangeRequest(ctx context.Context, db dbInterface, id string, tr storage.Transition) (*domain.ChangeRequest, error) {
	if !tr.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %q is not a terminal status", domain.ErrInvalidInput, tr.Status)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE change_requests SET status = $1, resolution = $2, resolved_by = $3, resolved_at = $4
		 WHERE id = $5 AND status = 'pending'`,
		tr.Status, tr.Resolution, tr.ResolvedBy, tr.At, id)
	if err != nil {
		return nil, err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return nil, notPending(ctx, db, id)
	}
	return getChangeRequest(ctx, db, `id = $1`, id)
}

func (s *Store) TransitionChangeRequest(ctx context.Context, id string, tr storage.Transition) (*domain.ChangeRequest, error) {
	return transitionChangeRequest(ctx, s.db, id, tr)
}

func (t *Tx) TransitionChangeRequest(ctx context.Context, id string, tr storage.Transition) (*domain.ChangeRequest, error) {
	return transitionChangeRequest(ctx, t.tx, id, tr)
}

// ============================================
// Ballots
// ============================================

func createBallot(ctx context.Context, db dbInterface, ballot *domain.Ballot) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO ballots (id, change_request_id, voter_session, direction, cast_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ballot.ID, ballot.ChangeRequestID, ballot.VoterSession, ballot.Direction, ballot.CastAt)
	if isForeignKeyViolation(err) {
		return domain.ErrNotFound
	}
	return wrapUniqueError(err, domain.ErrDuplicateVote)
}

func (s *Store) CreateBallot(ctx context.Context, ballot *domain.Ballot) error {
	return createBallot(ctx, s.db, ballot)
}

func (t *Tx) CreateBallot(ctx context.Context, ballot *domain.Ballot) error {
	return createBallot(ctx, t.tx, ballot)
}

func listBallots(ctx context.Context, db dbInterface, changeRequestID string) ([]*domain.Ballot, error) {
	ballots := []*domain.Ballot{}
	err := db.SelectContext(ctx, &ballots,
		`SELECT id, change_request_id, voter_session, direction, cast_at
		 FROM ballots WHERE change_request_id = $1 ORDER BY cast_at, id`, changeRequestID)
	if err != nil {
		return nil, err
	}
	return ballots, nil
}

func (s *Store) ListBallots(ctx context.Context, changeRequestID string) ([]*domain.Ballot, error) {
	return listBallots(ctx, s.db, changeRequestID)
}

func (t *Tx) ListBallots(ctx context.Context, changeRequestID string) ([]*domain.Ballot, error) {
	return listBallots(ctx, t.tx, changeRequestID)
}

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.Transaction = (*Tx)(nil)
)
