package collabserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/citruslab/collab/pkg/models"
)

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrRoomExists           = errors.New("room already exists")
	ErrCollaboratorNotFound = errors.New("collaborator not found")
	ErrOwnerImmutable       = errors.New("the room owner cannot be changed or removed")
	ErrRevisionConflict     = errors.New("collaborator revision does not match")
	ErrTokenConsumed        = errors.New("token already used")
	ErrInvitationRevoked    = errors.New("invitation revoked")
)

// Room is a stored room with its share link state.
type Room struct {
	models.Collaboration
	ShareToken     string
	ShareRole      models.Role
	ShareExpiresAt time.Time
}

// Store persists rooms, collaborators and consumed invitation tokens.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens the SQLite database at path and applies the schema.
// An empty path opens an in-memory database.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has a single writer, and :memory: is per connection.
	db.SetMaxOpenConns(1)

	s := NewStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database. Migrate must run before first use.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

var schema = []string{
	`PRAGMA foreign_keys = ON`,
	`CREATE TABLE IF NOT EXISTS rooms (
		chat_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		share_token TEXT NOT NULL DEFAULT '',
		share_role TEXT NOT NULL DEFAULT '',
		share_expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS collaborators (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL REFERENCES rooms(chat_id) ON DELETE CASCADE,
		email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		invited_at INTEGER NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		UNIQUE (chat_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS consumed_tokens (
		jti TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	)`,
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateRoom creates a room owned by owner. The owner is seeded accepted.
func (s *Store) CreateRoom(ctx context.Context, chatID, title string, owner models.Identity) (*Room, error) {
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (chat_id, title, created_at) VALUES (?, ?, ?) ON CONFLICT(chat_id) DO NOTHING`,
		chatID, title, now)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRoomExists
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO collaborators (id, chat_id, email, name, role, status, invited_at, revision) VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		uuid.NewString(), chatID, models.NormalizeEmail(owner.Email), owner.Name,
		string(models.RoleOwner), string(models.StatusAccepted), now); err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.GetRoom(ctx, chatID)
}

// GetRoom returns a room with its collaborators, owner first.
func (s *Store) GetRoom(ctx context.Context, chatID string) (*Room, error) {
	var (
		room      Room
		shareRole string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, title, share_token, share_role, share_expires_at FROM rooms WHERE chat_id = ?`,
		chatID).Scan(&room.ChatID, &room.Title, &room.ShareToken, &shareRole, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	room.ShareRole = models.Role(shareRole)
	if expiresAt > 0 {
		room.ShareExpiresAt = time.UnixMilli(expiresAt).UTC()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, role, status, invited_at, revision
		FROM collaborators
		WHERE chat_id = ?
		ORDER BY CASE role WHEN 'owner' THEN 0 ELSE 1 END, invited_at, email`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	defer rows.Close()

	room.Collaborators = []models.Collaborator{}
	for rows.Next() {
		c, err := scanCollaborator(rows)
		if err != nil {
			return nil, err
		}
		room.Collaborators = append(room.Collaborators, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list collaborators: %w", err)
	}
	return &room, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCollaborator(row rowScanner) (models.Collaborator, error) {
	var (
		c         models.Collaborator
		role      string
		status    string
		invitedAt int64
	)
	if err := row.Scan(&c.ID, &c.Email, &c.Name, &role, &status, &invitedAt, &c.Revision); err != nil {
		return models.Collaborator{}, fmt.Errorf("scan collaborator: %w", err)
	}
	c.Role = models.Role(role)
	c.Status = models.CollaboratorStatus(status)
	c.InvitedAt = time.UnixMilli(invitedAt).UTC()
	return c, nil
}

const selectCollaborator = `SELECT id, email, name, role, status, invited_at, revision FROM collaborators`

// UpsertInvite records an invitation of email with role. A rejected
// collaborator goes back to pending; an accepted one keeps its status.
func (s *Store) UpsertInvite(ctx context.Context, chatID, email string, role models.Role) (models.Collaborator, error) {
	email = models.NormalizeEmail(email)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Collaborator{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := roomExists(ctx, tx, chatID); err != nil {
		return models.Collaborator{}, err
	}

	existing, err := scanCollaborator(tx.QueryRowContext(ctx, selectCollaborator+` WHERE chat_id = ? AND email = ?`, chatID, email))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collaborators (id, chat_id, email, role, status, invited_at, revision) VALUES (?, ?, ?, ?, ?, ?, 1)`,
			uuid.NewString(), chatID, email, string(role), string(models.StatusPending), s.now().UnixMilli()); err != nil {
			return models.Collaborator{}, fmt.Errorf("insert collaborator: %w", err)
		}
	case err != nil:
		return models.Collaborator{}, err
	case existing.IsOwner():
		return models.Collaborator{}, ErrOwnerImmutable
	default:
		status := existing.Status
		if status == models.StatusRejected {
			status = models.StatusPending
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE collaborators SET role = ?, status = ?, revision = revision + 1 WHERE id = ?`,
			string(role), string(status), existing.ID); err != nil {
			return models.Collaborator{}, fmt.Errorf("update collaborator: %w", err)
		}
	}

	c, err := scanCollaborator(tx.QueryRowContext(ctx, selectCollaborator+` WHERE chat_id = ? AND email = ?`, chatID, email))
	if err != nil {
		return models.Collaborator{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Collaborator{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// UpdateRole changes a collaborator's role. A non-zero revision must match
// the stored one.
func (s *Store) UpdateRole(ctx context.Context, chatID, id string, role models.Role, revision int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lookup(ctx, tx, chatID, id)
	if err != nil {
		return err
	}
	if current.IsOwner() {
		return ErrOwnerImmutable
	}
	if revision != 0 && revision != current.Revision {
		return ErrRevisionConflict
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE collaborators SET role = ?, revision = revision + 1 WHERE id = ? AND revision = ?`,
		string(role), id, current.Revision)
	if err != nil {
		return fmt.Errorf("update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRevisionConflict
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RemoveCollaborator deletes a non-owner collaborator.
func (s *Store) RemoveCollaborator(ctx context.Context, chatID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.lookup(ctx, tx, chatID, id)
	if err != nil {
		return err
	}
	if current.IsOwner() {
		return ErrOwnerImmutable
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collaborators WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove collaborator: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Acceptance is one accept request against a room.
type Acceptance struct {
	ChatID string
	Email  string
	Name   string
	Role   models.Role

	// InviteID is the jti of an invite token, empty for share links. Invite
	// accepts need an existing collaborator record and consume the token in
	// the same transaction.
	InviteID      string
	InviteExpires time.Time
}

// Accept marks the collaborator accepted. A share link admits an unknown
// email with the link's role. An invite whose collaborator was removed
// returns ErrInvitationRevoked and leaves the token unused.
func (s *Store) Accept(ctx context.Context, a Acceptance) (models.Collaborator, error) {
	email := models.NormalizeEmail(a.Email)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Collaborator{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := roomExists(ctx, tx, a.ChatID); err != nil {
		return models.Collaborator{}, err
	}

	existing, err := scanCollaborator(tx.QueryRowContext(ctx, selectCollaborator+` WHERE chat_id = ? AND email = ?`, a.ChatID, email))
	missing := errors.Is(err, sql.ErrNoRows)
	if err != nil && !missing {
		return models.Collaborator{}, err
	}
	if missing && a.InviteID != "" {
		return models.Collaborator{}, ErrInvitationRevoked
	}
	if !missing && existing.IsOwner() {
		return existing, nil
	}
	if a.InviteID != "" {
		if err := consumeToken(ctx, tx, a.InviteID, a.InviteExpires); err != nil {
			return models.Collaborator{}, err
		}
	}

	if missing {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO collaborators (id, chat_id, email, name, role, status, invited_at, revision) VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
			uuid.NewString(), a.ChatID, email, a.Name, string(a.Role), string(models.StatusAccepted), s.now().UnixMilli()); err != nil {
			return models.Collaborator{}, fmt.Errorf("insert collaborator: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx,
			`UPDATE collaborators SET name = ?, status = ?, revision = revision + 1 WHERE id = ?`,
			a.Name, string(models.StatusAccepted), existing.ID); err != nil {
			return models.Collaborator{}, fmt.Errorf("accept collaborator: %w", err)
		}
	}

	c, err := scanCollaborator(tx.QueryRowContext(ctx, selectCollaborator+` WHERE chat_id = ? AND email = ?`, a.ChatID, email))
	if err != nil {
		return models.Collaborator{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Collaborator{}, fmt.Errorf("commit: %w", err)
	}
	return c, nil
}

// SetShareToken replaces the room's share token. Earlier share links stop
// resolving.
func (s *Store) SetShareToken(ctx context.Context, chatID, token string, role models.Role, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET share_token = ?, share_role = ?, share_expires_at = ? WHERE chat_id = ?`,
		token, string(role), expiresAt.UnixMilli(), chatID)
	if err != nil {
		return fmt.Errorf("set share token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// ConsumeToken records jti as used. A second call for the same jti returns
// ErrTokenConsumed.
func (s *Store) ConsumeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	return consumeToken(ctx, s.db, jti, expiresAt)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func consumeToken(ctx context.Context, db execer, jti string, expiresAt time.Time) error {
	res, err := db.ExecContext(ctx,
		`INSERT INTO consumed_tokens (jti, expires_at) VALUES (?, ?) ON CONFLICT(jti) DO NOTHING`,
		jti, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenConsumed
	}
	return nil
}

// TokenConsumed reports whether jti was used.
func (s *Store) TokenConsumed(ctx context.Context, jti string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM consumed_tokens WHERE jti = ?`, jti).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check token: %w", err)
	}
	return n > 0, nil
}

// PurgeConsumedTokens drops used tokens that expired before now.
func (s *Store) PurgeConsumedTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM consumed_tokens WHERE expires_at < ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) lookup(ctx context.Context, tx *sql.Tx, chatID, id string) (models.Collaborator, error) {
	c, err := scanCollaborator(tx.QueryRowContext(ctx, selectCollaborator+` WHERE chat_id = ? AND id = ?`, chatID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Collaborator{}, ErrCollaboratorNotFound
	}
	return c, err
}

func roomExists(ctx context.Context, tx *sql.Tx, chatID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM rooms WHERE chat_id = ?`, chatID).Scan(&n); err != nil {
		return fmt.Errorf("check room: %w", err)
	}
	if n == 0 {
		return ErrRoomNotFound
	}
	return nil
}
