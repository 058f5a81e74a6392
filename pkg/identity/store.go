// Package identity stores user accounts, credentials and per-user
// preferences in SQLite. The user listing and preferences are read through
// the shared cache; every mutation calls the invalidation hooks.
package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/chatgate/chatgate/pkg/cache"
	"github.com/chatgate/chatgate/pkg/invalidate"
	"github.com/chatgate/chatgate/pkg/models"
)

// Invalidator is told about every successful mutation.
type Invalidator interface {
	InvalidateUserListing(ctx context.Context) error
	InvalidateUser(ctx context.Context, id int64) error
}

// Options configures a Store.
type Options struct {
	// Cache holds the user listing and preferences. Nil disables caching.
	Cache cache.Store
	// Hooks defaults to invalidate.New(Cache).
	Hooks      Invalidator
	ListingTTL time.Duration
	// AdminUsername names the account DeleteUser refuses to remove.
	AdminUsername string
	BCryptCost    int
	Logger        logrus.FieldLogger
}

// Store is the SQLite-backed identity store.
type Store struct {
	db            *sql.DB
	cache         cache.Store
	hooks         Invalidator
	ttl           time.Duration
	adminUsername string
	cost          int
	log           logrus.FieldLogger
	// listingGen counts user mutations so ListUsers can spot a listing that
	// went stale while it was being cached.
	listingGen atomic.Uint64
}

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	is_admin INTEGER NOT NULL DEFAULT 0,
	preferences TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const emptyPreferences = "{}"

// busyTimeout lets writers wait for the SQLite cache, which may share the
// database file.
const busyTimeout = "?_pragma=busy_timeout(5000)"

// New opens (or creates) the user database at dbPath.
func New(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+busyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createUsersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate identity db: %w", err)
	}

	s := &Store{
		db:            db,
		cache:         opts.Cache,
		hooks:         opts.Hooks,
		ttl:           opts.ListingTTL,
		adminUsername: opts.AdminUsername,
		cost:          opts.BCryptCost,
		log:           opts.Logger,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.hooks == nil {
		s.hooks = invalidate.New(opts.Cache, s.log)
	}
	if s.ttl <= 0 {
		s.ttl = time.Hour
	}
	if s.adminUsername == "" {
		s.adminUsername = "admin"
	}
	if s.cost == 0 {
		s.cost = bcrypt.DefaultCost
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// VerifyCredentials checks a username and password.
func (s *Store) VerifyCredentials(ctx context.Context, username, password string) (*models.Principal, error) {
	var p models.Principal
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, is_admin FROM users WHERE username = ?`, username,
	).Scan(&p.ID, &p.Username, &hash, &p.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("verify credentials: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrBadCredentials
	}
	return &p, nil
}

// ListUsers returns every user ordered by id, from cache when fresh.
func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	if data, ok := s.cacheGet(ctx, invalidate.UserListingKey); ok {
		var users []models.User
		if err := json.Unmarshal(data, &users); err == nil {
			return users, nil
		}
	}

	gen := s.listingGen.Load()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, is_admin, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsAdmin, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	if data, err := json.Marshal(users); err == nil {
		s.cacheSet(ctx, invalidate.UserListingKey, data)
		if s.listingGen.Load() != gen {
			_ = s.hooks.InvalidateUserListing(ctx)
		}
	}
	return users, nil
}

// GetUser returns one user.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, is_admin, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Username, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CreateUser adds an account. Username and password are required.
func (s *Store) CreateUser(ctx context.Context, in models.UserInput) (*models.User, error) {
	if err := validateInput(in, true); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, is_admin, created_at) VALUES (?, ?, ?, ?)`,
		in.Username, string(hash), in.IsAdmin, now,
	)
	if err != nil {
		return nil, mapWriteError("create user", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.invalidateListing(ctx)
	s.log.WithFields(logrus.Fields{"user_id": id, "username": in.Username}).Info("user created")
	return &models.User{ID: id, Username: in.Username, IsAdmin: in.IsAdmin, CreatedAt: now}, nil
}

// UpdateUser changes an account. An empty password keeps the current one.
func (s *Store) UpdateUser(ctx context.Context, id int64, in models.UserInput) (*models.User, error) {
	if err := validateInput(in, false); err != nil {
		return nil, err
	}

	var (
		res sql.Result
		err error
	)
	if in.Password != "" {
		hash, herr := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
		if herr != nil {
			return nil, fmt.Errorf("hash password: %w", herr)
		}
		res, err = s.db.ExecContext(ctx,
			`UPDATE users SET username = ?, password_hash = ?, is_admin = ? WHERE id = ?`,
			in.Username, string(hash), in.IsAdmin, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE users SET username = ?, is_admin = ? WHERE id = ?`,
			in.Username, in.IsAdmin, id)
	}
	if err != nil {
		return nil, mapWriteError("update user", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	s.invalidateListing(ctx)
	_ = s.hooks.InvalidateUser(ctx, id)
	s.log.WithField("user_id", id).Info("user updated")
	return s.GetUser(ctx, id)
}

// DeleteUser removes an account. The admin account is refused with
// ErrProtected.
func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if u.Username == s.adminUsername {
		return ErrProtected
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ? AND username != ?`, id, s.adminUsername)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	s.invalidateListing(ctx)
	_ = s.hooks.InvalidateUser(ctx, id)
	s.log.WithFields(logrus.Fields{"user_id": id, "username": u.Username}).Info("user deleted")
	return nil
}

// GetPreferences returns the user's preferences document, from cache when
// fresh. A user who never saved any gets "{}".
func (s *Store) GetPreferences(ctx context.Context, id int64) (models.Preferences, error) {
	key := invalidate.UserKey(id)
	if data, ok := s.cacheGet(ctx, key); ok && json.Valid(data) {
		return models.Preferences(data), nil
	}

	var prefs string
	err := s.db.QueryRowContext(ctx, `SELECT preferences FROM users WHERE id = ?`, id).Scan(&prefs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	if prefs == "" {
		prefs = emptyPreferences
	}

	s.cacheSet(ctx, key, []byte(prefs))
	return models.Preferences(prefs), nil
}

// UpdatePreferences replaces the user's preferences with a JSON object.
func (s *Store) UpdatePreferences(ctx context.Context, id int64, prefs models.Preferences) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(prefs, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: preferences must be a JSON object", ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE users SET preferences = ? WHERE id = ?`, string(prefs), id)
	if err != nil {
		return fmt.Errorf("update preferences: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	_ = s.hooks.InvalidateUser(ctx, id)
	return nil
}

// EnsureAdmin creates the admin account if it is missing. When password is
// empty a random one is generated and returned so the operator can log in.
func (s *Store) EnsureAdmin(ctx context.Context, password string) (generated string, err error) {
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, s.adminUsername,
	).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("check admin: %w", err)
	}
	if exists {
		return "", nil
	}

	if password == "" {
		password = uuid.NewString()
		generated = password
	}
	_, err = s.CreateUser(ctx, models.UserInput{Username: s.adminUsername, Password: password, IsAdmin: true})
	if err != nil {
		return "", fmt.Errorf("create admin: %w", err)
	}
	return generated, nil
}

func validateInput(in models.UserInput, requirePassword bool) error {
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Username, validation.Required, validation.Length(1, 64)),
		validation.Field(&in.Password, validation.When(requirePassword, validation.Required), validation.Length(0, 72)),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

func mapWriteError(op string, err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return ErrConflict
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *Store) invalidateListing(ctx context.Context) {
	s.listingGen.Add(1)
	_ = s.hooks.InvalidateUserListing(ctx)
}

func (s *Store) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("identity cache lookup failed")
		return nil, false
	}
	return data, ok
}

func (s *Store) cacheSet(ctx context.Context, key string, data []byte) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("identity cache store failed")
	}
}
