package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"evelogi/internal/db"
	"evelogi/internal/engine"
	"evelogi/internal/logger"
)

var (
	ErrUnauthenticated = errors.New("not logged in")
	// ErrOwnerChanged means the character was transferred; its local record has been purged.
	ErrOwnerChanged = errors.New("character owner changed")
	// ErrCharacterBound means the character belongs to another account.
	ErrCharacterBound = errors.New("character is bound to another account")
	// ErrOrphanCharacter means the character had no account; its local record has been purged.
	ErrOrphanCharacter = errors.New("character has no account")
)

// Role names.
const (
	RoleGuest         = "Guest"
	RoleUser          = "User"
	RoleAdministrator = "Administrator"
)

// Role is a named permission set.
type Role struct {
	Name        string
	Permissions []string
	Default     bool
}

// DefaultRoles are seeded by SeedRoles. New users get the default role.
var DefaultRoles = []Role{
	{Name: RoleGuest},
	{Name: RoleUser, Permissions: []string{engine.PermTrade}, Default: true},
	{Name: RoleAdministrator, Permissions: []string{engine.PermTrade, engine.PermAdminister}},
}

// User is a local account owning one or more characters.
type User struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Character is an SSO-authenticated EVE character and its OAuth credential.
type Character struct {
	ID           int64     `json:"id"`
	CharacterID  int64     `json:"character_id"`
	Name         string    `json:"name"`
	OwnerHash    string    `json:"-"`
	UserID       int64     `json:"-"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"-"`
	Scopes       []string  `json:"scopes"`
}

// Credential is the OAuth token material stored per character.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// CredentialFromToken converts an oauth2 token.
func CredentialFromToken(tok *oauth2.Token) Credential {
	return Credential{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: tok.Expiry}
}

// Store persists users, characters and roles in the shared SQLite database.
type Store struct {
	db *sql.DB

	// Now is the clock used for created_at; tests replace it.
	Now func() time.Time
}

// NewStore creates a store backed by the given SQL database.
func NewStore(sqlDB *sql.DB) *Store {
	return &Store{db: sqlDB, Now: time.Now}
}

// SeedRoles creates or updates DefaultRoles. Running it twice is a no-op.
func (s *Store) SeedRoles(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range DefaultRoles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO roles (name, is_default) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET is_default = excluded.is_default`,
			r.Name, r.Default); err != nil {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
		var roleID int64
		if err := tx.QueryRowContext(ctx, "SELECT id FROM roles WHERE name = ?", r.Name).Scan(&roleID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM role_permissions WHERE role_id = ?", roleID); err != nil {
			return err
		}
		for _, p := range r.Permissions {
			if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO permissions (name) VALUES (?)", p); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO role_permissions (role_id, permission_id)
				SELECT ?, id FROM permissions WHERE name = ?`, roleID, p); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Success("AUTH", fmt.Sprintf("Seeded %d roles", len(DefaultRoles)))
	return nil
}

// SetRoleByCharacterName moves the account owning the named character to role.
func (s *Store) SetRoleByCharacterName(ctx context.Context, characterName, role string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET role_id = (SELECT id FROM roles WHERE name = ?)
		WHERE id = (SELECT user_id FROM characters WHERE name = ?)
		  AND EXISTS (SELECT 1 FROM roles WHERE name = ?)`,
		role, characterName, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: character %q or role %q", db.ErrNotFound, characterName, role)
	}
	return nil
}

// UserByCharacterName returns the id of the account owning the named character.
func (s *Store) UserByCharacterName(ctx context.Context, name string) (int64, error) {
	var userID sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT user_id FROM characters WHERE name = ?", name).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !userID.Valid) {
		return 0, fmt.Errorf("%w: character %q", db.ErrNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	return userID.Int64, nil
}

// GetUser returns the user with its role name.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	var (
		u       User
		role    sql.NullString
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, r.name, u.created_at
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.id = ?`, userID).Scan(&u.ID, &role, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %d", db.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	u.Role = RoleGuest
	if role.Valid {
		u.Role = role.String
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return &u, nil
}

// Permissions returns the permission names granted to the user's role.
func (s *Store) Permissions(ctx context.Context, userID int64) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name
		FROM users u
		JOIN role_permissions rp ON rp.role_id = u.role_id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE u.id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

const characterColumns = "id, character_id, name, owner_hash, COALESCE(user_id, 0), access_token, refresh_token, expires_at, scopes"

type scanner interface {
	Scan(dest ...any) error
}

func scanCharacter(row scanner) (Character, error) {
	var (
		c       Character
		expires int64
		scopes  string
	)
	if err := row.Scan(&c.ID, &c.CharacterID, &c.Name, &c.OwnerHash, &c.UserID,
		&c.AccessToken, &c.RefreshToken, &expires, &scopes); err != nil {
		return Character{}, err
	}
	if expires > 0 {
		c.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	c.Scopes = strings.Fields(scopes)
	return c, nil
}

// Characters lists the user's characters by name.
func (s *Store) Characters(ctx context.Context, userID int64) ([]Character, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+characterColumns+" FROM characters WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Character
	for rows.Next() {
		c, err := scanCharacter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Character returns one of the user's characters by local id.
func (s *Store) Character(ctx context.Context, userID, id int64) (*Character, error) {
	c, err := scanCharacter(s.db.QueryRowContext(ctx,
		"SELECT "+characterColumns+" FROM characters WHERE id = ? AND user_id = ?", id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: character %d", db.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCredential stores a refreshed token pair for the character.
func (s *Store) SaveCredential(ctx context.Context, id int64, cred Credential) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE characters SET access_token = ?, refresh_token = ?, expires_at = ? WHERE id = ?",
		cred.AccessToken, cred.RefreshToken, unixOrZero(cred.ExpiresAt), id)
	return err
}

// DeleteCharacter removes one of the user's characters and, by cascade, its structures.
func (s *Store) DeleteCharacter(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM characters WHERE id = ? AND user_id = ?", id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: character %d", db.ErrNotFound, id)
	}
	return nil
}

// Login binds an SSO-authenticated character to an account and returns the
// account's user id. currentUserID is 0 when the caller is logged out.
//
// A known character with a different owner hash is purged and ErrOwnerChanged
// returned. A known character without an account is purged when logging in
// and ErrOrphanCharacter returned. Adding a character that belongs to another
// account fails with ErrCharacterBound. An unknown character is attached to
// the current account, or to a new account with the default role.
func (s *Store) Login(ctx context.Context, currentUserID int64, claims CharacterClaims, cred Credential) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if currentUserID != 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id = ?", currentUserID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			currentUserID = 0
		} else if err != nil {
			return 0, err
		}
	}

	var (
		rowID     int64
		ownerHash string
		owner     sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		"SELECT id, owner_hash, user_id FROM characters WHERE character_id = ?", claims.CharacterID).
		Scan(&rowID, &ownerHash, &owner)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.createCharacter(ctx, tx, currentUserID, claims, cred)
	case err != nil:
		return 0, err
	}

	if ownerHash != claims.OwnerHash {
		if err := purgeCharacter(ctx, tx, rowID); err != nil {
			return 0, err
		}
		logger.Warn("AUTH", fmt.Sprintf("Owner of %s changed, local record purged", claims.Name))
		return 0, fmt.Errorf("%w: %s", ErrOwnerChanged, claims.Name)
	}

	userID := owner.Int64
	switch {
	case currentUserID != 0 && (!owner.Valid || owner.Int64 != currentUserID):
		return 0, fmt.Errorf("%w: %s", ErrCharacterBound, claims.Name)
	case currentUserID == 0 && !owner.Valid:
		if err := purgeCharacter(ctx, tx, rowID); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s", ErrOrphanCharacter, claims.Name)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE characters SET name = ?, access_token = ?, refresh_token = ?, expires_at = ?, scopes = ?
		WHERE id = ?`,
		claims.Name, cred.AccessToken, cred.RefreshToken, unixOrZero(cred.ExpiresAt),
		strings.Join(claims.Scopes, " "), rowID); err != nil {
		return 0, fmt.Errorf("update character %s: %w", claims.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Info("AUTH", fmt.Sprintf("Logged in as %s (user %d)", claims.Name, userID))
	return userID, nil
}

func (s *Store) createCharacter(ctx context.Context, tx *sql.Tx, userID int64, claims CharacterClaims, cred Credential) (int64, error) {
	now := s.Now().UTC().Format(time.RFC3339)
	if userID == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO users (role_id, created_at)
			VALUES ((SELECT id FROM roles WHERE is_default = 1 ORDER BY id LIMIT 1), ?)`, now)
		if err != nil {
			return 0, fmt.Errorf("create user: %w", err)
		}
		if userID, err = res.LastInsertId(); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO characters
			(character_id, name, owner_hash, user_id, access_token, refresh_token, expires_at, scopes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		claims.CharacterID, claims.Name, claims.OwnerHash, userID,
		cred.AccessToken, cred.RefreshToken, unixOrZero(cred.ExpiresAt),
		strings.Join(claims.Scopes, " "), now); err != nil {
		return 0, fmt.Errorf("create character %s: %w", claims.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	logger.Success("AUTH", fmt.Sprintf("Added %s to user %d", claims.Name, userID))
	return userID, nil
}

// purgeCharacter deletes the character and commits; structures go with it.
func purgeCharacter(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM characters WHERE id = ?", id); err != nil {
		return fmt.Errorf("purge character %d: %w", id, err)
	}
	return tx.Commit()
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Account is the account view: the user, its role and permissions, characters and structures.
type Account struct {
	User        User               `json:"user"`
	Permissions []string           `json:"permissions"`
	Characters  []Character        `json:"characters"`
	Structures  []engine.Structure `json:"structures"`
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
