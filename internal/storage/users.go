package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/schoolpsy/psyhelper/internal/role"
)

// ErrUsernameTaken is returned when inserting a user whose username exists.
var ErrUsernameTaken = errors.New("username already taken")

// User is a local account row. Synced is false for accounts created on this
// device that have not reached the cloud yet.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Password    string    `json:"-"`
	FirstName   string    `json:"firstName"`
	LastName    string    `json:"lastName"`
	Role        role.Role `json:"role"`
	AvatarColor int64     `json:"avatarColor"`
	CreatedAt   int64     `json:"createdAt"`
	Synced      bool      `json:"-"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

const userCols = `id, username, password, first_name, last_name, role, avatar_color, created_at, synced`

func scanUser(sc interface{ Scan(...any) error }) (User, error) {
	var u User
	var r string
	var synced int
	err := sc.Scan(&u.ID, &u.Username, &u.Password, &u.FirstName, &u.LastName, &r, &u.AvatarColor, &u.CreatedAt, &synced)
	if err != nil {
		return User{}, err
	}
	u.Role = role.Normalize(r)
	u.Synced = synced != 0
	return u, nil
}

func (d *DB) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateUser inserts u. A zero ID lets SQLite allocate one. Returns the row id.
func (d *DB) CreateUser(ctx context.Context, u User) (int64, error) {
	if !u.Role.Valid() {
		u.Role = role.Normalize(string(u.Role))
	}
	var id any
	if u.ID > 0 {
		id = u.ID
	}
	res, err := d.Exec(ctx, `
		INSERT INTO users (id, username, password, first_name, last_name, role, avatar_color, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, u.Username, u.Password, u.FirstName, u.LastName, string(u.Role), u.AvatarColor, u.CreatedAt, boolInt(u.Synced))
	if isUniqueViolation(err) {
		return 0, ErrUsernameTaken
	}
	if err != nil {
		return 0, fmt.Errorf("insert user: %w", err)
	}
	return res.LastInsertId()
}

// InsertUserIfMissing stores a mirrored user keeping its id. It reports
// false when a row with the same id or username already exists.
func (d *DB) InsertUserIfMissing(ctx context.Context, u User) (bool, error) {
	res, err := d.Exec(ctx, `
		INSERT INTO users (id, username, password, first_name, last_name, role, avatar_color, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT DO NOTHING`,
		u.ID, u.Username, u.Password, u.FirstName, u.LastName, string(role.Normalize(string(u.Role))), u.AvatarColor, u.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert mirrored user: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetUser returns the user with the given id or ErrNotFound.
func (d *DB) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(d.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// GetUserByUsername returns the user with the given username or ErrNotFound.
func (d *DB) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(d.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (d *DB) UsernameExists(ctx context.Context, username string) (bool, error) {
	var n int
	if err := d.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *DB) ListUsers(ctx context.Context) ([]User, error) {
	return d.queryUsers(ctx, `SELECT `+userCols+` FROM users ORDER BY last_name, first_name, id`)
}

func (d *DB) UsersByRole(ctx context.Context, r role.Role) ([]User, error) {
	return d.queryUsers(ctx, `SELECT `+userCols+` FROM users WHERE role = ? ORDER BY last_name, first_name, id`, string(r))
}

// UnsyncedUsers lists accounts created locally that the cloud has not seen.
func (d *DB) UnsyncedUsers(ctx context.Context) ([]User, error) {
	return d.queryUsers(ctx, `SELECT `+userCols+` FROM users WHERE synced = 0 ORDER BY id`)
}

// SearchUsers matches the query against first name, last name and username.
func (d *DB) SearchUsers(ctx context.Context, q string) ([]User, error) {
	like := "%" + strings.TrimSpace(q) + "%"
	return d.queryUsers(ctx, `
		SELECT `+userCols+` FROM users
		WHERE first_name LIKE ? OR last_name LIKE ? OR username LIKE ?
		ORDER BY last_name, first_name, id`, like, like, like)
}

func (d *DB) UpdatePassword(ctx context.Context, id int64, password string) error {
	return d.updateOne(ctx, `UPDATE users SET password = ? WHERE id = ?`, password, id)
}

func (d *DB) UpdateAvatarColor(ctx context.Context, id int64, color int64) error {
	return d.updateOne(ctx, `UPDATE users SET avatar_color = ? WHERE id = ?`, color, id)
}

func (d *DB) MarkUserSynced(ctx context.Context, id int64) error {
	return d.updateOne(ctx, `UPDATE users SET synced = 1 WHERE id = ?`, id)
}

func (d *DB) DeleteUser(ctx context.Context, id int64) error {
	return d.updateOne(ctx, `DELETE FROM users WHERE id = ?`, id)
}

func (d *DB) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := d.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RekeyUser moves a locally created account to a new id, carrying its
// messages and test results along.
func (d *DB) RekeyUser(ctx context.Context, oldID, newID int64) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE users SET id = ? WHERE id = ?`, newID, oldID)
		if err != nil {
			return fmt.Errorf("rekey user: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `UPDATE OR IGNORE messages SET sender_id = ? WHERE sender_id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("rekey sent messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE OR IGNORE messages SET receiver_id = ? WHERE receiver_id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("rekey received messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE OR IGNORE test_results SET user_id = ? WHERE user_id = ?`, newID, oldID); err != nil {
			return fmt.Errorf("rekey test results: %w", err)
		}
		return nil
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
