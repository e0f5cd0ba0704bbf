package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/codesense/codesense/internal/tracing"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	bcryptCost = 10
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrInvalidPassword = errors.New("invalid credentials")
)

type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NormalizeRole maps anything other than admin to user.
func NormalizeRole(role string) string {
	if role == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// CheckPassword returns ErrInvalidPassword on mismatch.
func CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidPassword
	}
	return nil
}

// NewUser validates signup input and hashes the password.
func NewUser(name, email, password, role string) (User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(strings.ToLower(email))
	if name == "" {
		return User{}, errors.New("name is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, fmt.Errorf("invalid email %q", email)
	}
	if len(password) < 6 {
		return User{}, errors.New("password must be at least 6 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, err
	}
	return User{Name: name, Email: email, PasswordHash: hash, Role: NormalizeRole(role)}, nil
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const userColumns = `id, name, email, password_hash, role, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) Create(ctx context.Context, u User) (User, error) {
	ctx, span := tracing.StartSpan(ctx, "users.Create")
	defer span.End()

	created, err := scanUser(s.db.QueryRow(ctx, `
		INSERT INTO codesense.users(name, email, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING `+userColumns,
		u.Name, u.Email, u.PasswordHash, NormalizeRole(u.Role),
	))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM codesense.users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, err
}

func (s *Store) GetByEmail(ctx context.Context, email string) (User, error) {
	u, err := scanUser(s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM codesense.users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email))))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return User{}, fmt.Errorf("get user by email: %w", err)
	}
	return u, err
}

// FindByIDs returns the users that exist among ids; unknown ids are skipped.
func (s *Store) FindByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, `SELECT `+userColumns+` FROM codesense.users WHERE id = ANY($1::uuid[]) ORDER BY created_at`, ids)
}

// FindByRole lists users with role; "" or "all" lists everyone.
func (s *Store) FindByRole(ctx context.Context, role string) ([]User, error) {
	if role == "" || role == "all" {
		return s.list(ctx, `SELECT `+userColumns+` FROM codesense.users ORDER BY created_at`)
	}
	return s.list(ctx, `SELECT `+userColumns+` FROM codesense.users WHERE role = $1 ORDER BY created_at`, role)
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]User, error) {
	ctx, span := tracing.StartSpan(ctx, "users.list")
	defer span.End()

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
