package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema/table identifiers are quoted with pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "latch").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "latch",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

const principalColumns = `id, username, email, password_hash,
       is_registered, is_disabled, is_abandoned, is_admin,
       fingerprint_hash, fingerprint_data,
       host(registration_ip), host(last_login_ip), last_seen_at,
       created_at, updated_at`

func scanPrincipal(row pgx.Row) (Principal, error) {
	var p Principal
	err := row.Scan(
		&p.ID,
		&p.Username,
		&p.Email,
		&p.PasswordHash,
		&p.IsRegistered,
		&p.IsDisabled,
		&p.IsAbandoned,
		&p.IsAdmin,
		&p.FingerprintHash,
		&p.FingerprintData,
		&p.RegistrationIP,
		&p.LastLoginIP,
		&p.LastSeenAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func (s *PostgresStore) table() string { return pgIdent(s.schema, "principals") }

func (s *PostgresStore) getOne(ctx context.Context, op, where string, arg any) (Principal, error) {
	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM `+s.table()+` WHERE `+where+` LIMIT 1`, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, NotFoundError{Op: op, Resource: "principal"}
		}
		return Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	return p, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id int64) (Principal, error) {
	const op = "identity.GetByID"
	if id <= 0 {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return s.getOne(ctx, op, `id = $1`, id)
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (Principal, error) {
	const op = "identity.GetByUsername"
	u := NormalizeUsername(username)
	if u == "" {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return s.getOne(ctx, op, `username = $1`, u)
}

func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (Principal, error) {
	const op = "identity.GetByEmail"
	e := NormalizeEmail(email)
	if e == "" {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return s.getOne(ctx, op, `email = $1`, e)
}

func (s *PostgresStore) FindAnonymousByFingerprint(ctx context.Context, hash string) (Principal, error) {
	const op = "identity.FindAnonymousByFingerprint"
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Principal{}, NotFoundError{Op: op, Resource: "principal"}
	}
	return s.getOne(ctx, op,
		`fingerprint_hash = $1 AND is_registered = false AND is_abandoned = false AND is_disabled = false
		 ORDER BY id`, hash)
}

func (s *PostgresStore) UsernameExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.table()+` WHERE username = $1)`,
		NormalizeUsername(username),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("identity.UsernameExists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) CreateAnonymous(ctx context.Context, in CreateAnonymousInput) (Principal, error) {
	const op = "identity.CreateAnonymous"

	in, err := in.normalize(op)
	if err != nil {
		return Principal{}, err
	}

	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (
		     username, is_registered, fingerprint_hash, fingerprint_data,
		     registration_ip, last_seen_at, created_at, updated_at
		   ) VALUES ($1, false, $2, $3, $4, $5, $5, $5)
		 RETURNING `+principalColumns,
		in.Username,
		in.FingerprintHash,
		jsonOrNil(in.FingerprintData),
		textOrNil(in.IP),
		in.Now,
	))
	if err != nil {
		return Principal{}, mapWriteErr(op, err)
	}
	return p, nil
}

func (s *PostgresStore) CreateRegistered(ctx context.Context, in CreateRegisteredInput) (Principal, error) {
	const op = "identity.CreateRegistered"

	in, err := in.normalize(op)
	if err != nil {
		return Principal{}, err
	}

	p, err := scanPrincipal(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table()+` (
		     username, email, password_hash, is_registered,
		     registration_ip, last_seen_at, created_at, updated_at
		   ) VALUES ($1, $2, $3, true, $4, $5, $5, $5)
		 RETURNING `+principalColumns,
		in.Username,
		in.Email,
		in.PasswordHash,
		textOrNil(in.IP),
		in.Now,
	))
	if err != nil {
		return Principal{}, mapWriteErr(op, err)
	}
	return p, nil
}

// Register upgrades an anonymous principal inside one transaction so the
// registered-state check and the update cannot interleave with another upgrade.
func (s *PostgresStore) Register(ctx context.Context, id int64, in RegisterInput) (Principal, error) {
	const op = "identity.Register"

	in, err := in.normalize(op)
	if err != nil {
		return Principal{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var registered bool
	err = tx.QueryRow(ctx,
		`SELECT is_registered FROM `+s.table()+` WHERE id = $1 FOR UPDATE`, id,
	).Scan(&registered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, NotFoundError{Op: op, Resource: "principal"}
		}
		return Principal{}, fmt.Errorf("%s: %w", op, err)
	}
	if registered {
		return Principal{}, OpError{Op: op, Kind: ErrConflict, Msg: "principal is already registered"}
	}

	p, err := scanPrincipal(tx.QueryRow(ctx,
		`UPDATE `+s.table()+`
		    SET username = $2,
		        email = $3,
		        password_hash = $4,
		        is_registered = true,
		        fingerprint_hash = NULL,
		        fingerprint_data = NULL,
		        updated_at = $5
		  WHERE id = $1
		 RETURNING `+principalColumns,
		id,
		in.Username,
		in.Email,
		in.PasswordHash,
		in.Now,
	))
	if err != nil {
		return Principal{}, mapWriteErr(op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Principal{}, fmt.Errorf("%s: commit: %w", op, err)
	}
	return p, nil
}

func (s *PostgresStore) RecordLogin(ctx context.Context, id int64, ip *string, now time.Time) error {
	const op = "identity.RecordLogin"

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET last_seen_at = $2,
		        last_login_ip = COALESCE($3, last_login_ip),
		        updated_at = $2
		  WHERE id = $1`,
		id, defaultNow(now), textOrNil(trimPtr(ip)),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	return nil
}

func (s *PostgresStore) MarkAbandoned(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table()+`
		    SET is_abandoned = true,
		        fingerprint_hash = NULL,
		        updated_at = $2
		  WHERE is_registered = false
		    AND is_abandoned = false
		    AND COALESCE(last_seen_at, created_at) < $1`,
		cutoff, defaultNow(now),
	)
	if err != nil {
		return 0, fmt.Errorf("identity.MarkAbandoned: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- helpers ----

func jsonOrNil(m map[string]string) any {
	if len(m) == 0 {
		return nil
	}
	return m
}

// textOrNil passes IPs as plain text so Postgres casts them to INET.
func textOrNil(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func mapWriteErr(op string, err error) error {
	if field, ok := pgClassifyUniqueViolation(err); ok {
		return ConflictError{Op: op, Field: field}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFoundError{Op: op, Resource: "principal"}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case strings.Contains(c, "username"):
		return "username", true
	case strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
