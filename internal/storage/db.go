package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"expense-backend/internal/apperrors"
	"expense-backend/internal/models"
)

// DB wraps a sql.DB connection and the SQL dialect of its driver.
type DB struct {
	conn    *sql.DB
	dialect dialect
}

// NewDB opens a SQLite database at path and runs migrations.
func NewDB(path string) (*DB, error) {
	return Open(context.Background(), DriverSQLite, path)
}

// Open opens a database with the given driver and DSN and runs migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	dsn, err = d.prepareDSN(dsn)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, err
	}

	if d.name == DriverSQLite {
		// One connection, so ":memory:" databases are shared and writers never contend.
		conn.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn, dialect: d}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	for _, m := range db.dialect.schema {
		if _, err := db.conn.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Driver returns the name of the dialect in use.
func (db *DB) Driver() string {
	return db.dialect.name
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.dialect.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.dialect.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.dialect.rebind(query), args...)
}

// insert runs an INSERT and returns the generated id.
func (db *DB) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if db.dialect.returningID {
		var id int64
		err := db.queryRow(ctx, query+" RETURNING id", args...).Scan(&id)
		return id, err
	}

	result, err := db.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// --- users --- //

const userColumns = "id, email, hashed_password, created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// InsertUser creates a new user with the given email and password hash.
// A duplicate email yields an apperrors.ErrConflict error.
func (db *DB) InsertUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	now := time.Now().UTC()
	id, err := db.insert(ctx,
		"INSERT INTO users (email, hashed_password, created_at) VALUES (?, ?, ?)",
		email, passwordHash, now,
	)
	if err != nil {
		if db.dialect.isUniqueViolation(err) {
			return nil, apperrors.Wrap(apperrors.ErrConflict, "This email is already in use.", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to insert user", err)
	}

	return &models.User{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}, nil
}

// FindUserByID retrieves a user by ID.
func (db *DB) FindUserByID(ctx context.Context, id int64) (*models.User, error) {
	u, err := scanUser(db.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	return u, userLookupError(err)
}

// FindUserByEmail retrieves a user by email.
func (db *DB) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(db.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email))
	return u, userLookupError(err)
}

func userLookupError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return apperrors.Wrap(apperrors.ErrNotFound, "user not found", err)
	default:
		return apperrors.Wrap(apperrors.ErrInternal, "failed to load user", err)
	}
}

// DeleteUserByID deletes a user, their sessions, and detaches their expenses
// in a single transaction.
func (db *DB) DeleteUserByID(ctx context.Context, id int64) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to start transaction", err)
	}
	defer tx.Rollback()

	statements := []string{
		"UPDATE expenses SET user_id = NULL WHERE user_id = ?",
		"DELETE FROM sessions WHERE user_id = ?",
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, db.dialect.rebind(stmt), id); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to delete user", err)
		}
	}

	res, err := tx.ExecContext(ctx, db.dialect.rebind("DELETE FROM users WHERE id = ?"), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete user", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete user", err)
	}
	if rowsAffected == 0 {
		return apperrors.New(apperrors.ErrNotFound, "user not found")
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to commit user deletion", err)
	}
	return nil
}

// UserCount returns the number of users in the database.
func (db *DB) UserCount(ctx context.Context) (int, error) {
	var count int
	err := db.queryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	return count, err
}

// --- expenses --- //

const expenseColumns = "id, category, description, amount, date, user_id"

func scanExpense(row interface{ Scan(...any) error }) (*models.Expense, error) {
	var (
		e           models.Expense
		description sql.NullString
		amount      sql.NullFloat64
		userID      sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.Category, &description, &amount, &e.Date, &userID); err != nil {
		return nil, err
	}
	e.Description = description.String
	if amount.Valid {
		e.Amount = &amount.Float64
	}
	if userID.Valid {
		e.UserID = &userID.Int64
	}
	return &e, nil
}

// NilToNullFloat64 converts an optional float into a nullable column value.
func NilToNullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// EmptyToNullString stores empty strings as NULL.
func EmptyToNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertExpense inserts a new expense. A zero Date defaults to now.
func (db *DB) InsertExpense(ctx context.Context, e *models.Expense) (*models.Expense, error) {
	created := *e
	if created.Date.IsZero() {
		created.Date = time.Now()
	}
	created.Date = created.Date.UTC()

	var userID sql.NullInt64
	if created.UserID != nil {
		userID = sql.NullInt64{Int64: *created.UserID, Valid: true}
	}

	id, err := db.insert(ctx,
		"INSERT INTO expenses (category, description, amount, date, user_id) VALUES (?, ?, ?, ?, ?)",
		created.Category, EmptyToNullString(created.Description), NilToNullFloat64(created.Amount), created.Date, userID,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to insert expense", err)
	}
	created.ID = id
	return &created, nil
}

// GetExpense retrieves a single expense by ID.
func (db *DB) GetExpense(ctx context.Context, id int64) (*models.Expense, error) {
	e, err := scanExpense(db.queryRow(ctx, "SELECT "+expenseColumns+" FROM expenses WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "expense not found", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to load expense", err)
	}
	return e, nil
}

// monthRange returns the UTC bounds [start, end) of a calendar month.
func monthRange(year, month int) (time.Time, time.Time) {
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// ListExpensesByMonth retrieves a user's expenses for one month, newest first.
func (db *DB) ListExpensesByMonth(ctx context.Context, userID int64, year, month int) ([]models.Expense, error) {
	start, end := monthRange(year, month)

	rows, err := db.query(ctx,
		"SELECT "+expenseColumns+" FROM expenses WHERE user_id = ? AND date >= ? AND date < ? ORDER BY date DESC, id DESC",
		userID, start, end,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list expenses", err)
	}
	defer rows.Close()

	expenses := []models.Expense{}
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to scan expense", err)
		}
		expenses = append(expenses, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to list expenses", err)
	}
	return expenses, nil
}

// GetCategoryTotalsByMonth sums a user's expenses per category for one month,
// largest total first.
func (db *DB) GetCategoryTotalsByMonth(ctx context.Context, userID int64, year, month int) ([]models.CategoryTotal, error) {
	start, end := monthRange(year, month)

	rows, err := db.query(ctx, `
		SELECT category, COALESCE(SUM(amount), 0) AS total, COUNT(*) AS cnt
		FROM expenses
		WHERE user_id = ? AND date >= ? AND date < ?
		GROUP BY category
		ORDER BY total DESC, category ASC`,
		userID, start, end,
	)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to load category totals", err)
	}
	defer rows.Close()

	totals := []models.CategoryTotal{}
	for rows.Next() {
		var ct models.CategoryTotal
		if err := rows.Scan(&ct.Category, &ct.Total, &ct.Count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to scan category total", err)
		}
		totals = append(totals, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to load category totals", err)
	}
	return totals, nil
}

// --- sessions --- //

// CreateSession creates a new session for a user.
func (db *DB) CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.exec(ctx,
		"INSERT INTO sessions (token, user_id, expires_at, last_activity) VALUES (?, ?, ?, ?)",
		token, userID, expiresAt.UTC(), now,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to create session", err)
	}
	return nil
}

// LookupSession returns the unexpired session for token.
func (db *DB) LookupSession(ctx context.Context, token string) (*models.Session, error) {
	var s models.Session
	err := db.queryRow(ctx,
		"SELECT token, user_id, expires_at, last_activity FROM sessions WHERE token = ?",
		token,
	).Scan(&s.Token, &s.UserID, &s.ExpiresAt, &s.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.Wrap(apperrors.ErrNotFound, "session not found", err)
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to load session", err)
	}

	if !s.ExpiresAt.After(time.Now()) {
		return nil, apperrors.New(apperrors.ErrNotFound, "session expired")
	}
	return &s, nil
}

// RenewSession updates the last_activity and expires_at for a session.
func (db *DB) RenewSession(ctx context.Context, token string, newExpiresAt time.Time) error {
	now := time.Now().UTC()
	_, err := db.exec(ctx,
		"UPDATE sessions SET last_activity = ?, expires_at = ? WHERE token = ?",
		now, newExpiresAt.UTC(), token,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to renew session", err)
	}
	return nil
}

// DeleteSession removes a session by token.
func (db *DB) DeleteSession(ctx context.Context, token string) error {
	if _, err := db.exec(ctx, "DELETE FROM sessions WHERE token = ?", token); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete session", err)
	}
	return nil
}

// DeleteUserSessions removes every session of a user.
func (db *DB) DeleteUserSessions(ctx context.Context, userID int64) error {
	if _, err := db.exec(ctx, "DELETE FROM sessions WHERE user_id = ?", userID); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to delete user sessions", err)
	}
	return nil
}

// CleanExpiredSessions removes all expired sessions and returns how many were removed.
func (db *DB) CleanExpiredSessions(ctx context.Context) (int64, error) {
	res, err := db.exec(ctx, "DELETE FROM sessions WHERE expires_at <= ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
