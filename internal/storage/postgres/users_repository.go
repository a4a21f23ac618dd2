package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/user-export-service/internal/exports"
)

// UserRepository reads the users dataset for export pipelines. It
// implements exports.Store.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a users repository on the shared pool.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// selectExprs maps exportable columns to their SELECT expressions. The
// numeric column is cast so values scan as float64 rather than pgtype
// internals; keys double as the only identifiers ever interpolated into
// SQL text (filter values always bind as parameters).
var selectExprs = map[string]string{
	"id":                `id`,
	"name":              `name`,
	"email":             `email`,
	"signup_date":       `signup_date`,
	"country_code":      `country_code`,
	"subscription_tier": `subscription_tier`,
	"lifetime_value":    `lifetime_value::float8 AS lifetime_value`,
}

// CountUsers returns the number of rows matching the filters.
func (r *UserRepository) CountUsers(ctx context.Context, filters exports.Filters) (int64, error) {
	where, args := filterClause(filters)
	query := `SELECT COUNT(*) FROM users` + where

	var total int64
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return total, nil
}

// OpenUserCursor declares a server-side cursor over the filtered dataset.
// The returned source holds one pooled connection and its transaction until
// Close; the cursor name embeds the job ID so concurrent exports never
// collide.
func (r *UserRepository) OpenUserCursor(ctx context.Context, jobID uuid.UUID, filters exports.Filters, columns []string, batchSize int) (exports.RowSource, error) {
	exprs := make([]string, len(columns))
	for i, col := range columns {
		expr, ok := selectExprs[col]
		if !ok {
			return nil, fmt.Errorf("column %q is not exportable", col)
		}
		exprs[i] = expr
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	name := cursorName(jobID)
	where, args := filterClause(filters)
	declare := fmt.Sprintf(
		`DECLARE %s NO SCROLL CURSOR FOR SELECT %s FROM users%s`,
		name, strings.Join(exprs, ", "), where,
	)
	if _, err := tx.Exec(ctx, declare, args...); err != nil {
		_ = tx.Rollback(ctx)
		conn.Release()
		return nil, fmt.Errorf("declare cursor: %w", err)
	}

	return &userCursor{
		conn:      conn,
		tx:        tx,
		name:      name,
		columns:   columns,
		batchSize: batchSize,
	}, nil
}

func filterClause(f exports.Filters) (string, []any) {
	var clauses []string
	var args []any

	if f.CountryCode != "" {
		args = append(args, f.CountryCode)
		clauses = append(clauses, fmt.Sprintf("country_code = $%d", len(args)))
	}
	if f.SubscriptionTier != "" {
		args = append(args, f.SubscriptionTier)
		clauses = append(clauses, fmt.Sprintf("subscription_tier = $%d", len(args)))
	}
	if f.MinLTV != nil {
		args = append(args, *f.MinLTV)
		clauses = append(clauses, fmt.Sprintf("lifetime_value >= $%d", len(args)))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func cursorName(jobID uuid.UUID) string {
	return "export_" + strings.ReplaceAll(jobID.String(), "-", "")
}

// userCursor fetches batches from a declared cursor. Not safe for
// concurrent use; each pipeline owns exactly one.
type userCursor struct {
	conn      *pgxpool.Conn
	tx        pgx.Tx
	name      string
	columns   []string
	batchSize int
	closed    bool
}

// Next fetches up to one batch. An empty batch means the cursor is drained.
func (c *userCursor) Next(ctx context.Context) ([]exports.Record, error) {
	if c.closed {
		return nil, fmt.Errorf("cursor %s is closed", c.name)
	}

	rows, err := c.tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", c.batchSize, c.name))
	if err != nil {
		return nil, fmt.Errorf("fetch from cursor: %w", err)
	}
	defer rows.Close()

	batch := make([]exports.Record, 0, c.batchSize)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		rec := make(exports.Record, len(c.columns))
		for i, col := range c.columns {
			if i < len(values) {
				rec[col] = formatValue(values[i])
			}
		}
		batch = append(batch, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return batch, nil
}

// Close releases the cursor, the transaction, and the pooled connection.
// Safe to call more than once.
func (c *userCursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if _, err := c.tx.Exec(ctx, "CLOSE "+c.name); err != nil {
		// The transaction may already be aborted; rollback below still
		// releases the cursor server-side.
		firstErr = fmt.Errorf("close cursor: %w", err)
	}
	if err := c.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		if firstErr == nil {
			firstErr = fmt.Errorf("rollback cursor transaction: %w", err)
		}
	}
	c.conn.Release()
	return firstErr
}

// formatValue renders a scanned value in its canonical textual form:
// numbers without locale formatting, timestamps in ISO-8601 UTC with
// fractional seconds only when the source carries them.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		t := val.UTC()
		if t.Nanosecond() != 0 {
			return t.Format(time.RFC3339Nano)
		}
		return t.Format(time.RFC3339)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int16:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(val)
	case []byte:
		return string(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
