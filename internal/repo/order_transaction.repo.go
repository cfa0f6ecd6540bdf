package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stripe-reconciler/internal/domain"
)

type OrderTransactionRepo interface {
	// FindByCorrelationID returns the transaction whose stripe custom field equals
	// value, or (nil, nil) when there is none.
	FindByCorrelationID(ctx context.Context, field domain.CorrelationField, value string) (*domain.OrderTransaction, error)
	// FindById returns (nil, nil) when the transaction does not exist.
	FindById(ctx context.Context, id uuid.UUID) (*domain.OrderTransaction, error)
	UpdateState(ctx context.Context, id uuid.UUID, state domain.TransactionState) error
	UpdateCustomField(ctx context.Context, id uuid.UUID, path []string, value any) error
	// FindOpenBefore lists open transactions carrying a payment intent id that
	// were last touched before the given time.
	FindOpenBefore(ctx context.Context, before time.Time, limit int) ([]domain.OrderTransaction, error)
	Create(ctx context.Context, tx *domain.OrderTransaction) error
}

type orderTransactionRepo struct {
	db *sql.DB
}

func NewOrderTransactionRepo(db *sql.DB) OrderTransactionRepo {
	return &orderTransactionRepo{db: db}
}

const selectOrderTransaction = `SELECT id, order_id, order_version_id, state, custom_fields, created_at, updated_at FROM order_transaction`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderTransaction(row rowScanner) (*domain.OrderTransaction, error) {
	var (
		t            domain.OrderTransaction
		customFields []byte
	)
	err := row.Scan(
		&t.ID,
		&t.OrderID,
		&t.OrderVersionID,
		&t.State,
		&customFields,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(customFields) > 0 {
		if err := json.Unmarshal(customFields, &t.CustomFields); err != nil {
			return nil, errors.Wrapf(err, "decode custom fields of order transaction %s", t.ID)
		}
	}
	return &t, nil
}

// jsonPath renders a constant jsonb path literal. Only validated correlation
// fields reach it.
func jsonPath(path []string) string {
	return "'{" + strings.Join(path, ",") + "}'"
}

func (r *orderTransactionRepo) FindByCorrelationID(ctx context.Context, field domain.CorrelationField, value string) (*domain.OrderTransaction, error) {
	if !field.Valid() {
		return nil, errors.Errorf("unknown correlation field %q", field)
	}
	query := fmt.Sprintf(`%s WHERE custom_fields #>> %s = $1 ORDER BY created_at DESC LIMIT 1`, selectOrderTransaction, jsonPath(field.Path()))

	t, err := scanOrderTransaction(r.db.QueryRowContext(ctx, query, value))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find order transaction by %s", field)
	}
	return t, nil
}

func (r *orderTransactionRepo) FindById(ctx context.Context, id uuid.UUID) (*domain.OrderTransaction, error) {
	t, err := scanOrderTransaction(r.db.QueryRowContext(ctx, selectOrderTransaction+` WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find order transaction %s", id)
	}
	return t, nil
}

func (r *orderTransactionRepo) UpdateState(ctx context.Context, id uuid.UUID, state domain.TransactionState) error {
	res, err := r.db.ExecContext(ctx, `UPDATE order_transaction SET state = $1, updated_at = now() WHERE id = $2`, string(state), id)
	if err != nil {
		return errors.Wrapf(err, "update state of order transaction %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.NotFoundError{Value: id.String()}
	}
	return nil
}

// UpdateCustomField sets one nested custom field. The row is locked for the
// read-modify-write so concurrent writers to sibling keys do not lose updates.
func (r *orderTransactionRepo) UpdateCustomField(ctx context.Context, id uuid.UUID, path []string, value any) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin custom field update")
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT custom_fields FROM order_transaction WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return &domain.NotFoundError{Value: id.String()}
	}
	if err != nil {
		return errors.Wrapf(err, "lock order transaction %s", id)
	}

	var fields map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return errors.Wrapf(err, "decode custom fields of order transaction %s", id)
		}
	}
	fields = domain.SetCustomField(fields, path, value)
	encoded, err := json.Marshal(fields)
	if err != nil {
		return errors.Wrap(err, "encode custom fields")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE order_transaction SET custom_fields = $1::jsonb, updated_at = now() WHERE id = $2`, string(encoded), id); err != nil {
		return errors.Wrapf(err, "update custom fields of order transaction %s", id)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit custom field update")
	}
	return nil
}

func (r *orderTransactionRepo) FindOpenBefore(ctx context.Context, before time.Time, limit int) ([]domain.OrderTransaction, error) {
	query := fmt.Sprintf(`%s
		WHERE state = $1
		AND updated_at < $2
		AND COALESCE(custom_fields #>> %s, '') <> ''
		ORDER BY updated_at
		LIMIT $3`, selectOrderTransaction, jsonPath(domain.CorrelationPaymentIntentID.Path()))

	rows, err := r.db.QueryContext(ctx, query, string(domain.TransactionOpen), before, limit)
	if err != nil {
		return nil, errors.Wrap(err, "find open order transactions")
	}
	defer rows.Close()

	var out []domain.OrderTransaction
	for rows.Next() {
		t, err := scanOrderTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan order transaction")
		}
		out = append(out, *t)
	}
	return out, errors.Wrap(rows.Err(), "iterate order transactions")
}

func (r *orderTransactionRepo) Create(ctx context.Context, t *domain.OrderTransaction) error {
	customFields := t.CustomFields
	if customFields == nil {
		customFields = map[string]any{}
	}
	fields, err := json.Marshal(customFields)
	if err != nil {
		return errors.Wrap(err, "encode custom fields")
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO order_transaction (id, order_id, order_version_id, state, custom_fields, created_at, updated_at) VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		t.ID, t.OrderID, t.OrderVersionID, string(t.State), string(fields), t.CreatedAt, t.UpdatedAt,
	)
	return errors.Wrapf(err, "insert order transaction %s", t.ID)
}
