package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/sthanfv/el-buen-corte--sub000/internal/models"
)

const (
	uniqueViolation      = "23505"
	idempotencyIndexName = "orders_idempotency_key_active"
)

const orderColumns = `id, idempotency_key, user_id, customer_info, items, total, payment_method,
			habeas_data_accepted, status, history, notes, internal_status, customer_ip,
			payment_deadline, stock_restored, reminded, estimated_cycle_days,
			created_at, updated_at, updated_by`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) PlaceOrder(ctx context.Context, o *models.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin place order: %w", err)
	}
	defer tx.Rollback()

	units := o.UnitsByProduct()
	for _, id := range sortedKeys(units) {
		if err := takeStock(ctx, tx, id, units[id]); err != nil {
			return err
		}
	}

	customer, err := json.Marshal(o.CustomerInfo)
	if err != nil {
		return fmt.Errorf("marshal customer info: %w", err)
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	history, err := json.Marshal(o.History)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	query := `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	_, err = tx.ExecContext(ctx, query,
		o.ID, o.IdempotencyKey, o.UserID, string(customer), string(items), o.Total, o.PaymentMethod,
		o.HabeasDataAccepted, o.Status, string(history), o.Notes, o.InternalStatus, o.CustomerIP,
		o.PaymentDeadline, o.StockRestored, o.Reminded, o.EstimatedCycleDays,
		o.CreatedAt, o.UpdatedAt, o.UpdatedBy,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == idempotencyIndexName {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit place order: %w", err)
	}
	return nil
}

// takeStock decrements atomically; the row lock makes concurrent buyers of the last unit serialize.
func takeStock(ctx context.Context, tx *sql.Tx, productID string, n int) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE products SET stock = stock - $1, updated_at = NOW() WHERE id = $2 AND stock >= $1`,
		n, productID)
	if err != nil {
		return fmt.Errorf("decrement stock %s: %w", productID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 1 {
		return nil
	}
	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check product %s: %w", productID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return fmt.Errorf("%w: %s", ErrStockExhausted, productID)
}

func giveBackStock(ctx context.Context, tx *sql.Tx, units map[string]int) error {
	for _, id := range sortedKeys(units) {
		_, err := tx.ExecContext(ctx,
			`UPDATE products SET stock = stock + $1, updated_at = NOW() WHERE id = $2`,
			units[id], id)
		if err != nil {
			return fmt.Errorf("restore stock %s: %w", id, err)
		}
	}
	return nil
}

func (r *OrderRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE idempotency_key = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, key, models.StatusCancelled, models.StatusCancelledTimeout))
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	o, err := scanOrder(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("get order by id: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) UpdateOrder(ctx context.Context, id string, fn func(*models.Order) error) (*models.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update order: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	o, err := scanOrder(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("lock order: %w", err)
	}

	before := len(o.History)
	if err := fn(o); err != nil {
		return nil, err
	}
	if len(o.History) < before {
		return nil, ErrHistoryRewrite
	}
	added, err := json.Marshal(o.History[before:])
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}

	if o.NeedsRestock() {
		if err := giveBackStock(ctx, tx, o.UnitsByProduct()); err != nil {
			return nil, err
		}
		o.StockRestored = true
	}

	_, err = tx.ExecContext(ctx, `UPDATE orders SET
			status = $1, history = history || $2::jsonb, notes = $3, internal_status = $4,
			stock_restored = $5, reminded = $6, estimated_cycle_days = $7,
			updated_at = $8, updated_by = $9
		WHERE id = $10`,
		o.Status, string(added), o.Notes, o.InternalStatus,
		o.StockRestored, o.Reminded, o.EstimatedCycleDays,
		o.UpdatedAt, o.UpdatedBy, o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update order: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) List(ctx context.Context, f ListFilter) ([]*models.Order, error) {
	var filters []string
	var args []interface{}
	idx := 1

	query := `SELECT ` + orderColumns + ` FROM orders`
	if f.Status != "" {
		filters = append(filters, fmt.Sprintf("status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	if len(filters) > 0 {
		query += " WHERE " + strings.Join(filters, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, f.EffectiveLimit())

	return r.query(ctx, query, args...)
}

func (r *OrderRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1 AND payment_deadline < $2
		ORDER BY payment_deadline ASC LIMIT $3`
	return r.query(ctx, query, models.StatusPendingVerification, before, limit)
}

func (r *OrderRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	res := make([]*models.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return res, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*models.Order, error) {
	o := &models.Order{}
	var (
		key                      sql.NullString
		deadline                 sql.NullTime
		customer, items, history []byte
	)
	err := row.Scan(
		&o.ID, &key, &o.UserID, &customer, &items, &o.Total, &o.PaymentMethod,
		&o.HabeasDataAccepted, &o.Status, &history, &o.Notes, &o.InternalStatus, &o.CustomerIP,
		&deadline, &o.StockRestored, &o.Reminded, &o.EstimatedCycleDays,
		&o.CreatedAt, &o.UpdatedAt, &o.UpdatedBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if key.Valid {
		o.IdempotencyKey = &key.String
	}
	if deadline.Valid {
		t := deadline.Time
		o.PaymentDeadline = &t
	}
	if err := json.Unmarshal(customer, &o.CustomerInfo); err != nil {
		return nil, fmt.Errorf("decode customer info: %w", err)
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(history, &o.History); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return o, nil
}

// sortedKeys gives a stable lock order so concurrent transactions cannot deadlock.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
