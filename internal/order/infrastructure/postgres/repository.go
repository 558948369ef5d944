package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflow/order-service/internal/order/application"
	"github.com/eduflow/order-service/internal/order/domain"
)

//go:embed schema.sql
var Schema string

const uniqueViolation = "23505"

const orderColumns = `id, idempotency_key, COALESCE(external_order_id,''), user_id, user_name, user_email,
	instructor_id, instructor_name, course_id, course_title_en, course_title_ar, course_image,
	amount_cents, currency, payment_method, order_status, payment_status, payment_id, payer_id,
	attempts, created_at, updated_at`

// Repository persists orders and their outbox events. Every state change
// that matters downstream writes the order row and the event in one
// transaction.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

func (r *Repository) InsertProvisional(ctx context.Context, o domain.Order) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO orders
		(id, idempotency_key, user_id, user_name, user_email, instructor_id, instructor_name,
		 course_id, course_title_en, course_title_ar, course_image, amount_cents, currency,
		 payment_method, order_status, payment_status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		o.ID, o.IdempotencyKey, o.UserID, o.UserName, o.UserEmail, o.InstructorID, o.InstructorName,
		o.CourseID, o.CourseTitle.En, o.CourseTitle.Ar, o.CourseImage, o.Amount.Cents, o.Amount.Currency,
		o.PaymentMethod, o.OrderStatus, o.PaymentStatus, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateExternalID
	}
	return err
}

func (r *Repository) AttachExternalID(ctx context.Context, orderID, externalOrderID string, evt application.Event) (domain.Order, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `UPDATE orders
		SET external_order_id=$2, order_status=$3, updated_at=$4
		WHERE id=$1 AND order_status=$5
		RETURNING `+orderColumns,
		orderID, externalOrderID, domain.StatusPending, time.Now().UTC(), domain.StatusProvisional)

	o, err := scanOrder(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Order{}, domain.ErrDuplicateExternalID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the row is gone or another replica attached first.
			existing, ferr := r.FindByID(ctx, orderID)
			if ferr != nil {
				return domain.Order{}, ferr
			}
			if existing.ExternalOrderID == externalOrderID {
				return existing, nil
			}
			return domain.Order{}, fmt.Errorf("order %s is not provisional (status %s)", orderID, existing.OrderStatus)
		}
		return domain.Order{}, err
	}

	if err := insertOutbox(ctx, tx, o.ID, evt); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (r *Repository) TouchProvisional(ctx context.Context, orderID, lastError string) error {
	_, err := r.pool.Exec(ctx, `UPDATE orders
		SET attempts=attempts+1, last_error=$2, updated_at=$3
		WHERE id=$1 AND order_status=$4`,
		orderID, lastError, time.Now().UTC(), domain.StatusProvisional)
	return err
}

func (r *Repository) MarkProvisionalFailed(ctx context.Context, orderID, reason string, evt application.Event) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `UPDATE orders
		SET order_status=$2, payment_status=$3, last_error=$4, updated_at=$5
		WHERE id=$1 AND order_status=$6`,
		orderID, domain.StatusFailed, domain.PaymentFailed, reason, time.Now().UTC(), domain.StatusProvisional)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// Recovered by a racing reconciler; nothing to retire.
		return nil
	}

	if err := insertOutbox(ctx, tx, orderID, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) FindByID(ctx context.Context, id string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, err
}

func (r *Repository) FindByExternalID(ctx context.Context, externalOrderID string) (domain.Order, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_order_id=$1`, externalOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, err
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ConditionalTransition is the idempotency linchpin: the UPDATE applies
// only while the row still matches the expected status, so concurrent
// captures collapse to a single applied change.
func (r *Repository) ConditionalTransition(ctx context.Context, t application.Transition) (domain.Order, bool, error) {
	if !domain.CanTransition(t.Expected, t.NextOrder) {
		return domain.Order{}, false, fmt.Errorf("illegal order transition %s to %s", t.Expected, t.NextOrder)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	row := tx.QueryRow(ctx, `UPDATE orders
		SET order_status=$3, payment_status=$4,
		    payer_id=CASE WHEN $5<>'' THEN $5 ELSE payer_id END,
		    payment_id=CASE WHEN $6<>'' THEN $6 ELSE payment_id END,
		    updated_at=$7
		WHERE external_order_id=$1 AND order_status=$2
		RETURNING `+orderColumns,
		t.ExternalOrderID, t.Expected, t.NextOrder, t.NextPayment, t.PayerID, t.PaymentID, time.Now().UTC())

	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, ferr := r.FindByExternalID(ctx, t.ExternalOrderID)
			if ferr != nil {
				return domain.Order{}, false, ferr
			}
			return existing, false, nil
		}
		return domain.Order{}, false, err
	}

	if err := insertOutbox(ctx, tx, o.ID, t.Event); err != nil {
		return domain.Order{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, false, err
	}
	return o, true, nil
}

func (r *Repository) ListProvisionalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE order_status=$1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		domain.StatusProvisional, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (r *Repository) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE order_status=$1 AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		domain.StatusPending, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, aggregateID string, evt application.Event) error {
	if evt.Type == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, headers, traceparent, status)
		VALUES ('order',$1,$2,$3,$4,$5,'pending')`,
		aggregateID, evt.Type, evt.Payload, evt.Headers, evt.Traceparent)
	return err
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.IdempotencyKey, &o.ExternalOrderID, &o.UserID, &o.UserName, &o.UserEmail,
		&o.InstructorID, &o.InstructorName, &o.CourseID, &o.CourseTitle.En, &o.CourseTitle.Ar, &o.CourseImage,
		&o.Amount.Cents, &o.Amount.Currency, &o.PaymentMethod, &o.OrderStatus, &o.PaymentStatus,
		&o.PaymentID, &o.PayerID, &o.Attempts, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func scanOrders(rows pgx.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
