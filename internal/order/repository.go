package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Repository is the order record store.
type Repository interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error)
	GetAllOrders(ctx context.Context) ([]Order, error)
	UpdateOrder(ctx context.Context, id uuid.UUID, patch Patch) (*Order, error)
	// DeleteOrder removes the order and returns what was deleted.
	DeleteOrder(ctx context.Context, id uuid.UUID) (*Order, error)
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const orderColumns = `id, user_id, total_amount, shipping_address, notes, status, created_at, updated_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanOrder(row pgx.Row) (*Order, error) {
	var order Order
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.TotalAmount,
		&order.ShippingAddress,
		&order.Notes,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	order.Items = make([]OrderItem, 0)
	return &order, nil
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (r *postgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("repository: panic recovered in transaction, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("repository: failed to rollback transaction")
			}
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
		}
	}()

	return fn(tx)
}

func (r *postgresRepository) CreateOrder(ctx context.Context, order *Order) error {
	if order.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate order ID: %w", err)
		}
		order.ID = id
	}

	now := time.Now().UTC()

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		queryOrder := `
			INSERT INTO orders (id, user_id, total_amount, shipping_address, notes, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		`
		_, err := tx.Exec(ctx, queryOrder,
			order.ID,
			order.UserID,
			order.TotalAmount,
			order.ShippingAddress,
			order.Notes,
			string(order.Status),
			now,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrDuplicateOrderID
			}
			return fmt.Errorf("repository: failed to insert order: %w", err)
		}

		queryItem := `
			INSERT INTO order_items (order_id, position, product_id, quantity, price)
			VALUES ($1, $2, $3, $4, $5)
		`
		for i, item := range order.Items {
			_, err = tx.Exec(ctx, queryItem, order.ID, i, item.ProductID, item.Quantity, item.Price)
			if err != nil {
				return fmt.Errorf("repository: failed to insert order item for order %s: %w", order.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	order.CreatedAt = now
	order.UpdatedAt = now
	return nil
}

func (r *postgresRepository) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	order, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order by id %s: %w", id, err)
	}

	if err := attachItems(ctx, r.db, []*Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *postgresRepository) GetOrdersByUserID(ctx context.Context, userID uuid.UUID) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id`
	return r.listOrders(ctx, query, userID)
}

func (r *postgresRepository) GetAllOrders(ctx context.Context) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC, id`
	return r.listOrders(ctx, query)
}

func (r *postgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed iterating orders: %w", err)
	}

	if err := attachItems(ctx, r.db, orders); err != nil {
		return nil, err
	}

	result := make([]Order, 0, len(orders))
	for _, order := range orders {
		result = append(result, *order)
	}
	return result, nil
}

// attachItems loads the items of every order with one query.
func attachItems(ctx context.Context, q querier, orders []*Order) error {
	if len(orders) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*Order, len(orders))
	ids := make([]string, 0, len(orders))
	for _, order := range orders {
		byID[order.ID] = order
		ids = append(ids, order.ID.String())
	}

	query := `
		SELECT order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, position
	`
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return fmt.Errorf("repository: failed to query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID uuid.UUID
			item    OrderItem
		)
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.Price); err != nil {
			return fmt.Errorf("repository: failed to scan order item: %w", err)
		}
		if order, ok := byID[orderID]; ok {
			order.Items = append(order.Items, item)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("repository: failed iterating order items: %w", err)
	}
	return nil
}

func (r *postgresRepository) UpdateOrder(ctx context.Context, id uuid.UUID, patch Patch) (*Order, error) {
	var status *string
	if patch.Status != nil {
		s := string(*patch.Status)
		status = &s
	}

	query := `
		UPDATE orders
		SET status = COALESCE($2, status),
			shipping_address = COALESCE($3, shipping_address),
			notes = COALESCE($4, notes),
			updated_at = $5
		WHERE id = $1
		RETURNING ` + orderColumns

	order, err := scanOrder(r.db.QueryRow(ctx, query, id, status, patch.ShippingAddress, patch.Notes, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Warn().Stringer("order_id", id).Msg("repository: order not found for update")
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to update order %s: %w", id, err)
	}

	if err := attachItems(ctx, r.db, []*Order{order}); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *postgresRepository) DeleteOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	var deleted *Order

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`

		order, err := scanOrder(tx.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("repository: failed to lock order %s: %w", id, err)
		}

		if err := attachItems(ctx, tx, []*Order{order}); err != nil {
			return err
		}

		// order_items go with the order via ON DELETE CASCADE.
		if _, err := tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
			return fmt.Errorf("repository: failed to delete order %s: %w", id, err)
		}

		deleted = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	return deleted, nil
}
