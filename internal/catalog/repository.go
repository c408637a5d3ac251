package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

// DB is the subset of pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type postgresRepository struct {
	db DB
}

func NewPostgresRepository(db DB) Repository {
	return &postgresRepository{db: db}
}

const productColumns = `id, name, category, price, stock, is_active, created_at, updated_at`

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Category,
		&p.Price,
		&p.Stock,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *postgresRepository) CreateProduct(ctx context.Context, p *Product) error {
	if err := Validate(p); err != nil {
		return err
	}

	if p.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate product ID: %w", err)
		}
		p.ID = id
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO products (id, name, category, price, stock, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`
	_, err := r.db.Exec(ctx, query,
		p.ID,
		p.Name,
		string(p.Category),
		p.Price,
		p.Stock,
		p.IsActive,
		now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return ErrDuplicateProduct
			case pgerrcode.CheckViolation:
				return fmt.Errorf("%w: %s", ErrInvalidProduct, pgErr.ConstraintName)
			}
		}
		return fmt.Errorf("repository: failed to insert product: %w", err)
	}

	p.CreatedAt = now
	p.UpdatedAt = now

	return nil
}

func (r *postgresRepository) GetProductByID(ctx context.Context, id uuid.UUID) (*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	p, err := scanProduct(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product by id %s: %w", id, err)
	}

	return p, nil
}

// DecrementStock applies the floor guard in the UPDATE itself, so the
// check and the write are one atomic statement.
func (r *postgresRepository) DecrementStock(ctx context.Context, id uuid.UUID, qty int) (*Product, error) {
	if err := checkQuantity(qty); err != nil {
		return nil, err
	}

	query := `
		UPDATE products
		SET stock = stock - $2, updated_at = $3
		WHERE id = $1 AND stock >= $2 AND is_active
		RETURNING ` + productColumns

	p, err := scanProduct(r.db.QueryRow(ctx, query, id, qty, time.Now().UTC()))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repository: failed to decrement stock for product %s: %w", id, err)
	}

	// No row matched: the product is gone, inactive or short of stock.
	current, getErr := r.GetProductByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if !current.IsActive {
		return nil, fmt.Errorf("%w: product %s", ErrProductInactive, id)
	}

	log.Debug().Stringer("product_id", id).Int("stock", current.Stock).Int("requested", qty).Msg("repository: stock guard rejected decrement")
	return nil, fmt.Errorf("%w: product %s has %d, requested %d", ErrInsufficientStock, id, current.Stock, qty)
}

func (r *postgresRepository) IncrementStock(ctx context.Context, id uuid.UUID, qty int) (*Product, error) {
	if err := checkQuantity(qty); err != nil {
		return nil, err
	}

	query := `
		UPDATE products
		SET stock = stock + $2, updated_at = $3
		WHERE id = $1
		RETURNING ` + productColumns

	p, err := scanProduct(r.db.QueryRow(ctx, query, id, qty, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to increment stock for product %s: %w", id, err)
	}

	return p, nil
}
