package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type seedProduct struct {
	ID       uuid.UUID       `yaml:"id"`
	Name     string          `yaml:"name"`
	Category Category        `yaml:"category"`
	Price    decimal.Decimal `yaml:"price"`
	Stock    int             `yaml:"stock"`
	IsActive *bool           `yaml:"is_active"`
}

type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

// LoadSeedFile reads a YAML catalog. Products without is_active are active.
func LoadSeedFile(path string) ([]Product, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("seed: failed to open %s: %w", path, err)
	}
	defer file.Close()

	var sf seedFile
	if err := yaml.NewDecoder(file).Decode(&sf); err != nil {
		return nil, fmt.Errorf("seed: invalid file %s: %w", path, err)
	}

	products := make([]Product, 0, len(sf.Products))
	for i, sp := range sf.Products {
		p := Product{
			ID:       sp.ID,
			Name:     sp.Name,
			Category: sp.Category,
			Price:    sp.Price,
			Stock:    sp.Stock,
			IsActive: true,
		}
		if sp.IsActive != nil {
			p.IsActive = *sp.IsActive
		}
		if err := Validate(&p); err != nil {
			return nil, fmt.Errorf("seed: product #%d: %w", i+1, err)
		}
		products = append(products, p)
	}

	return products, nil
}

// Seed inserts products, skipping the ones that already exist.
func Seed(ctx context.Context, repo Repository, products []Product) (int, error) {
	created := 0
	for i := range products {
		err := repo.CreateProduct(ctx, &products[i])
		if errors.Is(err, ErrDuplicateProduct) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("seed: failed to create %q: %w", products[i].Name, err)
		}
		created++
	}
	return created, nil
}
