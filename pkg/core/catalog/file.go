package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
)

// catalogFile is the on-disk shape: either a bare array of products or an
// object with a "products" field.
type catalogFile struct {
	Products []types.Product `json:"products"`
}

// LoadProducts reads raw product records from a JSON file.
func LoadProducts(path string) ([]types.Product, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseProducts(data)
}

// ParseProducts decodes raw catalog JSON into product records.
func ParseProducts(data []byte) ([]types.Product, error) {
	var products []types.Product
	if err := json.Unmarshal(data, &products); err != nil {
		var wrapped catalogFile
		if err2 := json.Unmarshal(data, &wrapped); err2 != nil {
			return nil, fmt.Errorf("parse catalog JSON: %w", err)
		}
		products = wrapped.Products
	}
	if len(products) == 0 {
		return nil, fmt.Errorf("catalog contains no products")
	}
	return products, nil
}

// LoadFile reads and validates a catalog snapshot from a JSON file.
func LoadFile(path string) (*Snapshot, error) {
	products, err := LoadProducts(path)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(products)
}
