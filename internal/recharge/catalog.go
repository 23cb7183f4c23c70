package recharge

import "fmt"

// CoinPackage maps a purchasable bundle to its coin amount and price.
type CoinPackage struct {
	Coins      int64
	PriceCents int64
}

// Catalog is the static mapping from package id to bundle.
type Catalog map[string]CoinPackage

// DefaultCatalog returns the stock coin bundles.
func DefaultCatalog() Catalog {
	return Catalog{
		"pack1": {Coins: 100, PriceCents: 100},
		"pack2": {Coins: 550, PriceCents: 500},
		"pack3": {Coins: 1200, PriceCents: 1000},
	}
}

// Lookup resolves a package id, failing with ErrUnknownPackage.
func (catalog Catalog) Lookup(packageID string) (CoinPackage, error) {
	coinPackage, ok := catalog[packageID]
	if !ok {
		return CoinPackage{}, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	return coinPackage, nil
}
