package entitlement

import "errors"

var (
	// ErrRecordNotFound is returned when a user has no entitlement document
	ErrRecordNotFound = errors.New("entitlement record not found")

	// ErrRecordExists is returned when creating a document that already exists
	ErrRecordExists = errors.New("entitlement record already exists")

	// ErrUnknownProduct is returned when a product id is not registered in the catalog
	ErrUnknownProduct = errors.New("product not registered in catalog")

	// ErrInvalidCatalog is returned when a catalog entry is malformed
	ErrInvalidCatalog = errors.New("invalid product catalog")
)
