package entitlement

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProductKind distinguishes subscriptions from one-time consumables
type ProductKind string

const (
	KindSubscription ProductKind = "subscription"
	KindConsumable   ProductKind = "consumable"
)

// Product is one catalog registration. Provider product ids and price ids
// are registered the same way.
type Product struct {
	ID       string      `yaml:"id"`
	Kind     ProductKind `yaml:"kind"`
	Bucket   Bucket      `yaml:"tier,omitempty"`
	PlanName string      `yaml:"plan_name,omitempty"`

	// GrantsOtherTier marks a subscription whose access cascades to the sibling bucket.
	GrantsOtherTier bool `yaml:"grants_other_tier,omitempty"`

	// UnitsPerPurchase is the number of credits a single unit of a consumable grants.
	UnitsPerPurchase float64 `yaml:"units_per_purchase,omitempty"`

	// DefaultQuantity applies when the purchase event carries no quantity.
	DefaultQuantity int `yaml:"default_quantity,omitempty"`
}

// Catalog maps provider product identifiers to products.
// Unregistered SKUs are never granted anything.
type Catalog struct {
	products map[string]Product
}

type catalogFile struct {
	Products []Product `yaml:"products"`
}

// NewCatalog validates and indexes the given products
func NewCatalog(products ...Product) (*Catalog, error) {
	c := &Catalog{products: make(map[string]Product, len(products))}
	for _, p := range products {
		if err := p.validate(); err != nil {
			return nil, err
		}
		key := catalogKey(p.ID)
		if _, dup := c.products[key]; dup {
			return nil, fmt.Errorf("%w: duplicate product id %q", ErrInvalidCatalog, p.ID)
		}
		c.products[key] = p
	}
	return c, nil
}

// ParseCatalog parses a YAML catalog document
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	return NewCatalog(file.Products...)
}

// LoadCatalog reads a YAML catalog from disk
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in product registrations
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Product{ID: "board_review_monthly", Kind: KindSubscription, Bucket: BucketBoardReview, PlanName: "Board Review Monthly"},
		Product{ID: "board_review_annual", Kind: KindSubscription, Bucket: BucketBoardReview, PlanName: "Board Review Annual"},
		Product{ID: "cme_annual", Kind: KindSubscription, Bucket: BucketCMEAnnual, PlanName: "CME Annual", GrantsOtherTier: true},
		Product{ID: "cme_annual_subscription", Kind: KindSubscription, Bucket: BucketCMEAnnual, PlanName: "CME Annual", GrantsOtherTier: true},
		Product{ID: "cme_credit_single", Kind: KindConsumable, UnitsPerPurchase: 1, DefaultQuantity: 1},
		Product{ID: "cme_credits_5_pack", Kind: KindConsumable, UnitsPerPurchase: 5, DefaultQuantity: 1},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Lookup finds a product by id (case-insensitive exact match)
func (c *Catalog) Lookup(id string) (Product, bool) {
	if c == nil || strings.TrimSpace(id) == "" {
		return Product{}, false
	}
	p, ok := c.products[catalogKey(id)]
	return p, ok
}

// Subscription returns the subscription registered under id
func (c *Catalog) Subscription(id string) (Product, bool) {
	p, ok := c.Lookup(id)
	if !ok || p.Kind != KindSubscription {
		return Product{}, false
	}
	return p, true
}

// SubscriptionForBucket returns a subscription registered in bucket. A product
// whose plan name matches planName wins; otherwise the lowest id is used.
func (c *Catalog) SubscriptionForBucket(bucket Bucket, planName string) (Product, bool) {
	if c == nil {
		return Product{}, false
	}
	var matches []Product
	for _, p := range c.products {
		if p.Kind == KindSubscription && p.Bucket == bucket {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return Product{}, false
	}
	sort.Slice(matches, func(i, j int) bool { return catalogKey(matches[i].ID) < catalogKey(matches[j].ID) })
	if planName = strings.TrimSpace(planName); planName != "" {
		for _, p := range matches {
			if strings.EqualFold(p.PlanName, planName) {
				return p, true
			}
		}
	}
	return matches[0], true
}

// Consumable returns the consumable registered under id
func (c *Catalog) Consumable(id string) (Product, bool) {
	p, ok := c.Lookup(id)
	if !ok || p.Kind != KindConsumable {
		return Product{}, false
	}
	return p, true
}

// Len returns the number of registered products
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.products)
}

// Credits computes the credit grant for a purchase of quantity units.
// Non-positive quantities fall back to DefaultQuantity, then 1.
func (p Product) Credits(quantity int) float64 {
	if quantity <= 0 {
		quantity = p.DefaultQuantity
	}
	if quantity <= 0 {
		quantity = 1
	}
	return float64(quantity) * p.UnitsPerPurchase
}

func (p Product) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: product id is required", ErrInvalidCatalog)
	}
	switch p.Kind {
	case KindSubscription:
		if p.Bucket != BucketBoardReview && p.Bucket != BucketCMEAnnual {
			return fmt.Errorf("%w: product %q has unknown tier %q", ErrInvalidCatalog, p.ID, p.Bucket)
		}
	case KindConsumable:
		if p.UnitsPerPurchase <= 0 {
			return fmt.Errorf("%w: consumable %q needs units_per_purchase > 0", ErrInvalidCatalog, p.ID)
		}
		if p.DefaultQuantity < 0 {
			return fmt.Errorf("%w: consumable %q has negative default_quantity", ErrInvalidCatalog, p.ID)
		}
	default:
		return fmt.Errorf("%w: product %q has unknown kind %q", ErrInvalidCatalog, p.ID, p.Kind)
	}
	return nil
}

func catalogKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
