package settlement

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack is a purchasable bundle of credits. UnitAmount is in the smallest
// currency unit.
type Pack struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Credits    int64  `yaml:"credits" json:"credits"`
	UnitAmount int64  `yaml:"unit_amount" json:"unit_amount"`
	Currency   string `yaml:"currency" json:"currency"`
}

// Catalog lists packs in display order.
type Catalog struct {
	Packs []Pack `yaml:"packs" json:"packs"`
}

// DefaultCatalog is used when no catalog file is configured.
func DefaultCatalog() Catalog {
	return Catalog{Packs: []Pack{
		{ID: "starter", Name: "Starter", Credits: 100, UnitAmount: 500, Currency: "usd"},
		{ID: "standard", Name: "Standard", Credits: 250, UnitAmount: 1000, Currency: "usd"},
		{ID: "exam", Name: "Exam season", Credits: 1000, UnitAmount: 3000, Currency: "usd"},
	}}
}

// LoadCatalog reads a YAML catalog. A missing file yields DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultCatalog(), nil
	}
	if err != nil {
		return Catalog{}, fmt.Errorf("read credit packs: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse credit packs %s: %w", path, err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("credit packs %s: %w", path, err)
	}
	return cat, nil
}

// Validate rejects empty, duplicate or non-positive packs.
func (c Catalog) Validate() error {
	if len(c.Packs) == 0 {
		return errors.New("no packs defined")
	}
	seen := make(map[string]bool, len(c.Packs))
	for i, p := range c.Packs {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("pack %d: id required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pack %q: duplicate id", p.ID)
		}
		seen[p.ID] = true
		if p.Credits <= 0 || p.UnitAmount <= 0 {
			return fmt.Errorf("pack %q: credits and unit_amount must be positive", p.ID)
		}
		if strings.TrimSpace(p.Currency) == "" {
			return fmt.Errorf("pack %q: currency required", p.ID)
		}
	}
	return nil
}

// Lookup finds a pack by id.
func (c Catalog) Lookup(id string) (Pack, error) {
	for _, p := range c.Packs {
		if p.ID == id {
			return p, nil
		}
	}
	return Pack{}, fmt.Errorf("%w: %q", ErrUnknownPack, id)
}
