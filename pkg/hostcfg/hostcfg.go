// Package hostcfg loads and validates host inventories and turns them
// into ready session managers. Inventories live in YAML files or MongoDB.
package hostcfg

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Host describes one execution target. Local entries run on the calling
// host; remote entries need an address, a user and some credential.
type Host struct {
	Name     string `yaml:"name" json:"name" validate:"required"`
	Local    bool   `yaml:"local,omitempty" json:"local,omitempty"`
	Addr     string `yaml:"addr,omitempty" json:"addr,omitempty" validate:"required_unless=Local true"`
	User     string `yaml:"user,omitempty" json:"user,omitempty" validate:"required_unless=Local true"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
}

// Inventory is the full host list one manager is built from.
type Inventory struct {
	Hosts []Host `yaml:"hosts" json:"hosts" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Validate checks the inventory for holes before any dial happens.
// Credentials are checked later, per host, by the dialer.
func (inv *Inventory) Validate() error {
	return validate.Struct(inv)
}

// Load reads an inventory from st and validates it.
func Load(st Store) (*Inventory, error) {
	var inv Inventory
	if err := st.Load(&inv); err != nil {
		return nil, err
	}
	if err := inv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	return &inv, nil
}
