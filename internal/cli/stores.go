package cli

import (
	"fmt"

	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/db"
)

// openStores opens the database under the config directory and returns the
// stores every data command needs.
func openStores(cfg *config.AppConfig) (*db.AccountStore, *db.RequestStore, error) {
	gdb, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db.NewAccountStore(gdb), db.NewRequestStore(gdb), nil
}
