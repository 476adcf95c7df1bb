package entities

import (
	"time"
)

// Wallet represents a watched custodial deposit address. Addresses are
// provisioned by the external wallet service; this system only reads them to
// know where deposits may arrive.
type Wallet struct {
	ID        int       `db:"id"`
	UserID    int64     `db:"user_id"`
	Chain     string    `db:"chain"`
	Network   string    `db:"network"`
	Address   string    `db:"address"`
	CreatedAt time.Time `db:"created_at"`
}
