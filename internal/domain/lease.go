package domain

import "time"

// LeaseName is the well-known name of the dispatcher leadership lease. There
// is exactly one lease row; whichever instance holds it runs the dispatcher.
const LeaseName = "dispatcher"

// Lease is a time-bounded claim by one engine instance to be the sole active
// dispatcher over a shared durable store. The holder renews the lease
// periodically; if it disappears without releasing (closed tab, crashed
// process), the expiry timestamp lets another instance reclaim it.
//
// Acquisition and renewal use conditional writes (UPDATE ... WHERE holder or
// expired, checked by rows affected) so two instances never both believe they
// hold the lease within one TTL window.
type Lease struct {
	Name       string    `json:"name"        gorm:"type:varchar(32);primaryKey"`
	HolderID   string    `json:"holder_id"   gorm:"type:varchar(128);not null"`
	AcquiredAt time.Time `json:"acquired_at" gorm:"not null"`
	RenewedAt  time.Time `json:"renewed_at"  gorm:"not null"`
	ExpiresAt  time.Time `json:"expires_at"  gorm:"not null;index"`
}

// TableName returns the database table name for Lease.
func (Lease) TableName() string { return "leases" }

// Expired reports whether the lease has lapsed at the given instant.
func (l *Lease) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// HeldBy reports whether the lease is currently held by the given instance.
func (l *Lease) HeldBy(holder string, now time.Time) bool {
	return l.HolderID == holder && !l.Expired(now)
}
