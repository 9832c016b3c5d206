// Package repo implements the durable-store persistence layer for the sync
// engine. This file provides the leadership-lease operations used by the
// cross-instance coordinator.
//
// The lease is a single row updated with compare-and-swap-style conditional
// writes: a claim succeeds only when the row is absent, expired, or already
// held by the claimant. Rows affected decides the winner, so two instances
// racing for the lease cannot both observe success.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/stockroomhq/go-stockroom-sync/internal/domain"
)

// AcquireLease attempts to claim (or re-claim) the named lease for holder
// until now+ttl. Returns true when the claim succeeded.
func AcquireLease(ctx context.Context, db *gorm.DB, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	expires := now.Add(ttl)

	// Fast path: take over our own lease or an expired one.
	res := db.WithContext(ctx).Model(&domain.Lease{}).
		Where("name = ? AND (holder_id = ? OR expires_at <= ?)", name, holder, now).
		Updates(map[string]any{
			"holder_id":  holder,
			"renewed_at": now,
			"expires_at": expires,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// No claimable row. Either another holder is live, or the row is absent.
	lease := &domain.Lease{
		Name:       name,
		HolderID:   holder,
		AcquiredAt: now,
		RenewedAt:  now,
		ExpiresAt:  expires,
	}
	if err := db.WithContext(ctx).Create(lease).Error; err != nil {
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed") {
			// Lost the race to another live holder.
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RenewLease extends the lease held by holder. Returns false when the lease
// is no longer held (expired and taken over, or released).
func RenewLease(ctx context.Context, db *gorm.DB, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.Lease{}).
		Where("name = ? AND holder_id = ? AND expires_at > ?", name, holder, now).
		Updates(map[string]any{
			"renewed_at": now,
			"expires_at": now.Add(ttl),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseLease gives up the lease if holder still owns it. Releasing a lease
// someone else holds is a no-op.
func ReleaseLease(ctx context.Context, db *gorm.DB, name, holder string) error {
	return db.WithContext(ctx).
		Where("name = ? AND holder_id = ?", name, holder).
		Delete(&domain.Lease{}).Error
}

// CurrentLease returns the lease row or ErrNotFound.
func CurrentLease(ctx context.Context, db *gorm.DB, name string) (*domain.Lease, error) {
	var l domain.Lease
	err := db.WithContext(ctx).Where("name = ?", name).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &l, err
}
