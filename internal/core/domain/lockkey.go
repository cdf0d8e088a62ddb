package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// LockDomain is the default domain used for every lock key in this service.
const LockDomain = "ecommerce"

// Resource types guarded by the lock manager.
const (
	ResourceOrder     = "order"
	ResourceAccount   = "account"
	ResourceInventory = "inventory"
	ResourceCoupon    = "coupon"
)

// LockKey identifies one lockable resource. It is comparable, so it can be
// used as a map or set key directly.
type LockKey struct {
	Domain       string
	ResourceType string
	ResourceID   string
}

// NewLockKey validates the triple so that String stays injective:
// the domain may not contain '-' or ':' and the resource type may not contain ':'.
func NewLockKey(domain, resourceType, resourceID string) (LockKey, error) {
	switch {
	case domain == "" || resourceType == "" || resourceID == "":
		return LockKey{}, errors.Wrapf(ErrLockConfiguration, "empty lock key component (%q, %q, %q)", domain, resourceType, resourceID)
	case strings.ContainsAny(domain, "-:"):
		return LockKey{}, errors.Wrapf(ErrLockConfiguration, "lock domain %q contains a separator", domain)
	case strings.Contains(resourceType, ":"):
		return LockKey{}, errors.Wrapf(ErrLockConfiguration, "lock resource type %q contains a separator", resourceType)
	}
	return LockKey{Domain: domain, ResourceType: resourceType, ResourceID: resourceID}, nil
}

// MustLockKey is NewLockKey for compile-time constant domain and type.
func MustLockKey(domain, resourceType, resourceID string) LockKey {
	key, err := NewLockKey(domain, resourceType, resourceID)
	if err != nil {
		panic(err)
	}
	return key
}

func (k LockKey) String() string {
	return k.Domain + "-" + k.ResourceType + ":" + k.ResourceID
}

func OrderLockKey(orderID string) LockKey {
	return LockKey{Domain: LockDomain, ResourceType: ResourceOrder, ResourceID: orderID}
}

func AccountLockKey(userID string) LockKey {
	return LockKey{Domain: LockDomain, ResourceType: ResourceAccount, ResourceID: userID}
}

func InventoryLockKey(optionID string) LockKey {
	return LockKey{Domain: LockDomain, ResourceType: ResourceInventory, ResourceID: optionID}
}

// CouponLockKey serializes durable updates of one user's issued coupon.
func CouponLockKey(couponID, userID string) LockKey {
	return LockKey{Domain: LockDomain, ResourceType: ResourceCoupon, ResourceID: couponID + "/" + userID}
}

// LockHandle is a held lock. It never outlives the critical section that acquired it.
type LockHandle struct {
	Key        LockKey
	Token      string
	AcquiredAt time.Time
	Timeout    time.Duration
}
