// Package invalidate drops user-derived cache entries after identity
// mutations. Completion entries are never touched: they depend only on the
// request content.
package invalidate

import (
	"context"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/chatgate/chatgate/pkg/cache"
)

// UserListingKey holds the cached user listing.
const UserListingKey = "users:all"

// UserKey returns the key of one user's cached preferences.
func UserKey(id int64) string {
	return "user:" + strconv.FormatInt(id, 10)
}

// Hooks deletes user-derived entries from a store.
type Hooks struct {
	store cache.Store
	log   logrus.FieldLogger
}

// New returns Hooks over store. A nil store makes every hook a no-op.
func New(store cache.Store, log logrus.FieldLogger) *Hooks {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hooks{store: store, log: log}
}

// InvalidateUserListing deletes the cached user listing. Deleting an absent
// key succeeds.
func (h *Hooks) InvalidateUserListing(ctx context.Context) error {
	return h.delete(ctx, UserListingKey)
}

// InvalidateUser deletes one user's cached preferences.
func (h *Hooks) InvalidateUser(ctx context.Context, id int64) error {
	return h.delete(ctx, UserKey(id))
}

func (h *Hooks) delete(ctx context.Context, key string) error {
	if h == nil || h.store == nil {
		return nil
	}
	if err := h.store.Delete(ctx, key); err != nil {
		h.log.WithError(err).WithField("key", key).Warn("cache invalidation failed")
		return err
	}
	return nil
}
