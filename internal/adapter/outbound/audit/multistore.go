package audit

import (
	"context"
	"errors"

	"github.com/carapace-gateway/carapace/internal/domain/audit"
)

// MultiStore fans Append/Flush/Close out to every wrapped store. The first
// store is treated as the audit-of-record; a failure in any later store
// (the SQLite query index, say) is logged by the caller via the returned
// error but never prevents the others from being attempted.
type MultiStore struct {
	Stores []audit.Store
}

// NewMultiStore builds a MultiStore over the given stores, in order.
func NewMultiStore(stores ...audit.Store) *MultiStore {
	return &MultiStore{Stores: stores}
}

func (m *MultiStore) Append(ctx context.Context, records ...audit.Record) error {
	var errs []error
	for _, s := range m.Stores {
		if err := s.Append(ctx, records...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStore) Flush(ctx context.Context) error {
	var errs []error
	for _, s := range m.Stores {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiStore) Close() error {
	var errs []error
	for _, s := range m.Stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
