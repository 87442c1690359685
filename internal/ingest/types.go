package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"beaconmap/telemetry-server/internal/store"
)

var errMissingSensorType = errors.New("sensorType manquant")

// TypeResolver finds or lazily creates measurement types, memoized per batch.
type TypeResolver struct{}

// Resolve returns the type id for label, or nil when measurements carry no type.
func (TypeResolver) Resolve(ctx context.Context, repo Repository, bc *BatchContext, label string) (*int64, error) {
	if !bc.schema.HasType() {
		return nil, nil
	}
	if strings.TrimSpace(label) == "" {
		return nil, errMissingSensorType
	}

	if id, ok := bc.types[label]; ok {
		return &id, nil
	}

	id, err := repo.TypeIDByName(ctx, label)
	switch {
	case err == nil:
		bc.types[label] = id
		return &id, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("lookup type %q: %w", label, err)
	}

	id, err = repo.CreateType(ctx, label)
	if err != nil {
		// another writer may have created it concurrently
		existing, lookupErr := repo.TypeIDByName(ctx, label)
		if lookupErr != nil {
			return nil, fmt.Errorf("create type %q: %w", label, err)
		}
		bc.types[label] = existing
		return &existing, nil
	}

	bc.types[label] = id
	bc.resp.TypesCreated++
	return &id, nil
}
