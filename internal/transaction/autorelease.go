package transaction

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frahmantamala/marketplace-payment/internal"
)

const autoReleaseComponent = "auto-release"

// AutoReleaser confirms delivery on behalf of buyers once an escrow
// transaction's release deadline has passed.
type AutoReleaser struct {
	service   *Service
	batchSize int
	logger    *slog.Logger
}

func NewAutoReleaser(service *Service, batchSize int, logger *slog.Logger) *AutoReleaser {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &AutoReleaser{service: service, batchSize: batchSize, logger: logger}
}

// Sweep releases every transaction whose deadline has passed and returns how
// many it moved to delivered.
func (a *AutoReleaser) Sweep(ctx context.Context) (int, error) {
	ids, err := a.service.DueForAutoRelease(ctx, a.batchSize)
	if err != nil {
		a.logger.Error("failed to list transactions due for auto-release", "error", err)
		return 0, err
	}

	released := 0
	for _, id := range ids {
		ok, err := a.Release(ctx, id)
		if err != nil {
			a.logger.Error("auto-release failed", "transaction_id", id, "error", err)
			continue
		}
		if ok {
			released++
		}
	}

	if len(ids) > 0 {
		a.logger.Info("auto-release sweep finished", "due", len(ids), "released", released)
	}
	return released, nil
}

// Release attempts shipped -> delivered for one transaction. A buyer who
// confirmed or disputed first, or a deadline that moved, is not an error.
func (a *AutoReleaser) Release(ctx context.Context, id string) (bool, error) {
	t, err := a.service.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status != StatusShipped {
		return false, nil
	}

	_, applied, err := a.service.apply(ctx, id, StatusShipped, StatusDelivered, SystemActor(autoReleaseComponent), Metadata{AutoRelease: true})
	if err != nil {
		if errors.Is(err, internal.ErrStaleState) ||
			errors.Is(err, internal.ErrInvalidTransition) ||
			errors.Is(err, internal.ErrPreconditionFailed) {
			a.logger.Debug("auto-release skipped", "transaction_id", id, "reason", err)
			return false, nil
		}
		return false, err
	}
	if !applied {
		return false, nil
	}

	a.logger.Info("escrow funds auto-released", "transaction_id", id)
	return true, nil
}
