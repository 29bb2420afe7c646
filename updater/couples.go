package updater

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/arkstore/curator/storagerpc"
	"github.com/arkstore/curator/topology"
)

// reconcileCouples is the couple metadata reconciliation stage: one
// latest-value read per known couple against the metadata store, merged
// into the couple as responses arrive.  A missing record is an expected
// outcome, not an error.
func (u *Updater) reconcileCouples(ctx context.Context, logger *zap.Logger) error {
	couples := u.store.Couples()

	// every read is issued up front, so a single deadline bounds each
	// individual operation; an unresponsive store must not wedge the pass
	opCtx, cancel := context.WithTimeout(ctx, u.cfg.RPCTimeout)
	defer cancel()

	type coupleRequest struct {
		couple  *topology.Couple
		pending *storagerpc.Pending
	}

	requests := make([]coupleRequest, 0, len(couples))
	for _, c := range couples {
		key := u.coupleMetaKey(c.Key())
		logger.Debug("requesting couple meta",
			zap.String("couple", c.Key()), zap.String("key", key))
		requests = append(requests, coupleRequest{
			couple:  c,
			pending: u.meta.ReadLatest(opCtx, key),
		})
	}

	for _, req := range requests {
		couple := req.couple

		entry, err := storagerpc.FirstEntryCtx(opCtx, req.pending)
		switch {
		case err == nil:
			if merr := couple.SetMeta(entry.Data); merr != nil {
				logger.Error("failed to parse couple metadata",
					zap.String("couple", couple.Key()), zap.Error(merr))
			}
		case errors.Is(err, storagerpc.ErrNotFound):
			// no couple meta data, no need to worry
			_ = couple.SetMeta(nil)
		default:
			logger.Error("failed to request couple meta key",
				zap.String("couple", couple.Key()), zap.Error(err))
			u.metrics.TargetFailures.Add(ctx, 1)
			_ = couple.SetMeta(nil)
		}

		u.store.UpdateCoupleStatus(couple)
	}

	return nil
}
