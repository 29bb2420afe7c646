package updater

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/arkstore/curator/storagerpc"
	"github.com/arkstore/curator/topology"
)

// reconcileGroups is the group membership reconciliation stage: one
// metadata read per known group, drained with priority given to group ids
// freshly discovered in other groups' coupling info, so a newly found
// couple's members are processed as a contiguous unit.
func (u *Updater) reconcileGroups(ctx context.Context, logger *zap.Logger) error {
	groups := u.store.Groups()

	results := make(map[int]*storagerpc.Pending, len(groups))
	for _, g := range groups {
		logger.Debug("requesting group meta", zap.Int("group", g.ID()))
		results[g.ID()] = u.client.ReadGroupMeta(ctx, g.ID())
	}

	// ids learned from coupling info that should jump the queue
	discovered := make(map[int]struct{})

	for len(results) > 0 {
		var groupID int
		if len(discovered) > 0 {
			for id := range discovered {
				groupID = id
				break
			}
			delete(discovered, groupID)
			if _, ok := results[groupID]; !ok {
				// discovered id had no outstanding read this pass
				continue
			}
		} else {
			for id := range results {
				groupID = id
				break
			}
		}

		result := results[groupID]
		delete(results, groupID)

		group := u.store.GetOrAddGroup(groupID)

		entry, err := storagerpc.FirstEntry(result)
		switch {
		case err == nil:
			if perr := u.processGroupMeta(ctx, logger, group, entry.Data, discovered); perr != nil {
				logger.Error("failed to process group metadata",
					zap.Int("group", groupID), zap.Error(perr))
				group.SetMeta(nil)
			}
		case errors.Is(err, storagerpc.ErrNotFound):
			logger.Warn("group has no metadata key", zap.Int("group", groupID))
			group.SetMeta(nil)
		default:
			logger.Error("failed to read group metadata",
				zap.Int("group", groupID), zap.Error(err))
			u.metrics.TargetFailures.Add(ctx, 1)
			group.SetMeta(nil)
		}

		// regardless of outcome: the group's own status from its
		// backends, then the status of the couple it belongs to
		u.store.UpdateGroupStatusRecursive(group)
	}

	return nil
}

// processGroupMeta parses one group's coupling metadata, schedules the
// declared co-members for priority processing and creates the couple when
// it is seen for the first time.
func (u *Updater) processGroupMeta(
	ctx context.Context,
	logger *zap.Logger,
	group *topology.Group,
	data []byte,
	discovered map[int]struct{},
) error {
	meta, err := storagerpc.ParseGroupMeta(data)
	if err != nil {
		return err
	}

	group.SetMeta(meta)
	logger.Info("read symmetric groups",
		zap.Int("group", group.ID()), zap.Ints("couple", meta.Couple))

	for _, gid := range meta.Couple {
		if gid != group.ID() {
			logger.Debug("scheduling update for co-member group", zap.Int("group", gid))
			discovered[gid] = struct{}{}
		}
	}

	if len(meta.Couple) == 0 {
		return nil
	}

	coupleKey := topology.CoupleKey(meta.Couple)
	if u.store.GetCouple(coupleKey) != nil {
		return nil
	}

	_, err = u.store.AddCouple(meta.Couple)
	if err != nil {
		if errors.Is(err, topology.ErrCoupleConflict) {
			// first created couple wins, the conflicting claim was
			// already logged by the store
			u.metrics.CoupleConflicts.Add(ctx, 1)
			return nil
		}
		return err
	}

	u.metrics.CouplesCreated.Add(ctx, 1)
	return nil
}
