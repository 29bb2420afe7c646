package updater

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/arkstore/curator/storagerpc"
)

// collectStats is the statistics collection stage: one monitor request per
// unique node address in the routing table, responses folded into the
// topology store as they complete, in no particular order.  A failing node
// is logged and skipped; its previously known state stays untouched.
func (u *Updater) collectStats(ctx context.Context, logger *zap.Logger) error {
	routes, err := u.client.Routes(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch cluster routes: %w", err)
	}

	// multiple route entries can share an address; one request each
	uniqueRoutes := make(map[string]storagerpc.Route, len(routes))
	for _, r := range routes {
		if _, ok := uniqueRoutes[r.Addr]; !ok {
			uniqueRoutes[r.Addr] = r
		}
	}
	logger.Debug("unique routes calculated", zap.Int("count", len(uniqueRoutes)))

	type nodeRequest struct {
		route   storagerpc.Route
		pending *storagerpc.Pending
	}

	requests := make([]nodeRequest, 0, len(uniqueRoutes))
	for _, route := range uniqueRoutes {
		logger.Debug("requesting monitor stat", zap.String("node", route.Addr))
		requests = append(requests, nodeRequest{
			route:   route,
			pending: u.client.MonitorStat(ctx, route.Addr),
		})
	}

	for _, req := range requests {
		entry, err := storagerpc.FirstEntry(req.pending)
		if err != nil {
			logger.Error("failed to request monitor stat for node",
				zap.String("node", req.route.Addr), zap.Error(err))
			u.metrics.TargetFailures.Add(ctx, 1)
			continue
		}

		u.metrics.NodesPolled.Add(ctx, 1)
		if err := u.processNodeStat(logger, req.route, entry.Data); err != nil {
			logger.Error("unable to process statistics for node",
				zap.String("node", req.route.Addr), zap.Error(err))
		}
	}

	// propagate downtime of nodes that did not answer this pass: every
	// known backend gets its health recomputed from whatever data it has
	u.store.RefreshBackendStatuses(time.Now(), u.staleAfter())

	return nil
}

// processNodeStat folds one node's monitor response into the store,
// creating hosts, nodes, backends and groups on first sighting.
func (u *Updater) processNodeStat(logger *zap.Logger, route storagerpc.Route, data []byte) error {
	payload, err := storagerpc.ParseMonitorStat(data)
	if err != nil {
		return err
	}

	hostAddr, portStr, err := net.SplitHostPort(route.Addr)
	if err != nil {
		return fmt.Errorf("malformed node address %q: %w", route.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("malformed node port %q: %w", portStr, err)
	}

	now := time.Now()
	staleAfter := u.staleAfter()

	node := u.store.GetOrAddNode(hostAddr, port, route.Family)
	node.ApplyStat(&payload.Procfs, now)

	for _, backendStat := range payload.Backends {
		backend := u.store.GetOrAddBackend(node, backendStat.BackendID)

		cfg := backendStat.GroupConfig()
		if cfg == nil {
			logger.Warn("backend stat has no config block",
				zap.String("backend", backend.Key()))
			continue
		}

		// group id zero means the backend is not assigned yet
		if cfg.Group == 0 {
			continue
		}

		group := u.store.GetOrAddGroup(cfg.Group)

		if backendStat.Status.State == 0 {
			logger.Info("disabling node backend", zap.String("backend", backend.Key()))
			backend.Disable(now)
		} else {
			dstatError := backendStat.Backend.Dstat.Error
			backend.Enable(backendStat.Status.ReadOnly, dstatError, now)

			if dstatError != 0 {
				logger.Info("node backend dstat returned error code",
					zap.String("backend", backend.Key()),
					zap.Int("errorCode", dstatError))
			} else {
				backend.ApplyCounters(&backendStat)
			}

			if !group.HasBackend(backend) {
				logger.Debug("attaching backend to group",
					zap.Int("group", cfg.Group),
					zap.String("backend", backend.Key()))
				group.AddBackend(backend)
				backend.SetGroup(cfg.Group)
			}
		}

		backend.RefreshStatus(now, staleAfter)
		group.UpdateStatus()
	}

	return nil
}
