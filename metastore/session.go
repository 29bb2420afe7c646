package metastore

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/arkstore/curator/storagerpc"
)

// SessionOptions configures a metadata-store session.
type SessionOptions struct {
	Logger *zap.Logger

	Endpoints   []string
	DialTimeout time.Duration
}

// Session is the cluster's dedicated metadata store, backed by etcd.  It
// implements storagerpc.MetaSession: reads return the latest revision of a
// key, writes replace it.  All requests are asynchronous to fit the
// updater's fan-out model.
type Session struct {
	logger     *zap.Logger
	etcdClient *etcd.Client
}

var _ storagerpc.MetaSession = (*Session)(nil)

// NewSession dials the metadata store.  The initial connection is retried
// with exponential backoff until DialTimeout elapses, so a store that is
// still starting up does not fail the whole process.
func NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialTimeout := opts.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = dialTimeout

	err = backoff.Retry(func() error {
		statusCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		_, err := etcdClient.Status(statusCtx, opts.Endpoints[0])
		if err != nil {
			logger.Debug("metadata store not reachable yet", zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		closeErr := etcdClient.Close()
		if closeErr != nil {
			logger.Debug("failed to close etcd client", zap.Error(closeErr))
		}
		return nil, err
	}

	return &Session{
		logger:     logger,
		etcdClient: etcdClient,
	}, nil
}

// WrapClient builds a session around an existing etcd client.  The caller
// keeps ownership of the client.
func WrapClient(logger *zap.Logger, etcdClient *etcd.Client) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		logger:     logger,
		etcdClient: etcdClient,
	}
}

func (s *Session) ReadLatest(ctx context.Context, key string) *storagerpc.Pending {
	return storagerpc.Go(func() ([]storagerpc.Entry, error) {
		resp, err := s.etcdClient.KV.Get(ctx, key)
		if err != nil {
			return nil, err
		}

		if len(resp.Kvs) == 0 {
			return []storagerpc.Entry{{
				Target: key,
				Code:   storagerpc.CodeNotFound,
			}}, nil
		}

		kv := resp.Kvs[0]
		return []storagerpc.Entry{{
			Target:   key,
			Data:     kv.Value,
			Revision: kv.ModRevision,
		}}, nil
	})
}

func (s *Session) Write(ctx context.Context, key string, value []byte) *storagerpc.Pending {
	return storagerpc.Go(func() ([]storagerpc.Entry, error) {
		resp, err := s.etcdClient.KV.Put(ctx, key, string(value))
		if err != nil {
			return nil, err
		}

		return []storagerpc.Entry{{
			Target:   key,
			Revision: resp.Header.Revision,
		}}, nil
	})
}

// Close releases the underlying etcd client.
func (s *Session) Close() error {
	return s.etcdClient.Close()
}
