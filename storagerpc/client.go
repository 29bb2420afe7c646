package storagerpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested key does not exist on the target.
	// It is an expected outcome for metadata reads and is never a failure of
	// the target itself.
	ErrNotFound = errors.New("key not found")

	// ErrEmptyResponse indicates a request completed without producing any
	// response entries.
	ErrEmptyResponse = errors.New("empty response")
)

// Protocol-level status codes carried by response entries.  Zero means
// success, everything else is an error reported by the remote side.
const (
	CodeOK       = 0
	CodeNotFound = -2
)

// Route is one entry of the cluster routing table.  Multiple routes may
// share an address; statistics collection coalesces them by Addr.
type Route struct {
	Addr   string
	Family int
}

// Entry is a single response record of an asynchronous request.
type Entry struct {
	// Target identifies the node address or metadata key the entry came from.
	Target string

	// Data is the raw response payload.
	Data []byte

	// Code is the protocol-level status code (CodeOK on success).
	Code int

	// Revision is the metadata-store revision of the value, when the
	// request went to a versioned store.  Zero otherwise.
	Revision int64
}

// Err maps the entry's protocol code onto an error value.
func (e Entry) Err() error {
	switch e.Code {
	case CodeOK:
		return nil
	case CodeNotFound:
		return fmt.Errorf("%s: %w", e.Target, ErrNotFound)
	default:
		return fmt.Errorf("%s: protocol error code %d", e.Target, e.Code)
	}
}

// Client is the storage-cluster RPC boundary consumed by the updater.  All
// request methods are asynchronous: they return immediately with a Pending
// handle and complete in the background.
type Client interface {
	// Routes returns a snapshot of the currently known routing table.
	Routes(ctx context.Context) ([]Route, error)

	// MonitorStat requests the procfs/backend statistics of one node.
	MonitorStat(ctx context.Context, addr string) *Pending

	// ReadGroupMeta reads the well-known coupling metadata key scoped to
	// the given group.
	ReadGroupMeta(ctx context.Context, groupID int) *Pending
}

// MetaSession is a session against the cluster's dedicated metadata store,
// distinct from the per-node statistics path.  Reads return the latest
// version of the value stored under a key.
type MetaSession interface {
	ReadLatest(ctx context.Context, key string) *Pending
	Write(ctx context.Context, key string, value []byte) *Pending
}
