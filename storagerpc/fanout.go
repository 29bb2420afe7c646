package storagerpc

import "context"

// Pending is the handle of one in-flight asynchronous request.  Requests
// are issued without waiting so that a reconciler can fan out to every
// target up front and fan back in one completion at a time.
type Pending struct {
	done    chan struct{}
	entries []Entry
	err     error
}

// Go issues one asynchronous request.  The supplied function runs on its
// own goroutine; the returned handle completes when it returns.
func Go(fn func() ([]Entry, error)) *Pending {
	p := &Pending{done: make(chan struct{})}
	go func() {
		entries, err := fn()
		p.entries = entries
		p.err = err
		close(p.done)
	}()
	return p
}

// Resolved returns an already-completed handle.  Used by fakes and by
// requests that fail before they can be issued.
func Resolved(entries []Entry, err error) *Pending {
	p := &Pending{done: make(chan struct{}), entries: entries, err: err}
	close(p.done)
	return p
}

// Wait blocks until the request completes.
func (p *Pending) Wait() {
	<-p.done
}

// WaitCtx blocks until the request completes or ctx ends, whichever comes
// first.  The request itself keeps running; only the wait is abandoned.
func (p *Pending) WaitCtx(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries waits for completion and returns every response record along
// with the transport-level error, if any.
func (p *Pending) Entries() ([]Entry, error) {
	p.Wait()
	return p.entries, p.err
}

// FirstEntry enforces the response-validation contract shared by every
// reconciler: wait for completion, fail on transport error, fail if the
// response set is empty, fail if the first record carries a non-zero
// protocol code (not-found surfaces as ErrNotFound).  Otherwise the first
// record is returned.
func FirstEntry(p *Pending) (Entry, error) {
	entries, err := p.Entries()
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrEmptyResponse
	}

	entry := entries[0]
	if err := entry.Err(); err != nil {
		return Entry{}, err
	}

	return entry, nil
}

// FirstEntryCtx is FirstEntry bounded by ctx: a target that never answers
// surfaces as the context error instead of blocking the caller forever.
func FirstEntryCtx(ctx context.Context, p *Pending) (Entry, error) {
	if err := p.WaitCtx(ctx); err != nil {
		return Entry{}, err
	}
	return FirstEntry(p)
}
