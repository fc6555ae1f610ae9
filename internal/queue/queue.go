// Package queue defers mutating requests that could not reach the network
// and replays them later.
//
// Records are retried until a replay gets a 2xx answer; there is no failed
// state and no attempt cap. Replays that return a token refresh the
// credential cache.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"lifeline/internal/logging"
	"lifeline/internal/netstate"
	"lifeline/internal/store"
)

// ErrDeferred is returned by Submit when the request was queued instead of sent.
var ErrDeferred = errors.New("queue: request deferred")

// Action is one deferred request.
type Action struct {
	ID      string         `json:"id"`
	URL     string         `json:"url"`
	Options RequestOptions `json:"options"`
}

// Credentials is the part of the credential cache the queue drives.
type Credentials interface {
	Hydrate(ctx context.Context)
	Store(ctx context.Context, token, username string) error
	PendingLoginEmail(ctx context.Context) (string, bool)
	ClearPendingLoginEmail(ctx context.Context)
}

// Queue persists deferred actions under store.KeyPendingActions.
type Queue struct {
	store     *store.Adapter
	transport Transport
	creds     Credentials
	signal    netstate.Signal
	newID     func() string

	// Guards read-modify-write of the persisted list, never network I/O.
	listMu sync.Mutex

	initOnce    sync.Once
	mu          sync.Mutex
	closed      bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// New creates a queue. signal may be nil, in which case the network is
// assumed reachable and Init does not subscribe to anything.
func New(s *store.Adapter, t Transport, creds Credentials, signal netstate.Signal) *Queue {
	return &Queue{
		store:     s,
		transport: t,
		creds:     creds,
		signal:    signal,
		newID:     newActionID,
	}
}

// newActionID returns a UUIDv7: millisecond timestamp plus random bits.
func newActionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Storage outlives the caller's context so a cancelled caller cannot push
// the list into the memory fallback.
func (q *Queue) load(ctx context.Context) []Action {
	list, _ := store.Load[[]Action](context.WithoutCancel(ctx), q.store, store.KeyPendingActions)
	return list
}

func (q *Queue) save(ctx context.Context, list []Action) {
	if list == nil {
		list = []Action{}
	}
	q.store.Set(context.WithoutCancel(ctx), store.KeyPendingActions, list)
}

// Enqueue appends a new action and returns it.
func (q *Queue) Enqueue(ctx context.Context, url string, opts RequestOptions) Action {
	a := Action{ID: q.newID(), URL: url, Options: opts}

	q.listMu.Lock()
	list := q.load(ctx)
	list = append(list, a)
	q.save(ctx, list)
	q.listMu.Unlock()

	logging.Queue("queued %s %s as %s (%d pending)", methodOf(opts), url, a.ID, len(list))
	return a
}

func methodOf(opts RequestOptions) string {
	if opts.Method == "" {
		return "GET"
	}
	return opts.Method
}

// Submit sends the request now, or queues it when offline or when the
// transport fails. A queued request yields a nil response and an error
// wrapping ErrDeferred. A non-2xx answer is returned as is and not queued.
func (q *Queue) Submit(ctx context.Context, url string, opts RequestOptions) (*Response, error) {
	if q.signal != nil && !q.signal.Online() {
		a := q.Enqueue(ctx, url, opts)
		return nil, fmt.Errorf("%w: offline, queued as %s", ErrDeferred, a.ID)
	}

	resp, err := q.transport.Do(ctx, url, opts)
	if err != nil {
		a := q.Enqueue(ctx, url, opts)
		return nil, fmt.Errorf("%w: queued as %s: %w", ErrDeferred, a.ID, err)
	}
	return resp, nil
}

// Pending returns a copy of the persisted list.
func (q *Queue) Pending(ctx context.Context) []Action {
	q.listMu.Lock()
	defer q.listMu.Unlock()
	return q.load(ctx)
}

// Purge drops every pending action and returns how many there were.
func (q *Queue) Purge(ctx context.Context) int {
	q.listMu.Lock()
	defer q.listMu.Unlock()

	n := len(q.load(ctx))
	q.save(ctx, nil)
	logging.Queue("purged %d pending actions", n)
	return n
}

// Remove drops one pending action by id.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.listMu.Lock()
	defer q.listMu.Unlock()

	list := q.load(ctx)
	kept := make([]Action, 0, len(list))
	for _, a := range list {
		if a.ID != id {
			kept = append(kept, a)
		}
	}
	if len(kept) == len(list) {
		return false
	}
	q.save(ctx, kept)
	logging.Queue("removed pending action %s", id)
	return true
}

// Init hydrates credentials in the background, flushes once, and subscribes
// to connectivity so each return to online flushes again. Only the first
// call does anything; later calls return a zero result.
func (q *Queue) Init(ctx context.Context) FlushResult {
	var result FlushResult
	q.initOnce.Do(func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		runCtx, cancel := context.WithCancel(ctx)
		q.cancel = cancel
		q.mu.Unlock()

		if q.creds != nil {
			q.goTracked(func() { q.creds.Hydrate(runCtx) })
		}

		result = q.Flush(runCtx)

		if q.signal != nil {
			unsubscribe := q.signal.Subscribe(func() {
				q.goTracked(func() { q.Flush(runCtx) })
			})
			q.mu.Lock()
			if q.closed {
				q.mu.Unlock()
				unsubscribe()
				return
			}
			q.unsubscribe = unsubscribe
			q.mu.Unlock()
		}
		logging.Queue("initialized: %d replayed, %d pending", result.Replayed, result.Kept)
	})
	return result
}

// goTracked runs fn in a goroutine that Close waits for. It does nothing
// once the queue is closed.
func (q *Queue) goTracked(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		fn()
	}()
}

// Close drops the connectivity subscription, cancels event-driven flushes
// and waits for them to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	unsubscribe, cancel := q.unsubscribe, q.cancel
	q.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}
