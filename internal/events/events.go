// Package events implements RemoteEvents (§4.9): the WebSocket listener
// that absorbs server-origin change notifications and folds them into the
// affected objects' statuses, broadcasting a node event upward for each.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

// Kind identifies one of the four event kinds RemoteEvents absorbs.
type Kind string

const (
	KindObjectChanged          Kind = "object-changed"
	KindObjectRemoved          Kind = "object-removed"
	KindVersionArchived        Kind = "version-archived"
	KindArchivedVersionRemoved Kind = "archived-version-removed"
	kindHeartbeat              Kind = "heartbeat"
)

// wireEvent is the JSON shape delivered over the socket.
type wireEvent struct {
	Kind    Kind   `json:"kind"`
	ObjId   string `json:"objId"`
	NewVer  uint64 `json:"newVer,omitempty"`
	ArchVer uint64 `json:"archVer,omitempty"`
}

// Event is a decoded, validated notification ready for dispatch.
type Event struct {
	Kind    Kind
	ObjId   objid.ID
	NewVer  uint64
	ArchVer uint64
}

// Handlers are the recordRemote* callbacks RemoteEvents drives per event
// kind, and the upward broadcast emitted after each.
type Handlers struct {
	OnObjectChanged          func(ctx context.Context, id objid.ID, newVer uint64)
	OnObjectRemoved          func(ctx context.Context, id objid.ID)
	OnVersionArchived        func(ctx context.Context, id objid.ID, archVer uint64)
	OnArchivedVersionRemoved func(ctx context.Context, id objid.ID, archVer uint64)
}

// defaultReconnectDelay is the fixed back-off between reconnect attempts
// (§4.9: "default 5s").
const defaultReconnectDelay = 5 * time.Second

// Listener subscribes to the server's event stream and dispatches decoded
// events to Handlers, one goroutine per event kind so each kind's events
// process with concurrency 1 while distinct kinds proceed independently.
type Listener struct {
	url            string
	handlers       Handlers
	logger         *slog.Logger
	reconnectDelay time.Duration

	connected atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	queues map[Kind]chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Listener for the given WebSocket URL. Dial happens
// lazily in Run.
func New(url string, handlers Handlers, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Listener{
		url:            url,
		handlers:       handlers,
		logger:         logger,
		reconnectDelay: defaultReconnectDelay,
		queues:         make(map[Kind]chan Event),
		stopCh:         make(chan struct{}),
	}

	for _, k := range []Kind{KindObjectChanged, KindObjectRemoved, KindVersionArchived, KindArchivedVersionRemoved} {
		ch := make(chan Event, 64)
		l.queues[k] = ch
		l.wg.Add(1)

		go l.dispatchLoop(k, ch)
	}

	return l
}

// Run connects and processes events until ctx is cancelled, reconnecting
// with a fixed delay on any transport failure.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := l.runOnce(ctx); err != nil {
			l.connected.Store(false)
			l.logger.Warn("remote events connection lost", "error", err)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.reconnectDelay):
			}

			continue
		}

		return nil
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("events: dialing %s: %w", l.url, err)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "listener closed")

		return nil
	}

	l.conn = conn
	l.mu.Unlock()

	defer conn.CloseNow()

	for {
		var msg wireEvent

		if err := readJSON(ctx, conn, &msg); err != nil {
			return err
		}

		if msg.Kind == kindHeartbeat {
			l.connected.Store(true)
			continue
		}

		ev, err := decode(msg)
		if err != nil {
			l.logger.Warn("dropping malformed event", "error", err)
			continue
		}

		q, ok := l.queues[ev.Kind]
		if !ok {
			continue
		}

		select {
		case q <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		}
	}
}

func decode(msg wireEvent) (Event, error) {
	id, err := objid.New(msg.ObjId)
	if err != nil {
		return Event{}, fmt.Errorf("events: invalid objId %q: %w", msg.ObjId, err)
	}

	return Event{Kind: msg.Kind, ObjId: id, NewVer: msg.NewVer, ArchVer: msg.ArchVer}, nil
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

// dispatchLoop processes one event kind's queue serially, forever.
func (l *Listener) dispatchLoop(kind Kind, q chan Event) {
	defer l.wg.Done()

	for {
		select {
		case ev := <-q:
			l.dispatch(kind, ev)
		case <-l.stopCh:
			return
		}
	}
}

func (l *Listener) dispatch(kind Kind, ev Event) {
	ctx := context.Background()

	switch kind {
	case KindObjectChanged:
		if l.handlers.OnObjectChanged != nil {
			l.handlers.OnObjectChanged(ctx, ev.ObjId, ev.NewVer)
		}
	case KindObjectRemoved:
		if l.handlers.OnObjectRemoved != nil {
			l.handlers.OnObjectRemoved(ctx, ev.ObjId)
		}
	case KindVersionArchived:
		if l.handlers.OnVersionArchived != nil {
			l.handlers.OnVersionArchived(ctx, ev.ObjId, ev.ArchVer)
		}
	case KindArchivedVersionRemoved:
		if l.handlers.OnArchivedVersionRemoved != nil {
			l.handlers.OnArchivedVersionRemoved(ctx, ev.ObjId, ev.ArchVer)
		}
	}
}

// Connected reports whether a heartbeat has been seen since the last
// disconnect, per §4.9's connected-flag semantics.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// ErrClosed is returned by operations attempted after Close.
var ErrClosed = errors.New("events: listener closed")

// Close closes the socket and stops dispatch goroutines, per the
// shutdown contract "RemoteEvents.close() closes the socket".
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}

	l.closed = true
	conn := l.conn
	l.mu.Unlock()

	close(l.stopCh)

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "shutting down")
	}

	l.wg.Wait()

	return nil
}
