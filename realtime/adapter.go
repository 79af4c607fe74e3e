package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/scriptroom/collab-sync/crdt"
	"github.com/scriptroom/collab-sync/store"
)

// State is the adapter's connection state. Degraded is entered when the
// circuit breaker opens; local edits keep applying and queue durably until
// a half-open probe succeeds.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateSynced
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSynced:
		return "synced"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// ErrClosed is returned by operations on a closed adapter.
var ErrClosed = errors.New("realtime: adapter closed")

// Config holds the adapter's tuning knobs. Zero values take the defaults
// below.
type Config struct {
	// SaveDebounce is how long after the last local change the buffered
	// deltas flush to the persistence manager.
	SaveDebounce time.Duration
	// BreakerThreshold is the consecutive publish failures that open the
	// circuit.
	BreakerThreshold int
	// BreakerCooldown is how long the circuit stays open before a
	// half-open probe.
	BreakerCooldown time.Duration
	// ReconnectInitialInterval seeds the exponential backoff between
	// recovery probes.
	ReconnectInitialInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 2 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.ReconnectInitialInterval <= 0 {
		c.ReconnectInitialInterval = 500 * time.Millisecond
	}
	return c
}

// Options are the adapter's dependencies. Engine, Manager and Transport are
// required; the engine instance must be exclusively owned by this adapter.
type Options struct {
	DocumentID string
	// ReplicaID defaults to a fresh UUID.
	ReplicaID string
	Engine    crdt.Engine
	Manager   *store.Manager
	Transport Transport
	// Queue defaults to an in-memory queue. Use BoltQueue for updates
	// that must survive a restart.
	Queue  Queue
	Logger *slog.Logger
	Config Config
}

// Adapter bridges one document's engine to the pub/sub channel and the
// persistence manager. The adapter owns the engine; the transport and queue
// are borrowed and not closed on Close.
type Adapter struct {
	docID     string
	replicaID string
	channel   string
	engine    crdt.Engine
	manager   *store.Manager
	transport Transport
	queue     Queue
	breaker   *Breaker
	cfg       Config
	log       *slog.Logger

	mu            sync.Mutex
	state         State
	sub           Subscription
	remotes       map[int]func(update []byte)
	presences     map[int]func(frame []byte)
	nextListener  int
	pendingDeltas [][]byte
	dirty         bool
	saveTimer     *time.Timer
	recovering    bool
	closed        bool

	done chan struct{}
}

// Connect hydrates the engine from storage, subscribes to the document's
// channel and returns a live adapter. If the initial subscribe fails the
// adapter starts degraded and recovers in the background rather than
// failing the connect; only hydration errors are fatal.
func Connect(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.DocumentID == "" {
		return nil, fmt.Errorf("realtime: missing document id")
	}
	if opts.Engine == nil || opts.Manager == nil || opts.Transport == nil {
		return nil, fmt.Errorf("realtime: engine, manager and transport are required")
	}
	if opts.ReplicaID == "" {
		opts.ReplicaID = uuid.NewString()
	}
	if opts.Queue == nil {
		opts.Queue = NewMemoryQueue()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config.withDefaults()

	a := &Adapter{
		docID:     opts.DocumentID,
		replicaID: opts.ReplicaID,
		channel:   "doc:" + opts.DocumentID,
		engine:    opts.Engine,
		manager:   opts.Manager,
		transport: opts.Transport,
		queue:     opts.Queue,
		breaker:   NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		cfg:       cfg,
		log:       opts.Logger.With("doc", opts.DocumentID, "replica", opts.ReplicaID),
		state:     StateConnecting,
		remotes:   make(map[int]func([]byte)),
		presences: make(map[int]func([]byte)),
		done:      make(chan struct{}),
	}

	res, err := a.manager.Load(ctx, a.docID)
	if err != nil {
		return nil, fmt.Errorf("hydrate %q: %w", a.docID, err)
	}
	if len(res.State) > 0 {
		if err := a.engine.ApplyUpdate(res.State); err != nil {
			return nil, fmt.Errorf("hydrate %q: %w", a.docID, err)
		}
	}
	for _, delta := range res.Deltas {
		if err := a.engine.ApplyUpdate(delta); err != nil {
			return nil, fmt.Errorf("hydrate %q: %w", a.docID, err)
		}
	}

	sub, err := a.transport.Subscribe(ctx, a.channel)
	if err != nil {
		a.log.Warn("initial subscribe failed, starting degraded", "err", err)
		a.breaker.Failure()
		a.setState(StateDegraded)
		a.startRecovery()
		return a, nil
	}
	a.attach(sub)
	a.setState(StateConnected)

	// Flush anything a previous process left in the durable queue.
	if err := a.flushQueue(ctx); err != nil {
		a.log.Warn("startup queue flush failed", "err", err)
		a.setState(StateDegraded)
		a.startRecovery()
		return a, nil
	}
	a.setState(StateSynced)
	return a, nil
}

// DocumentID returns the document this adapter serves.
func (a *Adapter) DocumentID() string { return a.docID }

// ReplicaID returns the local replica's identity.
func (a *Adapter) ReplicaID() string { return a.replicaID }

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Adapter) attach(sub Subscription) {
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()
	go a.receiveLoop(sub)
}

// ApplyLocal applies a locally produced update to the engine, schedules a
// debounced save and broadcasts it. While degraded the update queues
// durably instead of broadcasting. Validation failures reject
// synchronously; transport trouble never fails a local apply.
func (a *Adapter) ApplyLocal(ctx context.Context, update []byte) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.mu.Unlock()

	frame, err := NewUpdateEnvelope(update, a.replicaID)
	if err != nil {
		return err
	}
	if err := a.engine.ApplyUpdate(update); err != nil {
		return err
	}

	a.mu.Lock()
	a.pendingDeltas = append(a.pendingDeltas, append([]byte(nil), update...))
	a.dirty = true
	a.scheduleSaveLocked()
	degraded := a.state == StateDegraded
	a.mu.Unlock()

	if degraded || !a.breaker.Allow() {
		if err := a.queue.Enqueue(a.docID, frame); err != nil {
			return fmt.Errorf("queue update: %w", err)
		}
		// Enqueue may have waited out a recovery flush holding the queue
		// lock. If recovery finished in the meantime nobody else will
		// drain this frame, so flush it here.
		if a.State() == StateSynced {
			if err := a.flushQueue(ctx); err != nil {
				a.log.Warn("post-recovery queue flush failed", "err", err)
			}
		}
		return nil
	}

	if err := a.transport.Publish(ctx, a.channel, frame); err != nil {
		a.breaker.Failure()
		a.log.Warn("publish failed, queueing update", "err", err)
		if qerr := a.queue.Enqueue(a.docID, frame); qerr != nil {
			return fmt.Errorf("queue update after publish failure: %w", qerr)
		}
		if a.breaker.State() == BreakerOpen {
			a.setState(StateDegraded)
			a.startRecovery()
		}
		return nil
	}
	a.breaker.Success()
	return nil
}

// OnRemote registers fn for updates produced by other replicas. fn runs on
// the receive goroutine with the decoded engine update, after the update
// has been applied.
func (a *Adapter) OnRemote(fn func(update []byte)) *Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.remotes[id] = fn
	return &Listener{adapter: a, id: id}
}

// OnPresence registers fn for presence frames. Frames are relayed exactly
// as they arrived.
func (a *Adapter) OnPresence(fn func(frame []byte)) *Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextListener
	a.nextListener++
	a.presences[id] = fn
	return &Listener{adapter: a, id: id, presence: true}
}

// Listener is a registered callback handle.
type Listener struct {
	adapter  *Adapter
	id       int
	presence bool
}

// Unsubscribe removes the callback. Safe to call more than once.
func (l *Listener) Unsubscribe() {
	a := l.adapter
	a.mu.Lock()
	defer a.mu.Unlock()
	if l.presence {
		delete(a.presences, l.id)
	} else {
		delete(a.remotes, l.id)
	}
}

func (a *Adapter) receiveLoop(sub Subscription) {
	for msg := range sub.Messages() {
		env, err := ParseEnvelope(msg.Data)
		if err != nil {
			a.log.Debug("dropping unparseable frame", "err", err)
			continue
		}
		switch env.Event {
		case EventUpdate:
			payload, update, err := env.UpdatePayload()
			if err != nil {
				a.log.Debug("dropping malformed update frame", "err", err)
				continue
			}
			if payload.OriginID == a.replicaID {
				continue
			}
			if err := a.engine.ApplyUpdate(update); err != nil {
				a.log.Warn("remote update rejected by engine", "origin", payload.OriginID, "err", err)
				continue
			}
			a.mu.Lock()
			a.dirty = true
			a.scheduleSaveLocked()
			fns := make([]func([]byte), 0, len(a.remotes))
			for _, fn := range a.remotes {
				fns = append(fns, fn)
			}
			a.mu.Unlock()
			for _, fn := range fns {
				fn(update)
			}
		default:
			// Presence and future event types pass through unmodified.
			a.mu.Lock()
			fns := make([]func([]byte), 0, len(a.presences))
			for _, fn := range a.presences {
				fns = append(fns, fn)
			}
			a.mu.Unlock()
			for _, fn := range fns {
				fn(msg.Data)
			}
		}
	}

	// Subscription ended. If we did not close it, the transport dropped;
	// degrade and recover in the background.
	a.mu.Lock()
	closed := a.closed
	a.sub = nil
	a.mu.Unlock()
	if !closed {
		a.log.Warn("subscription lost, entering degraded state")
		a.breaker.Failure()
		a.setState(StateDegraded)
		a.startRecovery()
	}
}

// scheduleSaveLocked arms or re-arms the debounce timer. Caller holds mu.
func (a *Adapter) scheduleSaveLocked() {
	if a.closed {
		return
	}
	if a.saveTimer == nil {
		a.saveTimer = time.AfterFunc(a.cfg.SaveDebounce, func() {
			if err := a.Save(context.Background()); err != nil {
				a.log.Warn("debounced save failed", "err", err)
			}
		})
		return
	}
	a.saveTimer.Reset(a.cfg.SaveDebounce)
}

// Save flushes buffered deltas to the persistence manager immediately and
// consults the snapshot cadence. Deltas that fail to persist are put back
// for the next flush.
func (a *Adapter) Save(ctx context.Context) error {
	a.mu.Lock()
	if a.saveTimer != nil {
		a.saveTimer.Stop()
		a.saveTimer = nil
	}
	deltas := a.pendingDeltas
	a.pendingDeltas = nil
	dirty := a.dirty
	a.dirty = false
	a.mu.Unlock()

	for i, delta := range deltas {
		if _, err := a.manager.AppendDelta(ctx, a.docID, delta); err != nil {
			a.mu.Lock()
			a.pendingDeltas = append(deltas[i:], a.pendingDeltas...)
			a.dirty = true
			if !a.closed {
				a.scheduleSaveLocked()
			}
			a.mu.Unlock()
			return fmt.Errorf("persist delta for %q: %w", a.docID, err)
		}
	}

	if dirty && a.manager.SnapshotDue(a.docID) {
		state, err := a.engine.EncodeState()
		if err != nil {
			return err
		}
		vector, err := a.engine.EncodeStateVector()
		if err != nil {
			return err
		}
		a.manager.MaybeSnapshot(ctx, a.docID, state, vector, a.replicaID)
	}
	return nil
}

// flushQueue publishes queued frames in order, stopping at the first
// failure.
func (a *Adapter) flushQueue(ctx context.Context) error {
	return a.queue.Drain(a.docID, func(data []byte) error {
		return a.transport.Publish(ctx, a.channel, data)
	})
}

// startRecovery launches the background probe loop unless one is already
// running.
func (a *Adapter) startRecovery() {
	a.mu.Lock()
	if a.recovering || a.closed {
		a.mu.Unlock()
		return
	}
	a.recovering = true
	a.mu.Unlock()
	go a.recoveryLoop()
}

// recoveryLoop waits out the breaker cooldown, then probes: re-subscribe if
// needed and flush the queue in order. A failed probe re-opens the breaker
// and backs off; a successful one returns the adapter to synced.
func (a *Adapter) recoveryLoop() {
	defer func() {
		a.mu.Lock()
		a.recovering = false
		a.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.ReconnectInitialInterval
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		select {
		case <-a.done:
			return
		case <-time.After(bo.NextBackOff()):
		}
		if !a.breaker.Allow() {
			continue
		}

		a.setState(StateConnecting)
		if err := a.probe(); err != nil {
			a.log.Warn("recovery probe failed", "err", err)
			a.breaker.Failure()
			a.setState(StateDegraded)
			continue
		}
		a.breaker.Success()
		a.setState(StateSynced)
		// A frame enqueued between the probe's last drain and the state
		// change would otherwise sit until the next degradation.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := a.flushQueue(ctx)
		cancel()
		if err != nil {
			a.log.Warn("post-recovery queue flush failed", "err", err)
			a.breaker.Failure()
			a.setState(StateDegraded)
			continue
		}
		a.log.Info("channel recovered, queue flushed")
		return
	}
}

func (a *Adapter) probe() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a.mu.Lock()
	sub := a.sub
	a.mu.Unlock()
	if sub == nil {
		newSub, err := a.transport.Subscribe(ctx, a.channel)
		if err != nil {
			return err
		}
		a.attach(newSub)
	}

	// An update applied mid-flush queues behind the drain's lock, so one
	// pass can report success while a frame is still waiting. Keep
	// flushing until the queue is observed empty.
	for {
		if err := a.flushQueue(ctx); err != nil {
			return err
		}
		n, err := a.queue.Len(a.docID)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// Close flushes the pending debounced save synchronously, detaches from
// the channel and marks the adapter disconnected. The transport and queue
// are left open for their owner.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.saveTimer != nil {
		a.saveTimer.Stop()
		a.saveTimer = nil
	}
	sub := a.sub
	a.mu.Unlock()
	close(a.done)

	err := a.Save(context.Background())
	if sub != nil {
		sub.Close()
	}
	a.setState(StateDisconnected)
	return err
}
