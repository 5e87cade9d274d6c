// Package dispatch delivers matched notifications to sessions on a fixed
// worker pool.
//
// Tasks are queued in a per-session mailbox. A mailbox is handed to at most
// one worker at a time, so tasks for one session run in submission order
// while different sessions proceed in parallel. The pool size does not
// depend on the number of sessions. Workers hand encoded pushes to the
// session's connection queue and never wait for the peer.
package dispatch

import (
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/devicehive/notifyhub/internal/metrics"
	"github.com/devicehive/notifyhub/pkg/model"
	"github.com/devicehive/notifyhub/pkg/session"
	"github.com/devicehive/notifyhub/pkg/subscription"
)

// DefaultBatchSize is the number of tasks a worker takes from one mailbox
// before yielding it to other sessions.
const DefaultBatchSize = 32

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("dispatcher stopped")

// Task is one delivery of a notification to a session.
type Task struct {
	SessionID      string
	SubscriptionID string
	Notification   *model.Notification
}

// Sender writes an encoded message to a session.
type Sender interface {
	Send(sessionID string, msg []byte) error
}

// Encoder builds the push message for a task.
type Encoder func(task Task) ([]byte, error)

// Config configures the dispatcher.
type Config struct {
	// Workers is the pool size (default 2 x NumCPU).
	Workers int

	// BatchSize bounds tasks taken from one mailbox per turn.
	BatchSize int
}

// Dispatcher runs delivery tasks.
type Dispatcher struct {
	config Config
	sender Sender
	encode Encoder
	logger *slog.Logger

	// onUndeliverable is called when the target session is gone.
	onUndeliverable func(sessionID string)

	mu        sync.Mutex
	work      *sync.Cond
	drained   *sync.Cond
	mailboxes map[string]*mailbox
	ready     []*mailbox
	pending   int
	started   bool
	stopping  bool

	wg sync.WaitGroup
}

type mailbox struct {
	sessionID string
	tasks     []Task
}

// New creates a dispatcher. Start must be called before tasks run.
func New(config Config, sender Sender, encode Encoder, logger *slog.Logger) *Dispatcher {
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU() * 2
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	d := &Dispatcher{
		config:    config,
		sender:    sender,
		encode:    encode,
		logger:    logger.With("component", "Dispatcher"),
		mailboxes: make(map[string]*mailbox),
	}
	d.work = sync.NewCond(&d.mu)
	d.drained = sync.NewCond(&d.mu)
	return d
}

// OnUndeliverable sets the hook called when a task targets a session that
// is no longer registered. Must be set before Start.
func (d *Dispatcher) OnUndeliverable(fn func(sessionID string)) {
	d.onUndeliverable = fn
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	for i := 1; i <= d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Info("Worker pool started", "num_workers", d.config.Workers)
}

// Stop rejects new tasks, runs the queued ones and waits for the workers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	d.stopping = true
	d.work.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("Worker pool stopped")
}

// Submit queues a task behind earlier tasks of the same session.
func (d *Dispatcher) Submit(task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return ErrStopped
	}

	mb, ok := d.mailboxes[task.SessionID]
	if !ok {
		mb = &mailbox{sessionID: task.SessionID}
		d.mailboxes[task.SessionID] = mb
		d.ready = append(d.ready, mb)
		d.work.Signal()
	}
	mb.tasks = append(mb.tasks, task)
	d.pending++
	return nil
}

// Dispatch submits one task per matched subscription.
func (d *Dispatcher) Dispatch(n *model.Notification, subs []*subscription.Subscription) error {
	for _, sub := range subs {
		err := d.Submit(Task{
			SessionID:      sub.SessionID,
			SubscriptionID: sub.ID,
			Notification:   n,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the number of queued or running tasks.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Wait blocks until no tasks are queued or running.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.pending > 0 {
		d.drained.Wait()
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.stopping {
			d.work.Wait()
		}
		if len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}

		mb := d.ready[0]
		d.ready[0] = nil
		d.ready = d.ready[1:]

		n := min(len(mb.tasks), d.config.BatchSize)
		batch := mb.tasks[:n:n]
		mb.tasks = mb.tasks[n:]
		d.mu.Unlock()

		for _, task := range batch {
			d.deliver(task)
		}

		d.mu.Lock()
		d.pending -= n
		if len(mb.tasks) > 0 {
			d.ready = append(d.ready, mb)
			d.work.Signal()
		} else {
			delete(d.mailboxes, mb.sessionID)
		}
		if d.pending == 0 {
			d.drained.Broadcast()
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) deliver(task Task) {
	msg, err := d.encode(task)
	switch {
	case err == nil:
		err = d.sender.Send(task.SessionID, msg)
	case !errors.Is(err, session.ErrNotFound):
		metrics.Failed()
		d.logger.Error("Failed to encode push",
			"session_id", task.SessionID,
			"subscription_id", task.SubscriptionID,
			"error", err,
		)
		return
	}

	switch {
	case err == nil:
		metrics.Delivered()

	case errors.Is(err, session.ErrNotFound):
		metrics.Dropped()
		d.logger.Debug("Dropped push for closed session",
			"session_id", task.SessionID,
			"subscription_id", task.SubscriptionID,
		)
		if d.onUndeliverable != nil {
			d.onUndeliverable(task.SessionID)
		}

	default:
		metrics.Failed()
		d.logger.Warn("Push delivery failed",
			"session_id", task.SessionID,
			"subscription_id", task.SubscriptionID,
			"error", err,
		)
	}
}
