package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"routined/internal/eventbus"
	"routined/internal/history"
	"routined/internal/routine"
	logx "routined/pkg/logx"
)

// ActionRunner executes a routine's action once admission has been granted.
// *executor.Executor satisfies this.
type ActionRunner interface {
	Execute(ctx context.Context, r routine.Routine) error
}

// ExecutionEvent is the bus payload for routine lifecycle events.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id,omitempty"`
	RoutineID   string        `json:"routine_id"`
	Trigger     string        `json:"trigger"`
	Reason      string        `json:"reason,omitempty"` // for routine.skipped
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Dispatcher owns the admission pipeline: match -> CanExecute ->
// CheckCooldown -> StartExecution -> run -> FinishExecution +
// RecordExecution (the last two unconditional).
//
// It is also the single serialized writer the catalogue requires: Add,
// Remove, Toggle, and ReloadFromDisk all go through its mutation lock, and
// each one rebuilds the engine, discarding outstanding execution counts.
type Dispatcher struct {
	mu     sync.Mutex // serializes catalogue mutation and reload
	store  atomic.Pointer[routine.Store]
	engine atomic.Pointer[Engine]

	runner ActionRunner
	hist   history.Store
	bus    eventbus.Bus
	log    logx.Logger

	wg sync.WaitGroup // in-flight executions
}

// New builds a dispatcher and compiles the initial engine from the store.
// hist and bus may be nil.
func New(store *routine.Store, runner ActionRunner, hist history.Store, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{runner: runner, hist: hist, bus: bus, log: log}
	d.store.Store(store)
	d.engine.Store(FromStore(store, log))
	return d
}

// Store returns the current catalogue.
func (d *Dispatcher) Store() *routine.Store { return d.store.Load() }

// Engine returns the current compiled index.
func (d *Dispatcher) Engine() *Engine { return d.engine.Load() }

// Rebuild recompiles the engine from the current catalogue. Outstanding
// execution counts are discarded.
func (d *Dispatcher) Rebuild() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebuildLocked()
}

func (d *Dispatcher) rebuildLocked() {
	eng := FromStore(d.store.Load(), d.log)
	d.engine.Store(eng)
	d.log.Debug("dispatch index rebuilt",
		logx.Int("event_patterns", eng.EventPatternCount()),
		logx.Int("webhook_paths", eng.WebhookPathCount()),
		logx.Int("skipped_patterns", eng.SkippedPatternCount()))
}

// ReloadFromDisk re-reads the routines file (e.g. after an external edit)
// and rebuilds the engine. The cooldown map starts fresh, like after a
// restart.
func (d *Dispatcher) ReloadFromDisk() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloadLocked()
}

// ReloadIfChanged reloads only when the file's bytes differ from the current
// in-memory catalogue. The store's own saves write back exactly what is in
// memory, so the watcher can call this without a self-triggered reload
// wiping the engine counters and cooldown map after every mutation. Reports
// whether a reload happened.
func (d *Dispatcher) ReloadIfChanged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.catalogueChangedLocked() {
		d.log.Debug("catalogue unchanged on disk; reload skipped")
		return false
	}
	d.reloadLocked()
	return true
}

func (d *Dispatcher) catalogueChangedLocked() bool {
	st := d.store.Load()
	disk, err := os.ReadFile(st.Path())
	if err != nil {
		// unreadable or deleted; let the reload path decide
		return true
	}
	list := st.List()
	if list == nil {
		list = []routine.Routine{}
	}
	mem, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return true
	}
	return !bytes.Equal(bytes.TrimSpace(disk), bytes.TrimSpace(mem))
}

func (d *Dispatcher) reloadLocked() {
	old := d.store.Load()
	st := routine.NewStore(old.Path(), d.log)
	d.store.Store(st)
	d.rebuildLocked()
	d.publish(eventbus.EventCatalogueReload, ExecutionEvent{})
	d.log.Info("catalogue reloaded", logx.Int("routines", st.Len()))
}

// Add persists a new routine and rebuilds the engine.
func (d *Dispatcher) Add(r routine.Routine) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.Load().Add(r); err != nil {
		// PersistError still mutated memory; rebuild so dispatch sees it.
		if _, ok := err.(*routine.PersistError); ok {
			d.rebuildLocked()
		}
		return err
	}
	d.rebuildLocked()
	return nil
}

// Remove deletes a routine and rebuilds the engine.
func (d *Dispatcher) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.store.Load().Remove(id)
	if err == nil {
		d.rebuildLocked()
	} else if _, ok := err.(*routine.PersistError); ok {
		d.rebuildLocked()
	}
	return err
}

// Toggle flips a routine's enabled flag and rebuilds the engine.
func (d *Dispatcher) Toggle(id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	enabled, err := d.store.Load().Toggle(id)
	if err == nil {
		d.rebuildLocked()
	} else if _, ok := err.(*routine.PersistError); ok {
		d.rebuildLocked()
	}
	return enabled, err
}

// HandleMessage runs every event routine whose pattern matches the message.
// Returns how many executions were launched.
func (d *Dispatcher) HandleMessage(ctx context.Context, channel, message string) int {
	launched := 0
	for _, m := range d.Engine().CheckEventTriggers(channel, message) {
		d.publish(eventbus.EventRoutineMatched, ExecutionEvent{RoutineID: m.RoutineID, Trigger: m.TriggerType})
		if d.launch(ctx, m.RoutineID, m.TriggerType) {
			launched++
		}
	}
	return launched
}

// HandleWebhook runs the routine registered at path, if any. Reports whether
// a routine matched (not whether it was admitted).
func (d *Dispatcher) HandleWebhook(ctx context.Context, path string) bool {
	m, ok := d.Engine().CheckWebhookTrigger(path)
	if !ok {
		return false
	}
	d.publish(eventbus.EventRoutineMatched, ExecutionEvent{RoutineID: m.RoutineID, Trigger: m.TriggerType})
	d.launch(ctx, m.RoutineID, m.TriggerType)
	return true
}

// RunCron launches one cron routine the scheduler found due.
func (d *Dispatcher) RunCron(ctx context.Context, id string) bool {
	return d.launch(ctx, id, "cron")
}

// RunManual explicitly invokes a routine regardless of trigger kind.
func (d *Dispatcher) RunManual(ctx context.Context, id string) error {
	r, ok := d.Store().Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", routine.ErrNotFound, id)
	}
	if !r.Enabled {
		return fmt.Errorf("routine %q is disabled", id)
	}
	if !d.launch(ctx, id, "manual") {
		return fmt.Errorf("routine %q not admitted (concurrency or cooldown)", id)
	}
	return nil
}

// launch performs admission control and, if admitted, runs the action on its
// own goroutine. CanExecute and StartExecution are not atomic as a pair;
// under contention the limit can briefly overshoot.
func (d *Dispatcher) launch(ctx context.Context, id, trigger string) bool {
	st := d.Store()
	eng := d.Engine()

	r, ok := st.Get(id)
	if !ok {
		// engine snapshot can predate a removal
		d.log.Debug("matched routine no longer in catalogue", logx.String("routine", id))
		return false
	}
	if !eng.CanExecute(r) {
		d.skip(id, trigger, "concurrency")
		return false
	}
	if !st.CheckCooldown(id) {
		d.skip(id, trigger, "cooldown")
		return false
	}

	eng.StartExecution(id)
	execID := uuid.NewString()
	rt := *r
	started := time.Now()
	d.publish(eventbus.EventRoutineStarted, ExecutionEvent{ExecutionID: execID, RoutineID: id, Trigger: trigger})
	d.log.Info("routine started",
		logx.String("routine", id),
		logx.String("trigger", trigger),
		logx.String("exec", execID))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Finish and record run regardless of the action's outcome.
		defer eng.FinishExecution(id)
		defer st.RecordExecution(id)

		err := d.runner.Execute(ctx, rt)
		dur := time.Since(started)

		ev := ExecutionEvent{ExecutionID: execID, RoutineID: id, Trigger: trigger, Duration: dur}
		if err != nil {
			ev.Error = err.Error()
			d.log.Warn("routine failed",
				logx.String("routine", id),
				logx.Duration("dur", dur),
				logx.Err(err))
		} else {
			d.log.Info("routine finished",
				logx.String("routine", id),
				logx.Duration("dur", dur))
		}
		d.publish(eventbus.EventRoutineFinished, ev)

		if d.hist != nil {
			rec := history.Record{
				ID:        execID,
				RoutineID: id,
				Trigger:   trigger,
				Started:   started,
				TookMS:    dur.Milliseconds(),
			}
			if err != nil {
				rec.Error = err.Error()
			}
			hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if herr := d.hist.Append(hctx, rec); herr != nil {
				d.log.Warn("history append failed", logx.Err(herr))
			}
			cancel()
		}
	}()
	return true
}

func (d *Dispatcher) skip(id, trigger, reason string) {
	d.publish(eventbus.EventRoutineSkipped, ExecutionEvent{RoutineID: id, Trigger: trigger, Reason: reason})
	d.log.Debug("routine skipped",
		logx.String("routine", id),
		logx.String("trigger", trigger),
		logx.String("reason", reason))
}

func (d *Dispatcher) publish(typ string, data ExecutionEvent) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// Wait blocks until in-flight executions complete or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
