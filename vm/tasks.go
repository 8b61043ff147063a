package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/burrow/types"
)

var errClosed = errors.New("manager is closed")

// task is a background boot or restore for one VM. err is written before
// done is closed.
type task struct {
	op     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (t *task) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// spawn runs fn in the background under a context detached from the
// caller's. A failure that was not caused by cancellation moves the VM to
// Error. Callers hold the per-VM lock.
func (m *Manager) spawn(ctx context.Context, id, op string, fn func(context.Context) error) error {
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &task{op: op, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return errClosed
	}
	m.tasks[id] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		defer cancel()
		err := fn(tctx)
		if err != nil && tctx.Err() == nil {
			m.fail(tctx, id, op, err)
		}
		t.err = err
	}()
	return nil
}

// fail records a task error on the VM and tells subscribers.
func (m *Manager) fail(ctx context.Context, id, op string, err error) {
	log.WithFunc("vm."+op).Errorf(ctx, err, "%s vm %s failed", op, id)
	m.recordError(ctx, id, op, err, true)
}

func (m *Manager) recordError(ctx context.Context, id, op string, cause error, fromTask bool) {
	msg := fmt.Sprintf("%s: %v", op, cause)
	vm, err := m.apply(ctx, id, fromTask, func(vm *types.VM) error {
		vm.Status = types.VMStateError
		vm.Error = msg
		return nil
	})
	if err != nil {
		log.WithFunc("vm.recordError").Warnf(ctx, "record error on vm %s: %v", id, err)
		return
	}
	m.events.publish(ctx, Event{Type: EventFailed, VMID: id, Name: vm.Name, Status: vm.Status, Error: msg})
}

func (m *Manager) taskOf(id string) *task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

func (m *Manager) inFlight(id string) bool {
	t := m.taskOf(id)
	return t != nil && t.running()
}

// cancelTask cancels the VM's task, if any, and waits for it to return.
func (m *Manager) cancelTask(id string) {
	if t := m.taskOf(id); t != nil {
		t.cancel()
		<-t.done
	}
}

// ShutdownTasks cancels every background task and joins them.
func (m *Manager) ShutdownTasks() {
	m.mu.Lock()
	tasks := make([]*task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()
	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}

// Wait blocks until the background task of ref finishes and returns its
// error. A VM without a task returns nil at once.
func (m *Manager) Wait(ctx context.Context, ref string) error {
	id, err := m.resolve(ref)
	if err != nil {
		return err
	}
	t := m.taskOf(id)
	if t == nil {
		return nil
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
