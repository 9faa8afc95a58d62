package sos

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LoopBuilder creates the loop for a user when none is registered yet.
type LoopBuilder func() (*Loop, error)

// Registry manages one Loop per user.
// It provides thread-safe operations for starting, stopping and inspecting sessions.
type Registry struct {
	mu    sync.Mutex
	loops map[string]*Loop
}

// NewRegistry creates a new session registry.
func NewRegistry() *Registry {
	return &Registry{
		loops: make(map[string]*Loop),
	}
}

// Start starts the user's session. A new loop is built with build when the
// user has none or the previous one is idle. If a session is already running
// its task is returned and started is false.
func (r *Registry) Start(userID string, build LoopBuilder) (task *Task, started bool, err error) {
	if userID == "" {
		return nil, false, fmt.Errorf("user ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if loop, exists := r.loops[userID]; exists && loop.State() == StateRunning {
		return loop.Task(), false, nil
	}

	loop, err := build()
	if err != nil {
		return nil, false, fmt.Errorf("failed to create SOS loop for user %s: %w", userID, err)
	}
	if loop.UserID() != userID {
		return nil, false, fmt.Errorf("loop belongs to user %s, not %s", loop.UserID(), userID)
	}

	r.loops[userID] = loop
	task, started = loop.Start()
	return task, started, nil
}

// Stop stops the user's session and returns its task, or nil if the user
// never started one. Stopping an idle session is a no-op.
func (r *Registry) Stop(userID string) *Task {
	r.mu.Lock()
	loop, exists := r.loops[userID]
	r.mu.Unlock()

	if !exists {
		return nil
	}

	return loop.Stop()
}

// Get returns the user's loop, or nil if none is registered.
func (r *Registry) Get(userID string) *Loop {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.loops[userID]
}

// Running returns the IDs of users with a running session.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.loops))
	for userID, loop := range r.loops {
		if loop.State() == StateRunning {
			users = append(users, userID)
		}
	}

	return users
}

// StopAll stops every session and clears the registry, waiting up to timeout
// for each loop to exit. It returns the first wait error, but continues
// stopping the remaining loops.
func (r *Registry) StopAll(timeout time.Duration) error {
	r.mu.Lock()
	loops := make([]*Loop, 0, len(r.loops))
	for userID, loop := range r.loops {
		loops = append(loops, loop)
		delete(r.loops, userID)
	}
	r.mu.Unlock()

	tasks := make([]*Task, 0, len(loops))
	for _, loop := range loops {
		if task := loop.Stop(); task != nil {
			tasks = append(tasks, task)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var firstError error
	for _, task := range tasks {
		if err := task.Wait(ctx); err != nil && firstError == nil {
			firstError = fmt.Errorf("failed to wait for session %s: %w", task.ID(), err)
		}
	}

	return firstError
}
