package sos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Loop.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// IndicatorFactory creates the indicator for one session.
type IndicatorFactory func(sessionID string) Indicator

// Config holds the collaborators and timings of a Loop.
type Config struct {
	// UserID identifies the user whose location is shared
	UserID string

	// Interval is the wait between iterations (default: DefaultInterval)
	Interval time.Duration

	// LocationTimeout bounds each position request (default: DefaultLocationTimeout)
	LocationTimeout time.Duration

	// DeliveryTimeout bounds each message delivery (default: DefaultDeliveryTimeout)
	DeliveryTimeout time.Duration

	Location  LocationProvider
	Messenger Messenger
	Contacts  ContactSource

	// Indicators is optional; when nil no indicator is shown
	Indicators IndicatorFactory

	// Recorder is optional; when nil iteration results are only logged
	Recorder Recorder

	Logger Logger
}

// Task is the handle of one running session. It is returned by Start and
// Stop so callers can wait for the loop goroutine to exit.
type Task struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// ID returns the session ID.
func (t *Task) ID() string {
	return t.id
}

// StartedAt returns when the session started.
func (t *Task) StartedAt() time.Time {
	return t.startedAt
}

// Done is closed once the loop goroutine has exited and the indicator has been dismissed.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the session has exited or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Loop periodically fetches the user's position and relays it to every
// trusted contact. At most one session runs per Loop.
type Loop struct {
	config Config
	logger Logger

	mu    sync.Mutex
	state State
	task  *Task
}

// NewLoop validates config, applies defaults and returns an idle loop.
func NewLoop(config Config) (*Loop, error) {
	if config.UserID == "" {
		return nil, fmt.Errorf("user ID is required")
	}
	if config.Location == nil {
		return nil, fmt.Errorf("location provider is required")
	}
	if config.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if config.Contacts == nil {
		return nil, fmt.Errorf("contact source is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.LocationTimeout <= 0 {
		config.LocationTimeout = DefaultLocationTimeout
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = DefaultDeliveryTimeout
	}

	return &Loop{
		config: config,
		logger: config.Logger,
		state:  StateIdle,
	}, nil
}

// Start begins a new session. If the loop is already running the existing
// task is returned and started is false.
func (l *Loop) Start() (task *Task, started bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateRunning {
		return l.task, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	task = &Task{
		id:        uuid.New().String(),
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	l.state = StateRunning
	l.task = task

	go l.run(ctx, task)

	return task, true
}

// Stop ends the running session and returns its task, which can be awaited.
// Stopping an idle loop returns the last task, or nil if none was started.
func (l *Loop) Stop() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateRunning {
		l.state = StateIdle
		l.task.cancel()
	}

	return l.task
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

// Task returns the current or most recent task, or nil if none was started.
func (l *Loop) Task() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.task
}

// UserID returns the user this loop shares the location of.
func (l *Loop) UserID() string {
	return l.config.UserID
}

// Interval returns the wait between iterations.
func (l *Loop) Interval() time.Duration {
	return l.config.Interval
}

// run is the body of a session. It exits only when ctx is canceled.
func (l *Loop) run(ctx context.Context, task *Task) {
	defer close(task.done)

	var indicator Indicator
	if l.config.Indicators != nil {
		indicator = l.config.Indicators(task.id)
	}

	l.showIndicator(indicator, task.id)
	defer l.dismissIndicator(indicator, task.id)

	l.logger.Info("SOS loop started",
		"userId", l.config.UserID,
		"sessionId", task.id,
		"interval", l.config.Interval.String())

	for {
		result := l.iterate(ctx, task.id)

		// An iteration cut short by Stop belongs to a finished session.
		if ctx.Err() != nil {
			break
		}

		l.record(result)

		l.updateIndicator(indicator, result)

		if !sleep(ctx, l.config.Interval) {
			break
		}
	}

	l.logger.Info("SOS loop stopped", "userId", l.config.UserID, "sessionId", task.id)
}

// sleep waits for d and reports false if ctx was canceled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// iterate performs one locate-and-notify cycle. It never panics and never
// returns an error; failures are logged and reported in the result.
func (l *Loop) iterate(ctx context.Context, sessionID string) (result IterationResult) {
	result = IterationResult{
		SessionID: sessionID,
		Time:      time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Recovered from panic in SOS iteration",
				"userId", l.config.UserID,
				"sessionId", sessionID,
				"panic", fmt.Sprint(r))
			result.Error = fmt.Sprintf("iteration panicked: %v", r)
		}
	}()

	position, err := l.locate(ctx)
	if err != nil {
		l.logger.Warn("Skipping delivery, no position",
			"userId", l.config.UserID,
			"sessionId", sessionID,
			"error", err.Error())
		result.Error = err.Error()
		return result
	}
	result.Position = position

	message := FormatAlertMessage(*position)
	contacts := l.config.Contacts.List()
	if len(contacts) == 0 {
		l.logger.Warn("No trusted contacts to notify", "userId", l.config.UserID, "sessionId", sessionID)
		return result
	}

	for _, recipient := range contacts {
		if ctx.Err() != nil {
			break
		}

		if err := l.deliver(ctx, recipient.Number, message); err != nil {
			result.Failed++
			l.logger.Error("Failed to deliver SOS message",
				"userId", l.config.UserID,
				"sessionId", sessionID,
				"number", recipient.Number,
				"error", err.Error())
			continue
		}

		result.Delivered++
		l.logger.Debug("SOS message delivered",
			"userId", l.config.UserID,
			"sessionId", sessionID,
			"number", recipient.Number)
	}

	if result.Failed > 0 {
		result.Error = fmt.Sprintf("%d of %d deliveries failed", result.Failed, result.Failed+result.Delivered)
	}

	return result
}

// locate requests a single high-accuracy fix.
func (l *Loop) locate(ctx context.Context) (*Position, error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.LocationTimeout)
	defer cancel()

	position, err := l.config.Location.CurrentPosition(ctx, AccuracyHigh)
	if err != nil {
		if errors.Is(err, ErrLocationDenied) || errors.Is(err, ErrLocationUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}

	if position == nil {
		return nil, ErrLocationUnavailable
	}

	return position, nil
}

// deliver hands the message to one recipient. A panic in the messenger is
// converted into a delivery failure so the remaining recipients are still tried.
func (l *Loop) deliver(ctx context.Context, number, message string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, l.config.DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: messenger panicked: %v", ErrDeliveryFailure, r)
		}
	}()

	if err := l.config.Messenger.Send(ctx, number, message); err != nil {
		if errors.Is(err, ErrDeliveryFailure) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, err)
	}

	return nil
}

func (l *Loop) record(result IterationResult) {
	if l.config.Recorder == nil {
		return
	}

	if err := l.config.Recorder.RecordIteration(result); err != nil {
		l.logger.Warn("Failed to record SOS iteration",
			"userId", l.config.UserID,
			"sessionId", result.SessionID,
			"error", err.Error())
	}
}

func (l *Loop) showIndicator(indicator Indicator, sessionID string) {
	if indicator == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), indicatorTimeout)
	defer cancel()

	if err := indicator.Show(ctx); err != nil {
		l.logger.Error("Failed to show SOS indicator",
			"userId", l.config.UserID,
			"sessionId", sessionID,
			"error", err.Error())
	}
}

func (l *Loop) updateIndicator(indicator Indicator, result IterationResult) {
	if indicator == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), indicatorTimeout)
	defer cancel()

	if err := indicator.Update(ctx, result); err != nil {
		l.logger.Warn("Failed to update SOS indicator",
			"userId", l.config.UserID,
			"sessionId", result.SessionID,
			"error", err.Error())
	}
}

func (l *Loop) dismissIndicator(indicator Indicator, sessionID string) {
	if indicator == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), indicatorTimeout)
	defer cancel()

	if err := indicator.Dismiss(ctx); err != nil {
		l.logger.Error("Failed to dismiss SOS indicator",
			"userId", l.config.UserID,
			"sessionId", sessionID,
			"error", err.Error())
	}
}
