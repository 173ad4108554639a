// Package mock is an in-process provider for local runs and tests. Tasks move
// through queued and processing on a timer and then succeed unless a test
// overrides their status.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/provider/domain"
)

const (
	defaultQueuedFor     = 5 * time.Second
	defaultProcessingFor = 20 * time.Second
)

type task struct {
	submittedAt time.Time
	override    *domain.StatusReport
}

type Adapter struct {
	name  string
	clock clock.Clock

	mu          sync.Mutex
	tasks       map[string]*task
	submitErrs  []error
	statusErr   error
	submitCalls int
	statusCalls int

	QueuedFor     time.Duration
	ProcessingFor time.Duration
}

func New(name string, clk clock.Clock) *Adapter {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Adapter{
		name:          name,
		clock:         clk,
		tasks:         map[string]*task{},
		QueuedFor:     defaultQueuedFor,
		ProcessingFor: defaultProcessingFor,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Submit(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitCalls++

	if len(a.submitErrs) > 0 {
		err := a.submitErrs[0]
		a.submitErrs = a.submitErrs[1:]
		if err != nil {
			return domain.SubmitResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.SubmitResult{}, domain.ErrProviderUnavailable
	}

	taskID := uuid.NewString()
	a.tasks[taskID] = &task{submittedAt: a.clock.Now()}
	return domain.SubmitResult{
		TaskID:           taskID,
		EstimatedSeconds: int((a.QueuedFor + a.ProcessingFor) / time.Second),
	}, nil
}

func (a *Adapter) GetStatus(ctx context.Context, taskID string) (domain.StatusReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++

	if a.statusErr != nil {
		return domain.StatusReport{}, a.statusErr
	}
	t, ok := a.tasks[taskID]
	if !ok {
		return domain.StatusReport{}, domain.ErrTaskNotFound
	}
	if t.override != nil {
		return *t.override, nil
	}

	elapsed := a.clock.Now().Sub(t.submittedAt)
	switch {
	case elapsed < a.QueuedFor:
		return domain.StatusReport{TaskID: taskID, Status: domain.StatusQueued}, nil
	case elapsed < a.QueuedFor+a.ProcessingFor:
		return domain.StatusReport{TaskID: taskID, Status: domain.StatusProcessing}, nil
	default:
		return domain.StatusReport{TaskID: taskID, Status: domain.StatusSuccess, ResultRef: "mock://" + a.name + "/" + taskID}, nil
	}
}

// FailSubmits queues errors returned by the next Submit calls, in order.
func (a *Adapter) FailSubmits(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitErrs = append(a.submitErrs, errs...)
}

// SetStatus pins the status reported for a task.
func (a *Adapter) SetStatus(taskID string, status domain.Status, resultRef, errorDetail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[taskID]
	if !ok {
		t = &task{submittedAt: a.clock.Now()}
		a.tasks[taskID] = t
	}
	t.override = &domain.StatusReport{TaskID: taskID, Status: status, ResultRef: resultRef, ErrorDetail: errorDetail}
}

func (a *Adapter) SetStatusError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusErr = err
}

func (a *Adapter) SubmitCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.submitCalls
}

func (a *Adapter) StatusCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusCalls
}
