// Package aireview runs the AI creative review worker pool. Pending
// creatives are classified asynchronously; confident verdicts resolve the
// approval step directly, uncertain ones escalate to a human.
package aireview

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/adcontextprotocol/salesagent/internal/creatives"
	"github.com/adcontextprotocol/salesagent/internal/models"
	"github.com/adcontextprotocol/salesagent/internal/observability"
	"github.com/adcontextprotocol/salesagent/internal/workflow"
)

// Review verdicts.
const (
	VerdictApprove  = "approve"
	VerdictReject   = "reject"
	VerdictEscalate = "escalate"
)

// Decision is the outcome of classifying one creative.
type Decision struct {
	Verdict    string
	Reason     string
	Confidence float64
}

// Classifier reviews a creative against the tenant's policies.
type Classifier interface {
	Review(ctx context.Context, tenant *models.Tenant, c *models.Creative) (Decision, error)
}

// Store is the persistence surface the pool needs.
type Store interface {
	GetStep(ctx context.Context, stepID string) (*models.WorkflowStep, error)
	UpdateCreativeStatus(ctx context.Context, tenantID, principalID, creativeID, status string) error
}

// Pool is a bounded worker pool implementing creatives.Reviewer. A full
// queue makes Enqueue return false so the caller can fall back to manual
// approval instead of blocking a request.
type Pool struct {
	store      Store
	engine     *workflow.Engine
	classifier Classifier
	jobs       chan creatives.ReviewJob
	workers    int
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewPool builds the pool; Start must be called before jobs are processed.
func NewPool(store Store, engine *workflow.Engine, classifier Classifier,
	workers, queueSize int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if logger == nil {
		logger = zap.L()
	}
	return &Pool{
		store:      store,
		engine:     engine,
		classifier: classifier,
		jobs:       make(chan creatives.ReviewJob, queueSize),
		workers:    workers,
		logger:     logger.Named("aireview"),
	}
}

// Enqueue offers a job to the pool without blocking.
func (p *Pool) Enqueue(job creatives.ReviewJob) bool {
	select {
	case p.jobs <- job:
		observability.AIReviewQueueDepth.Inc()
		return true
	default:
		return false
	}
}

// Start launches the workers. They drain the queue until Stop is called and
// exit when the queue closes.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				observability.AIReviewQueueDepth.Dec()
				p.process(ctx, job)
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight reviews to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) process(ctx context.Context, job creatives.ReviewJob) {
	log := p.logger.With(
		zap.String("tenant_id", job.Tenant.TenantID),
		zap.String("creative_id", job.Creative.CreativeID),
		zap.String("step_id", job.StepID))

	step, err := p.store.GetStep(ctx, job.StepID)
	if err != nil {
		log.Error("load review step", zap.Error(err))
		return
	}
	if step.Terminal() {
		// A human already resolved it while the job was queued.
		return
	}

	decision, err := p.classifier.Review(ctx, job.Tenant, job.Creative)
	if err != nil {
		log.Warn("classifier error, escalating to human review", zap.Error(err))
		decision = Decision{Verdict: VerdictEscalate, Reason: "classifier unavailable"}
	}
	log.Info("creative classified",
		zap.String("verdict", decision.Verdict),
		zap.Float64("confidence", decision.Confidence),
		zap.String("reason", decision.Reason))

	switch decision.Verdict {
	case VerdictApprove:
		p.resolve(ctx, job, step, models.CreativeStatusApproved, models.StepStatusCompleted, decision.Reason)
	case VerdictReject:
		p.resolve(ctx, job, step, models.CreativeStatusRejected, models.StepStatusFailed, decision.Reason)
	default:
		summary := fmt.Sprintf("AI review could not decide on creative %q (%s): %s",
			job.Creative.Name, job.Creative.CreativeID, decision.Reason)
		if err := p.engine.RequireApproval(ctx, job.Tenant, step, summary); err != nil {
			log.Error("escalate review", zap.Error(err))
		}
	}
}

func (p *Pool) resolve(ctx context.Context, job creatives.ReviewJob, step *models.WorkflowStep,
	creativeStatus, stepStatus, reason string) {
	if err := p.store.UpdateCreativeStatus(ctx, job.Tenant.TenantID, job.Creative.PrincipalID,
		job.Creative.CreativeID, creativeStatus); err != nil {
		p.logger.Error("update creative status", zap.Error(err), zap.String("creative_id", job.Creative.CreativeID))
		return
	}
	errMsg := ""
	if stepStatus == models.StepStatusFailed {
		errMsg = reason
	}
	if err := p.engine.Transition(ctx, step, stepStatus, errMsg, nil); err != nil {
		p.logger.Error("transition review step", zap.Error(err), zap.String("step_id", step.StepID))
	}
}
