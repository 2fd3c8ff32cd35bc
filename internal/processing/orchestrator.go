// Package processing drives uploaded documents through the remote
// classification, region suggestion, extraction, validation and quality
// scoring stages, keeping live per-stage state and the final results.
package processing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cre-docs/backend/internal/models"
)

// subscriberBuffer is the per-subscriber snapshot buffer. A full buffer drops
// its oldest snapshot so the newest one is always delivered.
const subscriberBuffer = 32

// Orchestrator owns the step state and results of one processing surface.
// Create one per session; it holds no package-level state.
type Orchestrator struct {
	client RemoteClient
	sink   ResultSink
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	// runMu serialises Process calls so only one run mutates the steps.
	runMu sync.Mutex

	mu           sync.RWMutex
	steps        []models.ProcessingStep
	currentStep  string
	isProcessing bool
	results      map[string]*models.ProcessingResult

	subMu   sync.Mutex
	subs    map[int]chan models.Snapshot
	nextSub int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithResultSink hands every stored result to sink as well.
func WithResultSink(sink ResultSink) Option {
	return func(o *Orchestrator) { o.sink = sink }
}

// WithClock overrides the clock used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides the result id generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// New creates an orchestrator backed by client.
func New(client RemoteClient, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:  client,
		logger:  zap.NewNop(),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		steps:   models.DefaultSteps(),
		results: make(map[string]*models.ProcessingResult),
		subs:    make(map[int]chan models.Snapshot),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs doc through every stage in order and stores the result under
// doc.ID. The first failing stage is marked as errored, later stages stay
// pending and the failure is returned as a *StageFailureError.
func (o *Orchestrator) Process(ctx context.Context, doc models.Document) (*models.ProcessingResult, error) {
	if err := validateDocument(doc); err != nil {
		return nil, err
	}

	o.runMu.Lock()
	defer o.runMu.Unlock()

	log := o.logger.With(zap.String("fileId", doc.ID))
	start := o.now()
	log.Info("processing started", zap.String("ref", doc.Ref))

	o.update(func() {
		o.steps = models.DefaultSteps()
		o.isProcessing = true
		o.currentStep = stages[0].id
	})
	defer o.update(func() { o.isProcessing = false })

	var (
		classification *Classification
		regions        []models.Region
		extracted      models.ExtractedData
		validation     *ValidationResult
		quality        *QualityScore
	)

	err := o.runStage(ctx, log, models.StageClassification, func(ctx context.Context) (string, error) {
		res, err := o.client.ClassifyDocument(ctx, doc.Ref)
		if err != nil {
			return "", err
		}
		if res == nil {
			return "", errEmptyResponse
		}
		classification = res
		return fmt.Sprintf("Classified as %s (%.0f%% confidence)", res.DocumentType, res.Confidence*100), nil
	})
	if err == nil {
		err = o.runStage(ctx, log, models.StageRegions, func(ctx context.Context) (string, error) {
			res, err := o.client.SuggestRegions(ctx, doc.Ref, classification.DocumentType)
			if err != nil {
				return "", err
			}
			if res == nil {
				return "", errEmptyResponse
			}
			regions = res.Regions
			return fmt.Sprintf("Found %d regions", len(regions)), nil
		})
	}
	if err == nil {
		err = o.runStage(ctx, log, models.StageExtraction, func(ctx context.Context) (string, error) {
			res, err := o.client.ExtractData(ctx, doc.Ref, regions)
			if err != nil {
				return "", err
			}
			if res == nil {
				return "", errEmptyResponse
			}
			extracted = res.ExtractedData
			return fmt.Sprintf("Extracted %d fields", len(extracted)), nil
		})
	}
	if err == nil {
		err = o.runStage(ctx, log, models.StageValidation, func(ctx context.Context) (string, error) {
			res, err := o.client.ValidateData(ctx, extracted, classification.DocumentType)
			if err != nil {
				return "", err
			}
			if res == nil {
				return "", errEmptyResponse
			}
			validation = res
			return fmt.Sprintf("%d errors, %d warnings", len(res.Errors), len(res.Warnings)), nil
		})
	}
	if err == nil {
		err = o.runStage(ctx, log, models.StageQuality, func(ctx context.Context) (string, error) {
			res, err := o.client.CalculateQualityScore(ctx, extracted, validation)
			if err != nil {
				return "", err
			}
			if res == nil {
				return "", errEmptyResponse
			}
			quality = res
			return fmt.Sprintf("Quality score: %.0f%%", res.Overall*100), nil
		})
	}
	if err != nil {
		log.Warn("processing failed", zap.Error(err), zap.Duration("elapsed", o.now().Sub(start)))
		return nil, err
	}

	score := quality.Overall
	result := &models.ProcessingResult{
		ID:            o.newID(),
		FileID:        doc.ID,
		DocumentType:  classification.DocumentType,
		Confidence:    classification.Confidence,
		ExtractedData: extracted,
		Regions:       regions,
		QualityScore:  &score,
		Errors:        nonNil(validation.Errors),
		Warnings:      nonNil(validation.Warnings),
		CreatedAt:     o.now(),
	}

	o.update(func() {
		o.results[doc.ID] = result
		o.currentStep = ""
	})

	if o.sink != nil {
		if err := o.sink.SaveResult(ctx, result); err != nil {
			log.Error("failed to persist result", zap.String("resultId", result.ID), zap.Error(err))
		}
	}

	log.Info("processing complete",
		zap.String("documentType", string(result.DocumentType)),
		zap.Float64("qualityScore", score),
		zap.Duration("elapsed", o.now().Sub(start)),
	)
	return result, nil
}

// runStage executes one stage and records its outcome on the matching step.
func (o *Orchestrator) runStage(ctx context.Context, log *zap.Logger, id string, call func(ctx context.Context) (string, error)) error {
	info := stageByID(id)

	o.update(func() {
		o.currentStep = id
		o.setStep(id, func(s *models.ProcessingStep) {
			s.Status = models.StepStatusProcessing
			s.Message = info.running
			if s.Progress < info.progress {
				s.Progress = info.progress
			}
		})
	})

	summary, err := call(ctx)
	if err != nil {
		msg := strings.TrimSpace(err.Error())
		if msg == "" {
			msg = info.name + " failed"
		}
		o.update(func() {
			o.setStep(id, func(s *models.ProcessingStep) {
				s.Status = models.StepStatusError
				s.Error = msg
				s.Message = msg
			})
		})
		log.Debug("stage failed", zap.String("stage", id), zap.Error(err))
		return &StageFailureError{Stage: id, Err: err}
	}

	o.update(func() {
		o.setStep(id, func(s *models.ProcessingStep) {
			s.Status = models.StepStatusCompleted
			s.Progress = 100
			s.Message = summary
			s.Error = ""
		})
	})
	log.Debug("stage complete", zap.String("stage", id), zap.String("message", summary))
	return nil
}

// BatchReport summarises a ProcessMultiple call.
type BatchReport struct {
	Results  []*models.ProcessingResult
	Failures map[string]error // keyed by document id
}

// ProcessMultiple processes docs one after another. A failing document is
// logged and recorded in the report; the batch continues with the next one.
// If ctx is done, the remaining documents are recorded as failed with ctx's
// error and not started.
func (o *Orchestrator) ProcessMultiple(ctx context.Context, docs []models.Document) BatchReport {
	report := BatchReport{Failures: make(map[string]error)}
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			for _, rest := range docs[i:] {
				report.Failures[rest.ID] = err
			}
			o.logger.Warn("batch aborted", zap.Int("remaining", len(docs)-i), zap.Error(err))
			break
		}
		result, err := o.Process(ctx, doc)
		if err != nil {
			o.logger.Error("document failed", zap.String("fileId", doc.ID), zap.Error(err))
			report.Failures[doc.ID] = err
			continue
		}
		report.Results = append(report.Results, result)
	}
	return report
}

// Retry is not supported: it always returns ErrRetryNotSupported.
func (o *Orchestrator) Retry(ctx context.Context, fileID string) error {
	o.logger.Info("retry requested", zap.String("fileId", fileID))
	return fmt.Errorf("retry %s: %w", fileID, ErrRetryNotSupported)
}

// ClearResults empties the results and resets every step to pending. A run
// in flight keeps going and may write step state or a result afterwards.
func (o *Orchestrator) ClearResults() {
	o.update(func() {
		o.results = make(map[string]*models.ProcessingResult)
		o.steps = models.DefaultSteps()
		o.currentStep = ""
	})
}

// Steps returns a copy of the current steps.
func (o *Orchestrator) Steps() []models.ProcessingStep {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]models.ProcessingStep(nil), o.steps...)
}

// CurrentStep returns the id of the active stage, or "" when idle.
func (o *Orchestrator) CurrentStep() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentStep
}

// IsProcessing reports whether a run is in progress.
func (o *Orchestrator) IsProcessing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isProcessing
}

// Result returns the stored result for fileID.
func (o *Orchestrator) Result(fileID string) (*models.ProcessingResult, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.results[fileID]
	return r, ok
}

// Results returns every stored result.
func (o *Orchestrator) Results() []*models.ProcessingResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.ProcessingResult, 0, len(o.results))
	for _, r := range o.results {
		out = append(out, r)
	}
	return out
}

// Snapshot returns a copy of the current run state.
func (o *Orchestrator) Snapshot() models.Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

// Subscribe returns a channel receiving a snapshot after every state
// transition, and a cancel func that unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan models.Snapshot, func()) {
	ch := make(chan models.Snapshot, subscriberBuffer)

	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			delete(o.subs, id)
			close(ch)
			o.subMu.Unlock()
		})
	}
}

// update applies fn under the state lock and publishes the new snapshot.
func (o *Orchestrator) update(fn func()) {
	o.mu.Lock()
	fn()
	snap := o.snapshotLocked()
	o.mu.Unlock()
	o.publish(snap)
}

func (o *Orchestrator) publish(snap models.Snapshot) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (o *Orchestrator) snapshotLocked() models.Snapshot {
	return models.Snapshot{
		Steps:        append([]models.ProcessingStep(nil), o.steps...),
		CurrentStep:  o.currentStep,
		IsProcessing: o.isProcessing,
		ResultCount:  len(o.results),
	}
}

func (o *Orchestrator) setStep(id string, fn func(*models.ProcessingStep)) {
	for i := range o.steps {
		if o.steps[i].ID == id {
			fn(&o.steps[i])
			return
		}
	}
}

var errEmptyResponse = errors.New("empty response from processing service")

func validateDocument(doc models.Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return &InvalidInputError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(doc.Ref) == "" {
		return &InvalidInputError{Field: "ref", Reason: "must be a fetchable content reference"}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
