// Package runner drives pipelines through their stages.
package runner

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"time"

	"go.trai.ch/stagehand/internal/core/domain"
	"go.trai.ch/stagehand/internal/core/ports"
	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"
)

// Request describes one build session.
type Request struct {
	Backend   ports.Backend
	Pipelines []*domain.Pipeline
	Config    domain.BuildConfig
	Lock      *domain.Lockfile
	StateDir  string
	RunID     string
}

// Runner builds pipelines. Pipelines run in parallel and never affect each other;
// the stages of a pipeline run one after another.
type Runner struct {
	hasher    ports.Hasher
	records   ports.StageRecordStore
	images    ports.ImageStore
	telemetry ports.Telemetry

	mu     sync.RWMutex
	status map[string]domain.StageStatus
}

// NewRunner creates a new Runner.
func NewRunner(
	hasher ports.Hasher,
	records ports.StageRecordStore,
	images ports.ImageStore,
	telemetry ports.Telemetry,
) *Runner {
	return &Runner{
		hasher:    hasher,
		records:   records,
		images:    images,
		telemetry: telemetry,
		status:    make(map[string]domain.StageStatus),
	}
}

// Status returns the last known status of a pipeline stage.
func (r *Runner) Status(pipeline, stage string) domain.StageStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.status[domain.RecordKey(pipeline, stage)]; ok {
		return s
	}
	return domain.StatusPending
}

func (r *Runner) setStatus(pipeline, stage string, next domain.StageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.RecordKey(pipeline, stage)
	current, ok := r.status[key]
	if !ok {
		current = domain.StatusPending
	}
	s, err := current.Transition(next)
	if err != nil {
		return zerr.With(zerr.With(err, "pipeline", pipeline), "stage", stage)
	}
	r.status[key] = s
	return nil
}

func (r *Runner) reset(p *domain.Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range p.Walk() {
		r.status[domain.RecordKey(p.Name, s.Name)] = domain.StatusPending
	}
}

// Run builds every requested pipeline and returns one report per pipeline, in request order.
// The returned error joins the errors of all failed pipelines.
func (r *Runner) Run(ctx context.Context, req Request) ([]domain.PipelineReport, error) {
	reports := make([]domain.PipelineReport, len(req.Pipelines))

	var g errgroup.Group
	g.SetLimit(max(req.Config.Parallelism(), 1))
	for i, p := range req.Pipelines {
		r.reset(p)
		g.Go(func() error {
			reports[i] = r.runPipeline(ctx, req, p)
			return nil
		})
	}
	_ = g.Wait()

	var errs error
	for _, rep := range reports {
		errs = errors.Join(errs, rep.Err)
	}
	return reports, errs
}

func (r *Runner) runPipeline(ctx context.Context, req Request, p *domain.Pipeline) domain.PipelineReport {
	report := domain.PipelineReport{Pipeline: p.Name}
	results := make(map[string]domain.StageResult, p.Len())

	var failure error
	for _, s := range p.Walk() {
		if failure != nil {
			_ = r.setStatus(p.Name, s.Name, domain.StatusAborted)
			report.Stages = append(report.Stages, domain.StageReport{Stage: s.Name, Status: domain.StatusAborted})
			continue
		}

		sr := r.runStage(ctx, req, p, s, results)
		report.Stages = append(report.Stages, sr)
		if !sr.Status.Advances() {
			failure = cmp.Or(sr.Err, domain.Annotate(domain.ErrStageFailed, "stage", s.Name))
			continue
		}
		results[s.Name] = sr.Result
	}

	if failure != nil {
		report.Err = zerr.With(errors.Join(domain.ErrPipelineAborted, failure), "pipeline", p.Name)
		return report
	}

	final := results[p.Final().Name]
	img := domain.NewOutputImage(p, final.Ref, final.Digest, time.Now()).WithRuntimeEnv(final.Env)
	if err := req.Backend.Publish(ctx, req.StateDir, img); err != nil {
		report.Err = zerr.With(err, "pipeline", p.Name)
		return report
	}
	if err := r.images.Put(req.StateDir, img); err != nil {
		report.Err = zerr.With(err, "pipeline", p.Name)
		return report
	}
	report.Image = &img
	return report
}

func (r *Runner) runStage(
	ctx context.Context,
	req Request,
	p *domain.Pipeline,
	s *domain.Stage,
	results map[string]domain.StageResult,
) domain.StageReport {
	report := domain.StageReport{Stage: s.Name, Status: domain.StatusFailed}
	fail := func(err error) domain.StageReport {
		err = errors.Join(domain.ErrStageFailed, err)
		report.Err = zerr.With(zerr.With(err, "pipeline", p.Name), "stage", s.Name)
		_ = r.setStatus(p.Name, s.Name, domain.StatusFailed)
		return report
	}

	if err := r.setStatus(p.Name, s.Name, domain.StatusRunning); err != nil {
		report.Err = err
		return report
	}

	ctx, vertex := r.telemetry.Record(ctx, s.Name, ports.WithGroup(p.Name))

	imports := make(map[string]domain.StageResult)
	for _, name := range s.Imports() {
		imports[name] = results[name]
	}
	stageReq := ports.StageRequest{
		Pipeline: p,
		Stage:    s,
		Imports:  imports,
		Config:   req.Config,
		Lock:     req.Lock,
		StateDir: req.StateDir,
	}

	hash, err := r.hasher.ComputeStageHash(stageReq)
	if err != nil {
		vertex.Complete(err)
		return fail(err)
	}
	stageReq.InputHash = hash
	report.InputHash = hash

	if cached, ok, err := r.cached(ctx, req, p, s, hash); err != nil {
		vertex.Complete(err)
		return fail(err)
	} else if ok {
		vertex.Cached()
		vertex.Complete(nil)
		_ = r.setStatus(p.Name, s.Name, domain.StatusCached)
		report.Status = domain.StatusCached
		report.Result = cached
		return report
	}

	res, err := req.Backend.BuildStage(ctx, stageReq)
	if err != nil {
		vertex.Complete(err)
		return fail(err)
	}

	record := domain.StageRecord{
		Pipeline:  p.Name,
		Stage:     s.Name,
		InputHash: hash,
		Result:    res,
		RunID:     req.RunID,
		Timestamp: time.Now(),
	}
	if err := r.records.Put(req.StateDir, record); err != nil {
		vertex.Complete(err)
		return fail(err)
	}

	vertex.Complete(nil)
	_ = r.setStatus(p.Name, s.Name, domain.StatusSucceeded)
	report.Status = domain.StatusSucceeded
	report.Result = res
	return report
}

// cached returns the stored result of a stage whose inputs are unchanged and whose
// snapshot the backend still holds.
func (r *Runner) cached(
	ctx context.Context,
	req Request,
	p *domain.Pipeline,
	s *domain.Stage,
	hash string,
) (domain.StageResult, bool, error) {
	if req.Config.NoCache() {
		return domain.StageResult{}, false, nil
	}
	record, err := r.records.Get(req.StateDir, p.Name, s.Name)
	if err != nil {
		return domain.StageResult{}, false, err
	}
	if record == nil || record.InputHash != hash || record.Result.Ref == "" {
		return domain.StageResult{}, false, nil
	}
	ok, err := req.Backend.Exists(ctx, record.Result.Ref)
	if err != nil || !ok {
		return domain.StageResult{}, false, err
	}
	return record.Result, true, nil
}
