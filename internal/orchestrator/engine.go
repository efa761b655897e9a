package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinext/extraction-engine/internal/chunker"
	"github.com/clinext/extraction-engine/internal/contextcache"
	"github.com/clinext/extraction-engine/internal/domain"
	"github.com/clinext/extraction-engine/internal/extraction"
	"github.com/clinext/extraction-engine/internal/platform/apierr"
	"github.com/clinext/extraction-engine/internal/platform/ctxutil"
	"github.com/clinext/extraction-engine/internal/platform/llm"
	"github.com/clinext/extraction-engine/internal/platform/logger"
	"github.com/clinext/extraction-engine/internal/platform/ontology"
	"github.com/clinext/extraction-engine/internal/platform/vectorindex"
	"github.com/clinext/extraction-engine/internal/preferences"
	"github.com/clinext/extraction-engine/internal/publisher"
	"github.com/clinext/extraction-engine/internal/transcript"
)

// KnownSectionTypes restricts the section_type values ValidateTemplates
// accepts.
var KnownSectionTypes = map[string]bool{
	"subjective": true, "objective": true, "assessment": true, "plan": true,
	"visit_summary": true, "referral_reason": true, "referral_history": true,
	"referral_recommendation": true, "free_text": true,
}

// Engine implements the external service interface: ProcessEncounter,
// CancelJob, JobStatus, ValidateTemplates, and doctor preference
// management, on top of the Orchestrator pipeline.
type Engine struct {
	log            *logger.Logger
	cfg            Config
	registry       *Registry
	vectorIndex    vectorindex.Client
	ontologyClient ontology.Client
	extractor      *extraction.Extractor
	llmClient      llm.Client
	prefStore      preferences.Store
	pub            *publisher.Publisher
	globalSem      chan struct{}
}

// jobContext carries the per-job state threaded through section
// generation: the stored transcript, the preference snapshot, and the
// write-once dependency cache.
type jobContext struct {
	job         *domain.Job
	lines       []domain.LineRecord
	preferences map[string]string
	patientInfo domain.PatientInfo
	cache       *contextcache.Cache
}

func New(log *logger.Logger, cfg Config, vectorIndex vectorindex.Client, ontologyClient ontology.Client, llmClient llm.Client, prefStore preferences.Store, pub *publisher.Publisher) *Engine {
	return &Engine{
		log:            log.With("component", "Engine"),
		cfg:            cfg,
		registry:       NewRegistry(),
		vectorIndex:    vectorIndex,
		ontologyClient: ontologyClient,
		extractor:      extraction.New(llmClient),
		llmClient:      llmClient,
		prefStore:      prefStore,
		pub:            pub,
		globalSem:      make(chan struct{}, max1(cfg.CGlobal)),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// ValidateTemplates is the synchronous structural check exposed
// standalone, ahead of ProcessEncounter.
func (e *Engine) ValidateTemplates(req []TemplateRequest) error {
	specs := flattenSpecs(req)
	return ValidateTemplates(specs, KnownSectionTypes)
}

// ProcessEncounter validates and normalizes synchronously (fast-fail
// on malformed input), then dispatches the job asynchronously and
// returns its job_id immediately. Per-section outputs arrive via the
// publication sink.
func (e *Engine) ProcessEncounter(ctx context.Context, req ProcessEncounterRequest) (ProcessEncounterAck, error) {
	specs := flattenSpecs(req.Templates)
	if err := ValidateTemplates(specs, KnownSectionTypes); err != nil {
		return ProcessEncounterAck{}, err
	}
	if req.ConversationID == "" {
		return ProcessEncounterAck{}, apierr.InvalidRequest(fmt.Errorf("conversation_id is required"))
	}

	normalized, err := transcript.Normalize(req.TranscriptionText, req.Language, e.cfg.MaxTranscriptBytes)
	if err != nil {
		return ProcessEncounterAck{}, err
	}

	jobID := uuid.NewString()
	templateGroupID := templateGroupKey(req.Templates)
	job := &domain.Job{
		JobID:           jobID,
		ConversationID:  req.ConversationID,
		TemplateGroupID: templateGroupID,
		DoctorID:        req.DoctorID,
		Language:        normalized.Language,
		Status:          domain.JobPending,
		SectionStates:   make(map[string]domain.SectionState, len(specs)),
		StartedAt:       jobTime(),
	}
	for _, s := range specs {
		job.SectionStates[s.SectionID] = domain.SectionPending
	}

	jobCtx, cancel := context.WithTimeout(context.Background(), e.cfg.TJob)
	if preempted := e.registry.start(job, cancel); preempted != nil {
		preempted()
	}

	go e.runJob(jobCtx, job, specs, req)

	return ProcessEncounterAck{JobID: jobID}, nil
}

// JobStatus returns a snapshot of a job's current state.
func (e *Engine) JobStatus(jobID string) (domain.Job, error) {
	job, ok := e.registry.Snapshot(jobID)
	if !ok {
		return domain.Job{}, apierr.InvalidRequest(errJobNotFound(jobID))
	}
	return job, nil
}

// CancelJob cooperatively cancels a running job; idempotent.
func (e *Engine) CancelJob(jobID string) error {
	return e.registry.Cancel(jobID)
}

// GetDoctorPreferences returns a doctor's stored preferences.
func (e *Engine) GetDoctorPreferences(ctx context.Context, doctorID string) (domain.DoctorPreferences, error) {
	return e.prefStore.Get(ctx, doctorID)
}

// PutDoctorPreferences overwrites a doctor's stored preferences.
func (e *Engine) PutDoctorPreferences(ctx context.Context, doctorID string, entries map[string]domain.PreferenceEntry) error {
	return e.prefStore.Put(ctx, doctorID, entries)
}

// Health reports whether the Engine's required dependencies are wired.
func (e *Engine) Health() error {
	if e.vectorIndex == nil {
		return apierr.DependencyUnavailable(fmt.Errorf("vector index not configured"))
	}
	if e.llmClient == nil {
		return apierr.DependencyUnavailable(fmt.Errorf("llm client not configured"))
	}
	return nil
}

// runJob drives one job end-to-end: ingest, global term resolution,
// section scheduling, publication, and termination.
func (e *Engine) runJob(ctx context.Context, job *domain.Job, specs []domain.SectionSpec, req ProcessEncounterRequest) {
	ctx = ctxutil.WithJobID(ctx, job.JobID)
	defer e.registry.update(job.JobID, func(j *domain.Job) { j.FinishedAt = jobTime() })

	e.registry.update(job.JobID, func(j *domain.Job) { j.Status = domain.JobRunning })

	normalized, err := transcript.Normalize(req.TranscriptionText, req.Language, e.cfg.MaxTranscriptBytes)
	if err != nil {
		e.failJob(ctx, err)
		return
	}

	chunks := chunker.Chunk(req.ConversationID, normalized.Lines, chunker.DefaultPolicy())
	if err := e.embedAndUpsert(ctx, req.ConversationID, chunks); err != nil {
		e.failJob(ctx, err)
		return
	}

	terms, err := e.extractor.Extract(ctx, normalized.Lines)
	if err != nil {
		e.failJob(ctx, err)
		return
	}
	var globalMappings []domain.ConceptMapping
	if e.ontologyClient != nil && len(terms) > 0 {
		mappings, err := e.ontologyClient.Resolve(ctx, terms, normalized.Language)
		if err != nil {
			e.log.Warn("ontology resolution failed, proceeding without global mappings", "job_id", ctxutil.GetJobID(ctx), "error", err)
		} else {
			globalMappings = mappings
		}
	}
	e.registry.update(job.JobID, func(j *domain.Job) { j.GlobalMappings = globalMappings })

	patientInfo := e.extractor.ExtractPatientInfo(ctx, normalized.Lines)
	e.registry.update(job.JobID, func(j *domain.Job) { j.PatientInfo = patientInfo })

	jctx := &jobContext{
		job:         job,
		lines:       normalized.Lines,
		preferences: e.prefStore.Snapshot(ctx, req.DoctorID, req.DoctorPreferences, e.cfg.ThetaApply),
		patientInfo: patientInfo,
		cache:       contextcache.New(),
	}

	templateTypes := templateTypeFor(specs)
	anyFailed, anyDeliveryFailed := e.runGraph(ctx, jctx, specs, job.JobID, templateTypes, normalized.Language)

	final := domain.JobCompleted
	switch {
	case ctx.Err() != nil:
		final = domain.JobCancelled
	case anyFailed || anyDeliveryFailed:
		final = domain.JobPartiallyFailed
	}
	e.registry.update(job.JobID, func(j *domain.Job) { j.Status = final })
}

// runGraph schedules every section of the job by dependency readiness
// rather than by dependency level: a section is dispatched the moment
// every section_id in its depends_on has produced a result (whatever
// that result was), generation is bounded by the C_job (per-job) and
// C_global (across all jobs) semaphores, and each result is published
// the instant it is ready, so sections stream out in completion order
// instead of waiting for the slowest section at the same depth.
// ValidateTemplates guarantees the dependency graph is acyclic before
// a job ever reaches this point.
func (e *Engine) runGraph(ctx context.Context, jctx *jobContext, specs []domain.SectionSpec, jobID string, templateTypes map[string]string, language string) (anyFailed, anyDeliveryFailed bool) {
	bySectionID := make(map[string]domain.SectionSpec, len(specs))
	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, s := range specs {
		bySectionID[s.SectionID] = s
		indegree[s.SectionID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.SectionID)
		}
	}

	var mu sync.Mutex
	jobSem := make(chan struct{}, max1(e.cfg.CJob))
	var wg sync.WaitGroup

	var dispatch func(spec domain.SectionSpec)
	dispatch = func(spec domain.SectionSpec) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobSem <- struct{}{}
			defer func() { <-jobSem }()

			result := e.generateSectionGuarded(ctx, jctx, spec)
			result.Language = language

			if result.ValidationStatus == domain.ValidationAccepted {
				if err := jctx.cache.Put(result); err != nil {
					e.log.Error("contextcache put failed", "job_id", jobID, "section_id", result.SectionID, "error", err)
				}
			}
			e.registry.update(jobID, func(j *domain.Job) { j.SectionStates[result.SectionID] = sectionStateFor(result) })

			event := publisher.ToEvent(templateTypes[result.SectionID], result, map[string]any{"job_id": jobID})
			if result.ValidationStatus == domain.ValidationAccepted {
				if err := e.pub.Publish(ctx, jobID, jctx.job.ConversationID, event); err != nil {
					mu.Lock()
					anyDeliveryFailed = true
					mu.Unlock()
					e.registry.update(jobID, func(j *domain.Job) { j.SectionStates[result.SectionID] = domain.SectionDeliveryFailed })
				}
			} else {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
				_ = e.pub.Publish(ctx, jobID, jctx.job.ConversationID, event)
			}

			mu.Lock()
			var ready []domain.SectionSpec
			for _, depID := range dependents[spec.SectionID] {
				indegree[depID]--
				if indegree[depID] == 0 {
					ready = append(ready, bySectionID[depID])
				}
			}
			mu.Unlock()
			for _, next := range ready {
				dispatch(next)
			}
		}()
	}

	var roots []string
	for id, deg := range indegree {
		if deg == 0 {
			roots = append(roots, id)
		}
	}
	for _, id := range roots {
		dispatch(bySectionID[id])
	}

	wg.Wait()
	return anyFailed, anyDeliveryFailed
}

// generateSectionGuarded acquires the global cross-job generation slot
// before handing off to generateSection, or short-circuits to a
// cancelled result if ctx is done first.
func (e *Engine) generateSectionGuarded(ctx context.Context, jctx *jobContext, spec domain.SectionSpec) domain.SectionResult {
	if ctx.Err() != nil {
		return cancelledResult(spec)
	}
	select {
	case e.globalSem <- struct{}{}:
		defer func() { <-e.globalSem }()
		return e.generateSection(ctx, jctx, spec)
	case <-ctx.Done():
		return cancelledResult(spec)
	}
}

func cancelledResult(spec domain.SectionSpec) domain.SectionResult {
	return domain.SectionResult{
		SectionID:        spec.SectionID,
		TemplateID:       spec.TemplateID,
		SectionType:      spec.SectionType,
		ValidationStatus: domain.ValidationError,
		ErrorReason:      "cancelled before a generation slot became available",
	}
}

func (e *Engine) embedAndUpsert(ctx context.Context, conversationID string, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := e.llmClient.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for i := range chunks {
		if i < len(embeddings) {
			chunks[i].Embedding = embeddings[i]
		}
	}
	return e.vectorIndex.Upsert(ctx, conversationID, chunks)
}

func (e *Engine) failJob(ctx context.Context, err error) {
	jobID := ctxutil.GetJobID(ctx)
	e.log.Error("job failed", "job_id", jobID, "error", err)
	e.registry.update(jobID, func(j *domain.Job) { j.Status = domain.JobFailed })
}

func sectionStateFor(res domain.SectionResult) domain.SectionState {
	switch res.ValidationStatus {
	case domain.ValidationAccepted:
		return domain.SectionAccepted
	case domain.ValidationFailed:
		return domain.SectionFailedValidation
	default:
		return domain.SectionError
	}
}

func templateGroupKey(templates []TemplateRequest) string {
	key := ""
	for _, t := range templates {
		key += t.TemplateID + "|"
	}
	return key
}

// jobTime is isolated so tests can stub wall-clock time if ever needed;
// production always uses the real clock.
var jobTime = time.Now
