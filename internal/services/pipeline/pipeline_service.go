package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/models"
	"github.com/ternarybob/explico/internal/services/extractor"
	"github.com/ternarybob/explico/internal/services/heuristics"
	"github.com/ternarybob/explico/internal/services/llm"
)

// Curation triggers only when the document set exceeds either bound. Both
// comparisons are strictly greater: a set sitting exactly at a bound goes
// straight to analysis.
const (
	maxDocsWithoutCuration  = 10
	maxCharsWithoutCuration = 120000
)

// RunnerOptions wires the stage dependencies into a Runner.
type RunnerOptions struct {
	Storage    interfaces.JobStorage
	Artifacts  interfaces.ArtifactStore
	Extractor  interfaces.ExtractorService
	Classifier *heuristics.Classifier
	// Curator and Analyst stay nil when the LLM stages are disabled; the
	// pipeline then commits the heuristic report as the final result.
	Curator *llm.Curator
	Analyst *llm.Analyst
	// Owner is this process's queue consumer name. Every guarded row update
	// carries it so a worker that lost its lease cannot clobber the row.
	Owner string
}

// Runner drives one claimed job through the staged pipeline:
// extract, enrich, heuristics, triage, curation, analysis, commit.
// Each stage persists its artifact and advances the row's stage marker
// before the next stage starts, so a retry can tell how far the previous
// attempt got.
type Runner struct {
	cfg        *common.Config
	storage    interfaces.JobStorage
	artifacts  interfaces.ArtifactStore
	extractor  interfaces.ExtractorService
	enricher   *Enricher
	classifier *heuristics.Classifier
	curator    *llm.Curator
	analyst    *llm.Analyst
	owner      string
	logger     arbor.ILogger
}

func NewRunner(cfg *common.Config, opts RunnerOptions, logger arbor.ILogger) *Runner {
	return &Runner{
		cfg:        cfg,
		storage:    opts.Storage,
		artifacts:  opts.Artifacts,
		extractor:  opts.Extractor,
		enricher:   NewEnricher(logger),
		classifier: opts.Classifier,
		curator:    opts.Curator,
		analyst:    opts.Analyst,
		owner:      opts.Owner,
		logger:     logger,
	}
}

// runState carries the mutable bookkeeping of one pipeline run.
type runState struct {
	job         *models.Job
	lockedUntil time.Time
	usage       models.TokenUsage
	cost        float64
	heurPath    string
	resumoPath  string
	curationRan bool
	// curationSkipped/curationReason record a triage decision to bypass
	// curation; they end up in the run metrics, never in an artifact.
	curationSkipped bool
	curationReason  string
}

func (st *runState) modo() string {
	if st.curationRan {
		return models.ModoCuradorAnalista
	}
	return models.ModoAnalista
}

func (st *runState) metrics(report *models.HeuristicReport, start time.Time) models.RunMetrics {
	return models.RunMetrics{
		DuracaoMS:       time.Since(start).Milliseconds(),
		TokensEntrada:   st.usage.InputTokens,
		TokensSaida:     st.usage.OutputTokens,
		CustoEstimado:   st.cost,
		DocumentosTotal: report.DocumentCount,
		CaracteresTotal: report.TotalChars,
		CuradoriaPulada: st.curationSkipped,
		MotivoCuradoria: st.curationReason,
	}
}

// Run executes the pipeline for a freshly claimed job. The caller must hold
// the row lease under this runner's owner name. On success the row is marked
// done before Run returns; on failure the returned error classifies the
// settle path (IsTerminal, or ErrLeaseLost for silent abandonment).
func (r *Runner) Run(ctx context.Context, job *models.Job) error {
	start := time.Now()

	st := &runState{job: job, lockedUntil: start.Add(r.cfg.Lease())}
	if job.LockedUntil != nil {
		st.lockedUntil = *job.LockedUntil
	}

	r.logger.Info().
		Str("job_id", job.JobID).
		Str("nup", job.NUP).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("Pipeline started")

	dump, err := r.stageExtract(ctx, st)
	if err != nil {
		return err
	}

	enriched, err := r.stageEnrich(ctx, st, dump)
	if err != nil {
		return err
	}

	report, err := r.stageHeuristics(ctx, st, enriched)
	if err != nil {
		return err
	}

	triage, err := r.stageTriage(ctx, st, report)
	if err != nil {
		return err
	}

	if !r.llmEnabled() {
		return r.commitHeuristic(ctx, st, report, start)
	}

	if len(triage.Candidates) == 0 {
		// Documents exist but every body came out empty or duplicated;
		// there is nothing an analyst call could read.
		return terminalf("no readable documents")
	}

	selected, err := r.stageCuration(ctx, st, report, triage)
	if err != nil {
		return err
	}

	analysis, err := r.stageAnalysis(ctx, st, enriched, selected)
	if err != nil {
		return err
	}

	return r.commitAnalysis(ctx, st, report, analysis, start)
}

// stageExtract pulls the full document dump out of the upstream platform.
// Rejected credentials are terminal; everything else about a flaky browser
// session is worth retrying.
func (r *Runner) stageExtract(ctx context.Context, st *runState) (*models.ProcessDump, error) {
	sctx, cancel := r.stageCtx(ctx, st)
	defer cancel()

	dump, err := r.extractor.Extract(sctx, st.job.NUP, st.job.Scope)
	if err != nil {
		if errors.Is(err, extractor.ErrLoginRejected) {
			return nil, Terminal(fmt.Errorf("extract: %w", err))
		}
		return nil, fmt.Errorf("extract: %w", err)
	}

	if _, err := r.persist(ctx, st, models.StageExtracted, dump); err != nil {
		return nil, err
	}
	return dump, nil
}

// stageEnrich normalizes bodies to text. The artifact is written even when
// the dump turns out empty, so the terminal row still points at evidence.
func (r *Runner) stageEnrich(ctx context.Context, st *runState, dump *models.ProcessDump) (*models.EnrichedDump, error) {
	enriched := r.enricher.Enrich(dump)

	if _, err := r.persist(ctx, st, models.StageEnriched, enriched); err != nil {
		return nil, err
	}
	if len(enriched.Documents) == 0 {
		return nil, terminalf("no documents")
	}
	return enriched, nil
}

func (r *Runner) stageHeuristics(ctx context.Context, st *runState, enriched *models.EnrichedDump) (*models.HeuristicReport, error) {
	report := r.classifier.Classify(enriched)

	path, err := r.persist(ctx, st, models.StageHeur, report)
	if err != nil {
		return nil, err
	}
	st.heurPath = path
	return report, nil
}

func (r *Runner) stageTriage(ctx context.Context, st *runState, report *models.HeuristicReport) (*models.TriageReport, error) {
	triage := &models.TriageReport{
		NUP:           report.NUP,
		DocumentCount: report.DocumentCount,
		TotalChars:    report.TotalChars,
		Candidates:    heuristics.Candidates(report),
		GeneratedAt:   time.Now().UTC(),
	}
	switch {
	case report.DocumentCount > maxDocsWithoutCuration:
		triage.NeedsCuration = true
		triage.Reason = fmt.Sprintf("%d documentos (limite %d)", report.DocumentCount, maxDocsWithoutCuration)
	case report.TotalChars > maxCharsWithoutCuration:
		triage.NeedsCuration = true
		triage.Reason = fmt.Sprintf("%d caracteres (limite %d)", report.TotalChars, maxCharsWithoutCuration)
	default:
		triage.Reason = "dentro dos limites"
	}

	if _, err := r.persist(ctx, st, models.StageTriage, triage); err != nil {
		return nil, err
	}
	return triage, nil
}

// casePayload is the curated-case artifact: the selected subset of the
// heuristic report plus the curator's own justification.
type casePayload struct {
	NUP           string                 `json:"nup"`
	Indices       []int                  `json:"indices"`
	Justificativa string                 `json:"justificativa,omitempty"`
	Documents     []models.ClassifiedDoc `json:"documents"`
	GeneratedAt   time.Time              `json:"generated_at"`
}

// stageCuration shrinks an oversized document set via the curator model.
// When triage decided the set is small enough, the stage marker still
// advances but no call is made and no artifact is written.
func (r *Runner) stageCuration(ctx context.Context, st *runState, report *models.HeuristicReport, triage *models.TriageReport) ([]int, error) {
	if !triage.NeedsCuration {
		st.curationSkipped = true
		st.curationReason = triage.Reason
		if _, err := r.persist(ctx, st, models.StageCase, nil); err != nil {
			return nil, err
		}
		r.logger.Info().
			Str("job_id", st.job.JobID).
			Str("reason", triage.Reason).
			Msg("Curation skipped")
		return triage.Candidates, nil
	}

	if err := r.renewLease(ctx, st); err != nil {
		return nil, err
	}

	sctx, cancel := r.stageCtx(ctx, st)
	defer cancel()

	result, usage, err := r.curator.Select(sctx, report, triage.Candidates)
	st.usage.Add(usage)
	st.cost += estimateCost(r.cfg.LLM.CuratorModel, usage)
	if err != nil {
		return nil, r.llmFailure(st.job, fmt.Errorf("curation: %w", err))
	}
	st.curationRan = true

	payload := &casePayload{
		NUP:           report.NUP,
		Indices:       result.Indices,
		Justificativa: result.Justificativa,
		Documents:     subsetDocs(report.Documents, result.Indices),
		GeneratedAt:   time.Now().UTC(),
	}
	if _, err := r.persist(ctx, st, models.StageCase, payload); err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("job_id", st.job.JobID).
		Int("candidates", len(triage.Candidates)).
		Int("selected", len(result.Indices)).
		Msg("Curation completed")

	return result.Indices, nil
}

// stageAnalysis runs the unconditional analyst call over the selected
// documents and persists the structured report.
func (r *Runner) stageAnalysis(ctx context.Context, st *runState, enriched *models.EnrichedDump, selected []int) (*models.AnalystReport, error) {
	if err := r.renewLease(ctx, st); err != nil {
		return nil, err
	}

	docs := analysisDocs(enriched.Documents, selected)

	sctx, cancel := r.stageCtx(ctx, st)
	defer cancel()

	analysis, usage, err := r.analyst.Analyze(sctx, enriched, docs)
	st.usage.Add(usage)
	st.cost += estimateCost(r.cfg.LLM.AnalystModel, usage)
	if err != nil {
		return nil, r.llmFailure(st.job, fmt.Errorf("analysis: %w", err))
	}

	analysis.DocsAnalisados = len(docs)
	analysis.Modo = st.modo()
	analysis.GeneratedAt = time.Now().UTC().Format(time.RFC3339)

	path, err := r.persist(ctx, st, models.StageResumo, analysis)
	if err != nil {
		return nil, err
	}
	st.resumoPath = path
	return analysis, nil
}

// commitAnalysis projects the analyst report into result_json and settles
// the row as done, pointing result_path at the full report artifact.
func (r *Runner) commitAnalysis(ctx context.Context, st *runState, report *models.HeuristicReport, analysis *models.AnalystReport, start time.Time) error {
	result := &models.Result{
		NUP:             st.job.NUP,
		ResumoExecutivo: analysis.ResumoExecutivo,
		SituacaoAtual:   analysis.SituacaoAtual,
		Fluxo:           analysis.Fluxo,
		Interessado:     analysis.Interessado,
		Alertas:         analysis.Alertas,
		Modo:            analysis.Modo,
		DocsAnalisados:  analysis.DocsAnalisados,
		Metricas:        st.metrics(report, start),
		FinishedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := r.storage.MarkDone(ctx, st.job.JobID, r.owner, data, st.resumoPath); err != nil {
		return err
	}

	r.logger.Info().
		Str("job_id", st.job.JobID).
		Str("nup", st.job.NUP).
		Str("modo", result.Modo).
		Int("docs_analisados", result.DocsAnalisados).
		Int64("duracao_ms", result.Metricas.DuracaoMS).
		Msg("Pipeline completed")

	return nil
}

// commitHeuristic settles the row using the heuristic report alone, for
// deployments running with the LLM stages disabled. result_path points at
// the heuristic artifact.
func (r *Runner) commitHeuristic(ctx context.Context, st *runState, report *models.HeuristicReport, start time.Time) error {
	result := &models.Result{
		NUP:             report.NUP,
		ResumoExecutivo: heuristicSummary(report),
		Interessado:     report.Interested,
		Modo:            models.ModoHeuristica,
		DocsAnalisados:  report.DocumentCount,
		Metricas:        st.metrics(report, start),
		FinishedAt:      time.Now().UTC(),
	}
	if report.CurrentUnit != "" {
		result.SituacaoAtual = fmt.Sprintf("Em tramitação na unidade %s", report.CurrentUnit)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := r.storage.MarkDone(ctx, st.job.JobID, r.owner, data, st.heurPath); err != nil {
		return err
	}

	r.logger.Info().
		Str("job_id", st.job.JobID).
		Str("nup", st.job.NUP).
		Str("modo", models.ModoHeuristica).
		Int64("duracao_ms", result.Metricas.DuracaoMS).
		Msg("Pipeline completed without LLM stages")

	return nil
}

// heuristicSummary builds the deterministic stand-in for the executive
// summary when no analyst call happens.
func heuristicSummary(report *models.HeuristicReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Processo %s com %d documentos (%d ALTA, %d MEDIA, %d BAIXA",
		report.NUP,
		report.DocumentCount,
		report.ByPriority[string(models.PriorityAlta)],
		report.ByPriority[string(models.PriorityMedia)],
		report.ByPriority[string(models.PriorityBaixa)],
	)
	if report.Duplicates > 0 {
		fmt.Fprintf(&sb, ", %d duplicados", report.Duplicates)
	}
	sb.WriteString(").")
	if report.ProcessType != "" {
		fmt.Fprintf(&sb, " Tipo: %s.", report.ProcessType)
	}
	if report.CurrentUnit != "" {
		fmt.Fprintf(&sb, " Em tramitação na unidade %s.", report.CurrentUnit)
	}
	sb.WriteString(" Classificação heurística; nenhum modelo de linguagem foi consultado.")
	return sb.String()
}

func (r *Runner) llmEnabled() bool {
	return r.cfg.LLM.Enabled && r.curator != nil && r.analyst != nil
}

// llmFailure classifies an LLM stage error. Provider-side trouble is always
// retried; an unparseable reply is retried exactly once, detected through
// the error message the previous attempt left on the row.
func (r *Runner) llmFailure(job *models.Job, err error) error {
	if errors.Is(err, llm.ErrUnparseable) && strings.Contains(job.Error, llm.ErrUnparseable.Error()) {
		return Terminal(err)
	}
	return err
}

// persist writes the stage artifact and advances the row's stage marker.
// A nil payload advances the marker without producing a file. ErrLeaseLost
// from the guarded update passes through untouched.
func (r *Runner) persist(ctx context.Context, st *runState, stage models.JobStage, v any) (string, error) {
	path := ""
	if v != nil {
		var err error
		path, err = r.artifacts.WriteJSON(stage.ArtifactDir(), st.job.JobID, v)
		if err != nil {
			return "", fmt.Errorf("failed to persist %s artifact: %w", stage, err)
		}
	}
	if err := r.storage.SetStage(ctx, st.job.JobID, r.owner, stage, path); err != nil {
		return "", err
	}

	r.logger.Debug().
		Str("job_id", st.job.JobID).
		Str("stage", string(stage)).
		Msg("Stage completed")
	return path, nil
}

// renewLease extends the lease once the remaining window shrinks below the
// safety margin, so the long LLM stages never outlive the lock.
func (r *Runner) renewLease(ctx context.Context, st *runState) error {
	if time.Until(st.lockedUntil) > r.cfg.LeaseMargin() {
		return nil
	}
	if err := r.storage.RenewLease(ctx, st.job.JobID, r.owner, r.cfg.Lease()); err != nil {
		return err
	}
	st.lockedUntil = time.Now().Add(r.cfg.Lease())

	r.logger.Debug().
		Str("job_id", st.job.JobID).
		Msg("Lease renewed")
	return nil
}

// stageCtx bounds one stage at the current lease minus the safety margin,
// leaving room to settle the row before the reaper can steal it.
func (r *Runner) stageCtx(ctx context.Context, st *runState) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, st.lockedUntil.Add(-r.cfg.LeaseMargin()))
}

// subsetDocs maps indices back to classified documents, preserving the
// order the curator chose.
func subsetDocs(docs []models.ClassifiedDoc, indices []int) []models.ClassifiedDoc {
	byIdx := make(map[int]models.ClassifiedDoc, len(docs))
	for _, d := range docs {
		byIdx[d.Idx] = d
	}
	out := make([]models.ClassifiedDoc, 0, len(indices))
	for _, idx := range indices {
		if d, ok := byIdx[idx]; ok {
			out = append(out, d)
		}
	}
	return out
}

// analysisDocs maps the selected indices back to enriched documents,
// restored to tree order so the analyst reads the process chronologically.
func analysisDocs(docs []models.Document, selected []int) []models.Document {
	sorted := append([]int(nil), selected...)
	sort.Ints(sorted)

	byIdx := make(map[int]models.Document, len(docs))
	for _, d := range docs {
		byIdx[d.Idx] = d
	}
	out := make([]models.Document, 0, len(sorted))
	for _, idx := range sorted {
		if d, ok := byIdx[idx]; ok {
			out = append(out, d)
		}
	}
	return out
}
