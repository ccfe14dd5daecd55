package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Analysis modes recorded in result_json.modo.
const (
	ModoAnalista        = "ANALISTA"
	ModoCuradorAnalista = "CURADOR+ANALISTA"
	ModoHeuristica      = "HEURISTICA"
)

// CurationResult is the curator model's reply: the indices of the essential
// documents (8 to 12 of them) out of the triage candidate list.
type CurationResult struct {
	Indices       []int  `json:"indices" validate:"required,min=1"`
	Justificativa string `json:"justificativa,omitempty"`
}

// Validate checks the curation reply using go-playground/validator.
func (c *CurationResult) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Prazo is one deadline the analyst found in the documents.
type Prazo struct {
	Descricao string `json:"descricao"`
	Data      string `json:"data,omitempty"`
}

// AnalystReport is the analyst model's structured reply. Field names are the
// wire contract: the prompt instructs the model to emit exactly these keys.
type AnalystReport struct {
	Interessado     string   `json:"interessado"`
	Pedido          string   `json:"pedido,omitempty"`
	SituacaoAtual   string   `json:"situacao_atual" validate:"required"`
	Fluxo           string   `json:"fluxo,omitempty"`
	Prazos          []Prazo  `json:"prazos,omitempty"`
	Legislacao      []string `json:"legislacao,omitempty"`
	ResumoExecutivo string   `json:"resumo_executivo" validate:"required"`
	Alertas         []string `json:"alertas,omitempty"`
	Sugestao        string   `json:"sugestao,omitempty"`
	Confianca       float64  `json:"confianca" validate:"gte=0,lte=1"`
	// Filled by the pipeline, not the model.
	DocsAnalisados int    `json:"docs_analisados,omitempty"`
	Modo           string `json:"modo,omitempty"`
	GeneratedAt    string `json:"generated_at,omitempty"`
}

// Validate checks the analyst reply against the schema contract. A reply that
// parses but fails here is handled like any other unparseable reply.
func (a *AnalystReport) Validate() error {
	validate := validator.New()
	return validate.Struct(a)
}

// RunMetrics aggregates cost and timing for one pipeline run.
type RunMetrics struct {
	DuracaoMS       int64   `json:"duracao_ms"`
	TokensEntrada   int64   `json:"tokens_entrada,omitempty"`
	TokensSaida     int64   `json:"tokens_saida,omitempty"`
	CustoEstimado   float64 `json:"custo_estimado,omitempty"`
	DocumentosTotal int     `json:"documentos_total"`
	CaracteresTotal int     `json:"caracteres_total"`
	CuradoriaPulada bool    `json:"curadoria_pulada,omitempty"`
	MotivoCuradoria string  `json:"motivo_curadoria,omitempty"`
}

// Result is the compact projection stored inline on the row (result_json).
// The full analyst artifact lives at result_path.
type Result struct {
	NUP             string     `json:"nup"`
	ResumoExecutivo string     `json:"resumo_executivo"`
	SituacaoAtual   string     `json:"situacao_atual,omitempty"`
	Fluxo           string     `json:"fluxo,omitempty"`
	Interessado     string     `json:"interessado,omitempty"`
	Alertas         []string   `json:"alertas,omitempty"`
	Modo            string     `json:"modo"`
	DocsAnalisados  int        `json:"docs_analisados"`
	Metricas        RunMetrics `json:"metricas"`
	FinishedAt      time.Time  `json:"finished_at"`
}

// TokenUsage is the token/cost metadata LLM providers report per call.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// Add accumulates usage from one call into the running totals.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
