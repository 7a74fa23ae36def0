package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Step kinds forming the replayable audit trail of one agent run.
const (
	StepPlan           = "plan"
	StepToolResult     = "tool_result"
	StepSelfCorrection = "self_correction"
	StepVerdict        = "verdict"
	StepEscalation     = "escalation"
)

// Step is an immutable audit entry. Steps are appended in execution order
// and never reordered or mutated afterwards; the slice is the ground truth
// for what happened, in what order.
type Step struct {
	Kind     string `json:"kind"`
	Tool     string `json:"tool,omitempty"`
	Content  string `json:"content,omitempty"`
	Original string `json:"original,omitempty"`
	Fixed    string `json:"fixed,omitempty"`
	Error    string `json:"error,omitempty"`
	Severity string `json:"severity,omitempty"`
}

// Plan is the structured output of the planning step.
type Plan struct {
	Rationale  string   `json:"plan"`
	Tools      []string `json:"tools"`
	TargetSQLs []string `json:"target_sqls"`
	SourceSQLs []string `json:"source_sqls"`
}

// AnalysisVerdict is the structured output of the analyze step.
type AnalysisVerdict struct {
	Answer            string `json:"answer"`
	Severity          string `json:"severity"`
	NeedEscalate      bool   `json:"need_escalate"`
	EscalationMessage string `json:"escalation_message"`
}

// AgentState is the single record threaded through one run. Each run owns
// its state exclusively; step functions take it by value and return the
// updated copy.
type AgentState struct {
	UserMessage string
	ChatHistory []ChatMessage
	Plan        Plan
	Results     map[string]string // per-tool result blobs
	RetryCount  int
	Verdict     AnalysisVerdict
	FinalAnswer string
	Steps       []Step
}

type AgentResult struct {
	Answer    string `json:"answer"`
	Steps     []Step `json:"steps"`
	Escalated bool   `json:"escalated"`
}

// Run-wide ceiling on oracle-driven query corrections. Shared across every
// statement in the run; the sole loop-prevention mechanism.
const maxSelfCorrections = 3

const chatHistoryWindow = 6

const defaultTargetSQL = "SELECT COUNT(*) AS cnt FROM orders_analytics"
const defaultSourceSQL = "SELECT COUNT(*) AS cnt FROM ORDERS"

const notQueriedMarker = "not queried"

// Agent orchestrates one diagnostic run: plan, sequential tool execution
// with bounded self-correction, synthesis, conditional escalation.
type Agent struct {
	llm          LLM
	store        HistoryStore
	target       QueryFunc
	source       QueryFunc
	notifier     Notifier
	llmTimeout   time.Duration
	queryTimeout time.Duration
	now          func() time.Time
}

func NewAgent(llm LLM, store HistoryStore, target, source QueryFunc, notifier Notifier, cfg Config) *Agent {
	return &Agent{
		llm:          llm,
		store:        store,
		target:       target,
		source:       source,
		notifier:     notifier,
		llmTimeout:   cfg.llmTimeout(),
		queryTimeout: cfg.queryTimeout(),
		now:          time.Now,
	}
}

// Run executes the full workflow for one user question. Only genuine oracle
// call failures during planning or analysis are fatal; every tool failure is
// recorded in the step log and the run still produces an answer.
func (a *Agent) Run(ctx context.Context, question string, history []ChatMessage) (AgentResult, error) {
	state := AgentState{
		UserMessage: question,
		ChatHistory: history,
		Results:     make(map[string]string),
	}

	state, err := a.planStep(ctx, state)
	if err != nil {
		return AgentResult{Steps: state.Steps}, fmt.Errorf("planning call failed (%w) — please retry the question", err)
	}

	// Tools run strictly sequentially; the next step depends only on which
	// planned tools remain, never on tool results.
	done := make(map[string]bool)
	for {
		tool, ok := nextPlannedTool(state.Plan, done)
		if !ok {
			break
		}
		done[tool] = true
		state = a.toolStep(ctx, tool, state)
	}

	state, err = a.analyzeStep(ctx, state)
	if err != nil {
		return AgentResult{Steps: state.Steps}, fmt.Errorf("analysis call failed (%w) — please retry the question", err)
	}

	escalated := false
	if state.Verdict.NeedEscalate {
		state = a.escalateStep(ctx, state)
		escalated = true
	}

	return AgentResult{Answer: state.FinalAnswer, Steps: state.Steps, Escalated: escalated}, nil
}

// nextPlannedTool picks the first tool in the fixed execution order that the
// plan names and that has not run yet.
func nextPlannedTool(plan Plan, done map[string]bool) (string, bool) {
	for _, t := range toolOrder {
		if done[t] {
			continue
		}
		for _, planned := range plan.Tools {
			if planned == t {
				return t, true
			}
		}
	}
	return "", false
}

// --- plan ---

func (a *Agent) planStep(ctx context.Context, state AgentState) (AgentState, error) {
	msgs := boundedHistory(state.ChatHistory, chatHistoryWindow)
	msgs = append(msgs, ChatMessage{Role: "user", Content: state.UserMessage})

	callCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()
	text, err := a.llm.Complete(callCtx, a.planSystemPrompt(), msgs)
	if err != nil {
		return state, err
	}

	plan, parseErr := parsePlan(text)
	if parseErr != nil {
		// Conservative default: a single count against the primary tool.
		log.Printf("agent plan parse fallback: %v", parseErr)
		plan = Plan{
			Rationale:  strings.TrimSpace(text),
			Tools:      []string{ToolTarget},
			TargetSQLs: []string{defaultTargetSQL},
		}
	}

	state.Plan = plan
	state.RetryCount = 0
	state.Steps = append(state.Steps, Step{Kind: StepPlan, Content: plan.Rationale})
	log.Printf("agent plan tools=%v target_sqls=%d source_sqls=%d", plan.Tools, len(plan.TargetSQLs), len(plan.SourceSQLs))
	return state, nil
}

// parsePlan extracts the first JSON object from oracle free text. The model
// sometimes returns a single target_sql/source_sql string instead of the
// array form; both are accepted.
func parsePlan(text string) (Plan, error) {
	block, ok := extractJSONBlock(text)
	if !ok {
		return Plan{}, &OracleParseError{What: "plan", Raw: text, Err: fmt.Errorf("no JSON object found")}
	}

	var payload struct {
		Plan       string   `json:"plan"`
		Tools      []string `json:"tools"`
		TargetSQLs []string `json:"target_sqls"`
		TargetSQL  string   `json:"target_sql"`
		SourceSQLs []string `json:"source_sqls"`
		SourceSQL  string   `json:"source_sql"`
	}
	if err := json.Unmarshal([]byte(block), &payload); err != nil {
		return Plan{}, &OracleParseError{What: "plan", Raw: text, Err: err}
	}

	plan := Plan{
		Rationale:  payload.Plan,
		TargetSQLs: payload.TargetSQLs,
		SourceSQLs: payload.SourceSQLs,
	}
	if len(plan.TargetSQLs) == 0 && payload.TargetSQL != "" {
		plan.TargetSQLs = []string{payload.TargetSQL}
	}
	if len(plan.SourceSQLs) == 0 && payload.SourceSQL != "" {
		plan.SourceSQLs = []string{payload.SourceSQL}
	}
	for _, t := range payload.Tools {
		if validToolName(t) {
			plan.Tools = append(plan.Tools, t)
		} else {
			log.Printf("agent plan ignoring unknown tool %q", t)
		}
	}
	if len(plan.Tools) == 0 {
		plan.Tools = []string{ToolTarget}
	}
	return plan, nil
}

// --- tool execution ---

func (a *Agent) toolStep(ctx context.Context, tool string, state AgentState) AgentState {
	switch tool {
	case ToolQualityHistory:
		return a.storeToolStep(tool, state, func() (string, error) { return fetchQualityHistory(a.store) })
	case ToolEtlLog:
		return a.storeToolStep(tool, state, func() (string, error) { return fetchEtlLog(a.store) })
	case ToolTarget:
		return a.sqlToolStep(ctx, tool, a.target, statementsOrDefault(state.Plan.TargetSQLs, defaultTargetSQL), state)
	case ToolSource:
		return a.sqlToolStep(ctx, tool, a.source, statementsOrDefault(state.Plan.SourceSQLs, defaultSourceSQL), state)
	}
	return state
}

func (a *Agent) storeToolStep(tool string, state AgentState, fetch func() (string, error)) AgentState {
	result, err := fetch()
	if err != nil {
		result = fmt.Sprintf("%s failed: %v", tool, err)
		log.Printf("agent tool=%s error: %v", tool, err)
	}
	state.Results[tool] = result
	state.Steps = append(state.Steps, Step{Kind: StepToolResult, Tool: tool, Content: truncateForLog(result, 500)})
	return state
}

// sqlToolStep executes every planned statement for one source. Statements
// are independent: each failing one gets at most one oracle-corrected
// re-execution, all drawing from the single per-run retry budget.
func (a *Agent) sqlToolStep(ctx context.Context, tool string, query QueryFunc, sqls []string, state AgentState) AgentState {
	var results []string
	for i, sqlText := range sqls {
		label := fmt.Sprintf("[SQL %d]", i+1)

		if rej := rejectUnsafeSQL(sqlText); rej != nil {
			log.Printf("agent tool=%s security rejection keyword=%s", tool, rej.Keyword)
			results = append(results, fmt.Sprintf("%s %s", label, rej.Error()))
			state.Steps = append(state.Steps, Step{Kind: StepToolResult, Tool: tool, Content: label, Error: rej.Error()})
			continue
		}

		result, err := a.runQuery(ctx, query, sqlText)
		if err != nil && state.RetryCount < maxSelfCorrections {
			state.RetryCount++
			result, state = a.selfCorrect(ctx, tool, query, sqlText, err, state)
		} else if err != nil {
			log.Printf("agent tool=%s retry budget exhausted, reporting failure: %v", tool, err)
			result = fmt.Sprintf("query failed: %v", err)
		}

		results = append(results, fmt.Sprintf("%s %s\nresult: %s", label, sqlText, result))
	}

	blob := strings.Join(results, "\n\n")
	state.Results[tool] = blob
	state.Steps = append(state.Steps, Step{Kind: StepToolResult, Tool: tool, Content: truncateForLog(blob, 1000)})
	return state
}

func (a *Agent) runQuery(ctx context.Context, query QueryFunc, sqlText string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()
	return query(callCtx, sqlText)
}

// selfCorrect asks the oracle to rewrite one failing statement and executes
// the corrected statement exactly once. The audit step is recorded whether
// or not the retry succeeds.
func (a *Agent) selfCorrect(ctx context.Context, tool string, query QueryFunc, sqlText string, execErr error, state AgentState) (string, AgentState) {
	callCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()
	fixed, err := a.llm.Complete(callCtx, sqlFixSystemPrompt,
		[]ChatMessage{{Role: "user", Content: fmt.Sprintf("Original SQL: %s\nError: %v\nCorrected SQL:", sqlText, execErr)}})
	if err != nil {
		// Correction is best-effort; a failed correction call is a tool
		// failure, never a run failure.
		log.Printf("agent tool=%s correction call error: %v", tool, err)
		state.Steps = append(state.Steps, Step{
			Kind: StepSelfCorrection, Tool: tool,
			Original: sqlText, Error: fmt.Sprintf("execution: %v; correction call: %v", execErr, err),
		})
		return fmt.Sprintf("query failed: %v", execErr), state
	}

	fixed = strings.TrimSpace(stripJSONFences(fixed))
	state.Steps = append(state.Steps, Step{
		Kind: StepSelfCorrection, Tool: tool,
		Original: sqlText, Fixed: fixed, Error: execErr.Error(),
	})
	log.Printf("agent tool=%s self-correction attempt=%d", tool, state.RetryCount)

	if rej := rejectUnsafeSQL(fixed); rej != nil {
		return rej.Error(), state
	}
	result, err := a.runQuery(ctx, query, fixed)
	if err != nil {
		return fmt.Sprintf("query failed after correction: %v", err), state
	}
	return result, state
}

func statementsOrDefault(sqls []string, fallback string) []string {
	if len(sqls) == 0 {
		return []string{fallback}
	}
	return sqls
}

// --- analyze ---

func (a *Agent) analyzeStep(ctx context.Context, state AgentState) (AgentState, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User question: %s\n", state.UserMessage)
	fmt.Fprintf(&b, "Plan: %s\n", state.Plan.Rationale)
	for _, tool := range toolOrder {
		result, ok := state.Results[tool]
		if !ok {
			result = notQueriedMarker
		}
		fmt.Fprintf(&b, "%s: %s\n", tool, result)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.llmTimeout)
	defer cancel()
	text, err := a.llm.Complete(callCtx, a.analyzeSystemPrompt(), []ChatMessage{{Role: "user", Content: b.String()}})
	if err != nil {
		return state, err
	}

	verdict, parseErr := parseAnalysisVerdict(text)
	if parseErr != nil {
		// Fail safe toward silence: raw text as the answer, no escalation.
		log.Printf("agent analyze parse fallback: %v", parseErr)
		verdict = AnalysisVerdict{Answer: strings.TrimSpace(text), Severity: SeverityNormal}
	}

	state.Verdict = verdict
	state.FinalAnswer = verdict.Answer
	state.Steps = append(state.Steps, Step{Kind: StepVerdict, Content: verdict.Answer, Severity: verdict.Severity})
	return state, nil
}

func parseAnalysisVerdict(text string) (AnalysisVerdict, error) {
	block, ok := extractJSONBlock(text)
	if !ok {
		return AnalysisVerdict{}, &OracleParseError{What: "analysis", Raw: text, Err: fmt.Errorf("no JSON object found")}
	}
	var v AnalysisVerdict
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		return AnalysisVerdict{}, &OracleParseError{What: "analysis", Raw: text, Err: err}
	}
	if v.Severity == "" {
		v.Severity = SeverityNormal
	}
	return v, nil
}

// --- escalate ---

func (a *Agent) escalateStep(ctx context.Context, state AgentState) AgentState {
	msg := state.Verdict.EscalationMessage
	if msg == "" {
		msg = state.FinalAnswer
	}

	outcome := "sent"
	if a.notifier == nil {
		outcome = "notification channel not configured"
	} else if err := a.notifier.Send(ctx, "🛡️ *[Guardian Agent]*\n\n"+msg); err != nil {
		// Channel-unavailable is reported, not retried.
		outcome = fmt.Sprintf("send failed: %v", err)
		log.Printf("agent escalation error: %v", err)
	}

	state.Steps = append(state.Steps, Step{Kind: StepEscalation, Content: outcome})
	return state
}

func boundedHistory(history []ChatMessage, n int) []ChatMessage {
	if len(history) <= n {
		return append([]ChatMessage(nil), history...)
	}
	return append([]ChatMessage(nil), history[len(history)-n:]...)
}
