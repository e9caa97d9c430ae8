package templateexec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/cache"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// Variable describes one named placeholder a Template declares.
type Variable struct {
	Name         string `json:"name"`
	Required     bool   `json:"required"`
	DefaultValue any    `json:"defaultValue,omitempty"`
}

// Template is a named, versioned prompt configuration: a content string
// plus an optional system/user prompt split and a declared variable list.
type Template struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Category     string     `json:"category"`
	Content      string     `json:"content"`
	SystemPrompt string     `json:"systemPrompt,omitempty"`
	UserPrompt   string     `json:"userPrompt,omitempty"`
	Variables    []Variable `json:"variables"`
	IsActive     bool       `json:"isActive"`
	Version      int        `json:"version"`
}

// Store loads a Template by id. The gateway's composition root backs it
// with whatever persistence layer owns template configuration; templateexec
// itself only depends on this narrow contract.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
}

// TemplateRef identifies which template (and version) produced a result.
type TemplateRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Message is one entry of a chat-style messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecuteTemplateRequest drives Executor.ExecuteTemplate.
type ExecuteTemplateRequest struct {
	TemplateID string
	Variables  map[string]any
}

// ExecuteTemplateResponse is executeTemplate's result shape.
type ExecuteTemplateResponse struct {
	Success         bool        `json:"success"`
	Result          string      `json:"result,omitempty"`
	SystemPrompt    string      `json:"systemPrompt,omitempty"`
	UserPrompt      string      `json:"userPrompt,omitempty"`
	Messages        []Message   `json:"messages,omitempty"`
	ExecutionTimeMs int64       `json:"executionTime"`
	TemplateUsed    TemplateRef `json:"templateUsed"`
	Error           string      `json:"error,omitempty"`
}

// PreviewTemplateResponse is previewTemplate's result shape.
type PreviewTemplateResponse struct {
	Success          bool     `json:"success"`
	Preview          string   `json:"preview,omitempty"`
	MissingVariables []string `json:"missingVariables,omitempty"`
	UnusedVariables  []string `json:"unusedVariables,omitempty"`
}

// BatchExecuteItem is one unit of work for Executor.BatchExecute.
type BatchExecuteItem struct {
	TemplateID string
	Variables  map[string]any
}

// BatchExecuteItemResult pairs one batch item's outcome with its
// correlation id.
type BatchExecuteItemResult struct {
	ExecutionID     string                   `json:"executionId"`
	TemplateID      string                   `json:"templateId"`
	Success         bool                     `json:"success"`
	Result          *ExecuteTemplateResponse `json:"result,omitempty"`
	Error           string                   `json:"error,omitempty"`
	ExecutionTimeMs int64                    `json:"executionTime"`
}

// BatchExecuteSummary is BatchExecute's aggregate result.
type BatchExecuteSummary struct {
	Items                []BatchExecuteItemResult `json:"items"`
	Total                int                      `json:"total"`
	Successful           int                      `json:"successful"`
	Failed               int                      `json:"failed"`
	TotalExecutionTimeMs int64                    `json:"totalExecutionTime"`
}

// Executor binds the mustache-style renderer in templateexec.go to a
// Template store and the gateway's two-tier cache, implementing the
// template/execution caching and variable validation contract.
type Executor struct {
	store          Store
	templateCache  *cache.Cache
	executionCache *cache.Cache
	logger         *zap.Logger

	mu            sync.Mutex
	execKeysByTpl map[string]map[string]struct{}
}

// NewExecutor builds an Executor. templateCache and executionCache may be
// nil, in which case the corresponding tier is skipped.
func NewExecutor(store Store, templateCache, executionCache *cache.Cache, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		store:          store,
		templateCache:  templateCache,
		executionCache: executionCache,
		logger:         logger.With(zap.String("component", "templateexec")),
		execKeysByTpl:  make(map[string]map[string]struct{}),
	}
}

// loadTemplate fetches a Template, consulting the template cache first.
func (e *Executor) loadTemplate(ctx context.Context, id string) (*Template, error) {
	if e.templateCache != nil {
		if v, ok := e.templateCache.Get(ctx, id); ok {
			if tpl, ok := v.(*Template); ok {
				return tpl, nil
			}
		}
	}

	tpl, err := e.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: fmt.Sprintf("template %q not found: %v", id, err)}
	}

	if e.templateCache != nil {
		e.templateCache.Set(ctx, id, tpl)
	}
	return tpl, nil
}

// missingRequiredVariables returns the names of tpl's required variables
// absent from vars, in declaration order.
func missingRequiredVariables(tpl *Template, vars map[string]any) []string {
	var missing []string
	for _, v := range tpl.Variables {
		if !v.Required {
			continue
		}
		if _, ok := vars[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	return missing
}

// unusedVariables returns the keys of vars that the template does not
// declare, sorted for deterministic output.
func unusedVariables(tpl *Template, vars map[string]any) []string {
	declared := make(map[string]struct{}, len(tpl.Variables))
	for _, v := range tpl.Variables {
		declared[v.Name] = struct{}{}
	}
	var unused []string
	for k := range vars {
		if _, ok := declared[k]; !ok {
			unused = append(unused, k)
		}
	}
	sort.Strings(unused)
	return unused
}

func buildMessages(systemPrompt, userPrompt string) []Message {
	var messages []Message
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	if userPrompt != "" {
		messages = append(messages, Message{Role: "user", Content: userPrompt})
	}
	return messages
}

// ExecuteTemplate implements executeTemplate: loads the template, validates
// required variables, renders content plus any system/user prompt split,
// and caches the result by its generated execution key when successful.
func (e *Executor) ExecuteTemplate(ctx context.Context, req ExecuteTemplateRequest) (*ExecuteTemplateResponse, error) {
	start := time.Now()

	tpl, err := e.loadTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}

	if !tpl.IsActive {
		return nil, &proxyerr.Error{Code: proxyerr.CodeValidation, Message: "not active", Provider: tpl.ID}
	}

	if missing := missingRequiredVariables(tpl, req.Variables); len(missing) > 0 {
		return nil, &proxyerr.Error{
			Code:    proxyerr.CodeValidation,
			Message: fmt.Sprintf("Missing required variables: %s", strings.Join(missing, ", ")),
			Provider: tpl.ID,
		}
	}

	execKey := cache.GenerateExecutionKey(tpl.ID, req.Variables)
	if e.executionCache != nil {
		if v, ok := e.executionCache.Get(ctx, execKey); ok {
			if resp, ok := v.(*ExecuteTemplateResponse); ok {
				return resp, nil
			}
		}
	}

	contentResult, _ := Execute(tpl.Content, req.Variables)
	if err := RequireNoUnresolvedPlaceholders(contentResult.Rendered); err != nil {
		return nil, err
	}

	var systemPrompt, userPrompt string
	if tpl.SystemPrompt != "" {
		r, _ := Execute(tpl.SystemPrompt, req.Variables)
		if err := RequireNoUnresolvedPlaceholders(r.Rendered); err != nil {
			return nil, err
		}
		systemPrompt = r.Rendered
	}
	if tpl.UserPrompt != "" {
		r, _ := Execute(tpl.UserPrompt, req.Variables)
		if err := RequireNoUnresolvedPlaceholders(r.Rendered); err != nil {
			return nil, err
		}
		userPrompt = r.Rendered
	}

	resp := &ExecuteTemplateResponse{
		Success:         true,
		Result:          contentResult.Rendered,
		SystemPrompt:    systemPrompt,
		UserPrompt:      userPrompt,
		Messages:        buildMessages(systemPrompt, userPrompt),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		TemplateUsed:    TemplateRef{ID: tpl.ID, Name: tpl.Name, Version: tpl.Version},
	}

	if e.executionCache != nil {
		e.executionCache.Set(ctx, execKey, resp)
		e.trackExecutionKey(tpl.ID, execKey)
	}

	return resp, nil
}

// PreviewTemplate implements previewTemplate: renders without failing on
// missing required variables, reporting them instead alongside any
// caller-supplied variable the template doesn't declare.
func (e *Executor) PreviewTemplate(ctx context.Context, templateID string, vars map[string]any) (*PreviewTemplateResponse, error) {
	tpl, err := e.loadTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	missing := missingRequiredVariables(tpl, vars)
	unused := unusedVariables(tpl, vars)

	preview, err := Preview(tpl.Content, vars)
	if err != nil {
		return nil, err
	}

	return &PreviewTemplateResponse{
		Success:          len(missing) == 0,
		Preview:          preview,
		MissingVariables: missing,
		UnusedVariables:  unused,
	}, nil
}

// BatchExecute runs ExecuteTemplate over every item in order, optionally
// stopping at the first failure, and returns the per-item outcomes plus
// aggregate totals.
func (e *Executor) BatchExecute(ctx context.Context, items []BatchExecuteItem, stopOnFirstError bool) *BatchExecuteSummary {
	summary := &BatchExecuteSummary{Items: make([]BatchExecuteItemResult, 0, len(items))}

	for _, item := range items {
		itemStart := time.Now()
		executionID := uuid.NewString()

		result, err := e.ExecuteTemplate(ctx, ExecuteTemplateRequest{TemplateID: item.TemplateID, Variables: item.Variables})
		elapsed := time.Since(itemStart).Milliseconds()

		itemResult := BatchExecuteItemResult{
			ExecutionID:     executionID,
			TemplateID:      item.TemplateID,
			ExecutionTimeMs: elapsed,
		}

		summary.Total++
		if err != nil {
			itemResult.Success = false
			itemResult.Error = err.Error()
			summary.Failed++
		} else {
			itemResult.Success = true
			itemResult.Result = result
			summary.Successful++
		}

		summary.Items = append(summary.Items, itemResult)
		summary.TotalExecutionTimeMs += elapsed

		if err != nil && stopOnFirstError {
			break
		}
	}

	return summary
}

// trackExecutionKey records execKey against templateID so InvalidateTemplate
// can remove every execution-cache entry derived from that template.
func (e *Executor) trackExecutionKey(templateID, execKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys, ok := e.execKeysByTpl[templateID]
	if !ok {
		keys = make(map[string]struct{})
		e.execKeysByTpl[templateID] = keys
	}
	keys[execKey] = struct{}{}
}

// InvalidateTemplate removes the template cache entry for id and every
// execution-cache entry produced from it.
func (e *Executor) InvalidateTemplate(ctx context.Context, id string) {
	if e.templateCache != nil {
		e.templateCache.Delete(ctx, id)
	}

	e.mu.Lock()
	keys := e.execKeysByTpl[id]
	delete(e.execKeysByTpl, id)
	e.mu.Unlock()

	if e.executionCache == nil {
		return
	}
	for key := range keys {
		e.executionCache.Delete(ctx, key)
	}
}
