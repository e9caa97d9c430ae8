package templateexec

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vortexgw/ai-provider-proxy/cache"
)

var errTemplateNotFound = errors.New("template not found")

type fakeStore struct {
	templates map[string]*Template
}

func (s *fakeStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	tpl, ok := s.templates[id]
	if !ok {
		return nil, errTemplateNotFound
	}
	return tpl, nil
}

func newFakeExecutor(templates ...*Template) *Executor {
	store := &fakeStore{templates: make(map[string]*Template)}
	for _, tpl := range templates {
		store.templates[tpl.ID] = tpl
	}
	return NewExecutor(store, cache.New("tpl", 10, 0), cache.New("exec", 10, 0), nil)
}

func TestExecuteTemplate_Success(t *testing.T) {
	tpl := &Template{
		ID:           "greet",
		Name:         "Greeting",
		Content:      "Hello ${name}",
		SystemPrompt: "You are ${persona}",
		UserPrompt:   "Say hi to ${name}",
		Variables: []Variable{
			{Name: "name", Required: true},
			{Name: "persona", Required: false},
		},
		IsActive: true,
		Version:  3,
	}
	exec := newFakeExecutor(tpl)

	resp, err := exec.ExecuteTemplate(context.Background(), ExecuteTemplateRequest{
		TemplateID: "greet",
		Variables:  map[string]any{"name": "Ada", "persona": "a helpful assistant"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Result != "Hello Ada" {
		t.Fatalf("unexpected result: %q", resp.Result)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(resp.Messages))
	}
	if resp.TemplateUsed.Version != 3 {
		t.Fatalf("expected templateUsed.version 3, got %d", resp.TemplateUsed.Version)
	}
}

func TestExecuteTemplate_NotActive(t *testing.T) {
	tpl := &Template{ID: "t", Content: "x", IsActive: false}
	exec := newFakeExecutor(tpl)

	_, err := exec.ExecuteTemplate(context.Background(), ExecuteTemplateRequest{TemplateID: "t"})
	if err == nil {
		t.Fatal("expected an error for an inactive template")
	}
	if !strings.Contains(err.Error(), "not active") {
		t.Fatalf("expected 'not active' error, got %v", err)
	}
}

func TestExecuteTemplate_MissingRequiredVariables(t *testing.T) {
	tpl := &Template{
		ID:       "t",
		Content:  "${a} ${b}",
		IsActive: true,
		Variables: []Variable{
			{Name: "a", Required: true},
			{Name: "b", Required: true},
		},
	}
	exec := newFakeExecutor(tpl)

	_, err := exec.ExecuteTemplate(context.Background(), ExecuteTemplateRequest{
		TemplateID: "t",
		Variables:  map[string]any{},
	})
	if err == nil {
		t.Fatal("expected a missing-variables error")
	}
	if !strings.Contains(err.Error(), "Missing required variables") || !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestExecuteTemplate_CachesSuccessfulExecution(t *testing.T) {
	calls := 0
	tpl := &Template{ID: "t", Content: "${a}", IsActive: true}
	store := &fakeStore{templates: map[string]*Template{"t": tpl}}
	execCache := cache.New("exec", 10, 0)
	exec := NewExecutor(store, nil, execCache, nil)

	vars := map[string]any{"a": "1"}
	key := cache.GenerateExecutionKey("t", vars)

	if _, ok := execCache.Get(context.Background(), key); ok {
		t.Fatal("expected no cached execution before first call")
	}

	if _, err := exec.ExecuteTemplate(context.Background(), ExecuteTemplateRequest{TemplateID: "t", Variables: vars}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls++

	if _, ok := execCache.Get(context.Background(), key); !ok {
		t.Fatal("expected the successful execution to be cached")
	}
	_ = calls
}

func TestExecuteTemplate_FailedExecutionNotCached(t *testing.T) {
	tpl := &Template{
		ID:        "t",
		Content:   "${a}",
		IsActive:  true,
		Variables: []Variable{{Name: "a", Required: true}},
	}
	store := &fakeStore{templates: map[string]*Template{"t": tpl}}
	execCache := cache.New("exec", 10, 0)
	exec := NewExecutor(store, nil, execCache, nil)

	vars := map[string]any{}
	key := cache.GenerateExecutionKey("t", vars)

	if _, err := exec.ExecuteTemplate(context.Background(), ExecuteTemplateRequest{TemplateID: "t", Variables: vars}); err == nil {
		t.Fatal("expected a validation error")
	}

	if _, ok := execCache.Get(context.Background(), key); ok {
		t.Fatal("a failed execution must not populate the execution cache")
	}
}

func TestPreviewTemplate_ReportsMissingAndUnusedVariables(t *testing.T) {
	tpl := &Template{
		ID:      "t",
		Content: "${a}",
		Variables: []Variable{
			{Name: "a", Required: true},
			{Name: "b", Required: true},
		},
		IsActive: true,
	}
	exec := newFakeExecutor(tpl)

	resp, err := exec.PreviewTemplate(context.Background(), "t", map[string]any{"c": "extra"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false when required variables are missing")
	}
	if len(resp.MissingVariables) != 2 {
		t.Fatalf("expected 2 missing variables, got %v", resp.MissingVariables)
	}
	if len(resp.UnusedVariables) != 1 || resp.UnusedVariables[0] != "c" {
		t.Fatalf("expected unused variable 'c', got %v", resp.UnusedVariables)
	}
}

func TestBatchExecute_StopsOnFirstError(t *testing.T) {
	ok := &Template{ID: "ok", Content: "${a}", IsActive: true}
	bad := &Template{ID: "bad", Content: "x", IsActive: false}
	exec := newFakeExecutor(ok, bad)

	summary := exec.BatchExecute(context.Background(), []BatchExecuteItem{
		{TemplateID: "ok", Variables: map[string]any{"a": "1"}},
		{TemplateID: "bad"},
		{TemplateID: "ok", Variables: map[string]any{"a": "2"}},
	}, true)

	if summary.Total != 2 {
		t.Fatalf("expected to stop after the second item, got total=%d", summary.Total)
	}
	if summary.Successful != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestBatchExecute_ContinuesWithoutStopOnFirstError(t *testing.T) {
	ok := &Template{ID: "ok", Content: "${a}", IsActive: true}
	bad := &Template{ID: "bad", Content: "x", IsActive: false}
	exec := newFakeExecutor(ok, bad)

	summary := exec.BatchExecute(context.Background(), []BatchExecuteItem{
		{TemplateID: "bad"},
		{TemplateID: "ok", Variables: map[string]any{"a": "1"}},
	}, false)

	if summary.Total != 2 || summary.Successful != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestInvalidateTemplate_RemovesTemplateAndExecutionEntries(t *testing.T) {
	tpl := &Template{ID: "t", Content: "${a}", IsActive: true}
	store := &fakeStore{templates: map[string]*Template{"t": tpl}}
	tplCache := cache.New("tpl", 10, 0)
	execCache := cache.New("exec", 10, 0)
	exec := NewExecutor(store, tplCache, execCache, nil)

	vars := map[string]any{"a": "1"}
	if _, err := exec.ExecuteTemplate(context.Background(), ExecuteTemplateRequest{TemplateID: "t", Variables: vars}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	execKey := cache.GenerateExecutionKey("t", vars)
	if _, ok := execCache.Get(context.Background(), execKey); !ok {
		t.Fatal("expected execution to be cached before invalidation")
	}

	exec.InvalidateTemplate(context.Background(), "t")

	if _, ok := tplCache.Get(context.Background(), "t"); ok {
		t.Fatal("expected template cache entry removed")
	}
	if _, ok := execCache.Get(context.Background(), execKey); ok {
		t.Fatal("expected execution cache entry removed")
	}
}
