// Package music implements the long-running music generation workflow: a
// submit call that returns a task id, followed by a poll loop against that
// task until a clip is ready for early playback, fully rendered, or failed.
//
// Grounded in the teacher's Suno provider poll loop (ticker-driven,
// terminal-state detection), generalized to the gateway's early-playback
// and refund-abort semantics and its 15s/20s poll schedule.
package music

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vortexgw/ai-provider-proxy/internal/tlsutil"
	"github.com/vortexgw/ai-provider-proxy/proxyerr"
)

// State is a task's position in the submitted -> polling -> terminal state
// machine.
type State string

const (
	StateSubmitted     State = "submitted"
	StatePolling       State = "polling"
	StateEarlyPlayback State = "early_playback"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
	StateTimedOut      State = "timed_out"
)

// clip running/pending states, used to decide isEarlyPlayback.
const (
	clipStateRunning = "running"
	clipStatePending = "pending"
	clipStateFailed  = "failed"
)

// firstPollWait and subsequentPollWait are vars, not consts, so tests can
// collapse the poll schedule instead of waiting 15s/20s for real.
var (
	firstPollWait      = 15 * time.Second
	subsequentPollWait = 20 * time.Second
)

const (
	defaultPollTimeout = 300 * time.Second
	maxConsecutiveErrs = 5
)

// Clip is one generated audio clip within a task's poll response.
type Clip struct {
	State     string  `json:"state"`
	ClipID    string  `json:"clip_id"`
	AudioURL  string  `json:"audio_url,omitempty"`
	ImageURL  string  `json:"image_url,omitempty"`
	VideoURL  string  `json:"video_url,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// pollResponse is the provider's task-status response shape.
type pollResponse struct {
	Data    []Clip `json:"data"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// terminalErrorBody is a non-OK poll response body that means "stop
// polling now" rather than "retry": the provider has already refunded the
// request, or it is reporting its own internal api_error.
type terminalErrorBody struct {
	AlreadyRefunded bool   `json:"already_refunded"`
	Type            string `json:"type"`
}

// SubmitRequest is the rendered HTTP request used to kick off generation.
type SubmitRequest struct {
	ProviderID string
	Endpoint   string
	Method     string
	Headers    map[string]string
	Body       []byte
}

// submitResponse is the provider's synchronous accept response.
type submitResponse struct {
	TaskID string `json:"task_id"`
}

// Result is the workflow's outcome: either a set of clips ready for
// playback (early or final) or a terminal failure/timeout.
type Result struct {
	TaskID          string `json:"taskId"`
	State           State  `json:"state"`
	Clips           []Clip `json:"clips"`
	IsEarlyPlayback bool   `json:"isEarlyPlayback"`
}

// Workflow drives the submit-then-poll music generation lifecycle for one
// provider's base URL.
type Workflow struct {
	client *http.Client
	logger *zap.Logger
}

// New builds a Workflow. timeout bounds a single HTTP call (submit or one
// poll), not the overall poll budget — that is PollOptions.Timeout.
func New(timeout time.Duration, logger *zap.Logger) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Workflow{
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "music")),
	}
}

// PollOptions tunes the overall poll budget for one Generate call.
type PollOptions struct {
	// Timeout bounds total polling time. Zero selects defaultPollTimeout
	// (300s, matching config.ProxyConfig.MusicPollTimeout's default).
	Timeout time.Duration
	// PollBaseURL is the base the poll endpoint is built against:
	// "<PollBaseURL>/task/<taskID>".
	PollBaseURL string
	PollHeaders map[string]string
}

// Generate submits req and polls until early playback, completion, failure,
// or timeout.
func (w *Workflow) Generate(ctx context.Context, req SubmitRequest, opts PollOptions) (*Result, error) {
	taskID, err := w.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	return w.poll(ctx, taskID, opts)
}

func (w *Workflow) submit(ctx context.Context, req SubmitRequest) (string, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return "", &proxyerr.Error{Code: proxyerr.CodeProviderInvocationFailed, Message: err.Error(), Provider: req.ProviderID}
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return "", &proxyerr.Error{Code: proxyerr.CodeNetworkError, Message: err.Error(), Provider: req.ProviderID, Retryable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &proxyerr.Error{
			Code:       proxyerr.CodeProviderInvocationFailed,
			Message:    fmt.Sprintf("submit failed with status %d: %s", resp.StatusCode, string(body)),
			HTTPStatus: resp.StatusCode,
			Provider:   req.ProviderID,
		}
	}

	var parsed submitResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.TaskID == "" {
		return "", &proxyerr.Error{
			Code:     proxyerr.CodeProviderInvocationFailed,
			Message:  "submit response missing task_id",
			Provider: req.ProviderID,
		}
	}

	w.logger.Debug("music task submitted", zap.String("taskId", parsed.TaskID), zap.String("provider", req.ProviderID))
	return parsed.TaskID, nil
}

// poll runs the 15s/20s poll schedule against taskID until a terminal
// outcome, early playback, or the overall timeout.
func (w *Workflow) poll(ctx context.Context, taskID string, opts PollOptions) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}

	deadline := time.Now().Add(timeout)
	wait := firstPollWait
	consecutiveErrs := 0

	for {
		select {
		case <-ctx.Done():
			return nil, &proxyerr.Error{Code: proxyerr.CodeTimeout, Message: "context cancelled while polling music task", Provider: taskID}
		case <-time.After(wait):
		}
		wait = subsequentPollWait

		resp, terminalErr, err := w.pollOnce(ctx, taskID, opts)
		if terminalErr != nil {
			return nil, terminalErr
		}
		if err != nil {
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveErrs {
				return nil, &proxyerr.Error{
					Code:     proxyerr.CodeProviderInvocationFailed,
					Message:  fmt.Sprintf("giving up after %d consecutive poll failures: %v", consecutiveErrs, err),
					Provider: taskID,
				}
			}
			if time.Now().After(deadline) {
				return nil, &proxyerr.Error{Code: proxyerr.CodeTimeout, Message: "music poll timed out", Provider: taskID}
			}
			continue
		}
		consecutiveErrs = 0

		if _, failErr := failedResult(taskID, resp); failErr != nil {
			return nil, failErr
		}

		if result := evaluatePoll(taskID, resp); result != nil {
			return result, nil
		}

		if time.Now().After(deadline) {
			return &Result{TaskID: taskID, State: StateTimedOut}, &proxyerr.Error{
				Code:     proxyerr.CodeTimeout,
				Message:  "music generation did not complete before the poll timeout",
				Provider: taskID,
			}
		}
	}
}

// pollOnce issues a single GET against the task endpoint. A nil terminalErr
// with a non-nil err means "retry"; a non-nil terminalErr means "abort
// immediately" (refund already issued, or the provider reports its own
// api_error).
func (w *Workflow) pollOnce(ctx context.Context, taskID string, opts PollOptions) (*pollResponse, error, error) {
	url := fmt.Sprintf("%s/task/%s", opts.PollBaseURL, taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	for k, v := range opts.PollHeaders {
		httpReq.Header.Set(k, v)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var terminal terminalErrorBody
		if json.Unmarshal(body, &terminal) == nil && (terminal.AlreadyRefunded || terminal.Type == "api_error") {
			return nil, &proxyerr.Error{
				Code:       proxyerr.CodeProviderInvocationFailed,
				Message:    "provider reported a terminal error while polling",
				HTTPStatus: resp.StatusCode,
				Provider:   taskID,
			}, nil
		}
		return nil, nil, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var parsed pollResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, nil, err
	}
	return &parsed, nil, nil
}

// evaluatePoll inspects one poll's clips for early playback: any clip
// with a non-empty audio_url. Returns nil when none do, meaning polling
// should continue.
func evaluatePoll(taskID string, resp *pollResponse) *Result {
	var withAudio []Clip
	for _, clip := range resp.Data {
		if clip.AudioURL != "" {
			withAudio = append(withAudio, clip)
		}
	}

	if len(withAudio) > 0 {
		isEarly := false
		for _, clip := range withAudio {
			if clip.State == clipStateRunning || clip.State == clipStatePending {
				isEarly = true
				break
			}
		}
		state := StateSucceeded
		if isEarly {
			state = StateEarlyPlayback
		}
		return &Result{TaskID: taskID, State: state, Clips: withAudio, IsEarlyPlayback: isEarly}
	}

	return nil
}

// failedResult builds the terminal result/error pair for a clip reporting
// state "failed".
func failedResult(taskID string, resp *pollResponse) (*Result, error) {
	for _, clip := range resp.Data {
		if clip.State == clipStateFailed {
			msg := clip.Error
			if msg == "" {
				msg = resp.Message
			}
			return &Result{TaskID: taskID, State: StateFailed, Clips: resp.Data}, &proxyerr.Error{
				Code:     proxyerr.CodeProviderInvocationFailed,
				Message:  msg,
				Provider: taskID,
			}
		}
	}
	return nil, nil
}
