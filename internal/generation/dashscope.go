// Package generation submits image and video jobs to asynchronous vendor APIs.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"aigroup/internal/models"
	"aigroup/internal/provider"
	"aigroup/internal/provider/transport"
	"aigroup/internal/task"
)

// DefaultDashScopeURL is the DashScope API root.
const DefaultDashScopeURL = "https://dashscope.aliyuncs.com/api/v1"

// ImageRequest describes a text-to-image job.
type ImageRequest struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Size           string
	Count          int
}

// DashScope generates images with the Qwen/Wanx text-to-image service.
type DashScope struct {
	apiKey  string
	baseURL string
	client  *transport.Client
}

// NewDashScope builds a DashScope client.
func NewDashScope(baseURL, apiKey string, client *http.Client) (*DashScope, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: dashscope", provider.ErrMissingCredential)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultDashScopeURL
	}
	return &DashScope{apiKey: apiKey, baseURL: baseURL, client: transport.NewClient(client, "dashscope")}, nil
}

type dashScopeSubmit struct {
	Model string `json:"model"`
	Input struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt,omitempty"`
	} `json:"input"`
	Parameters struct {
		Size string `json:"size,omitempty"`
		N    int    `json:"n,omitempty"`
	} `json:"parameters"`
}

type dashScopeTask struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Output    struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Code       string `json:"code"`
		Message    string `json:"message"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
	} `json:"output"`
}

func (d *DashScope) request(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	req, err := d.client.NewJSONRequest(ctx, method, endpoint, payload, models.RequestOptions{})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	return req, nil
}

// SubmitImage starts a job and returns its task id.
func (d *DashScope) SubmitImage(ctx context.Context, in ImageRequest) (string, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return "", errors.New("image prompt must not be empty")
	}
	var payload dashScopeSubmit
	payload.Model = in.Model
	if payload.Model == "" {
		payload.Model = "wanx-v1"
	}
	payload.Input.Prompt = in.Prompt
	payload.Input.NegativePrompt = in.NegativePrompt
	payload.Parameters.Size = in.Size
	payload.Parameters.N = in.Count

	req, err := d.request(ctx, http.MethodPost, d.baseURL+"/services/aigc/text2image/image-synthesis", payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-DashScope-Async", "enable")

	var resp dashScopeTask
	if err := d.client.DoJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.Output.TaskID == "" {
		return "", &task.FailedError{Status: task.StatusFailed, Code: resp.Code, Message: resp.Message}
	}
	return resp.Output.TaskID, nil
}

// CheckImage fetches the job state once. A succeeded job carries the image URLs.
func (d *DashScope) CheckImage(ctx context.Context, taskID string) (task.Snapshot[[]string], error) {
	req, err := d.request(ctx, http.MethodGet, d.baseURL+"/tasks/"+url.PathEscape(taskID), nil)
	if err != nil {
		return task.Snapshot[[]string]{}, err
	}
	var resp dashScopeTask
	if err := d.client.DoJSON(req, &resp); err != nil {
		return task.Snapshot[[]string]{}, err
	}

	snap := task.Snapshot[[]string]{
		Status:  dashScopeStatus(resp.Output.TaskStatus),
		Code:    resp.Output.Code,
		Message: resp.Output.Message,
	}
	for _, r := range resp.Output.Results {
		if r.URL != "" {
			snap.Result = append(snap.Result, r.URL)
		} else if snap.Code == "" {
			snap.Code, snap.Message = r.Code, r.Message
		}
	}
	if snap.Status == task.StatusSucceeded && len(snap.Result) == 0 {
		snap.Status = task.StatusFailed
	}
	return snap, nil
}

// GenerateImage submits a job and polls it to completion.
func (d *DashScope) GenerateImage(ctx context.Context, in ImageRequest, policy task.Policy) ([]string, error) {
	taskID, err := d.SubmitImage(ctx, in)
	if err != nil {
		return nil, err
	}
	return task.Poll(ctx, taskID, policy, func(ctx context.Context) (task.Snapshot[[]string], error) {
		return d.CheckImage(ctx, taskID)
	})
}

func dashScopeStatus(s string) task.Status {
	switch s {
	case "PENDING":
		return task.StatusPending
	case "RUNNING", "SUSPENDED":
		return task.StatusProcessing
	case "SUCCEEDED":
		return task.StatusSucceeded
	case "FAILED", "CANCELED":
		return task.StatusFailed
	default:
		return task.StatusUnknown
	}
}
