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

// DefaultZhipuURL is the BigModel open platform API root.
const DefaultZhipuURL = "https://open.bigmodel.cn/api/paas/v4"

// VideoRequest describes a CogVideoX job. ImageURL turns it into image-to-video.
type VideoRequest struct {
	Model    string
	Prompt   string
	ImageURL string
}

// Video is one generated clip.
type Video struct {
	URL      string `json:"url"`
	CoverURL string `json:"cover_image_url"`
}

// Zhipu generates videos with CogVideoX.
type Zhipu struct {
	apiKey  string
	baseURL string
	client  *transport.Client
}

// NewZhipu builds a CogVideoX client.
func NewZhipu(baseURL, apiKey string, client *http.Client) (*Zhipu, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("%w: zhipu", provider.ErrMissingCredential)
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultZhipuURL
	}
	return &Zhipu{apiKey: apiKey, baseURL: baseURL, client: transport.NewClient(client, "zhipu")}, nil
}

type zhipuTask struct {
	ID          string  `json:"id"`
	RequestID   string  `json:"request_id"`
	TaskStatus  string  `json:"task_status"`
	VideoResult []Video `json:"video_result"`
}

func (z *Zhipu) request(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	req, err := z.client.NewJSONRequest(ctx, method, endpoint, payload, models.RequestOptions{})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+z.apiKey)
	return req, nil
}

// SubmitVideo starts a job and returns its task id.
func (z *Zhipu) SubmitVideo(ctx context.Context, in VideoRequest) (string, error) {
	if strings.TrimSpace(in.Prompt) == "" && in.ImageURL == "" {
		return "", errors.New("video request needs a prompt or an image")
	}
	model := in.Model
	if model == "" {
		model = "cogvideox"
	}
	payload := map[string]string{"model": model}
	if in.Prompt != "" {
		payload["prompt"] = in.Prompt
	}
	if in.ImageURL != "" {
		payload["image_url"] = in.ImageURL
	}

	req, err := z.request(ctx, http.MethodPost, z.baseURL+"/videos/generations", payload)
	if err != nil {
		return "", err
	}
	var resp zhipuTask
	if err := z.client.DoJSON(req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &provider.DecodeError{Vendor: "zhipu", Err: errors.New("submit response missing id")}
	}
	return resp.ID, nil
}

// CheckVideo fetches the job state once.
func (z *Zhipu) CheckVideo(ctx context.Context, taskID string) (task.Snapshot[[]Video], error) {
	req, err := z.request(ctx, http.MethodGet, z.baseURL+"/async-result/"+url.PathEscape(taskID), nil)
	if err != nil {
		return task.Snapshot[[]Video]{}, err
	}
	var resp zhipuTask
	if err := z.client.DoJSON(req, &resp); err != nil {
		return task.Snapshot[[]Video]{}, err
	}
	snap := task.Snapshot[[]Video]{Status: zhipuStatus(resp.TaskStatus), Result: resp.VideoResult}
	if snap.Status == task.StatusFailed {
		snap.Code = resp.TaskStatus
		snap.Message = "video generation failed"
	}
	return snap, nil
}

// GenerateVideo submits a job and polls it to completion.
func (z *Zhipu) GenerateVideo(ctx context.Context, in VideoRequest, policy task.Policy) ([]Video, error) {
	taskID, err := z.SubmitVideo(ctx, in)
	if err != nil {
		return nil, err
	}
	return task.Poll(ctx, taskID, policy, func(ctx context.Context) (task.Snapshot[[]Video], error) {
		return z.CheckVideo(ctx, taskID)
	})
}

func zhipuStatus(s string) task.Status {
	switch s {
	case "PROCESSING":
		return task.StatusProcessing
	case "SUCCESS":
		return task.StatusSucceeded
	case "FAIL":
		return task.StatusFailed
	default:
		return task.StatusUnknown
	}
}
