package musicgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// ErrTaskFailed is returned when ACE-Step reports a task as failed.
var ErrTaskFailed = errors.New("musicgen: generation failed")

// Client talks to the ACE-Step v1.5 REST API.
type Client struct {
	apiURL    string
	apiKey    string
	outputDir string // shared volume mount point
	http      *http.Client
	logger    zerolog.Logger
}

// NewClient creates an ACE-Step API client. outputDir is where the server's
// outputs are mounted locally; files not found there are downloaded.
func NewClient(apiURL, apiKey, outputDir string, logger zerolog.Logger) *Client {
	return &Client{
		apiURL:    apiURL,
		apiKey:    apiKey,
		outputDir: outputDir,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger:    logger.With().Str("component", "acestep").Logger(),
	}
}

// Request contains parameters for one generation task.
type Request struct {
	Caption        string `json:"caption"`
	Lyrics         string `json:"lyrics"`
	Duration       int    `json:"audio_duration"`
	InferenceSteps int    `json:"inference_steps,omitempty"`
	Seed           int    `json:"seed"`
	UseRandomSeed  bool   `json:"use_random_seed"`
	BatchSize      int    `json:"batch_size"`
	AudioFormat    string `json:"audio_format"`
}

type releaseResp struct {
	Data struct {
		TaskID string `json:"task_id"`
	} `json:"data"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

type queryResp struct {
	Data []taskResult `json:"data"`
	Code int          `json:"code"`
}

type taskResult struct {
	TaskID string `json:"task_id"`
	Status int    `json:"status"` // 0=running, 1=success, 2=failed
	Result string `json:"result"` // JSON string with file info
}

type resultItem struct {
	File string `json:"file"`
}

// Healthy reports whether the API answers its health check.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WaitForHealthy blocks until the API is healthy or ctx ends.
func (c *Client) WaitForHealthy(ctx context.Context, every time.Duration) error {
	for !c.Healthy(ctx) {
		c.logger.Info().Dur("retry_in", every).Msg("ACE-Step not ready")
		if err := sleep(ctx, every); err != nil {
			return err
		}
	}
	c.logger.Info().Msg("ACE-Step API is healthy")
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, bytes.TrimSpace(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Submit starts a generation task and returns its ID.
func (c *Client) Submit(ctx context.Context, req Request) (string, error) {
	var result releaseResp
	if err := c.post(ctx, "/release_task", req, &result); err != nil {
		return "", fmt.Errorf("submit task: %w", err)
	}
	if result.Code != 200 {
		return "", fmt.Errorf("API error (code %d): %s", result.Code, result.Error)
	}
	return result.Data.TaskID, nil
}

// Wait polls a task until it finishes and returns the path of the audio file
// on local disk. Transient poll errors are logged and retried.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration) (string, error) {
	body := map[string][]string{"task_id_list": {taskID}}
	for {
		var result queryResp
		err := c.post(ctx, "/query_result", body, &result)
		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case err != nil:
			c.logger.Warn().Err(err).Str("task", taskID).Msg("poll failed, retrying")
		case len(result.Data) > 0:
			switch task := result.Data[0]; task.Status {
			case 1:
				return c.fetch(ctx, task.Result)
			case 2:
				return "", fmt.Errorf("%w: task %s", ErrTaskFailed, taskID)
			}
		}
		if err := sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

// fetch resolves the result JSON to a local file, preferring the shared
// output volume.
func (c *Client) fetch(ctx context.Context, resultJSON string) (string, error) {
	var items []resultItem
	if err := json.Unmarshal([]byte(resultJSON), &items); err != nil {
		return "", fmt.Errorf("parse result items: %w", err)
	}
	if len(items) == 0 || items[0].File == "" {
		return "", errors.New("no audio file in result")
	}
	ref := items[0].File

	// ACE-Step returns references like "/v1/audio?path=outputs/task_xxx/0.mp3"
	if u, err := url.Parse(ref); err == nil && c.outputDir != "" {
		if rel := u.Query().Get("path"); rel != "" {
			local := filepath.Join(c.outputDir, filepath.FromSlash(rel))
			if _, err := os.Stat(local); err == nil {
				return local, nil
			}
		}
	}
	return c.download(ctx, ref)
}

func (c *Client) download(ctx context.Context, ref string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+ref, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download audio: HTTP %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "airwaves-bed-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
