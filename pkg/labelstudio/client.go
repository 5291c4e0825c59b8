// Package labelstudio is the HTTP client for the labeling backend: task
// enumeration, task metadata, and annotation submission.
package labelstudio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// pageSize is the task page size used when enumerating the project.
const pageSize = 500

// TaskData is the data block of a labeling task.
type TaskData struct {
	Audio    string         `json:"audio"`
	Duration *float64       `json:"duration"`
	Metadata map[string]any `json:"metadata"`
}

// Task is the subset of the backend's task representation the dispatcher
// cares about.
type Task struct {
	ID        int64    `json:"id"`
	IsLabeled bool     `json:"is_labeled"`
	Data      TaskData `json:"data"`
}

// Client talks to the labeling backend with token authentication. All
// requests share a single timeout.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	projectID  int
}

// NewClient creates a backend client for one project.
func NewClient(baseURL, token string, projectID int, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		token:      token,
		projectID:  projectID,
	}
}

// UnlabeledTaskIDs enumerates the project's tasks page by page and returns
// the ids of every task without an annotation, in backend order.
func (c *Client) UnlabeledTaskIDs(ctx context.Context) ([]int64, error) {
	var ids []int64

	for page := 1; ; page++ {
		tasks, err := c.taskPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			break
		}
		for _, task := range tasks {
			if !task.IsLabeled {
				ids = append(ids, task.ID)
			}
		}
		if len(tasks) < pageSize {
			break
		}
	}

	return ids, nil
}

func (c *Client) taskPage(ctx context.Context, page int) ([]Task, error) {
	q := url.Values{}
	q.Set("project", strconv.Itoa(c.projectID))
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/tasks?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create task list request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list tasks page %d: %w", page, err)
	}
	defer resp.Body.Close()

	// The backend 404s one page past the end instead of returning an empty
	// list.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned HTTP %d listing tasks page %d", resp.StatusCode, page)
	}

	var body struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode task list page %d: %w", page, err)
	}
	return body.Tasks, nil
}

// GetTask fetches one task's metadata.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/tasks/%d", c.baseURL, taskID), nil)
	if err != nil {
		return nil, fmt.Errorf("create task request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch task %d: %w", taskID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned HTTP %d for task %d", resp.StatusCode, taskID)
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decode task %d: %w", taskID, err)
	}
	return &task, nil
}

// SubmitAnnotation posts a transcription as a new annotation on the task.
// Any non-2xx response is an error; the caller decides whether to retry.
func (c *Client) SubmitAnnotation(ctx context.Context, taskID int64, transcription string) error {
	payload := map[string]any{
		"result": []map[string]any{{
			"value":     map[string]any{"text": []string{transcription}},
			"from_name": "transcription",
			"to_name":   "audio",
			"type":      "textarea",
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal annotation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/api/tasks/%d/annotations", c.baseURL, taskID),
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create annotation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("submit annotation for task %d: %w", taskID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("backend refused annotation for task %d with HTTP %d", taskID, resp.StatusCode)
	}
	return nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	req.Header.Set("Authorization", "Token "+c.token)
}
