package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SessionInfo is the attempt record returned by the session endpoint.
type SessionInfo struct {
	SessionToken         string `json:"session_token"`
	QuizID               int    `json:"quiz_id"`
	UserID               int    `json:"user_id"`
	CurrentQuestionIndex int    `json:"current_question_index"`
	TimeRemaining        int    `json:"time_remaining"`
	IsCompleted          bool   `json:"is_completed"`
	StartTime            string `json:"start_time,omitempty"`
}

// Question is one quiz question with its fixed option set. Either Text or
// ImagePath carries the content; both may be set.
type Question struct {
	ID        string            `json:"id"`
	Text      string            `json:"question_text"`
	ImagePath string            `json:"question_image_path,omitempty"`
	Options   map[string]string `json:"options"` // keys a,b,c,d
	Order     int               `json:"question_order"`
}

// Quiz is the quiz record with its ordered question list.
type Quiz struct {
	ID              int        `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	TotalQuestions  int        `json:"total_questions"`
	Questions       []Question `json:"questions"`
}

// Client fetches quiz content over the REST collaborator API. Failures are
// returned as-is with no automatic retry; callers surface them as blocking
// errors.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewClient creates a REST client with a bearer credential.
func NewClient(baseURL, credential string) *Client {
	c := &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
	if credential != "" {
		c.headers["Authorization"] = "Bearer " + credential
	}
	return c
}

// SetTimeout overrides the default request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// SessionInfo fetches the attempt record for a session token.
func (c *Client) SessionInfo(ctx context.Context, token string) (*SessionInfo, error) {
	body, err := c.get(ctx, "/api/sessions/"+token)
	if err != nil {
		return nil, err
	}
	var out struct {
		Success bool        `json:"success"`
		Session SessionInfo `json:"session"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode session response: %w", err)
	}
	return &out.Session, nil
}

// QuizByID fetches a quiz with its ordered question list.
func (c *Client) QuizByID(ctx context.Context, id int) (*Quiz, error) {
	body, err := c.get(ctx, fmt.Sprintf("/api/quizzes/%d", id))
	if err != nil {
		return nil, err
	}
	var out struct {
		Success bool `json:"success"`
		Quiz    Quiz `json:"quiz"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode quiz response: %w", err)
	}
	return &out.Quiz, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, string(responseBody))
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return responseBody, nil
}
