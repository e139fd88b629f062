// Package peer is the HTTP client side of the inter-agent job protocol:
// submit a prompt to another agent, poll its status, stream its events.
package peer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coveyhq/covey/internal/jobs"
	"github.com/coveyhq/covey/pkg/protocol"
)

// Client talks to one remote agent's job service.
type Client struct {
	name    string
	baseURL string
	token   string
	client  *http.Client
}

// New builds a client for the agent at baseURL. name is the local alias
// from configuration; token, when set, rides as a bearer credential.
func New(name, baseURL, token string) *Client {
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No global timeout: event streams stay open indefinitely and
		// unary calls bound themselves with request contexts.
		client: &http.Client{},
	}
}

func (c *Client) Name() string    { return c.name }
func (c *Client) BaseURL() string { return c.baseURL }

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Info fetches the agent's identity and capabilities.
func (c *Client) Info(ctx context.Context) (*protocol.AgentInfo, error) {
	var info protocol.AgentInfo
	if err := c.do(ctx, http.MethodGet, "/api/agent/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Submit enqueues a job on the remote agent and returns its id.
func (c *Client) Submit(ctx context.Context, req jobs.SubmitRequest) (string, error) {
	var accepted protocol.JobAccepted
	if err := c.do(ctx, http.MethodPost, "/api/jobs", req, &accepted); err != nil {
		return "", err
	}
	return accepted.JobID, nil
}

// Job fetches one job's full status, journal and result.
func (c *Client) Job(ctx context.Context, id string) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List fetches the remote agent's job history, newest first. Non-positive
// limit and offset are left to the server's defaults.
func (c *Client) List(ctx context.Context, limit, offset int) ([]*jobs.Job, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var wire struct {
		Jobs []*jobs.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	return wire.Jobs, nil
}

// Current fetches the remote agent's most recent job.
func (c *Client) Current(ctx context.Context) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/api/jobs/current", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel asks the remote agent to stop a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/jobs/"+id, nil, nil)
}

// WaitForResult polls the job until it reaches a terminal status. poll
// bounds the interval between requests; zero means one second.
func (c *Client) WaitForResult(ctx context.Context, id string, poll time.Duration) (*jobs.Job, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		job, err := c.Job(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Events streams the job's event mirror, invoking handler per frame until
// the stream ends or ctx is cancelled.
func (c *Client) Events(ctx context.Context, id string, handler func(protocol.Frame)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/jobs/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame protocol.Frame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return fmt.Errorf("malformed event frame: %w", err)
		}
		handler(frame)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", c.name, err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var wire struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && wire.Error != "" {
		return fmt.Errorf("agent %s: %s (HTTP %d)", c.name, wire.Error, resp.StatusCode)
	}
	return fmt.Errorf("agent %s: HTTP %d", c.name, resp.StatusCode)
}
