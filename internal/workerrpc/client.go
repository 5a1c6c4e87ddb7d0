// Package workerrpc is the outbound (master -> worker) RPC client,
// plain JSON over net/http in place of the teacher's gRPC transport.
package workerrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

// Client issues task assignment, abort, health, and kill requests against
// worker netlocs.
type Client struct {
	http *http.Client
}

// New builds a Client with the given request timeout.
func New(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Assign POSTs a task descriptor to the worker at netloc.
func (c *Client) Assign(netloc string, task types.AssignTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("workerrpc: marshal assign: %w", err)
	}
	return c.post(fmt.Sprintf("http://%s/task/", netloc), body)
}

// Abort POSTs an abort request for taskID to the worker at netloc.
func (c *Client) Abort(netloc, taskID string) error {
	return c.post(fmt.Sprintf("http://%s/task/%s/abort", netloc, taskID), nil)
}

// Health GETs the worker's root endpoint as a liveness probe.
func (c *Client) Health(netloc string) error {
	resp, err := c.http.Get(fmt.Sprintf("http://%s/", netloc))
	if err != nil {
		return fmt.Errorf("workerrpc: health %s: %w", netloc, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workerrpc: health %s: status %d", netloc, resp.StatusCode)
	}
	return nil
}

// Kill best-effort requests the worker at netloc terminate itself. Errors
// are not actionable during shutdown, so callers typically ignore them.
func (c *Client) Kill(netloc string) error {
	resp, err := c.http.Get(fmt.Sprintf("http://%s/kill/", netloc))
	if err != nil {
		return fmt.Errorf("workerrpc: kill %s: %w", netloc, err)
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) post(url string, body []byte) error {
	resp, err := c.http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("workerrpc: post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("workerrpc: post %s: status %d", url, resp.StatusCode)
	}
	return nil
}
