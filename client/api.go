package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/loadops/stampede/broker"
	"github.com/loadops/stampede/namegen"
)

// apiClient speaks the server's JSON API. All methods surface the server's
// error message verbatim on non-2xx responses.
type apiClient struct {
	base string
	http *http.Client
}

type triggerRequest struct {
	Planfile string            `json:"planfile"`
	Params   map[string]string `json:"params,omitempty"`
}

type triggerResponse struct {
	Run namegen.ID `json:"run"`
}

type serverInfo struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	StartedAt time.Time `json:"started_at"`
}

func (c *apiClient) trigger(ctx context.Context, planfile string, params map[string]string) (namegen.ID, error) {
	var resp triggerResponse
	err := c.do(ctx, "POST", "/runs", triggerRequest{Planfile: planfile, Params: params}, &resp)
	return resp.Run, err
}

func (c *apiClient) list(ctx context.Context) ([]broker.Run, error) {
	var runs []broker.Run
	err := c.do(ctx, "GET", "/runs", nil, &runs)
	return runs, err
}

func (c *apiClient) status(ctx context.Context, id string) (broker.Run, error) {
	var run broker.Run
	err := c.do(ctx, "GET", "/runs/"+url.PathEscape(id), nil, &run)
	return run, err
}

func (c *apiClient) abort(ctx context.Context, id string) error {
	return c.do(ctx, "DELETE", "/runs/"+url.PathEscape(id), nil, nil)
}

func (c *apiClient) results(ctx context.Context, id string) ([]string, error) {
	var files []string
	err := c.do(ctx, "GET", "/runs/"+url.PathEscape(id)+"/results", nil, &files)
	return files, err
}

// downloadResult streams one result file. The caller owns the reader.
func (c *apiClient) downloadResult(ctx context.Context, id, file string) (io.ReadCloser, error) {
	resp, err := c.request(ctx, "GET", "/runs/"+url.PathEscape(id)+"/results/"+file, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp.Body, nil
}

func (c *apiClient) health(ctx context.Context) (serverInfo, error) {
	var info serverInfo
	err := c.do(ctx, "GET", "/health", nil, &info)
	return info, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.http.Do(req)
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s", payload.Error)
	}
	return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
}
