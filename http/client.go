package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Client represents an HTTP client of a running pacswatchd server.
// It implements pacswatch.Processor.
type Client struct {
	URL string

	// Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

var _ pacswatch.Processor = (*Client)(nil)

// NewClient returns a new instance of Client.
func NewClient(u string) *Client {
	return &Client{URL: u}
}

// Process asks the server to run the pipeline for instanceID and waits for
// the result. Transport failures are reported as a FetchFailed result.
func (c *Client) Process(ctx context.Context, instanceID string, opts pacswatch.ProcessOptions) *pacswatch.PipelineResult {
	result, err := c.process(ctx, instanceID, opts)
	if err != nil {
		return &pacswatch.PipelineResult{
			InstanceID: instanceID,
			Status:     pacswatch.StatusFetchFailed,
			Err:        err,
			Record:     pacswatch.InstanceRecord{InstanceID: instanceID},
		}
	}
	return result
}

func (c *Client) process(ctx context.Context, instanceID string, opts pacswatch.ProcessOptions) (*pacswatch.PipelineResult, error) {
	q := url.Values{}
	q.Set("watermark", opts.Watermark)
	q.Set("force", strconv.FormatBool(opts.Force))
	q.Set("require_metadata", strconv.FormatBool(opts.RequireMetadata))

	req, err := c.newRequest(ctx, http.MethodPost, "/images/"+url.PathEscape(instanceID)+"/process?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "server at %s is unreachable", c.URL)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "reading response")
	}

	// Pipeline results are returned with non-2xx statuses as well; only a
	// body without a status is a plain error response.
	var body struct {
		pacswatch.PipelineResult
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(buf, &body); err != nil || body.Status == "" {
		return nil, parseResponseError(resp.StatusCode, buf)
	}

	result := body.PipelineResult
	if body.Code != "" {
		result.Err = pacswatch.Errorf(body.Code, "%s", body.Error)
	}
	return &result, nil
}

// newRequest returns a new HTTP request
// and sets the accept & content type headers to use JSON.
func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	// Build new request with base URL.
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.URL, "/")+target, body)
	if err != nil {
		return nil, err
	}

	// Default to JSON format.
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-type", "application/json")

	return req, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// parseResponseError parses an JSON-formatted error response.
func parseResponseError(status int, buf []byte) error {
	// Parse JSON formatted error response.
	// If not JSON, use the response body as the error message.
	var errorResponse ErrorResponse
	if err := json.Unmarshal(buf, &errorResponse); err != nil || errorResponse.Error == "" {
		message := strings.TrimSpace(string(buf))
		if message == "" {
			message = "Empty response from server."
		}
		return pacswatch.Errorf(FromErrorStatusCode(status), "%s", message)
	}

	code := errorResponse.Code
	if code == "" {
		code = FromErrorStatusCode(status)
	}
	return pacswatch.Errorf(code, "%s", errorResponse.Error)
}
