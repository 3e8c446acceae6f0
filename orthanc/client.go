package orthanc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

// Ensure client implements interface.
var _ pacswatch.ArchiveService = (*Client)(nil)

const (
	contentTypeDICOM = "application/dicom"

	// DefaultBaseURL is where a local Orthanc listens by default.
	DefaultBaseURL = "http://localhost:8042"

	// DefaultChangeLimit mirrors Orthanc's own page size for /changes.
	DefaultChangeLimit = 100
)

// Archive request metrics.
var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pacswatch_archive_request_count",
		Help: "Total number of requests sent to the archive by status code and method",
	}, []string{"code", "method"})
)

// Client manages communication with the Orthanc REST API.
type Client struct {
	BaseURL    string
	httpClient *http.Client
}

// NewClient creates a new Orthanc API client whose requests are bounded by timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return NewClientWithHttpClient(baseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHttpClient creates a new Orthanc API client with a specific *http.Client.
// The client's transport is wrapped to count requests.
func NewClientWithHttpClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	instrumented := *client
	instrumented.Transport = promhttp.InstrumentRoundTripperCounter(requestCount, transport)

	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &instrumented,
	}
}

// ListChanges retrieves one page of the change feed starting after since.
func (c *Client) ListChanges(ctx context.Context, since int64, limit int) (*pacswatch.ChangeList, error) {
	if limit <= 0 {
		limit = DefaultChangeLimit
	}
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	targetURL := fmt.Sprintf("%s/changes?%s", c.BaseURL, q.Encode())

	resp, err := c.do(ctx, http.MethodGet, targetURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp, targetURL)
	}

	var raw struct {
		Changes *[]pacswatch.ChangeEvent `json:"Changes"`
		Done    bool                     `json:"Done"`
		Last    int64                    `json:"Last"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, pacswatch.WrapError(pacswatch.EPROTOCOL, err, "malformed change feed from %s", targetURL)
	}
	if raw.Changes == nil {
		return nil, pacswatch.Errorf(pacswatch.EPROTOCOL, "change feed from %s has no Changes field", targetURL)
	}

	return &pacswatch.ChangeList{
		Changes: *raw.Changes,
		Done:    raw.Done,
		Last:    raw.Last,
	}, nil
}

// FetchInstance streams the raw DICOM file content for a specific instance.
// The caller must close the returned reader.
func (c *Client) FetchInstance(ctx context.Context, instanceID string) (io.ReadCloser, error) {
	if instanceID == "" {
		return nil, pacswatch.Errorf(pacswatch.EINVALID, "instance id cannot be empty")
	}
	targetURL := fmt.Sprintf("%s/instances/%s/file", c.BaseURL, url.PathEscape(instanceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "failed to create file request for instance %s", instanceID)
	}
	req.Header.Set("Accept", contentTypeDICOM)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "failed to get file for instance %s", instanceID)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil, pacswatch.Errorf(pacswatch.ENOTFOUND, "instance %s not found (404)", instanceID)
		}
		return nil, unexpectedStatus(resp, targetURL)
	}

	return resp.Body, nil
}

// ListInstances retrieves the identifiers of all instances in the archive.
func (c *Client) ListInstances(ctx context.Context) ([]string, error) {
	targetURL := fmt.Sprintf("%s/instances", c.BaseURL)

	resp, err := c.do(ctx, http.MethodGet, targetURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp, targetURL)
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, pacswatch.WrapError(pacswatch.EPROTOCOL, err, "failed to decode instances response from %s", targetURL)
	}
	return ids, nil
}

// GetInstance retrieves the archive's description of one instance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*pacswatch.InstanceDetails, error) {
	if instanceID == "" {
		return nil, pacswatch.Errorf(pacswatch.EINVALID, "instance id cannot be empty")
	}
	targetURL := fmt.Sprintf("%s/instances/%s", c.BaseURL, url.PathEscape(instanceID))

	resp, err := c.do(ctx, http.MethodGet, targetURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, pacswatch.Errorf(pacswatch.ENOTFOUND, "instance %s not found (404)", instanceID)
	} else if resp.StatusCode != http.StatusOK {
		return nil, unexpectedStatus(resp, targetURL)
	}

	var details pacswatch.InstanceDetails
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, pacswatch.WrapError(pacswatch.EPROTOCOL, err, "failed to decode instance %s", instanceID)
	}
	return &details, nil
}

// DeleteInstance removes an instance from the archive.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	if instanceID == "" {
		return pacswatch.Errorf(pacswatch.EINVALID, "instance id cannot be empty")
	}
	targetURL := fmt.Sprintf("%s/instances/%s", c.BaseURL, url.PathEscape(instanceID))

	resp, err := c.do(ctx, http.MethodDelete, targetURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return pacswatch.Errorf(pacswatch.ENOTFOUND, "instance %s not found (404)", instanceID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return unexpectedStatus(resp, targetURL)
	}
	return nil
}

// do sends a request without a body and maps transport failures to EUNREACHABLE.
func (c *Client) do(ctx context.Context, method, targetURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, nil)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EINTERNAL, err, "failed to create request to %s", targetURL)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pacswatch.WrapError(pacswatch.EUNREACHABLE, err, "%s %s failed", method, targetURL)
	}
	return resp, nil
}

// unexpectedStatus builds an EUNREACHABLE error including the start of the response body.
func unexpectedStatus(resp *http.Response, targetURL string) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return pacswatch.Errorf(pacswatch.EUNREACHABLE, "received non-OK status code %d from %s: %s",
		resp.StatusCode, targetURL, strings.TrimSpace(string(bodyBytes)))
}
