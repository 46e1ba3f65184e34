package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/phuslu/log"

	"github.com/pdfcompare/api/internal/config"
	"github.com/pdfcompare/api/internal/model"
)

// JobService defines the operations offered by the remote comparison engine
type JobService interface {
	Compare(ctx context.Context, req *CompareRequest) (*model.CompareResponse, error)
	GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error)
	GetResult(ctx context.Context, jobID string) (*model.ResultDescriptor, error)
	FetchArtifact(ctx context.Context, location string) ([]byte, error)
}

// Document is one input file of a comparison request
type Document struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// CompareRequest is the payload of POST /compare
type CompareRequest struct {
	FileA  *Document
	FileB  *Document
	Params model.CompareParams
}

// APIError is returned when the engine answers with a non-2xx status
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("compare API error (status %d) for %s %s: %s", e.StatusCode, e.Method, e.URL, e.Body)
}

// CompareClient implements JobService over HTTP
type CompareClient struct {
	httpClient *http.Client
	baseURL    string
}

// NewCompareClient creates a new comparison engine client
func NewCompareClient(cfg *config.RemoteConfig) *CompareClient {
	return &CompareClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// BaseURL returns the address relative artifact locations are resolved against
func (c *CompareClient) BaseURL() string {
	return c.baseURL
}

// Compare uploads both documents and starts a comparison job
func (c *CompareClient) Compare(ctx context.Context, req *CompareRequest) (*model.CompareResponse, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writeDocument(writer, "file_a", req.FileA); err != nil {
		return nil, err
	}
	if err := writeDocument(writer, "file_b", req.FileB); err != nil {
		return nil, err
	}
	if err := writer.WriteField("text_threshold", strconv.FormatFloat(req.Params.TextThreshold, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("failed to write text_threshold: %w", err)
	}
	if err := writer.WriteField("image_threshold", strconv.Itoa(req.Params.ImageThreshold)); err != nil {
		return nil, fmt.Errorf("failed to write image_threshold: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compare", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	var result model.CompareResponse
	if err := c.doRequest(httpReq, &result); err != nil {
		return nil, err
	}
	if result.JobID == "" {
		return nil, fmt.Errorf("compare API returned no job_id")
	}
	return &result, nil
}

// GetStatus retrieves the state and progress log of a job
func (c *CompareClient) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	var result model.StatusResponse
	if err := c.get(ctx, c.baseURL+"/status/"+jobID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetResult retrieves the raw result descriptor of a finished job
func (c *CompareClient) GetResult(ctx context.Context, jobID string) (*model.ResultDescriptor, error) {
	var result model.ResultDescriptor
	if err := c.get(ctx, c.baseURL+"/result/"+jobID, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchArtifact downloads the artifact at an absolute location
func (c *CompareClient) FetchArtifact(ctx context.Context, location string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.send(req)
}

// HealthCheck checks if the comparison engine is reachable
func (c *CompareClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("compare engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// IsConfigured returns true if the client has a base address
func (c *CompareClient) IsConfigured() bool {
	return c.baseURL != ""
}

func (c *CompareClient) get(ctx context.Context, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the JSON response
func (c *CompareClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Accept", "application/json")

	respBody, err := c.send(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		log.Warn().Err(err).Str("method", req.Method).Str("url", req.URL.String()).Msg("[Compare API] unmarshal error")
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *CompareClient) send(req *http.Request) ([]byte, error) {
	log.Debug().Msgf("[Compare API] → %s %s", req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug().Msgf("[Compare API] ← %d %s %s (%d bytes)", resp.StatusCode, req.Method, req.URL.String(), len(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}
	return respBody, nil
}

func writeDocument(writer *multipart.Writer, field string, doc *Document) error {
	if doc == nil || doc.Body == nil {
		return fmt.Errorf("%s is required", field)
	}

	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, escapeQuotes(doc.Name)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create %s part: %w", field, err)
	}
	if _, err := io.Copy(part, doc.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", field, err)
	}
	return nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
