// Package api is the client for the dataset anonymization service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/anonimadata/anonima-cli/internal/auth"
	"github.com/anonimadata/anonima-cli/internal/config"
	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/http"
	"github.com/anonimadata/anonima-cli/internal/logging"
	"github.com/anonimadata/anonima-cli/internal/models"
)

// Service endpoints.
const (
	pathUpload    = "/upload_and_analyze"
	pathAnonymize = "/request_anonymization"
	pathStatus    = "/get_status/"
	pathListing   = "/get_files"
	pathDownload  = "/download/"
	pathExport    = "/export_anonymization_json/"
	pathDelete    = "/delete/"
)

// HeaderRequestID carries a per-request id for correlating client and service logs.
const HeaderRequestID = "X-Request-ID"

// retryLogger adapts *logging.Logger to retryablehttp.LeveledLogger.
// Retry attempts are worth a warning; per-request chatter stays at debug.
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Client talks to the anonymization service.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	tokens  auth.TokenSource
	logger  *logging.Logger
}

// NewClient creates a new API client
func NewClient(cfg *config.Config, tokens auth.TokenSource, logger *logging.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		return nil, fmt.Errorf("API base URL is empty: set api_base_url or %s", config.EnvAPIURL)
	}
	logger = logging.OrNop(logger)

	httpClient, err := http.NewClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = constants.RetryInitialDelay
	retryClient.RetryWaitMax = constants.RetryMaxDelay
	retryClient.CheckRetry = http.RetryPolicy
	retryClient.Backoff = http.JitterBackoff
	// Hand the last response back instead of a generic "giving up" error
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &retryLogger{logger: logger}

	return &Client{
		http:    retryClient,
		baseURL: cfg.BaseURL(),
		tokens:  tokens,
		logger:  logger,
	}, nil
}

// BaseURL returns the service root this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// doRequest performs an authenticated request. Any non-2xx status is
// returned as a classified error with the body already consumed.
func (c *Client) doRequest(ctx context.Context, op, method, path string, body []byte, contentType string) (*nethttp.Response, error) {
	if c.tokens == nil {
		return nil, models.NewError(models.ErrAuth, op, "no access token configured", auth.ErrNoToken)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	var rawBody interface{}
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.logger.Debug().Err(err).Str("method", method).Str("path", path).Str("request_id", requestID).Msg("API call failed")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, transportError(op, ctxErr)
		}
		return nil, transportError(op, err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("request_id", requestID).
		Dur("elapsed", time.Since(start)).
		Msg("API call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(op, resp)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body []byte
	contentType := ""
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		contentType = "application/json"
	}

	resp, err := c.doRequest(ctx, op, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewError(models.ErrTransport, op, "unexpected response from the service", fmt.Errorf("%w: %v", models.ErrMalformedPayload, err))
	}
	return nil
}

type jobResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
}

// Submit uploads a dataset for analysis and returns the new job id.
func (c *Client) Submit(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return "", models.NewError(models.ErrValidation, "upload", "cannot read the selected file", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish form: %w", err)
	}

	resp, err := c.doRequest(ctx, "upload", nethttp.MethodPost, pathUpload, buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", models.NewError(models.ErrTransport, "upload", "unexpected response from the service", fmt.Errorf("%w: %v", models.ErrMalformedPayload, err))
	}
	return strings.TrimSpace(out.JobID), nil
}

type userSelection struct {
	ColumnName string `json:"column_name"`
	models.ColumnRole
}

type anonymizationPayload struct {
	JobID          string          `json:"job_id"`
	Method         string          `json:"method"`
	Params         map[string]any  `json:"params"`
	UserSelections []userSelection `json:"user_selections"`
}

// TriggerAnonymization asks the service to anonymize an analyzed job and
// returns the job id the service reports (the request's id if it reports none).
func (c *Client) TriggerAnonymization(ctx context.Context, req models.AnonymizationRequest) (string, error) {
	payload := anonymizationPayload{
		JobID:          req.JobID,
		Method:         req.Method,
		Params:         req.Params,
		UserSelections: selections(req),
	}
	if payload.Params == nil {
		payload.Params = map[string]any{}
	}

	var out jobResponse
	if err := c.doJSON(ctx, "anonymize", nethttp.MethodPost, pathAnonymize, payload, &out); err != nil {
		return "", err
	}
	if id := strings.TrimSpace(out.JobID); id != "" {
		return id, nil
	}
	return req.JobID, nil
}

// selections orders user selections by the request's column order, with any
// columns outside that order appended alphabetically.
func selections(req models.AnonymizationRequest) []userSelection {
	out := make([]userSelection, 0, len(req.Selections))
	seen := make(map[string]bool, len(req.Selections))
	for _, col := range req.Columns {
		role, ok := req.Selections[col]
		if !ok || seen[col] {
			continue
		}
		seen[col] = true
		out = append(out, userSelection{ColumnName: col, ColumnRole: role})
	}

	var rest []string
	for col := range req.Selections {
		if !seen[col] {
			rest = append(rest, col)
		}
	}
	sort.Strings(rest)
	for _, col := range rest {
		out = append(out, userSelection{ColumnName: col, ColumnRole: req.Selections[col]})
	}
	return out
}

// FetchStatus returns the raw status document of a job.
func (c *Client) FetchStatus(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := c.doRequest(ctx, "status", nethttp.MethodGet, pathStatus+url.PathEscape(jobID), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("status", err)
	}
	return data, nil
}

// FetchListing returns the dataset listing and its aggregate stats.
func (c *Client) FetchListing(ctx context.Context) (*models.Listing, error) {
	resp, err := c.doRequest(ctx, "list", nethttp.MethodGet, pathListing, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError("list", err)
	}
	listing, err := ParseListing(data)
	if err != nil {
		return nil, models.NewError(models.ErrTransport, "list", "unexpected listing from the service", err)
	}
	return listing, nil
}

// OpenDownload starts downloading the anonymized dataset of a job. The caller
// closes the body. size is -1 when the service does not send a length.
func (c *Client) OpenDownload(ctx context.Context, jobID string) (body io.ReadCloser, size int64, err error) {
	resp, err := c.doRequest(ctx, "download", nethttp.MethodGet, pathDownload+url.PathEscape(jobID), nil, "")
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

// FetchBlob streams the anonymized dataset of a job into w.
func (c *Client) FetchBlob(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	body, _, err := c.OpenDownload(ctx, jobID)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, transportError("download", err)
	}
	return n, nil
}

// ExportJSON streams the anonymization report of a job into w.
func (c *Client) ExportJSON(ctx context.Context, jobID string, w io.Writer) (int64, error) {
	resp, err := c.doRequest(ctx, "export", nethttp.MethodGet, pathExport+url.PathEscape(jobID), nil, "")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, transportError("export", err)
	}
	return n, nil
}

// Remove deletes a job and its data. Deleting a job that no longer exists succeeds.
func (c *Client) Remove(ctx context.Context, jobID string) error {
	resp, err := c.doRequest(ctx, "delete", nethttp.MethodDelete, pathDelete+url.PathEscape(jobID), nil, "")
	if err != nil {
		if StatusCode(err) == nethttp.StatusNotFound {
			c.logger.Debug().Str("job_id", jobID).Msg("Job already deleted")
			return nil
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	return StatusCode(err) == nethttp.StatusNotFound
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
