// Package docstore reads extracted document text and classifications from the document
// store service.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/thebtf/docreview/pkg/models"
)

const (
	// DefaultTimeout bounds a single request.
	DefaultTimeout = 15 * time.Second

	// MaxTextBytes bounds the extracted text accepted from the store.
	MaxTextBytes = 32 << 20
)

// Document is the metadata of a stored document.
type Document struct {
	ID             string `json:"documentId"`
	Version        string `json:"version"`
	OrganizationID string `json:"organizationId"`
}

type textResponse struct {
	Text string `json:"text"`
}

// Client is an HTTP client for the document store.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	log     zerolog.Logger
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// New creates a client for the store at baseURL.
func New(baseURL string, logger zerolog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, models.NewValidationError("documentStoreUrl", fmt.Sprintf("invalid url %q", baseURL))
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: DefaultTimeout},
		log:     logger.With().Str("component", "docstore").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetDocument returns the metadata of documentID.
func (c *Client) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := c.get(ctx, "get document", documentID, "", &doc)
	return doc, err
}

// GetExtractedText returns the extracted text of documentID. A document without text is a
// permanent error.
func (c *Client) GetExtractedText(ctx context.Context, documentID string) (string, error) {
	var resp textResponse
	if err := c.get(ctx, "get text", documentID, "text", &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", models.Permanent("get text", fmt.Errorf("document %s has no extracted text: %w", documentID, models.ErrNotFound))
	}
	return resp.Text, nil
}

// GetClassification returns the classification tag of documentID.
func (c *Client) GetClassification(ctx context.Context, documentID string) (models.DocumentClassification, error) {
	var cl models.DocumentClassification
	err := c.get(ctx, "get classification", documentID, "classification", &cl)
	return cl, err
}

func (c *Client) get(ctx context.Context, op, documentID, suffix string, out interface{}) error {
	if documentID == "" {
		return models.NewValidationError("documentId", "required")
	}
	elems := []string{"documents", documentID}
	if suffix != "" {
		elems = append(elems, suffix)
	}
	u := c.baseURL.JoinPath(elems...)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Permanent(op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return models.Transient(op, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("document_id", documentID).
		Str("op", op).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("document store request")

	if err := classify(op, documentID, resp); err != nil {
		return err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxTextBytes+1))
	if err != nil {
		return models.Transient(op, fmt.Errorf("read body: %w", err))
	}
	if len(body) > MaxTextBytes {
		return models.Permanent(op, fmt.Errorf("document %s exceeds %d bytes", documentID, MaxTextBytes))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return models.Transient(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classify maps an HTTP status to the pipeline error taxonomy.
func classify(op, documentID string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return models.Permanent(op, fmt.Errorf("document %s: %w", documentID, models.ErrNotFound))
	case code == http.StatusConflict,
		code == http.StatusLocked,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code == http.StatusRequestTimeout,
		code >= 500:
		return models.Transient(op, fmt.Errorf("document store returned %d", code))
	default:
		return models.Permanent(op, fmt.Errorf("document store returned %d", code))
	}
}
