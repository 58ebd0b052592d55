package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adolago/tiara/internal/model"
)

// HTTPStore implements Store against a remote document service.
//
//	GET    {base}/v1/{ns}/{id}
//	PUT    {base}/v1/{ns}/{id}
//	DELETE {base}/v1/{ns}/{id}
//	GET    {base}/v1/{ns}
//	POST   {base}/v1/{ns}/search
type HTTPStore struct {
	logger  *zap.Logger
	client  *http.Client
	baseURL string
	token   string
}

// HTTPStoreConfig configures the remote store client
type HTTPStoreConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewHTTPStore creates a client for a remote document service
func NewHTTPStore(logger *zap.Logger, cfg HTTPStoreConfig) *HTTPStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPStore{
		logger:  logger.Named("http-store"),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *HTTPStore) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return s.baseURL + "/v1/" + strings.Join(escaped, "/")
}

func (s *HTTPStore) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return model.NewError(model.ErrorKindValidation, "store", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return model.NewError(model.ErrorKindTimeout, "store", ctx.Err())
		}
		return model.NewError(model.ErrorKindNetwork, "store", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrVersionConflict
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return model.Errorf(model.ErrorKindAuth, "store rejected credentials: %s", resp.Status)
	case resp.StatusCode >= 500:
		return model.Errorf(model.ErrorKindInternal, "store error: %s", resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.Errorf(model.ErrorKindValidation, "store rejected request: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return model.NewError(model.ErrorKindInternal, "store", fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// Get implements Store.Get
func (s *HTTPStore) Get(ctx context.Context, namespace, id string) (*Document, error) {
	var doc Document
	if err := s.do(ctx, http.MethodGet, s.endpoint(namespace, id), nil, &doc); err != nil {
		return nil, err
	}
	doc.Namespace, doc.ID = namespace, id
	return &doc, nil
}

// Put implements Store.Put
func (s *HTTPStore) Put(ctx context.Context, doc *Document) (*Document, error) {
	if err := validate(doc); err != nil {
		return nil, err
	}
	var stored Document
	if err := s.do(ctx, http.MethodPut, s.endpoint(doc.Namespace, doc.ID), doc, &stored); err != nil {
		return nil, err
	}
	stored.Namespace, stored.ID = doc.Namespace, doc.ID
	return &stored, nil
}

// Delete implements Store.Delete
func (s *HTTPStore) Delete(ctx context.Context, namespace, id string) error {
	err := s.do(ctx, http.MethodDelete, s.endpoint(namespace, id), nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// List implements Store.List
func (s *HTTPStore) List(ctx context.Context, namespace string) ([]*Document, error) {
	var docs []*Document
	if err := s.do(ctx, http.MethodGet, s.endpoint(namespace), nil, &docs); err != nil {
		return nil, err
	}
	for _, d := range docs {
		d.Namespace = namespace
	}
	return docs, nil
}

// Search implements Store.Search
func (s *HTTPStore) Search(ctx context.Context, namespace, query string, limit int) ([]Match, error) {
	var matches []Match
	err := s.do(ctx, http.MethodPost, s.endpoint(namespace, "search"), searchRequest{Query: query, Limit: limit}, &matches)
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// Close implements Store.Close
func (s *HTTPStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
