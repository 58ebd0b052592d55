package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/adolago/tiara/internal/metrics"
	"github.com/adolago/tiara/internal/model"
)

// Names of the remote procedures the engine may call
const (
	ToolTaskAssign     = "task_assign"
	ToolTaskCancel     = "task_cancel"
	ToolAgentSpawn     = "agent_spawn"
	ToolAgentTerminate = "agent_terminate"
	ToolMemoryStore    = "memory_store"
	ToolMemorySearch   = "memory_search"
	ToolHealthCheck    = "health_check"
)

// DefaultCatalogue is the fixed set of tools the engine knows about
var DefaultCatalogue = []string{
	ToolTaskAssign,
	ToolTaskCancel,
	ToolAgentSpawn,
	ToolAgentTerminate,
	ToolMemoryStore,
	ToolMemorySearch,
	ToolHealthCheck,
}

// Invoker calls a named remote procedure with a caller-provided timeout
type Invoker interface {
	Invoke(ctx context.Context, tool string, args any, timeout time.Duration) (json.RawMessage, error)
}

// HTTPInvokerConfig configures the HTTP tool client
type HTTPInvokerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	Burst          int           `mapstructure:"burst"`
	Catalogue      []string      `mapstructure:"catalogue"`
}

// HTTPInvoker implements Invoker as POST {base}/tools/{name}
type HTTPInvoker struct {
	logger    *zap.Logger
	client    *http.Client
	baseURL   string
	token     string
	timeout   time.Duration
	limiter   *rate.Limiter
	catalogue map[string]struct{}
	metrics   *metrics.Collector
}

type invokeRequest struct {
	Arguments any `json:"arguments,omitempty"`
}

type invokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// NewHTTPInvoker creates an HTTP tool client. A zero RateLimit disables limiting.
func NewHTTPInvoker(logger *zap.Logger, cfg HTTPInvokerConfig, m *metrics.Collector) *HTTPInvoker {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	names := cfg.Catalogue
	if len(names) == 0 {
		names = DefaultCatalogue
	}
	catalogue := make(map[string]struct{}, len(names))
	for _, n := range names {
		catalogue[n] = struct{}{}
	}

	inv := &HTTPInvoker{
		logger:    logger.Named("tool-invoker"),
		client:    &http.Client{},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		token:     cfg.Token,
		timeout:   timeout,
		catalogue: catalogue,
		metrics:   m,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		inv.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return inv
}

// Tools returns the catalogue, sorted
func (i *HTTPInvoker) Tools() []string {
	out := make([]string, 0, len(i.catalogue))
	for n := range i.catalogue {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Invoke implements Invoker. Deadlines map to timeout errors, transport
// failures to network errors, and HTTP statuses to auth, internal or
// validation errors.
func (i *HTTPInvoker) Invoke(ctx context.Context, tool string, args any, timeout time.Duration) (json.RawMessage, error) {
	if _, ok := i.catalogue[tool]; !ok {
		return nil, model.Errorf(model.ErrorKindValidation, "unknown tool %q", tool)
	}
	if timeout <= 0 {
		timeout = i.timeout
	}

	start := time.Now()
	result, err := i.invoke(ctx, tool, args, timeout)
	duration := time.Since(start)

	if err != nil {
		kind := model.KindOf(err)
		i.metrics.ToolCall(tool, string(kind), duration)
		i.logger.Warn("Tool call failed",
			zap.String("tool", tool),
			zap.String("kind", string(kind)),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	i.metrics.ToolCall(tool, "ok", duration)
	i.logger.Debug("Tool call completed", zap.String("tool", tool), zap.Duration("duration", duration))
	return result, nil
}

func (i *HTTPInvoker) invoke(ctx context.Context, tool string, args any, timeout time.Duration) (json.RawMessage, error) {
	op := "tool " + tool
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if i.limiter != nil {
		if err := i.limiter.Wait(callCtx); err != nil {
			return nil, model.NewError(model.ErrorKindTimeout, op, err)
		}
	}

	body, err := json.Marshal(invokeRequest{Arguments: args})
	if err != nil {
		return nil, model.NewError(model.ErrorKindValidation, op, fmt.Errorf("failed to marshal arguments: %w", err))
	}

	endpoint := i.baseURL + "/tools/" + url.PathEscape(tool)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.ErrorKindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if i.token != "" {
		req.Header.Set("Authorization", "Bearer "+i.token)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, model.NewError(model.ErrorKindTimeout, op, callCtx.Err())
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewError(model.ErrorKindNetwork, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, model.NewError(model.ErrorKindTimeout, op, callCtx.Err())
		}
		return nil, model.NewError(model.ErrorKindNetwork, op, fmt.Errorf("failed to read response: %w", err))
	}

	var decoded invokeResponse
	_ = json.Unmarshal(data, &decoded)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.Errorf(model.ErrorKindAuth, "%s: rejected credentials: %s", op, resp.Status)
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return nil, model.Errorf(model.ErrorKindTimeout, "%s: %s", op, resp.Status)
	case resp.StatusCode >= 500:
		return nil, model.Errorf(model.ErrorKindInternal, "%s: %s", op, statusMessage(resp.Status, decoded.Error))
	case resp.StatusCode >= 400:
		return nil, model.Errorf(model.ErrorKindValidation, "%s: %s", op, statusMessage(resp.Status, decoded.Error))
	}

	if decoded.Error != "" {
		return nil, model.Errorf(model.ErrorKindInternal, "%s: %s", op, decoded.Error)
	}
	if len(decoded.Result) > 0 {
		return decoded.Result, nil
	}
	return json.RawMessage(data), nil
}

func statusMessage(status, msg string) string {
	if msg == "" {
		return status
	}
	return status + ": " + msg
}
