// Package routing turns a chat-completion request into a resilient upstream
// call: it resolves credentials, enforces daily budgets, walks an ordered
// credential x model candidate list, classifies upstream failures, and hands
// back either a live response stream or a single terminal failure.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/echoflow/gateway/pkg/byok"
	"github.com/echoflow/gateway/pkg/config"
	"github.com/echoflow/gateway/pkg/store"
	openai "github.com/sashabaranov/go-openai"
)

type KeySource string

const (
	SourcePlatform KeySource = "platform"
	SourceBYOK     KeySource = "byok"
)

// ErrorCode is the stable caller-facing taxonomy. The first five double as
// per-attempt classifications; the rest only appear in terminal failures.
type ErrorCode string

const (
	CodeContextLengthExceeded   ErrorCode = "context_length_exceeded"
	CodeInsufficientQuota       ErrorCode = "insufficient_quota"
	CodeRateLimitExceeded       ErrorCode = "rate_limit_exceeded"
	CodeInvalidModel            ErrorCode = "invalid_model"
	CodeInvalidAPIKey           ErrorCode = "invalid_api_key"
	CodePlatformBudgetExhausted ErrorCode = "platform_budget_exhausted"
	CodeBYOKOrUpgradeRequired   ErrorCode = "byok_or_upgrade_required"
	CodeAllModelsFailed         ErrorCode = "ALL_MODELS_FAILED"
)

// RouteError is the single terminal failure value of a dispatch. Exactly one
// of RouteError or Stream is produced per Route call.
type RouteError struct {
	Status  int
	Code    ErrorCode
	Message string
	Details json.RawMessage
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("routing failed (%s): %s", e.Code, e.Message)
}

// Request is the inbound routing call from the application layer.
type Request struct {
	UserID      string
	Messages    []openai.ChatCompletionMessage
	Temperature *float32
	MaxTokens   int
	ActionType  string
}

// Stream is a successful dispatch: the raw upstream body plus the candidate
// that served it. The caller owns Body and must close it.
type Stream struct {
	Body      io.ReadCloser
	Model     string
	KeySource KeySource
}

// Ledger is the externally-owned budget/credential storage consumed by the
// core. Reads are per-request and unsynchronized on purpose: concurrent
// requests may both see a stale under-limit count and proceed, bounding the
// overshoot at the number of in-flight requests.
type Ledger interface {
	CountPlatformUsageSince(ctx context.Context, t time.Time) (int, error)
	CountUserPlatformUsageSince(ctx context.Context, userID string, t time.Time) (int, error)
	GetUserKey(ctx context.Context, userID string) (store.UserKeyRecord, error)
	InsertUsage(ctx context.Context, rec store.UsageRecord) error
}

type Router struct {
	cfg    config.Config
	ledger Ledger
	cipher *byok.Cipher
	client *http.Client
	now    func() time.Time
}

func New(cfg config.Config, ledger Ledger) *Router {
	var cipher *byok.Cipher
	if c, err := byok.NewCipher(cfg.AI.EncryptionSecret); err == nil {
		cipher = c
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// No client-level timeout: responses are long-lived SSE streams, and any
	// request deadline is the transport concern of the caller.
	return &Router{
		cfg:    cfg,
		ledger: ledger,
		cipher: cipher,
		client: &http.Client{Transport: transport},
		now:    time.Now,
	}
}
