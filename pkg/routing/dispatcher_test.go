package routing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/echoflow/gateway/pkg/byok"
	"github.com/echoflow/gateway/pkg/config"
	"github.com/echoflow/gateway/pkg/store"
	openai "github.com/sashabaranov/go-openai"
)

type fakeLedger struct {
	mu sync.Mutex

	platformCount int
	userCount     int
	countErr      error

	key    store.UserKeyRecord
	keyErr error

	usage     []store.UsageRecord
	insertErr error
}

func (f *fakeLedger) CountPlatformUsageSince(ctx context.Context, t time.Time) (int, error) {
	return f.platformCount, f.countErr
}

func (f *fakeLedger) CountUserPlatformUsageSince(ctx context.Context, userID string, t time.Time) (int, error) {
	return f.userCount, f.countErr
}

func (f *fakeLedger) GetUserKey(ctx context.Context, userID string) (store.UserKeyRecord, error) {
	if f.keyErr != nil {
		return store.UserKeyRecord{}, f.keyErr
	}
	return f.key, nil
}

func (f *fakeLedger) InsertUsage(ctx context.Context, rec store.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.usage = append(f.usage, rec)
	return nil
}

func (f *fakeLedger) recorded() []store.UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.UsageRecord(nil), f.usage...)
}

// upstreamByModel answers each chat-completions call according to the
// requested model and counts every call it sees.
type upstreamByModel struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]func(w http.ResponseWriter)
}

func (u *upstreamByModel) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload openai.ChatCompletionRequest
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("bad upstream payload: %v", err)
		}
		if !payload.Stream {
			t.Error("upstream call not marked streaming")
		}
		u.mu.Lock()
		u.calls = append(u.calls, payload.Model)
		respond := u.responses[payload.Model]
		u.mu.Unlock()
		if respond == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		respond(w)
	}
}

func (u *upstreamByModel) callCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

func respondJSONError(status int, body string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func respondSSE(content string) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\""+content+"\"}}]}\n\ndata: [DONE]\n\n")
	}
}

func testConfig(baseURL string) config.Config {
	cfg := config.NewDefault()
	cfg.AI.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.AI.PremiumModels = "model-a"
	cfg.AI.FallbackModels = "model-b"
	cfg.AI.PlatformAPIKey = "sk-platform"
	cfg.AI.PlatformDailyLimit = 100
	cfg.AI.UserDailyLimit = 50
	cfg.AI.EncryptionSecret = "dispatcher-test-secret"
	return cfg
}

func routeErr(t *testing.T, err error) *RouteError {
	t.Helper()
	var rerr *RouteError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected *RouteError, got %v", err)
	}
	return rerr
}

func simpleRequest() Request {
	return Request{
		UserID: "user-1",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "quiz me"},
		},
		ActionType: "QUIZ",
	}
}

func TestRouteFallsBackAcrossModelsAndRecordsUsageOnce(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondJSONError(429, `{"error":{"status":429,"message":"Rate limit exceeded"}}`),
		"model-b": respondSSE("hello"),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	stream, err := r.Route(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer stream.Body.Close()

	if stream.Model != "model-b" || stream.KeySource != SourcePlatform {
		t.Fatalf("served by %s/%s", stream.KeySource, stream.Model)
	}
	if upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", upstream.callCount())
	}
	recs := ledger.recorded()
	if len(recs) != 1 {
		t.Fatalf("usage records = %d, want exactly 1", len(recs))
	}
	if recs[0].ModelUsed != "platform:model-b" || recs[0].UserID != "user-1" || recs[0].ActionType != "QUIZ" {
		t.Fatalf("usage record = %+v", recs[0])
	}
	body, _ := io.ReadAll(stream.Body)
	if !strings.Contains(string(body), "hello") {
		t.Fatalf("stream body = %q", body)
	}
}

func TestRouteContextLengthShortCircuitsAfterOneCall(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondJSONError(400, `{"error":{"message":"maximum context length exceeded"}}`),
		"model-b": respondSSE("never"),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeContextLengthExceeded || rerr.Status != 400 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
	if upstream.callCount() != 1 {
		t.Fatalf("upstream calls = %d, want exactly 1", upstream.callCount())
	}
	if len(ledger.recorded()) != 0 {
		t.Fatal("usage recorded for a failed dispatch")
	}
}

func TestRouteBothLimitsReachedMakesZeroUpstreamCalls(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{platformCount: 100, userCount: 50, keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodePlatformBudgetExhausted || rerr.Status != 503 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
	if upstream.callCount() != 0 {
		t.Fatalf("upstream calls = %d, want 0", upstream.callCount())
	}
}

func TestRouteUserLimitOnlyIsThrottlingNotOutage(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{platformCount: 3, userCount: 50, keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeRateLimitExceeded || rerr.Status != 429 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
	if upstream.callCount() != 0 {
		t.Fatalf("upstream calls = %d, want 0", upstream.callCount())
	}
}

func TestRouteMisconfiguredPlatformAndCorruptKey(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AI.PlatformAPIKey = ""
	// A stored row that no longer decrypts with the configured secret.
	ledger := &fakeLedger{key: store.UserKeyRecord{EncryptedKey: "v1:AAAA:AAAA:AAAA", Last4: "dead"}}
	r := New(cfg, ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeBYOKOrUpgradeRequired || rerr.Status != 503 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
	if !strings.Contains(rerr.Message, "corrupted") {
		t.Fatalf("message does not mention corruption: %q", rerr.Message)
	}
	if upstream.callCount() != 0 {
		t.Fatalf("upstream calls = %d, want 0", upstream.callCount())
	}
}

func TestRoutePlatformQuotaAbandonsCredentialAndFallsBackToBYOK(t *testing.T) {
	var authSeen []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		authSeen = append(authSeen, r.Header.Get("Authorization"))
		n := len(authSeen)
		mu.Unlock()
		if n == 1 {
			// First (platform) attempt: upstream account out of credits.
			respondJSONError(402, `{"error":{"message":"Insufficient credits"}}`)(w)
			return
		}
		respondSSE("byok answer")(w)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cipher, err := byok.NewCipher(cfg.AI.EncryptionSecret)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	encrypted, err := cipher.Encrypt("sk-user-own-key")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	ledger := &fakeLedger{key: store.UserKeyRecord{EncryptedKey: encrypted, Last4: "-key"}}
	r := New(cfg, ledger)

	stream, err := r.Route(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	defer stream.Body.Close()

	if stream.KeySource != SourceBYOK {
		t.Fatalf("served by %s, want byok", stream.KeySource)
	}
	mu.Lock()
	defer mu.Unlock()
	// The platform credential is abandoned after one quota failure: the
	// second call must already carry the user's own key.
	if len(authSeen) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(authSeen))
	}
	if authSeen[0] != "Bearer sk-platform" || authSeen[1] != "Bearer sk-user-own-key" {
		t.Fatalf("credential order = %v", authSeen)
	}
	recs := ledger.recorded()
	if len(recs) != 1 || recs[0].ModelUsed != "byok:model-a" {
		t.Fatalf("usage records = %+v", recs)
	}
}

func TestRouteInvalidBYOKKeyYieldsUpdateHint(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondJSONError(401, `{"error":{"message":"Invalid API key"}}`),
		"model-b": respondJSONError(401, `{"error":{"message":"Invalid API key"}}`),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AI.PlatformAPIKey = "" // BYOK is the only candidate
	cipher, _ := byok.NewCipher(cfg.AI.EncryptionSecret)
	encrypted, _ := cipher.Encrypt("sk-user-bad-key")
	ledger := &fakeLedger{key: store.UserKeyRecord{EncryptedKey: encrypted, Last4: "-key"}}
	r := New(cfg, ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeBYOKOrUpgradeRequired {
		t.Fatalf("code = %s", rerr.Code)
	}
	if !strings.Contains(rerr.Message, "invalid") {
		t.Fatalf("message lacks invalid-key hint: %q", rerr.Message)
	}
	if upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2 (both models, same credential)", upstream.callCount())
	}
}

func TestRouteBYOKOnlyQuotaExhausted(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondJSONError(402, `{"error":{"message":"Insufficient credits"}}`),
		"model-b": respondJSONError(402, `{"error":{"message":"Insufficient credits"}}`),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.AI.PlatformAPIKey = ""
	cipher, _ := byok.NewCipher(cfg.AI.EncryptionSecret)
	encrypted, _ := cipher.Encrypt("sk-user-own-key")
	ledger := &fakeLedger{key: store.UserKeyRecord{EncryptedKey: encrypted, Last4: "-key"}}
	r := New(cfg, ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeInsufficientQuota || rerr.Status != 503 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
}

func TestRouteRateLimitEverywhereYieldsRetryLater(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondJSONError(429, `{"error":{"status":429,"message":"Too many requests"}}`),
		"model-b": respondJSONError(429, `{"error":{"status":429,"message":"Too many requests"}}`),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeRateLimitExceeded || rerr.Status != 429 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
	if upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", upstream.callCount())
	}
}

func TestRouteUnclassifiableFailuresExhaustAllCandidates(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondJSONError(500, `{"error":{"message":"upstream exploded"}}`),
		"model-b": respondJSONError(500, `not json at all`),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	_, err := r.Route(context.Background(), simpleRequest())
	rerr := routeErr(t, err)
	if rerr.Code != CodeAllModelsFailed || rerr.Status != 503 {
		t.Fatalf("failure = %d/%s", rerr.Status, rerr.Code)
	}
	if rerr.Details == nil {
		t.Fatal("terminal failure lost the last upstream error body")
	}
	if upstream.callCount() != 2 {
		t.Fatalf("upstream calls = %d, want 2", upstream.callCount())
	}
}

func TestRouteLedgerFailureDegradesToZeroUsage(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondSSE("still works"),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{countErr: errors.New("ledger down"), keyErr: store.ErrNoUserKey}
	r := New(testConfig(srv.URL), ledger)

	stream, err := r.Route(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("ledger failure must not block the request: %v", err)
	}
	defer stream.Body.Close()
	if stream.Model != "model-a" {
		t.Fatalf("served model = %s", stream.Model)
	}
}

func TestRouteUsageRecordFailureDoesNotFailRequest(t *testing.T) {
	upstream := &upstreamByModel{responses: map[string]func(http.ResponseWriter){
		"model-a": respondSSE("ok"),
	}}
	srv := httptest.NewServer(upstream.handler(t))
	defer srv.Close()

	ledger := &fakeLedger{keyErr: store.ErrNoUserKey, insertErr: errors.New("insert failed")}
	r := New(testConfig(srv.URL), ledger)

	stream, err := r.Route(context.Background(), simpleRequest())
	if err != nil {
		t.Fatalf("usage-record failure must not fail the request: %v", err)
	}
	stream.Body.Close()
}
