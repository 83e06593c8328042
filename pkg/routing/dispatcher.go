package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/echoflow/gateway/pkg/store"
)

// User-facing messages for the terminal failure taxonomy.
const (
	msgKeyCorrupted          = "Your stored API key is corrupted. Please update it in settings to continue."
	msgPlatformBudget        = "Platform AI budget reached for today. Add your OpenRouter key or upgrade to continue."
	msgUserDailyLimit        = "You have reached your daily free AI limit. Upgrade to Pro or add your own key to continue."
	msgPlatformMisconfigured = "OpenRouter platform key is not configured. Add your API key in settings."
	msgNoKeyAvailable        = "No AI key available. Add your OpenRouter API key or upgrade to continue."
	msgContextLength         = "Context length exceeded for this model."
	msgBYOKQuota             = "Insufficient quota on your OpenRouter key. Recharge your key balance and retry."
	msgQuotaUnavailable      = "AI quota is unavailable right now."
	hintBYOKInvalid          = "Your BYOK key appears invalid. Update it in settings."
	hintBYOKGeneric          = "Add or update your OpenRouter API key in settings, or upgrade."
	msgRetryLater            = "Rate limit reached. Please retry in a moment."
	msgAllModelsFailed       = "All AI models are currently unavailable. Please try again later."
)

const defaultTemperature float32 = 0.7

const maxErrorBodyBytes = 1 << 20

// Route drives the retry/fallback state machine: for each credential in
// order, for each model in order, issue the call; first success wins and is
// recorded exactly once. Attempts are strictly sequential — each one may
// consume upstream rate-limit budget, and only one stream may ever start.
func (r *Router) Route(ctx context.Context, req Request) (*Stream, error) {
	platform := resolvePlatformKey(r.platformKeyConfig())
	budget := r.readBudgetState(ctx, req.UserID)
	user := r.resolveUserKey(ctx, req.UserID)
	models := candidateModels(r.cfg.AI)
	creds := buildKeyCandidates(platform, budget, user)

	if budget.softLimitReached && budget.limit > 0 {
		log.Warn("platform budget soft threshold reached",
			"count", budget.currentCount, "limit", budget.limit)
	}

	if len(creds) == 0 {
		return nil, noCandidateFailure(platform, budget, user)
	}

	var (
		lastDetails       json.RawMessage
		sawRateLimit      bool
		sawQuotaExhausted bool
		sawByokFailure    bool
		sawByokInvalidKey bool
	)

	for _, cred := range creds {
	modelLoop:
		for _, model := range models {
			resp, err := r.callUpstream(ctx, cred, model, req)
			if err != nil {
				// Connection-level failures are indistinguishable from an
				// unclassifiable upstream error: try the next model.
				log.Debug("upstream call failed", "model", model, "source", cred.source, "err", err)
				continue
			}
			if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
				r.recordUsage(req.UserID, cred.source, model, req.ActionType)
				return &Stream{Body: resp.Body, Model: model, KeySource: cred.source}, nil
			}

			details := readErrorBody(resp)
			lastDetails = details

			switch classifyModelError(details) {
			case CodeContextLengthExceeded:
				// A property of the input, not the candidate: retrying
				// elsewhere cannot help.
				return nil, &RouteError{
					Status:  400,
					Code:    CodeContextLengthExceeded,
					Message: msgContextLength,
					Details: details,
				}
			case CodeRateLimitExceeded:
				sawRateLimit = true
			case CodeInsufficientQuota:
				sawQuotaExhausted = true
				if cred.source == SourcePlatform {
					break modelLoop // abandon the platform credential
				}
				sawByokFailure = true
			case CodeInvalidAPIKey:
				if cred.source == SourceBYOK {
					sawByokInvalidKey = true
					sawByokFailure = true
				} else {
					break modelLoop
				}
			}
			// invalid_model and unclassified errors: try the next model.
		}
	}

	return nil, exhaustedFailure(budget, user, creds, exhaustedFlags{
		sawRateLimit:      sawRateLimit,
		sawQuotaExhausted: sawQuotaExhausted,
		sawByokFailure:    sawByokFailure,
		sawByokInvalidKey: sawByokInvalidKey,
	}, lastDetails)
}

type exhaustedFlags struct {
	sawRateLimit      bool
	sawQuotaExhausted bool
	sawByokFailure    bool
	sawByokInvalidKey bool
}

// exhaustedFailure synthesizes the terminal failure after every candidate
// has been tried, using the flags accumulated during the loop.
func exhaustedFailure(budget budgetState, user userKeyState, creds []credential, flags exhaustedFlags, details json.RawMessage) *RouteError {
	if (budget.hardBlocked || budget.userHardBlocked) && user.apiKey == "" {
		if budget.userHardBlocked {
			return &RouteError{
				Status:  429,
				Code:    CodeRateLimitExceeded,
				Message: msgUserDailyLimit,
				Details: details,
			}
		}
		return &RouteError{
			Status:  503,
			Code:    CodePlatformBudgetExhausted,
			Message: msgPlatformBudget,
			Details: details,
		}
	}

	byokOnlyAttempted := len(creds) == 1 && creds[0].source == SourceBYOK
	if flags.sawQuotaExhausted && byokOnlyAttempted {
		return &RouteError{
			Status:  503,
			Code:    CodeInsufficientQuota,
			Message: msgBYOKQuota,
			Details: details,
		}
	}

	if (flags.sawQuotaExhausted && user.apiKey == "") ||
		(user.decryptErr && user.hasRow) ||
		flags.sawByokFailure {
		hint := hintBYOKGeneric
		if flags.sawByokInvalidKey {
			hint = hintBYOKInvalid
		}
		return &RouteError{
			Status:  503,
			Code:    CodeBYOKOrUpgradeRequired,
			Message: msgQuotaUnavailable + " " + hint,
			Details: details,
		}
	}

	if flags.sawRateLimit {
		return &RouteError{
			Status:  429,
			Code:    CodeRateLimitExceeded,
			Message: msgRetryLater,
			Details: details,
		}
	}

	return &RouteError{
		Status:  503,
		Code:    CodeAllModelsFailed,
		Message: msgAllModelsFailed,
		Details: details,
	}
}

func (r *Router) callUpstream(ctx context.Context, cred credential, model string, req Request) (*http.Response, error) {
	temperature := defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	payload := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: temperature,
		Stream:      true,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode upstream payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.cfg.AI.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+cred.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("HTTP-Referer", r.cfg.AI.AppURL)
	httpReq.Header.Set("X-Title", r.cfg.AI.AppTitle)

	return r.client.Do(httpReq)
}

// readErrorBody drains and closes a failed response. Non-JSON bodies are
// wrapped in a synthetic envelope so the classifier still sees the status.
func readErrorBody(resp *http.Response) json.RawMessage {
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err == nil && gjson.ValidBytes(b) {
		return b
	}
	synthetic, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"status":  resp.StatusCode,
			"message": http.StatusText(resp.StatusCode),
		},
	})
	return synthetic
}

// recordUsage appends the ledger row for a served request. Fire-and-forget:
// a recording failure is logged and must never fail or delay the response.
func (r *Router) recordUsage(userID string, source KeySource, model, actionType string) {
	if actionType == "" {
		actionType = "QUIZ"
	}
	err := r.ledger.InsertUsage(context.Background(), store.UsageRecord{
		UserID:     userID,
		ModelUsed:  string(source) + ":" + model,
		ActionType: actionType,
	})
	if err != nil {
		log.Warn("failed to record usage log", "user", userID, "err", err)
	}
}
