package routing

import (
	"github.com/echoflow/gateway/pkg/config"
)

// candidateModels concatenates the premium and fallback tiers, premium
// first, removing duplicates while preserving order. The list is independent
// of budget state.
func candidateModels(ai config.AIConfig) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range append(ai.PremiumModelList(), ai.FallbackModelList()...) {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// buildKeyCandidates orders the usable credentials: the platform credential
// first unless the platform or the user's own hard limit is reached, then
// the user's decrypted BYOK key. BYOK requests are exempt from both limits.
func buildKeyCandidates(platform platformKeyResolution, budget budgetState, user userKeyState) []credential {
	var out []credential
	blocked := budget.hardBlocked || budget.userHardBlocked
	if platform.key != "" && !blocked {
		out = append(out, credential{source: SourcePlatform, apiKey: platform.key})
	}
	if user.apiKey != "" {
		out = append(out, credential{source: SourceBYOK, apiKey: user.apiKey})
	}
	return out
}

// noCandidateFailure selects the terminal failure for a request that never
// reaches the upstream. The per-user limit is reported as 429 ("you are
// throttled") rather than 503 ("the whole platform is throttled").
func noCandidateFailure(platform platformKeyResolution, budget budgetState, user userKeyState) *RouteError {
	if user.decryptErr && user.hasRow {
		return &RouteError{
			Status:  503,
			Code:    CodeBYOKOrUpgradeRequired,
			Message: msgKeyCorrupted,
		}
	}
	if budget.hardBlocked {
		return &RouteError{
			Status:  503,
			Code:    CodePlatformBudgetExhausted,
			Message: msgPlatformBudget,
		}
	}
	if budget.userHardBlocked {
		return &RouteError{
			Status:  429,
			Code:    CodeRateLimitExceeded,
			Message: msgUserDailyLimit,
		}
	}
	msg := msgNoKeyAvailable
	if platform.misconfigured {
		msg = msgPlatformMisconfigured
	}
	return &RouteError{
		Status:  503,
		Code:    CodeBYOKOrUpgradeRequired,
		Message: msg,
	}
}
