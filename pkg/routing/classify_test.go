package routing

import "testing"

func TestClassifyModelError(t *testing.T) {
	cases := []struct {
		name string
		body string
		want ErrorCode
	}{
		{
			name: "nested envelope context length",
			body: `{"error":{"message":"This model's maximum context length is 8192 tokens"}}`,
			want: CodeContextLengthExceeded,
		},
		{
			name: "flat object context length code",
			body: `{"code":"context_length_exceeded"}`,
			want: CodeContextLengthExceeded,
		},
		{
			name: "type field context length",
			body: `{"error":{"type":"context_length_exceeded","message":"too big"}}`,
			want: CodeContextLengthExceeded,
		},
		{
			name: "quota phrasing",
			body: `{"error":{"message":"Insufficient credits to complete request"}}`,
			want: CodeInsufficientQuota,
		},
		{
			name: "quota beats rate limit in priority",
			body: `{"error":{"message":"quota exceeded, rate limited"}}`,
			want: CodeInsufficientQuota,
		},
		{
			name: "rate limit message",
			body: `{"error":{"message":"Rate limit exceeded: free-models-per-day"}}`,
			want: CodeRateLimitExceeded,
		},
		{
			name: "numeric status 429",
			body: `{"error":{"status":429,"message":"Too Many Requests"}}`,
			want: CodeRateLimitExceeded,
		},
		{
			name: "string code 429",
			body: `{"code":"429"}`,
			want: CodeRateLimitExceeded,
		},
		{
			name: "invalid model phrasing",
			body: `{"error":{"message":"The model ID is invalid"}}`,
			want: CodeInvalidModel,
		},
		{
			name: "invalid model code",
			body: `{"code":"invalid_model"}`,
			want: CodeInvalidModel,
		},
		{
			name: "unauthorized",
			body: `{"error":{"message":"Unauthorized"}}`,
			want: CodeInvalidAPIKey,
		},
		{
			name: "numeric status 401",
			body: `{"error":{"status":401,"message":"No auth credentials found"}}`,
			want: CodeInvalidAPIKey,
		},
		{
			name: "invalid api key phrasing",
			body: `{"error":{"message":"Invalid API key provided"}}`,
			want: CodeInvalidAPIKey,
		},
		{
			name: "code only, no message",
			body: `{"error":{"code":"insufficient_quota"}}`,
			want: CodeInsufficientQuota,
		},
		{
			name: "unclassified",
			body: `{"error":{"message":"internal server error"}}`,
			want: "",
		},
		{
			name: "invalid json",
			body: `{"error": <<<`,
			want: "",
		},
		{
			name: "non-object payload",
			body: `"boom"`,
			want: "",
		},
		{
			name: "empty body",
			body: ``,
			want: "",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classifyModelError([]byte(tc.body)); got != tc.want {
				t.Fatalf("classifyModelError(%s) = %q, want %q", tc.body, got, tc.want)
			}
			// Pure function: a second call over identical input must agree.
			if again := classifyModelError([]byte(tc.body)); again != tc.want {
				t.Fatalf("classification not deterministic for %s", tc.body)
			}
		})
	}
}
