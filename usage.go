package revenium

import (
	"time"

	"github.com/tidwall/gjson"
)

// UsageRecord holds the normalized token and timing facts about one completed
// (or abandoned) metered call. It is immutable once constructed: created per
// call, consumed once by the dispatcher, then discarded.
type UsageRecord struct {
	Model               string
	Provider            Provider
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int

	// StopReason is the provider-native stop reason ("end_turn", "max_tokens", ...).
	StopReason string

	RequestStart time.Time
	RequestEnd   time.Time

	// FirstTokenAt is the time the first streamed chunk was observed; zero for
	// non-streaming calls.
	FirstTokenAt time.Time

	Streamed bool

	// Partial marks records for calls that failed or were abandoned before the
	// stream completed; token counts reflect what was observed up to that point.
	Partial bool

	// TransactionID is the provider's response id when available.
	TransactionID string
}

// timeToFirstToken returns the measured TTFT, or zero when not applicable.
func (r *UsageRecord) timeToFirstToken() time.Duration {
	if r.FirstTokenAt.IsZero() || r.FirstTokenAt.Before(r.RequestStart) {
		return 0
	}
	return r.FirstTokenAt.Sub(r.RequestStart)
}

// usageTotals is the accumulated side-channel state a response parser builds
// while the caller consumes the response.
type usageTotals struct {
	Model               string
	TransactionID       string
	StopReason          string
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// applyUsageResult folds one provider usage object into the totals. Counters
// the provider reports cumulatively (output_tokens) keep the maximum; the
// rest are set when present. Handles both the Anthropic snake_case fields and
// the Bedrock Converse camelCase fields; absent counters stay at zero.
func (t *usageTotals) applyUsageResult(usage gjson.Result) {
	if !usage.Exists() {
		return
	}
	if v := firstInt(usage, "input_tokens", "inputTokens", "inputTokenCount"); v > 0 {
		t.InputTokens = v
	}
	if v := firstInt(usage, "output_tokens", "outputTokens", "outputTokenCount"); v > t.OutputTokens {
		t.OutputTokens = v
	}
	if v := firstInt(usage, "cache_creation_input_tokens", "cacheWriteInputTokens"); v > 0 {
		t.CacheCreationTokens = v
	}
	if v := firstInt(usage, "cache_read_input_tokens", "cacheReadInputTokens"); v > 0 {
		t.CacheReadTokens = v
	}
}

func firstInt(res gjson.Result, keys ...string) int {
	for _, key := range keys {
		if v := res.Get(key); v.Exists() {
			return int(v.Int())
		}
	}
	return 0
}

func firstString(res gjson.Result, keys ...string) string {
	for _, key := range keys {
		if v := res.Get(key); v.Exists() {
			return v.String()
		}
	}
	return ""
}

// extractCompletionUsage normalizes a non-streaming completion body for either
// variant. The Direct API and Bedrock's native invoke return the Anthropic
// message shape; Bedrock's Converse API nests output differently and uses
// camelCase usage fields.
func extractCompletionUsage(body []byte) usageTotals {
	root := gjson.ParseBytes(body)

	var t usageTotals
	t.Model = root.Get("model").String()
	t.TransactionID = root.Get("id").String()
	t.StopReason = firstString(root, "stop_reason", "stopReason")
	t.applyUsageResult(root.Get("usage"))
	return t
}

// record converts totals into a UsageRecord for the given call shape.
func (t usageTotals) record(binding ProviderBinding, fallbackModel string, start, end, firstToken time.Time, streamed, partial bool) UsageRecord {
	model := t.Model
	if model == "" {
		model = fallbackModel
	}
	return UsageRecord{
		Model:               model,
		Provider:            binding.Provider,
		InputTokens:         t.InputTokens,
		OutputTokens:        t.OutputTokens,
		CacheCreationTokens: t.CacheCreationTokens,
		CacheReadTokens:     t.CacheReadTokens,
		StopReason:          t.StopReason,
		RequestStart:        start,
		RequestEnd:          end,
		FirstTokenAt:        firstToken,
		Streamed:            streamed,
		Partial:             partial,
		TransactionID:       t.TransactionID,
	}
}
