package revenium

import (
	"fmt"
	"os"
	"regexp"
	"unicode/utf8"
)

// Canonical metadata field keys. Layers and call-site metadata may use these
// flat dotted keys, their camelCase aliases, or the equivalent nested map
// layout; all three normalize identically.
const (
	MetaTraceID                   = "trace_id"
	MetaTaskType                  = "task_type"
	MetaSubscriberID              = "subscriber.id"
	MetaSubscriberEmail           = "subscriber.email"
	MetaSubscriberCredentialName  = "subscriber.credential.name"
	MetaSubscriberCredentialValue = "subscriber.credential.value"
	MetaOrganizationID            = "organization_id"
	MetaSubscriptionID            = "subscription_id"
	MetaProductID                 = "product_id"
	MetaAgent                     = "agent"
	MetaResponseQualityScore      = "response_quality_score"
	MetaEnvironment               = "environment"
	MetaRegion                    = "region"
	MetaCredentialAlias           = "credential_alias"
	MetaTraceType                 = "trace_type"
	MetaTraceName                 = "trace_name"
	MetaParentTransactionID       = "parent_transaction_id"
	MetaTransactionName           = "transaction_name"
	MetaOperationSubtype          = "operation_subtype"
)

// Metadata maps usage metadata fields to scalar values. Both the flat dotted
// layout ({"subscriber.id": "u1"}) and the nested layout
// ({"subscriber": {"id": "u1"}}) are accepted.
type Metadata map[string]any

var metadataKeyAliases = map[string]string{
	"traceId":              MetaTraceID,
	"taskType":             MetaTaskType,
	"organizationId":       MetaOrganizationID,
	"subscriptionId":       MetaSubscriptionID,
	"productId":            MetaProductID,
	"responseQualityScore": MetaResponseQualityScore,
	"credentialAlias":      MetaCredentialAlias,
	"traceType":            MetaTraceType,
	"traceName":            MetaTraceName,
	"parentTransactionId":  MetaParentTransactionID,
	"transactionName":      MetaTransactionName,
	"operationSubtype":     MetaOperationSubtype,
}

func normalizeKey(k string) string {
	if canonical, ok := metadataKeyAliases[k]; ok {
		return canonical
	}
	return k
}

// normalized returns a flat copy of m: nested maps are flattened into dotted
// keys and camelCase aliases are rewritten to their canonical form. The
// receiver is never mutated.
func (m Metadata) normalized() Metadata {
	out := make(Metadata, len(m))
	m.flattenInto(out, "")
	return out
}

func (m Metadata) flattenInto(out Metadata, prefix string) {
	for k, v := range m {
		key := normalizeKey(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		switch nested := v.(type) {
		case map[string]any:
			Metadata(nested).flattenInto(out, key)
		case Metadata:
			nested.flattenInto(out, key)
		default:
			out[key] = v
		}
	}
}

// clone returns a shallow copy so merged maps never alias a caller's layer.
func (m Metadata) clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m Metadata) getString(key string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// mergeMetadata left-folds layers in push order, then applies the call-site
// mapping last. Inputs must already be normalized.
func mergeMetadata(layers []Metadata, callSite Metadata) Metadata {
	merged := Metadata{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	for k, v := range callSite {
		merged[k] = v
	}
	return merged
}

var traceTypePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// sanitize enforces the trace field constraints in place: trace_type is
// truncated when too long and dropped when its charset is invalid; trace_name
// is truncated. Each adjustment logs a warning and the call proceeds.
func (m Metadata) sanitize(cfg *Config, logger *Logger) {
	if raw, ok := m[MetaTraceType]; ok {
		tt := m.getString(MetaTraceType)
		if utf8.RuneCountInString(tt) > cfg.TraceTypeMaxLen {
			tt = truncateRunes(tt, cfg.TraceTypeMaxLen)
			logger.Warn("trace_type exceeds %d characters, truncating", cfg.TraceTypeMaxLen)
		}
		if tt == "" || !traceTypePattern.MatchString(tt) {
			logger.Warn("trace_type %q contains invalid characters, dropping field", raw)
			delete(m, MetaTraceType)
		} else {
			m[MetaTraceType] = tt
		}
	}
	if _, ok := m[MetaTraceName]; ok {
		tn := m.getString(MetaTraceName)
		if utf8.RuneCountInString(tn) > cfg.TraceNameMaxLen {
			logger.Warn("trace_name exceeds %d characters, truncating", cfg.TraceNameMaxLen)
			tn = truncateRunes(tn, cfg.TraceNameMaxLen)
		}
		m[MetaTraceName] = tn
	}
}

// truncateRunes shortens s to at most max runes, cutting on a rune boundary.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i]
		}
		count++
	}
	return s
}

// traceFieldEnvVars lists the environment fallback chain per trace field,
// consulted only when the field is absent from both metadata layers and the
// call-site mapping. Region additionally falls back to the AWS region vars.
var traceFieldEnvVars = map[string][]string{
	MetaEnvironment:         {"REVENIUM_ENVIRONMENT"},
	MetaRegion:              {"REVENIUM_REGION", "AWS_REGION", "AWS_DEFAULT_REGION"},
	MetaCredentialAlias:     {"REVENIUM_CREDENTIAL_ALIAS"},
	MetaTraceType:           {"REVENIUM_TRACE_TYPE"},
	MetaTraceName:           {"REVENIUM_TRACE_NAME"},
	MetaParentTransactionID: {"REVENIUM_PARENT_TRANSACTION_ID"},
	MetaTransactionName:     {"REVENIUM_TRANSACTION_NAME"},
}

func (m Metadata) applyEnvFallbacks() {
	for field, vars := range traceFieldEnvVars {
		if _, ok := m[field]; ok {
			continue
		}
		for _, name := range vars {
			if v := os.Getenv(name); v != "" {
				m[field] = v
				break
			}
		}
	}
}
