// Package revenium provides metering middleware for applications calling the
// Anthropic API, either directly or through AWS Bedrock.
//
// It intercepts the two messages entry points (non-streaming and streaming
// completions) at the HTTP transport layer, measures token usage and timing,
// and sends usage events asynchronously to the Revenium metering API. Requests
// and responses are never modified: the caller keeps invoking the Anthropic
// SDK (or plain net/http) exactly as documented.
//
// Usage:
//
//	meter, err := revenium.NewMeter(
//	    revenium.WithAPIKey(os.Getenv("REVENIUM_API_KEY")),
//	    revenium.WithEnvironment("production"),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer meter.Close()
//
//	// Wrap the process default transport once. Every Anthropic or Bedrock
//	// messages call made through http.DefaultTransport is now metered.
//	meter.Install()
//	defer revenium.Uninstall()
//
//	// Or wrap a specific client instead:
//	client := &http.Client{}
//	meter.WrapClient(client)
//
// Metadata is attached through the context and flows into every metered call
// made within that context's dynamic extent:
//
//	ctx := revenium.WithMetadata(ctx, revenium.Metadata{
//	    "trace_id":  "run-42",
//	    "task_type": "summarize",
//	    "subscriber": map[string]any{"id": "u1", "email": "u1@example.com"},
//	})
//
// Per-call overrides use WithCallMetadata and take precedence over layers
// pushed by WithMetadata. When selective metering is enabled, only calls made
// under a context marked with WithMeteringEnabled produce usage records.
package revenium
