package revenium

import "context"

type metadataStackKey struct{}
type callMetadataKey struct{}
type meteringGateKey struct{}

// WithMetadata pushes a metadata layer for the returned context's dynamic
// extent: every metered call made under the derived context (including calls
// made by functions it calls) carries the layer. Layers nest; a later layer
// overrides earlier ones on key collision without mutating them. Returning to
// the parent context pops the layer.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	if len(md) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(metadataStackKey{}).([]Metadata)
	// Copy-on-append so sibling contexts never observe each other's layers.
	stack := make([]Metadata, len(prev), len(prev)+1)
	copy(stack, prev)
	stack = append(stack, md.normalized())
	return context.WithValue(ctx, metadataStackKey{}, stack)
}

// WithCallMetadata sets the per-call metadata for requests issued under the
// returned context. Call-site metadata has the highest precedence: it
// overrides every layer pushed by WithMetadata on key collision. A second
// WithCallMetadata replaces, not merges, the previous call-site mapping.
func WithCallMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, callMetadataKey{}, md.normalized())
}

// MergedMetadata returns the flattened mapping produced by folding the active
// layers in push order and applying the call-site metadata last. An empty
// stack yields an empty map, never nil.
func MergedMetadata(ctx context.Context) Metadata {
	layers, _ := ctx.Value(metadataStackKey{}).([]Metadata)
	callSite, _ := ctx.Value(callMetadataKey{}).(Metadata)
	return mergeMetadata(layers, callSite)
}

// WithMeteringEnabled marks the returned context's call tree as metered. It
// only has effect when the meter was configured with selective metering; all
// calls are metered otherwise.
func WithMeteringEnabled(ctx context.Context) context.Context {
	return context.WithValue(ctx, meteringGateKey{}, true)
}

// MeteringEnabled reports whether the context was marked by WithMeteringEnabled.
func MeteringEnabled(ctx context.Context) bool {
	enabled, _ := ctx.Value(meteringGateKey{}).(bool)
	return enabled
}
