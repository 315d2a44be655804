package revenium

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

const anthropicMessagesPath = "/v1/messages"

// Transport intercepts the two metered entry points (non-streaming and
// streaming message completions, Direct or Bedrock) on their way through an
// http.RoundTripper. Every other request passes straight through. Requests
// and responses are never modified, and metering failures never surface to
// the caller.
type Transport struct {
	base     http.RoundTripper
	meter    *Meter
	bindings sync.Map // host → ProviderBinding, resolved once per host
}

// NewTransport returns a metering Transport wrapping base. A nil base wraps
// http.DefaultTransport.
func (m *Meter) NewTransport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, meter: m}
}

// WrapClient installs the metering transport on an http.Client. Wrapping an
// already-wrapped client is a no-op.
func (m *Meter) WrapClient(client *http.Client) {
	if client == nil {
		return
	}
	if _, ok := client.Transport.(*Transport); ok {
		return
	}
	client.Transport = m.NewTransport(client.Transport)
}

var (
	installMu     sync.Mutex
	installedBase http.RoundTripper
	installed     bool
)

// Install wraps http.DefaultTransport with the metering transport, once per
// process. Repeated calls are no-ops, never a double wrap.
func (m *Meter) Install() {
	installMu.Lock()
	defer installMu.Unlock()
	if installed {
		return
	}
	installedBase = http.DefaultTransport
	http.DefaultTransport = m.NewTransport(installedBase)
	installed = true
	m.logger.Debug("metering transport installed on http.DefaultTransport")
}

// Uninstall restores the transport that Install replaced. Safe to call when
// nothing is installed.
func Uninstall() {
	installMu.Lock()
	defer installMu.Unlock()
	if !installed {
		return
	}
	http.DefaultTransport = installedBase
	installedBase = nil
	installed = false
}

// Installed reports whether the process default transport is currently wrapped.
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed
}

// isMeteredRequest reports whether the request targets one of the metered
// entry points: the Anthropic messages endpoint, or a Bedrock model
// invoke/converse path.
func isMeteredRequest(req *http.Request) bool {
	if req.Method != http.MethodPost || req.URL == nil {
		return false
	}
	path := req.URL.Path
	if strings.HasSuffix(path, anthropicMessagesPath) {
		return true
	}
	if strings.Contains(path, "/model/") {
		switch {
		case strings.HasSuffix(path, "/invoke"),
			strings.HasSuffix(path, "/invoke-with-response-stream"),
			strings.HasSuffix(path, "/converse"),
			strings.HasSuffix(path, "/converse-stream"):
			return true
		}
	}
	return false
}

// modelFromRequest resolves the model id without disturbing the request:
// Bedrock carries it in the path, the Direct API in the JSON body (read
// through GetBody, which replays a fresh copy).
func modelFromRequest(req *http.Request) string {
	if strings.Contains(req.URL.Path, "/model/") {
		return bedrockModelFromPath(req.URL.Path)
	}
	if req.GetBody == nil {
		return ""
	}
	body, err := req.GetBody()
	if err != nil {
		return ""
	}
	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, jsonCaptureLimit))
	if err != nil {
		return ""
	}
	return gjson.GetBytes(data, "model").String()
}

func bedrockModelFromPath(path string) string {
	const marker = "/model/"
	i := strings.Index(path, marker)
	if i < 0 {
		return ""
	}
	rest := path[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	if unescaped, err := url.PathUnescape(rest); err == nil {
		return unescaped
	}
	return rest
}

func parserForResponse(resp *http.Response) (chunkParser, bool) {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(ct, "text/event-stream"):
		return newSSEParser(), true
	case strings.Contains(ct, "vnd.amazon.eventstream"):
		return newEventStreamParser(), true
	default:
		return newJSONParser(), false
	}
}

func (t *Transport) binding(ctx context.Context, host string) ProviderBinding {
	if v, ok := t.bindings.Load(host); ok {
		return v.(ProviderBinding)
	}
	b := t.meter.resolveBinding(ctx, host)
	actual, _ := t.bindings.LoadOrStore(host, b)
	return actual.(ProviderBinding)
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	m := t.meter
	if m == nil || !isMeteredRequest(req) {
		return t.base.RoundTrip(req)
	}
	ctx := req.Context()
	if m.cfg.SelectiveMetering && !MeteringEnabled(ctx) {
		// Unmetered call tree: no metadata merge, no dispatch, no wrapping.
		return t.base.RoundTrip(req)
	}

	binding := t.binding(ctx, req.URL.Host)
	md := m.collectMetadata(ctx)
	model := modelFromRequest(req)
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// Best-effort error record; the transport error propagates unchanged.
		m.meterUsage(UsageRecord{
			Model:        model,
			Provider:     binding.Provider,
			RequestStart: start,
			RequestEnd:   time.Now(),
			Partial:      true,
		}, binding, md)
		return nil, err
	}
	if resp.StatusCode >= 400 {
		// Provider rejected the call; meter the failure without touching the
		// error body the caller will want to read.
		m.meterUsage(UsageRecord{
			Model:        model,
			Provider:     binding.Provider,
			RequestStart: start,
			RequestEnd:   time.Now(),
			Partial:      true,
		}, binding, md)
		return resp, nil
	}

	parser, streamed := parserForResponse(resp)
	mb := &meteredBody{rc: resp.Body, parser: parser}
	var firstToken time.Time
	if streamed {
		mb.onFirstByte = func() { firstToken = time.Now() }
	}
	mb.finalize = func(totals usageTotals, streamErr error, complete bool) {
		partial := streamErr != nil || !complete
		rec := totals.record(binding, model, start, time.Now(), firstToken, streamed, partial)
		m.meterUsage(rec, binding, md)
	}
	resp.Body = mb
	return resp, nil
}
