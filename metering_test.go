package revenium

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// meteringBackend is an httptest stand-in for the Revenium metering API that
// records every payload it receives.
type meteringBackend struct {
	srv *httptest.Server

	mu       sync.Mutex
	payloads []MeteringPayload
	headers  []http.Header
}

func newMeteringBackend(t *testing.T) *meteringBackend {
	t.Helper()
	b := &meteringBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p MeteringPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.payloads = append(b.payloads, p)
		b.headers = append(b.headers, r.Header.Clone())
		b.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *meteringBackend) received() []MeteringPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MeteringPayload(nil), b.payloads...)
}

func newBackendMeter(t *testing.T, backend *meteringBackend, opts ...Option) *Meter {
	t.Helper()
	opts = append([]Option{
		WithAPIKey("hak_test_key"),
		WithBaseURL(backend.srv.URL),
		WithLogOutput(io.Discard),
		WithCredentialProbe(func(context.Context) (string, string, bool) { return "", "", false }),
	}, opts...)
	m, err := NewMeter(opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewMeterRequiresAPIKey(t *testing.T) {
	t.Setenv("REVENIUM_API_KEY", "")
	t.Setenv("REVENIUM_METERING_API_KEY", "")

	_, err := NewMeter(WithLogOutput(io.Discard))
	require.Error(t, err)
	var rerr *ReveniumError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, ErrorTypeConfig, rerr.Type)
}

func TestNewMeterRejectsMalformedAPIKey(t *testing.T) {
	_, err := NewMeter(WithAPIKey("sk-not-a-revenium-key"), WithLogOutput(io.Discard))
	require.Error(t, err)
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{
		"end_turn":       StopReasonEnd,
		"stop_sequence":  StopReasonEndSequence,
		"tool_use":       StopReasonEndSequence,
		"max_tokens":     StopReasonTokenLimit,
		"content_filter": StopReasonError,
		"something_new":  StopReasonEnd,
		"":               StopReasonEnd,
	}
	for in, want := range cases {
		require.Equal(t, want, MapStopReason(in), "input %q", in)
	}
}

func TestBuildPayloadFields(t *testing.T) {
	backend := newMeteringBackend(t)
	m := newBackendMeter(t, backend,
		WithEnvironment("staging"),
		WithOrganizationID("org-cfg"),
	)

	start := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	rec := UsageRecord{
		Model:               "claude-sonnet-4",
		Provider:            ProviderBedrock,
		InputTokens:         100,
		OutputTokens:        40,
		CacheCreationTokens: 8,
		CacheReadTokens:     4,
		StopReason:          "max_tokens",
		RequestStart:        start,
		RequestEnd:          start.Add(2 * time.Second),
		FirstTokenAt:        start.Add(300 * time.Millisecond),
		Streamed:            true,
		TransactionID:       "msg_42",
	}
	md := Metadata{
		MetaTraceID:        "trace-7",
		MetaTaskType:       "chat",
		MetaSubscriberID:   "user-7",
		MetaOrganizationID: "org-md",
	}

	p := m.buildPayload(rec, ProviderBinding{Provider: ProviderBedrock, Region: "us-west-2"}, md)

	require.Equal(t, "claude-sonnet-4", p.Model)
	require.Equal(t, 100, p.InputTokenCount)
	require.Equal(t, 40, p.OutputTokenCount)
	require.Equal(t, 140, p.TotalTokenCount)
	require.Equal(t, 8, p.CacheCreationTokenCount)
	require.Equal(t, 4, p.CacheReadTokenCount)
	require.Equal(t, StopReasonTokenLimit, p.StopReason)
	require.Equal(t, "2026-08-28T10:00:00Z", p.RequestTime)
	require.Equal(t, "2026-08-28T10:00:02Z", p.ResponseTime)
	require.Equal(t, int64(2000), p.RequestDuration)
	require.Equal(t, int64(300), p.TimeToFirstToken)
	require.Equal(t, "AWS", p.Provider)
	require.Equal(t, "ANTHROPIC", p.ModelSource)
	require.True(t, p.IsStreamed)
	require.Equal(t, "PER_TOKEN", p.BillingUnit)
	require.Equal(t, "CHAT", p.OperationType)
	require.Equal(t, "msg_42", p.TransactionID)
	require.Equal(t, "trace-7", p.TraceID)
	require.Equal(t, "chat", p.TaskType)
	require.Equal(t, "us-west-2", p.Region)
	require.NotNil(t, p.Subscriber)
	require.Equal(t, "user-7", p.Subscriber.ID)

	// Metadata beats config; config fills what metadata left empty.
	require.Equal(t, "org-md", p.OrganizationID)
	require.Equal(t, "staging", p.Environment)
}

func TestBuildPayloadPartialWithoutStopReasonIsError(t *testing.T) {
	backend := newMeteringBackend(t)
	m := newBackendMeter(t, backend)

	rec := UsageRecord{Partial: true, RequestStart: time.Now(), RequestEnd: time.Now()}
	p := m.buildPayload(rec, ProviderBinding{Provider: ProviderAnthropic}, Metadata{})
	require.Equal(t, StopReasonError, p.StopReason)
	// A transaction id is generated when the provider never returned one.
	require.NotEmpty(t, p.TransactionID)
}

func TestBuildPayloadNonStreamingTTFTIsRequestDuration(t *testing.T) {
	backend := newMeteringBackend(t)
	m := newBackendMeter(t, backend)

	start := time.Now()
	rec := UsageRecord{RequestStart: start, RequestEnd: start.Add(1500 * time.Millisecond)}
	p := m.buildPayload(rec, ProviderBinding{Provider: ProviderAnthropic}, Metadata{})
	require.Equal(t, int64(1500), p.TimeToFirstToken)
}

func TestBuildPayloadQualityScore(t *testing.T) {
	backend := newMeteringBackend(t)
	m := newBackendMeter(t, backend)

	rec := UsageRecord{RequestStart: time.Now(), RequestEnd: time.Now()}
	p := m.buildPayload(rec, ProviderBinding{Provider: ProviderAnthropic},
		Metadata{MetaResponseQualityScore: 0.85})
	require.NotNil(t, p.ResponseQualityScore)
	require.InDelta(t, 0.85, *p.ResponseQualityScore, 1e-9)
}

func TestSubscriberFromMetadata(t *testing.T) {
	require.Nil(t, subscriberFromMetadata(Metadata{}))

	sub := subscriberFromMetadata(Metadata{
		MetaSubscriberID:              "u1",
		MetaSubscriberEmail:           "u1@example.com",
		MetaSubscriberCredentialName:  "key",
		MetaSubscriberCredentialValue: "val",
	})
	require.NotNil(t, sub)
	require.Equal(t, "u1", sub.ID)
	require.Equal(t, "u1@example.com", sub.Email)
	require.NotNil(t, sub.Credential)
	require.Equal(t, "key", sub.Credential.Name)
	require.Equal(t, "val", sub.Credential.Value)
}

func TestSendAsyncDeliversAndFlushWaits(t *testing.T) {
	backend := newMeteringBackend(t)
	m := newBackendMeter(t, backend)

	for i := 0; i < 5; i++ {
		m.SendAsync(nil, &MeteringPayload{Model: "claude-sonnet-4", StopReason: StopReasonEnd})
	}
	m.Flush()

	got := backend.received()
	require.Len(t, got, 5)
	require.Equal(t, "claude-sonnet-4", got[0].Model)

	// Auth and identification headers go out with every payload.
	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Equal(t, "hak_test_key", backend.headers[0].Get("x-api-key"))
	require.Contains(t, backend.headers[0].Get("User-Agent"), middlewareName)
}

func TestSendAsyncDropsOldestWhenSaturated(t *testing.T) {
	// No workers: the queue only drains via the drop-oldest path.
	cfg := &Config{APIKey: "hak_x"}
	cfg.applyDefaults()
	m := &Meter{
		cfg:    cfg,
		logger: newLogger(false, io.Discard),
		queue:  make(chan *MeteringPayload, 2),
		done:   make(chan struct{}),
	}

	p1 := &MeteringPayload{TransactionID: "one"}
	p2 := &MeteringPayload{TransactionID: "two"}
	p3 := &MeteringPayload{TransactionID: "three"}
	m.SendAsync(nil, p1)
	m.SendAsync(nil, p2)
	m.SendAsync(nil, p3)

	require.Equal(t, uint64(1), m.Dropped())
	require.Same(t, p2, <-m.queue)
	require.Same(t, p3, <-m.queue)
	m.jobs.Done()
	m.jobs.Done()
}

func TestSendWithRetryRecoversFromTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	m, err := NewMeter(
		WithAPIKey("hak_test_key"),
		WithBaseURL(srv.URL),
		WithLogOutput(io.Discard),
		WithMaxRetries(3),
		WithRetryBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.sendWithRetry(&MeteringPayload{Model: "claude"}))
	require.Equal(t, int32(3), attempts.Load())
}

func TestSendWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m, err := NewMeter(
		WithAPIKey("hak_test_key"),
		WithBaseURL(srv.URL),
		WithLogOutput(io.Discard),
		WithMaxRetries(2),
		WithRetryBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	defer m.Close()

	require.Error(t, m.sendWithRetry(&MeteringPayload{}))
	require.Equal(t, int32(3), attempts.Load())
}

func TestMeterCloseDrainsQueue(t *testing.T) {
	backend := newMeteringBackend(t)
	m := newBackendMeter(t, backend)

	for i := 0; i < 3; i++ {
		m.SendAsync(nil, &MeteringPayload{})
	}
	m.Close()
	require.Len(t, backend.received(), 3)
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Cleanup(Shutdown)

	first, err := Initialize(WithAPIKey("hak_test_key"), WithLogOutput(io.Discard))
	require.NoError(t, err)
	require.True(t, IsInitialized())
	require.True(t, Installed())

	second, err := Initialize(WithAPIKey("hak_other_key"), WithLogOutput(io.Discard))
	require.NoError(t, err)
	require.Same(t, first, second)

	Shutdown()
	require.False(t, IsInitialized())
	require.False(t, Installed())
}

func TestInitializeWithoutConfigFailsGracefully(t *testing.T) {
	t.Setenv("REVENIUM_API_KEY", "")
	t.Setenv("REVENIUM_METERING_API_KEY", "")
	t.Cleanup(Shutdown)

	_, err := Initialize(WithLogOutput(io.Discard))
	require.Error(t, err)
	require.False(t, IsInitialized())
	require.False(t, Installed())
}
