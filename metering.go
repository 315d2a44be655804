package revenium

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const meteringPath = "/meter/v2/ai/completions"

const iso8601 = "2006-01-02T15:04:05Z"

// MeteringPayload matches the AI completions schema of the Revenium
// metering API.
type MeteringPayload struct {
	// Required fields
	Model               string `json:"model"`
	InputTokenCount     int    `json:"inputTokenCount"`
	OutputTokenCount    int    `json:"outputTokenCount"`
	TotalTokenCount     int    `json:"totalTokenCount"`
	StopReason          string `json:"stopReason"`
	RequestTime         string `json:"requestTime"`
	CompletionStartTime string `json:"completionStartTime"`
	ResponseTime        string `json:"responseTime"`
	RequestDuration     int64  `json:"requestDuration"`
	Provider            string `json:"provider"`
	IsStreamed          bool   `json:"isStreamed"`
	BillingUnit         string `json:"billingUnit"`

	// Optional fields
	TimeToFirstToken int64  `json:"timeToFirstToken,omitempty"`
	ModelSource      string `json:"modelSource,omitempty"`
	OperationType    string `json:"operationType,omitempty"`
	OperationSubtype string `json:"operationSubtype,omitempty"`

	TransactionID   string `json:"transactionId,omitempty"`
	TraceID         string `json:"traceId,omitempty"`
	TraceName       string `json:"traceName,omitempty"`
	TraceType       string `json:"traceType,omitempty"`
	ParentTxnID     string `json:"parentTransactionId,omitempty"`
	TransactionName string `json:"transactionName,omitempty"`
	TaskType        string `json:"taskType,omitempty"`
	Agent           string `json:"agent,omitempty"`

	OrganizationID  string `json:"organizationId,omitempty"`
	SubscriptionID  string `json:"subscriptionId,omitempty"`
	ProductID       string `json:"productId,omitempty"`
	Environment     string `json:"environment,omitempty"`
	Region          string `json:"region,omitempty"`
	CredentialAlias string `json:"credentialAlias,omitempty"`

	ResponseQualityScore *float64 `json:"responseQualityScore,omitempty"`
	MiddlewareSource     string   `json:"middlewareSource,omitempty"`

	CacheReadTokenCount     int `json:"cacheReadTokenCount,omitempty"`
	CacheCreationTokenCount int `json:"cacheCreationTokenCount,omitempty"`

	Subscriber *SubscriberResource `json:"subscriber,omitempty"`
}

// SubscriberResource identifies the end-user making the AI request.
type SubscriberResource struct {
	ID         string              `json:"id,omitempty"`
	Email      string              `json:"email,omitempty"`
	Credential *CredentialResource `json:"credential,omitempty"`
}

// CredentialResource identifies the API key or credential used by the subscriber.
type CredentialResource struct {
	Name  string `json:"name,omitempty"`
	Value string `json:"value,omitempty"`
}

// Allowed stopReason values per the Revenium API.
const (
	StopReasonEnd             = "END"
	StopReasonEndSequence     = "END_SEQUENCE"
	StopReasonTimeout         = "TIMEOUT"
	StopReasonTokenLimit      = "TOKEN_LIMIT"
	StopReasonCostLimit       = "COST_LIMIT"
	StopReasonCompletionLimit = "COMPLETION_LIMIT"
	StopReasonError           = "ERROR"
	StopReasonCancelled       = "CANCELLED"
)

// MapStopReason maps provider-native stop reasons to Revenium's enum values.
func MapStopReason(providerReason string) string {
	switch providerReason {
	case "end_turn", "stop", "complete":
		return StopReasonEnd
	case "tool_use", "tool_calls", "stop_sequence":
		return StopReasonEndSequence
	case "max_tokens", "length":
		return StopReasonTokenLimit
	case "content_filter":
		return StopReasonError
	default:
		return StopReasonEnd
	}
}

// Meter is the core metering client. Usage records are serialized into
// MeteringPayloads and delivered by a fixed pool of background workers
// draining a bounded queue; submitting never blocks the caller.
type Meter struct {
	cfg    *Config
	logger *Logger

	queue chan *MeteringPayload
	// jobs tracks queued-but-unsent payloads so Flush can wait for them.
	jobs      sync.WaitGroup
	workers   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewMeter creates a new Meter with the given options, starting its dispatch
// workers. Callers should Close (or at least Flush) before process exit.
func NewMeter(opts ...Option) (*Meter, error) {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	loadFromEnv(cfg)
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Meter{
		cfg:    cfg,
		logger: newLogger(cfg.Debug, cfg.LogOutput),
		queue:  make(chan *MeteringPayload, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.DispatchWorkers; i++ {
		m.workers.Add(1)
		go m.worker()
	}
	return m, nil
}

// Ready reports whether the meter holds the configuration required to send
// usage events.
func (m *Meter) Ready() bool {
	return m.cfg.validate() == nil
}

// Dropped returns the number of usage events discarded because the dispatch
// queue was saturated.
func (m *Meter) Dropped() uint64 {
	return m.dropped.Load()
}

// collectMetadata merges the context's metadata layers and call-site mapping,
// then enforces the trace field constraints.
func (m *Meter) collectMetadata(ctx context.Context) Metadata {
	md := MergedMetadata(ctx)
	md.sanitize(m.cfg, m.logger)
	return md
}

// meterUsage converts a usage record into a wire payload and hands it to the
// dispatch queue. It never blocks and never fails the caller.
func (m *Meter) meterUsage(rec UsageRecord, binding ProviderBinding, md Metadata) {
	m.SendAsync(context.Background(), m.buildPayload(rec, binding, md))
}

func (m *Meter) buildPayload(rec UsageRecord, binding ProviderBinding, md Metadata) *MeteringPayload {
	md = md.clone()
	md.applyEnvFallbacks()
	if _, ok := md[MetaRegion]; !ok && binding.Region != "" {
		md[MetaRegion] = binding.Region
	}

	stopReason := MapStopReason(rec.StopReason)
	if rec.Partial && rec.StopReason == "" {
		stopReason = StopReasonError
	}

	transactionID := rec.TransactionID
	if transactionID == "" {
		transactionID = uuid.New().String()
	}

	duration := rec.RequestEnd.Sub(rec.RequestStart)
	ttft := rec.timeToFirstToken()
	completionStart := rec.RequestEnd
	if rec.Streamed && !rec.FirstTokenAt.IsZero() {
		completionStart = rec.FirstTokenAt
	}
	timeToFirstToken := duration.Milliseconds()
	if rec.Streamed {
		timeToFirstToken = ttft.Milliseconds()
	}

	p := &MeteringPayload{
		Model:               rec.Model,
		InputTokenCount:     rec.InputTokens,
		OutputTokenCount:    rec.OutputTokens,
		TotalTokenCount:     rec.InputTokens + rec.OutputTokens,
		StopReason:          stopReason,
		RequestTime:         rec.RequestStart.UTC().Format(iso8601),
		CompletionStartTime: completionStart.UTC().Format(iso8601),
		ResponseTime:        rec.RequestEnd.UTC().Format(iso8601),
		RequestDuration:     duration.Milliseconds(),
		TimeToFirstToken:    timeToFirstToken,
		Provider:            string(rec.Provider),
		ModelSource:         rec.Provider.modelSource(),
		IsStreamed:          rec.Streamed,
		BillingUnit:         "PER_TOKEN",
		OperationType:       "CHAT",
		MiddlewareSource:    middlewareSource,

		TransactionID:           transactionID,
		CacheReadTokenCount:     rec.CacheReadTokens,
		CacheCreationTokenCount: rec.CacheCreationTokens,

		TraceID:          md.getString(MetaTraceID),
		TraceName:        md.getString(MetaTraceName),
		TraceType:        md.getString(MetaTraceType),
		ParentTxnID:      md.getString(MetaParentTransactionID),
		TransactionName:  md.getString(MetaTransactionName),
		TaskType:         md.getString(MetaTaskType),
		Agent:            md.getString(MetaAgent),
		OrganizationID:   md.getString(MetaOrganizationID),
		SubscriptionID:   md.getString(MetaSubscriptionID),
		ProductID:        md.getString(MetaProductID),
		Environment:      md.getString(MetaEnvironment),
		Region:           md.getString(MetaRegion),
		CredentialAlias:  md.getString(MetaCredentialAlias),
		OperationSubtype: md.getString(MetaOperationSubtype),
	}

	if score, ok := metadataFloat(md, MetaResponseQualityScore); ok {
		p.ResponseQualityScore = &score
	}

	p.Subscriber = subscriberFromMetadata(md)
	if p.Subscriber == nil {
		p.Subscriber = m.cfg.Subscriber
	}

	// Config-level defaults fill fields the metadata left empty.
	if p.Environment == "" {
		p.Environment = m.cfg.Environment
	}
	if p.OrganizationID == "" {
		p.OrganizationID = m.cfg.OrganizationID
	}
	if p.SubscriptionID == "" {
		p.SubscriptionID = m.cfg.SubscriptionID
	}
	if p.ProductID == "" {
		p.ProductID = m.cfg.ProductID
	}
	return p
}

func metadataFloat(md Metadata, key string) (float64, bool) {
	v, ok := md[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func subscriberFromMetadata(md Metadata) *SubscriberResource {
	id := md.getString(MetaSubscriberID)
	email := md.getString(MetaSubscriberEmail)
	credName := md.getString(MetaSubscriberCredentialName)
	credValue := md.getString(MetaSubscriberCredentialValue)
	if id == "" && email == "" && credName == "" && credValue == "" {
		return nil
	}
	sub := &SubscriberResource{ID: id, Email: email}
	if credName != "" || credValue != "" {
		sub.Credential = &CredentialResource{Name: credName, Value: credValue}
	}
	return sub
}

// SendAsync submits a payload for background delivery. It never blocks: when
// the queue is saturated, the oldest pending payload is dropped to make room.
// The context is intentionally not retained; delivery runs detached so it is
// not canceled when the caller's request context ends.
func (m *Meter) SendAsync(_ context.Context, payload *MeteringPayload) {
	m.jobs.Add(1)
	for {
		select {
		case m.queue <- payload:
			return
		default:
		}
		select {
		case <-m.queue:
			m.jobs.Done()
			m.dropped.Add(1)
			m.logger.Warn("metering queue saturated, dropped oldest pending event (total dropped: %d)", m.dropped.Load())
		default:
		}
	}
}

func (m *Meter) worker() {
	defer m.workers.Done()
	for {
		select {
		case payload := <-m.queue:
			m.deliver(payload)
		case <-m.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case payload := <-m.queue:
					m.deliver(payload)
				default:
					return
				}
			}
		}
	}
}

func (m *Meter) deliver(payload *MeteringPayload) {
	defer m.jobs.Done()
	if err := m.sendWithRetry(payload); err != nil {
		m.logger.Warn("failed to send metering payload after %d attempts: %v", m.cfg.MaxRetries+1, err)
	}
}

// Flush waits for all submitted payloads to be delivered (or dropped).
func (m *Meter) Flush() {
	m.jobs.Wait()
}

// Close flushes pending payloads and stops the dispatch workers.
func (m *Meter) Close() {
	m.Flush()
	m.closeOnce.Do(func() { close(m.done) })
	m.workers.Wait()
}

func (m *Meter) sendWithRetry(payload *MeteringPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return newMeteringError("failed to marshal payload", err)
	}

	m.logger.Debug("metering payload: %s", string(body))

	url := m.cfg.BaseURL + meteringPath
	backoff := m.cfg.RetryBackoff

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			m.logger.Debug("retrying metering request (attempt %d/%d)", attempt, m.cfg.MaxRetries)
			select {
			case <-m.done:
				return newNetworkError("meter closed during retry", nil)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err = m.send(url, body)
		if err == nil {
			m.logger.Debug("metering payload sent (model=%s, tokens=%d+%d)",
				payload.Model, payload.InputTokenCount, payload.OutputTokenCount)
			return nil
		}
		m.logger.Warn("metering request failed (attempt %d/%d): %v", attempt+1, m.cfg.MaxRetries+1, err)
	}
	return err
}

func (m *Meter) send(url string, body []byte) error {
	// Each attempt gets its own short deadline, detached from any provider
	// call timeout.
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return newNetworkError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", m.cfg.APIKey)
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return newNetworkError("request failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	m.logger.Debug("metering API response (%d): %s", resp.StatusCode, string(respBody))
	return newMeteringError(fmt.Sprintf("unexpected status code: %d", resp.StatusCode), nil)
}

var (
	initMu       sync.Mutex
	defaultMeter *Meter
)

// Initialize creates a process-wide meter from the environment and the given
// options and installs it on http.DefaultTransport. It is idempotent: once a
// meter is initialized, later calls return it unchanged. When the required
// configuration is missing it returns the configuration error without
// installing anything; provider calls keep working unmetered.
func Initialize(opts ...Option) (*Meter, error) {
	initMu.Lock()
	defer initMu.Unlock()
	if defaultMeter != nil {
		return defaultMeter, nil
	}
	meter, err := NewMeter(opts...)
	if err != nil {
		return nil, err
	}
	meter.Install()
	defaultMeter = meter
	return meter, nil
}

// IsInitialized reports whether Initialize has installed a process-wide meter.
func IsInitialized() bool {
	initMu.Lock()
	defer initMu.Unlock()
	return defaultMeter != nil
}

// Shutdown flushes and closes the process-wide meter installed by Initialize
// and restores the default transport.
func Shutdown() {
	initMu.Lock()
	defer initMu.Unlock()
	if defaultMeter == nil {
		return
	}
	Uninstall()
	defaultMeter.Close()
	defaultMeter = nil
}
