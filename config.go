package revenium

import (
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultBaseURL = "https://api.revenium.ai"
	apiKeyPrefix   = "hak_"

	defaultQueueSize       = 1000
	defaultDispatchWorkers = 2
	defaultMaxRetries      = 3
	defaultDispatchTimeout = 5 * time.Second
	defaultRetryBackoff    = 500 * time.Millisecond
	defaultTraceTypeMaxLen = 128
	defaultTraceNameMaxLen = 256
)

// Config holds the configuration for the Revenium metering middleware.
type Config struct {
	// APIKey is the Revenium API key (required, must start with "hak_").
	APIKey string

	// BaseURL is the Revenium API base URL. Defaults to "https://api.revenium.ai".
	BaseURL string

	// Environment identifies the deployment environment (e.g., "production", "staging").
	Environment string

	// OrganizationID identifies the organization for metering.
	OrganizationID string

	// SubscriptionID is the subscription identifier for Revenium correlation.
	SubscriptionID string

	// ProductID is the product identifier for Revenium correlation.
	ProductID string

	// Subscriber holds subscriber metadata (ID, email, credential) for metering.
	Subscriber *SubscriberResource

	// SelectiveMetering restricts metering to calls whose context was marked
	// with WithMeteringEnabled. Unmarked calls pass through with no metering
	// work at all.
	SelectiveMetering bool

	// BedrockDisabled forces the Direct (Anthropic) variant for every call,
	// regardless of base URL or resolvable AWS credentials.
	BedrockDisabled bool

	// QueueSize bounds the dispatch queue. When the queue is full the oldest
	// pending event is dropped, never the caller blocked.
	QueueSize int

	// DispatchWorkers is the number of background senders draining the queue.
	DispatchWorkers int

	// MaxRetries bounds retries per metering send (attempts = MaxRetries + 1).
	MaxRetries int

	// DispatchTimeout bounds each metering send attempt. It is independent of
	// any timeout on the provider call being metered.
	DispatchTimeout time.Duration

	// RetryBackoff is the initial backoff between retries; it doubles per retry.
	RetryBackoff time.Duration

	// TraceTypeMaxLen and TraceNameMaxLen bound the trace_type and trace_name
	// metadata fields. Longer values are truncated with a logged warning.
	TraceTypeMaxLen int
	TraceNameMaxLen int

	// CredentialProbe resolves the AWS credential chain during provider
	// detection. Defaults to the aws-sdk-go-v2 default chain.
	CredentialProbe CredentialProbe

	// Debug enables debug-level logging.
	Debug bool

	// LogOutput overrides the log destination (stderr by default).
	LogOutput io.Writer

	// HTTPClient is an optional custom HTTP client for sending metering requests.
	HTTPClient *http.Client
}

// Option is a functional option for configuring a Meter.
type Option func(*Config)

// WithAPIKey sets the Revenium API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL sets the Revenium API base URL.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithEnvironment sets the deployment environment.
func WithEnvironment(env string) Option {
	return func(c *Config) { c.Environment = env }
}

// WithOrganizationID sets the organization identifier for metering.
func WithOrganizationID(id string) Option {
	return func(c *Config) { c.OrganizationID = id }
}

// WithSubscriptionID sets the subscription identifier for Revenium correlation.
func WithSubscriptionID(id string) Option {
	return func(c *Config) { c.SubscriptionID = id }
}

// WithProductID sets the product identifier for Revenium correlation.
func WithProductID(id string) Option {
	return func(c *Config) { c.ProductID = id }
}

// WithSubscriber sets the subscriber metadata for metering payloads.
func WithSubscriber(id, email string) Option {
	return func(c *Config) {
		c.Subscriber = &SubscriberResource{ID: id, Email: email}
	}
}

// WithSubscriberCredential sets the subscriber credential for metering payloads.
func WithSubscriberCredential(name, value string) Option {
	return func(c *Config) {
		if c.Subscriber == nil {
			c.Subscriber = &SubscriberResource{}
		}
		c.Subscriber.Credential = &CredentialResource{Name: name, Value: value}
	}
}

// WithSelectiveMetering enables selective metering.
func WithSelectiveMetering(enabled bool) Option {
	return func(c *Config) { c.SelectiveMetering = enabled }
}

// WithBedrockDisabled forces the Direct provider variant.
func WithBedrockDisabled(disabled bool) Option {
	return func(c *Config) { c.BedrockDisabled = disabled }
}

// WithQueueSize bounds the dispatch queue.
func WithQueueSize(n int) Option {
	return func(c *Config) { c.QueueSize = n }
}

// WithDispatchWorkers sets the number of background senders.
func WithDispatchWorkers(n int) Option {
	return func(c *Config) { c.DispatchWorkers = n }
}

// WithMaxRetries bounds retries per metering send.
func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

// WithDispatchTimeout bounds each metering send attempt.
func WithDispatchTimeout(d time.Duration) Option {
	return func(c *Config) { c.DispatchTimeout = d }
}

// WithRetryBackoff sets the initial retry backoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(c *Config) { c.RetryBackoff = d }
}

// WithTraceFieldLimits overrides the trace_type and trace_name length bounds.
func WithTraceFieldLimits(traceTypeMax, traceNameMax int) Option {
	return func(c *Config) {
		c.TraceTypeMaxLen = traceTypeMax
		c.TraceNameMaxLen = traceNameMax
	}
}

// WithCredentialProbe overrides the AWS credential chain probe.
func WithCredentialProbe(probe CredentialProbe) Option {
	return func(c *Config) { c.CredentialProbe = probe }
}

// WithDebug enables debug-level logging.
func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

// WithLogOutput overrides the log destination.
func WithLogOutput(w io.Writer) Option {
	return func(c *Config) { c.LogOutput = w }
}

// WithHTTPClient sets a custom HTTP client for metering sends.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Config) { c.HTTPClient = client }
}

var dotenvOnce sync.Once

func loadFromEnv(c *Config) {
	// Opportunistic .env load; a missing file is fine.
	dotenvOnce.Do(func() { _ = godotenv.Load() })

	if c.APIKey == "" {
		c.APIKey = firstEnv("REVENIUM_API_KEY", "REVENIUM_METERING_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = firstEnv("REVENIUM_BASE_URL", "REVENIUM_METERING_BASE_URL")
	}
	if c.Environment == "" {
		c.Environment = os.Getenv("REVENIUM_ENVIRONMENT")
	}
	if c.OrganizationID == "" {
		c.OrganizationID = os.Getenv("REVENIUM_ORGANIZATION_ID")
	}
	if c.SubscriptionID == "" {
		c.SubscriptionID = os.Getenv("REVENIUM_SUBSCRIPTION_ID")
	}
	if c.ProductID == "" {
		c.ProductID = os.Getenv("REVENIUM_PRODUCT_ID")
	}
	if c.Subscriber == nil {
		subID := os.Getenv("REVENIUM_SUBSCRIBER_ID")
		subEmail := os.Getenv("REVENIUM_SUBSCRIBER_EMAIL")
		if subID != "" || subEmail != "" {
			c.Subscriber = &SubscriberResource{ID: subID, Email: subEmail}
		}
	}
	if !c.SelectiveMetering && envFlag("REVENIUM_SELECTIVE_METERING") {
		c.SelectiveMetering = true
	}
	if !c.BedrockDisabled && envFlag("REVENIUM_BEDROCK_DISABLE") {
		c.BedrockDisabled = true
	}
	if !c.Debug && envFlag("REVENIUM_DEBUG") {
		c.Debug = true
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func envFlag(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func (c *Config) validate() error {
	if c.APIKey == "" {
		return newConfigError("API key is required", nil)
	}
	if !strings.HasPrefix(c.APIKey, apiKeyPrefix) {
		return newConfigError("API key must start with \"hak_\"", nil)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = defaultDispatchWorkers
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRetries < 0 {
		// Negative disables retries entirely.
		c.MaxRetries = 0
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = defaultDispatchTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.TraceTypeMaxLen <= 0 {
		c.TraceTypeMaxLen = defaultTraceTypeMaxLen
	}
	if c.TraceNameMaxLen <= 0 {
		c.TraceNameMaxLen = defaultTraceNameMaxLen
	}
	if c.CredentialProbe == nil {
		c.CredentialProbe = defaultCredentialProbe
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}
