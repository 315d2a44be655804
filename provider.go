package revenium

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// Provider identifies the variant a metered call targets.
type Provider string

const (
	// ProviderAnthropic is the Direct variant: the Anthropic API endpoint.
	ProviderAnthropic Provider = "ANTHROPIC"
	// ProviderBedrock is the Gateway variant: Anthropic models served through
	// AWS Bedrock.
	ProviderBedrock Provider = "AWS"
)

const (
	anthropicHostMarker = "anthropic.com"
	bedrockHostMarker   = "amazonaws.com"

	credentialProbeTimeout = 2 * time.Second
)

// modelSource reports where the model itself comes from; Anthropic for both
// variants.
func (p Provider) modelSource() string { return string(ProviderAnthropic) }

// ProviderBinding is the cached per-client detection decision. It is resolved
// lazily on the first metered call through a transport and host, and is
// read-only thereafter.
type ProviderBinding struct {
	Provider         Provider
	Region           string
	CredentialSource string
}

// CredentialProbe reports whether the AWS credential chain resolves in the
// current environment. Credential absence is a normal "use Direct" signal,
// never an error.
type CredentialProbe func(ctx context.Context) (region, source string, ok bool)

func defaultCredentialProbe(ctx context.Context) (string, string, bool) {
	ctx, cancel := context.WithTimeout(ctx, credentialProbeTimeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", "", false
	}
	var creds aws.Credentials
	creds, err = awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", "", false
	}
	region := awsCfg.Region
	if region == "" {
		region = envRegion()
	}
	return region, creds.Source, true
}

func envRegion() string {
	for _, key := range []string{"AWS_REGION", "AWS_DEFAULT_REGION"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "us-east-1"
}

// regionFromHost extracts the region from a Bedrock runtime host such as
// "bedrock-runtime.us-west-2.amazonaws.com".
func regionFromHost(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) >= 3 && strings.Contains(parts[0], "bedrock") {
		return parts[1]
	}
	return envRegion()
}

// resolveBinding applies the detection rules in order: the disable flag forces
// Direct; a Bedrock host marker forces Gateway; a known Anthropic host is
// Direct without probing; for any other host the Gateway variant is preferred
// when the AWS credential chain resolves.
func (m *Meter) resolveBinding(ctx context.Context, host string) ProviderBinding {
	host = strings.ToLower(host)

	if m.cfg.BedrockDisabled {
		return ProviderBinding{Provider: ProviderAnthropic}
	}
	if strings.Contains(host, bedrockHostMarker) || strings.Contains(host, "bedrock") {
		binding := ProviderBinding{Provider: ProviderBedrock, Region: regionFromHost(host)}
		if _, source, ok := m.cfg.CredentialProbe(ctx); ok {
			binding.CredentialSource = source
		}
		return binding
	}
	if host == "" || strings.Contains(host, anthropicHostMarker) {
		return ProviderBinding{Provider: ProviderAnthropic}
	}
	if region, source, ok := m.cfg.CredentialProbe(ctx); ok {
		return ProviderBinding{Provider: ProviderBedrock, Region: region, CredentialSource: source}
	}
	return ProviderBinding{Provider: ProviderAnthropic}
}
