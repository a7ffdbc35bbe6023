package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

const (
	GitHubEventHeader    = "X-GitHub-Event"
	GitHubDeliveryHeader = "X-GitHub-Delivery"
	GitHubSignature      = "X-Hub-Signature-256"
	GitHubIdentityPrefix = "GitHub-Hookshot/"
)

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

type DeliveryIDExtractor func(req core.InboundRequest) (string, error)

// SourceTemplate bundles the checks and header names for one webhook source.
type SourceTemplate struct {
	Source          string
	Signature       Verifier
	Identity        Verifier
	Extractor       DeliveryIDExtractor
	EventTypeHeader string
}

type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	header := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if header == "" {
		return core.InvalidSignature(fmt.Sprintf("%s signature header is required", strings.TrimSpace(v.Header)))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return core.InvalidSignature("signature secret is not configured")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return core.InvalidSignature("signature value is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(req.Body)
	expected := mac.Sum(nil)

	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return core.InvalidSignature("signature is not correctly encoded")
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return core.InvalidSignature("signature verification failed")
	}
	return nil
}

// SourceIdentityVerifier checks the sender marker a source stamps on every
// request, such as the GitHub-Hookshot user agent.
type SourceIdentityVerifier struct {
	Header string
	Prefix string
}

func (v SourceIdentityVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	prefix := strings.TrimSpace(v.Prefix)
	if prefix == "" {
		return nil
	}
	actual := strings.TrimSpace(headerValue(req.Headers, v.Header))
	if !strings.HasPrefix(actual, prefix) {
		return core.InvalidSignature(fmt.Sprintf("unexpected source identity %q", actual))
	}
	return nil
}

func HeaderDeliveryIDExtractor(headers ...string) DeliveryIDExtractor {
	keys := append([]string(nil), headers...)
	return func(req core.InboundRequest) (string, error) {
		for _, key := range keys {
			if value := strings.TrimSpace(headerValue(req.Headers, key)); value != "" {
				return value, nil
			}
		}
		return "", core.BadInput("webhooks: delivery id is required for dedupe")
	}
}

func ChainDeliveryIDExtractors(extractors ...DeliveryIDExtractor) DeliveryIDExtractor {
	list := append([]DeliveryIDExtractor(nil), extractors...)
	return func(req core.InboundRequest) (string, error) {
		var lastErr error
		for _, extractor := range list {
			if extractor == nil {
				continue
			}
			deliveryID, err := extractor(req)
			if err == nil && strings.TrimSpace(deliveryID) != "" {
				return strings.TrimSpace(deliveryID), nil
			}
			if err != nil {
				lastErr = err
			}
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", core.BadInput("webhooks: delivery id is required for dedupe")
	}
}

func NewGitHubTemplate(secret string) SourceTemplate {
	return SourceTemplate{
		Source: "github",
		Signature: HeaderHMACVerifier{
			Header:   GitHubSignature,
			Prefix:   "sha256=",
			Secret:   strings.TrimSpace(secret),
			Encoding: "hex",
		},
		Identity: SourceIdentityVerifier{
			Header: "User-Agent",
			Prefix: GitHubIdentityPrefix,
		},
		Extractor:       HeaderDeliveryIDExtractor(GitHubDeliveryHeader, "X-Delivery-Id"),
		EventTypeHeader: GitHubEventHeader,
	}
}

// NewTemplateFromConfig starts from the GitHub template and applies any
// header overrides present in cfg.
func NewTemplateFromConfig(cfg core.WebhookConfig) SourceTemplate {
	template := NewGitHubTemplate(cfg.Secret)
	if source := strings.ToLower(strings.TrimSpace(cfg.Source)); source != "" {
		template.Source = source
	}
	signature := template.Signature.(HeaderHMACVerifier)
	if header := strings.TrimSpace(cfg.SignatureHeader); header != "" {
		signature.Header = header
	}
	if cfg.SignaturePrefix != "" {
		signature.Prefix = strings.TrimSpace(cfg.SignaturePrefix)
	}
	template.Signature = signature

	identity := template.Identity.(SourceIdentityVerifier)
	if header := strings.TrimSpace(cfg.IdentityHeader); header != "" {
		identity.Header = header
	}
	identity.Prefix = strings.TrimSpace(cfg.IdentityPrefix)
	template.Identity = identity
	return template
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
