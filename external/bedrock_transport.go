// SigV4 signing transport for Bedrock summarization calls.
package external

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// SigningTransport is an http.RoundTripper that signs every request with AWS
// SigV4 for the bedrock service. Wrap it in an http.Client and hand that to
// NewClient when the summarizer provider is "bedrock".
type SigningTransport struct {
	credentials aws.CredentialsProvider
	region      string
	signer      *v4.Signer
	base        http.RoundTripper
}

// NewSigningTransport loads credentials from the standard AWS chain and
// returns a signing transport. A nil base uses http.DefaultTransport.
func NewSigningTransport(region string, base http.RoundTripper) (*SigningTransport, error) {
	if region == "" {
		region = "us-east-1"
	}
	if base == nil {
		base = http.DefaultTransport
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	// Fail at construction, not on the first summarization call.
	if _, err := cfg.Credentials.Retrieve(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	return &SigningTransport{
		credentials: cfg.Credentials,
		region:      region,
		signer:      v4.NewSigner(),
		base:        base,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *SigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	creds, err := t.credentials.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve AWS credentials: %w", err)
	}

	payloadHash := fmt.Sprintf("%x", sha256.Sum256(body))
	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, "bedrock", t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("failed to sign bedrock request: %w", err)
	}

	// Signing consumes the reader; reset it for the actual send.
	req.Body = io.NopCloser(bytes.NewReader(body))
	return t.base.RoundTrip(req)
}
