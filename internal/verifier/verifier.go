// Package verifier authenticates the origin of inbound notifications.
// The trust-everything variant exists for development only; production
// deployments verify the signature against the published signing
// certificate.
package verifier

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bounce-sentinel-go/internal/model"
)

var ErrSignatureInvalid = errors.New("signature invalid")

// Verifier authenticates one notification envelope.
type Verifier interface {
	Verify(ctx context.Context, env *model.Envelope) error
}

// AlwaysTrust accepts every envelope without verification. It must never be
// wired into a production configuration.
type AlwaysTrust struct{}

func NewAlwaysTrust() *AlwaysTrust {
	logrus.Warn("Notification signature verification is DISABLED (development mode)")
	return &AlwaysTrust{}
}

func (v *AlwaysTrust) Verify(ctx context.Context, env *model.Envelope) error {
	return nil
}

// CertChain verifies the envelope signature against the signing certificate
// referenced by the envelope itself. Certificates are cached per URL.
type CertChain struct {
	client *http.Client

	mu    sync.Mutex
	certs map[string]*rsa.PublicKey
}

func NewCertChain() *CertChain {
	return &CertChain{
		client: &http.Client{Timeout: 10 * time.Second},
		certs:  make(map[string]*rsa.PublicKey),
	}
}

func (v *CertChain) Verify(ctx context.Context, env *model.Envelope) error {
	if env.Signature == "" || env.SigningCertURL == "" {
		return fmt.Errorf("%w: missing signature fields", ErrSignatureInvalid)
	}

	signature, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", ErrSignatureInvalid)
	}

	key, err := v.signingKey(ctx, env.SigningCertURL)
	if err != nil {
		return err
	}

	payload := []byte(canonicalString(env))

	var hash crypto.Hash
	var digest []byte
	switch env.SignatureVersion {
	case "2":
		sum := sha256.Sum256(payload)
		hash, digest = crypto.SHA256, sum[:]
	default:
		// SignatureVersion 1 is the upstream default.
		sum := sha1.Sum(payload)
		hash, digest = crypto.SHA1, sum[:]
	}

	if err := rsa.VerifyPKCS1v15(key, hash, digest, signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

// signingKey fetches and caches the RSA public key behind the given
// certificate URL. Only https URLs on the notification provider's domain
// are accepted.
func (v *CertChain) signingKey(ctx context.Context, certURL string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	if key, ok := v.certs[certURL]; ok {
		v.mu.Unlock()
		return key, nil
	}
	v.mu.Unlock()

	u, err := url.Parse(certURL)
	if err != nil || u.Scheme != "https" || !strings.HasSuffix(u.Hostname(), ".amazonaws.com") {
		return nil, fmt.Errorf("%w: untrusted signing certificate URL %q", ErrSignatureInvalid, certURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build certificate request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signing certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch signing certificate: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read signing certificate: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%w: signing certificate is not PEM", ErrSignatureInvalid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	key, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: signing certificate key is not RSA", ErrSignatureInvalid)
	}

	v.mu.Lock()
	v.certs[certURL] = key
	v.mu.Unlock()
	return key, nil
}

// canonicalString rebuilds the exact byte string the publisher signed:
// alternating field names and values, each followed by a newline, ordered
// alphabetically, with unset fields omitted.
func canonicalString(env *model.Envelope) string {
	var fields [][2]string
	switch env.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		fields = [][2]string{
			{"Message", env.MessageString()},
			{"MessageId", env.MessageID},
			{"SubscribeURL", env.SubscribeURL},
			{"Timestamp", env.Timestamp},
			{"Token", env.Token},
			{"TopicArn", env.TopicArn},
			{"Type", env.Type},
		}
	default:
		fields = [][2]string{
			{"Message", env.MessageString()},
			{"MessageId", env.MessageID},
			{"Subject", env.Subject},
			{"Timestamp", env.Timestamp},
			{"TopicArn", env.TopicArn},
			{"Type", env.Type},
		}
	}

	var b strings.Builder
	for _, f := range fields {
		if f[0] == "Subject" && f[1] == "" {
			continue
		}
		b.WriteString(f[0])
		b.WriteString("\n")
		b.WriteString(f[1])
		b.WriteString("\n")
	}
	return b.String()
}
