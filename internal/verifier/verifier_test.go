package verifier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"bounce-sentinel-go/internal/model"
)

func TestAlwaysTrustAcceptsAnything(t *testing.T) {
	v := &AlwaysTrust{}
	assert.NoError(t, v.Verify(context.Background(), &model.Envelope{}))
}

func TestCertChainRejectsMissingSignature(t *testing.T) {
	v := NewCertChain()
	err := v.Verify(context.Background(), &model.Envelope{Type: "Notification"})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCertChainRejectsUntrustedCertURL(t *testing.T) {
	v := NewCertChain()
	env := &model.Envelope{
		Type:           "Notification",
		Signature:      "c2lnbmF0dXJl",
		SigningCertURL: "http://evil.example.com/cert.pem",
	}
	err := v.Verify(context.Background(), env)
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	env.SigningCertURL = "https://evil.example.com/cert.pem"
	err = v.Verify(context.Background(), env)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCertChainRejectsBadBase64(t *testing.T) {
	v := NewCertChain()
	env := &model.Envelope{
		Type:           "Notification",
		Signature:      "%%% not base64 %%%",
		SigningCertURL: "https://sns.us-east-1.amazonaws.com/cert.pem",
	}
	err := v.Verify(context.Background(), env)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestCanonicalStringForNotification(t *testing.T) {
	env := &model.Envelope{
		Type:      "Notification",
		MessageID: "msg-1",
		TopicArn:  "arn:aws:sns:us-east-1:1234:bounces",
		Message:   json.RawMessage(`"hello"`),
		Timestamp: "2024-05-01T10:00:00.000Z",
	}

	got := canonicalString(env)
	want := "Message\nhello\n" +
		"MessageId\nmsg-1\n" +
		"Timestamp\n2024-05-01T10:00:00.000Z\n" +
		"TopicArn\narn:aws:sns:us-east-1:1234:bounces\n" +
		"Type\nNotification\n"
	assert.Equal(t, want, got)
}

func TestCanonicalStringIncludesSubjectWhenSet(t *testing.T) {
	env := &model.Envelope{
		Type:      "Notification",
		MessageID: "msg-1",
		Subject:   "AWS Notification",
		Message:   json.RawMessage(`"hello"`),
	}
	assert.Contains(t, canonicalString(env), "Subject\nAWS Notification\n")
}

func TestCanonicalStringForSubscriptionConfirmation(t *testing.T) {
	env := &model.Envelope{
		Type:         "SubscriptionConfirmation",
		MessageID:    "msg-2",
		Token:        "tok",
		SubscribeURL: "https://sns.us-east-1.amazonaws.com/confirm",
		Message:      json.RawMessage(`"confirm me"`),
	}

	got := canonicalString(env)
	assert.Contains(t, got, "Token\ntok\n")
	assert.Contains(t, got, "SubscribeURL\nhttps://sns.us-east-1.amazonaws.com/confirm\n")
	assert.NotContains(t, got, "Subject")
}
