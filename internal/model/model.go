package model

import (
	"encoding/json"
	"time"
)

// NotificationKind classifies an inbound notification after decoding.
type NotificationKind string

const (
	KindBounce                   NotificationKind = "Bounce"
	KindComplaint                NotificationKind = "Complaint"
	KindSubscriptionConfirmation NotificationKind = "SubscriptionConfirmation"
	KindOther                    NotificationKind = "Other"
)

// Placeholder values substituted for unset optional fields so that every
// persisted row carries all nine columns.
const (
	PlaceholderUnknown     = "Unknown"
	PlaceholderNotProvided = "Not provided"
)

// Envelope is the outer SNS message structure. Message is kept raw because
// upstream delivers it as a structured object, a JSON-encoded string, or a
// twice-encoded string depending on the subscription configuration.
type Envelope struct {
	Type             string          `json:"Type"`
	MessageID        string          `json:"MessageId"`
	TopicArn         string          `json:"TopicArn"`
	Subject          string          `json:"Subject"`
	Message          json.RawMessage `json:"Message"`
	Timestamp        string          `json:"Timestamp"`
	SignatureVersion string          `json:"SignatureVersion"`
	Signature        string          `json:"Signature"`
	SigningCertURL   string          `json:"SigningCertURL"`
	SubscribeURL     string          `json:"SubscribeURL"`
	Token            string          `json:"Token"`
	UnsubscribeURL   string          `json:"UnsubscribeURL"`
}

// MessageString returns the Message field as the string it was signed over.
// A JSON string value is unquoted; a structured object is returned verbatim.
func (e *Envelope) MessageString() string {
	if len(e.Message) == 0 {
		return ""
	}
	if e.Message[0] == '"' {
		var s string
		if err := json.Unmarshal(e.Message, &s); err == nil {
			return s
		}
	}
	return string(e.Message)
}

// SESMessage is the inner notification payload published by SES.
type SESMessage struct {
	NotificationType string       `json:"notificationType"`
	Bounce           SESBounce    `json:"bounce"`
	Complaint        SESComplaint `json:"complaint"`
	Mail             SESMail      `json:"mail"`
}

// SESBounce carries the bounce-specific portion of a notification.
type SESBounce struct {
	BounceType        string         `json:"bounceType"`
	BounceSubType     string         `json:"bounceSubType"`
	BouncedRecipients []SESRecipient `json:"bouncedRecipients"`
	Timestamp         string         `json:"timestamp"`
	FeedbackID        string         `json:"feedbackId"`
	ReportingMTA      string         `json:"reportingMTA"`
	RemoteMtaIP       string         `json:"remoteMtaIp"`
}

// SESComplaint carries the complaint-specific portion of a notification.
type SESComplaint struct {
	ComplainedRecipients  []SESRecipient `json:"complainedRecipients"`
	ComplaintFeedbackType string         `json:"complaintFeedbackType"`
	UserAgent             string         `json:"userAgent"`
	Timestamp             string         `json:"timestamp"`
	FeedbackID            string         `json:"feedbackId"`
}

// SESRecipient is one entry of bouncedRecipients / complainedRecipients.
type SESRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

// SESMail describes the original outbound message the notification is about.
type SESMail struct {
	Timestamp        string   `json:"timestamp"`
	Source           string   `json:"source"`
	SourceIP         string   `json:"sourceIp"`
	SourceArn        string   `json:"sourceArn"`
	MessageID        string   `json:"messageId"`
	Destination      []string `json:"destination"`
	HeadersTruncated bool     `json:"headersTruncated"`
}

// Recipient is one failed delivery target inside a BounceEvent.
type Recipient struct {
	EmailAddress   string
	DiagnosticCode string
}

// BounceEvent is the normalized decoder output for a single notification.
type BounceEvent struct {
	Kind           NotificationKind
	BounceType     string
	BounceSubType  string
	ReportingAgent string
	FeedbackID     string
	Timestamp      time.Time
	SourceEmail    string
	SourceIP       string
	Recipients     []Recipient

	// SubscribeURL is set only for SubscriptionConfirmation notifications
	// so the operator can confirm the subscription manually.
	SubscribeURL string
}

// BounceRecord is the persisted row: one BounceEvent flattened per recipient.
// Unset optional fields are normalized to placeholders, never left empty.
type BounceRecord struct {
	ID             uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	Email          string    `json:"email" gorm:"type:varchar(255);not null;index"`
	Timestamp      time.Time `json:"timestamp" gorm:"not null;index"`
	SourceEmail    string    `json:"source_email" gorm:"type:varchar(255);not null"`
	SourceIP       string    `json:"source_ip" gorm:"type:varchar(64);not null"`
	BounceType     string    `json:"bounce_type" gorm:"type:varchar(64);not null"`
	BounceSubType  string    `json:"bounce_sub_type" gorm:"type:varchar(64);not null"`
	DiagnosticCode string    `json:"diagnostic_code" gorm:"type:text;not null"`
	ReportingAgent string    `json:"reporting_agent" gorm:"type:varchar(255);not null"`
	FeedbackID     string    `json:"feedback_id" gorm:"type:varchar(255);not null;index"`
}

// TableName specifies the table name for BounceRecord
func (BounceRecord) TableName() string {
	return "bounce_records"
}

// DedupKey identifies a record for exactly-once appends. FeedbackID alone is
// not unique across recipients of the same event, and may be a placeholder,
// so the key includes the recipient address and the event instant.
func (r *BounceRecord) DedupKey() string {
	return r.FeedbackID + "|" + r.Email + "|" + r.Timestamp.UTC().Format(time.RFC3339)
}

// RecordsFromEvent flattens a bounce event into one record per recipient,
// applying placeholder normalization to every optional field.
func RecordsFromEvent(ev *BounceEvent) []BounceRecord {
	records := make([]BounceRecord, 0, len(ev.Recipients))
	for _, rcpt := range ev.Recipients {
		records = append(records, BounceRecord{
			Email:          orPlaceholder(rcpt.EmailAddress, PlaceholderUnknown),
			Timestamp:      ev.Timestamp,
			SourceEmail:    orPlaceholder(ev.SourceEmail, PlaceholderUnknown),
			SourceIP:       orPlaceholder(ev.SourceIP, PlaceholderUnknown),
			BounceType:     orPlaceholder(ev.BounceType, PlaceholderUnknown),
			BounceSubType:  orPlaceholder(ev.BounceSubType, PlaceholderUnknown),
			DiagnosticCode: orPlaceholder(rcpt.DiagnosticCode, PlaceholderNotProvided),
			ReportingAgent: orPlaceholder(ev.ReportingAgent, PlaceholderUnknown),
			FeedbackID:     orPlaceholder(ev.FeedbackID, PlaceholderUnknown),
		})
	}
	return records
}

func orPlaceholder(v, placeholder string) string {
	if v == "" {
		return placeholder
	}
	return v
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Store     string            `json:"store"`
	Metrics   map[string]string `json:"metrics,omitempty"`
}
