package types

// PushPayload is the JSON body delivered to the service worker.
type PushPayload struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	URL        string `json:"url"`
	DigestDate string `json:"digest_date"`
	QSLCount   int    `json:"qsl_count"`
	Op         string `json:"op"`
}

// EmailMessage is a fully rendered outbound email.
type EmailMessage struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
	// ReferenceID is forwarded to providers that support custom args.
	ReferenceID string
}

// DispatchMessage is the SQS body announcing a batch ready for dispatch.
type DispatchMessage struct {
	BatchID    int64  `json:"batch_id"`
	UserID     int64  `json:"user_id,omitempty"`
	DigestDate string `json:"digest_date,omitempty"`
}
