package client

import "time"

// Headers set on uploads
const (
	HeaderRequestID   = "X-Request-ID"
	HeaderAgentID     = "X-Agent-ID"
	HeaderResourceID  = "X-Resource-ID"
	HeaderDefinition  = "X-Definition"
	HeaderVersion     = "X-Version"
	HeaderCategory    = "X-Category"
	HeaderMode        = "X-Handling-Mode"
	HeaderPinned      = "X-Pinned"
	HeaderAlgorithm   = "X-Hash-Algorithm"
	HeaderCompression = "X-Compression"
)

// ChangeSetUpload describes an uploaded change-set archive
type ChangeSetUpload struct {
	RequestID   string
	ResourceID  string
	Definition  string
	Version     int
	Category    string
	Mode        string
	Pinned      bool
	Algorithm   string
	Compression string
}

// UploadReceipt is the collector's answer to a change-set upload
type UploadReceipt struct {
	RequestID string `json:"request_id"`
	Accepted  bool   `json:"accepted"`
	// MissingHashes lists content the collector does not hold yet and wants
	// supplied through a content upload.
	MissingHashes []string  `json:"missing_hashes,omitempty"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ContentUpload describes an archive of requested file content
type ContentUpload struct {
	RequestID   string
	ResourceID  string
	Algorithm   string
	Compression string
}

// ContentReceipt is the collector's answer to a content upload
type ContentReceipt struct {
	RequestID string   `json:"request_id"`
	Stored    []string `json:"stored"`
}

// ContentRequest is the collector's pull for content by hash
type ContentRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	Hashes    []string `json:"hashes"`
}

// HealthResponse represents the collector health status
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
