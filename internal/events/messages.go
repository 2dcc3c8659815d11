// Package events defines the messages exchanged between pipeline stages and
// the publishers that deliver them.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source is the EventBridge source of every event the pipeline emits.
const Source = "shipment-bundler"

// Detail types.
const (
	DetailPackage       = "ShipmentPackageCreated"
	DetailJobReady      = "ShipmentJobReady"
	DetailError         = "ShipmentProcessingError"
	DetailDownloadReady = "ShipmentDownloadReady"
)

// Service origins carried on error messages.
const (
	OriginPartitioner = "partitioner"
	OriginPackager    = "packager"
	OriginCleanup     = "cleanup"
)

// PackageMessage drives one package run.
type PackageMessage struct {
	JobID         string `json:"job_id"`
	OriginalFile  string `json:"original_file"`
	PackageURI    string `json:"package_uri"`
	PackageNumber int    `json:"package_number"`
	PackageCount  int    `json:"package_count"`
}

// JobReadyMessage announces a partitioned job.
type JobReadyMessage struct {
	JobID        string   `json:"job_id"`
	OriginalFile string   `json:"original_file"`
	Packages     []string `json:"packages"`
	TotalItems   int      `json:"total_items"`
}

// ErrorMessage reports a failure in any stage.
type ErrorMessage struct {
	JobID         string    `json:"job_id"`
	ServiceOrigin string    `json:"service_origin"`
	ErrorMessage  string    `json:"error_message"`
	Severity      string    `json:"severity"`
	Timestamp     time.Time `json:"timestamp"`
	PackageNumber int       `json:"package_number,omitempty"`
}

// DownloadReadyNotification carries a signed link for one package.
type DownloadReadyNotification struct {
	JobID         string    `json:"job_id"`
	PackageNumber int       `json:"package_number"`
	PackageCount  int       `json:"package_count"`
	SignedURL     string    `json:"signed_url"`
	ExpiresAt     time.Time `json:"expires_at"`
	ItemCount     int       `json:"item_count"`
}

// Event is one message ready for publishing.
type Event struct {
	DetailType string
	JobID      string
	Detail     any
}

// Constructors keep detail type and payload in step.

func NewPackageEvent(m PackageMessage) Event {
	return Event{DetailType: DetailPackage, JobID: m.JobID, Detail: m}
}

func NewJobReadyEvent(m JobReadyMessage) Event {
	return Event{DetailType: DetailJobReady, JobID: m.JobID, Detail: m}
}

func NewErrorEvent(m ErrorMessage) Event {
	return Event{DetailType: DetailError, JobID: m.JobID, Detail: m}
}

func NewDownloadReadyEvent(m DownloadReadyNotification) Event {
	return Event{DetailType: DetailDownloadReady, JobID: m.JobID, Detail: m}
}

// envelope is the EventBridge shape a message arrives in when a rule
// forwards it to a queue.
type envelope struct {
	DetailType string          `json:"detail-type"`
	Source     string          `json:"source"`
	Detail     json.RawMessage `json:"detail"`
}

// DecodePackageMessage accepts either a bare PackageMessage or one wrapped
// in an EventBridge envelope.
func DecodePackageMessage(body []byte) (PackageMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Detail) > 0 {
		if env.DetailType != "" && env.DetailType != DetailPackage {
			return PackageMessage{}, fmt.Errorf("unexpected detail-type %q", env.DetailType)
		}
		body = env.Detail
	}
	var m PackageMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return PackageMessage{}, fmt.Errorf("decode package message: %w", err)
	}
	if m.JobID == "" || m.PackageNumber < 1 || m.PackageCount < m.PackageNumber {
		return PackageMessage{}, fmt.Errorf("invalid package message: job=%q package=%d/%d", m.JobID, m.PackageNumber, m.PackageCount)
	}
	return m, nil
}
