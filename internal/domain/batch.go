package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BatchStatus represents the lifecycle state of a staging batch.
type BatchStatus string

const (
	BatchQueued    BatchStatus = "queued"
	BatchStarted   BatchStatus = "started"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// IsValid reports whether s is a known status.
func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchQueued, BatchStarted, BatchCompleted, BatchFailed, BatchCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the engine will never move a batch out of s.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

// BatchKind is how a batch's data was captured.
type BatchKind string

const (
	KindWebScrape  BatchKind = "web_scrape"
	KindBulkUpload BatchKind = "bulk_upload"
)

// IsValid reports whether k is a known kind.
func (k BatchKind) IsValid() bool {
	return k == KindWebScrape || k == KindBulkUpload
}

// Failure messages persisted on batches that cannot be scraped.
const (
	MsgNoSupplier     = "No supplier ID provided"
	MsgNoCookieData   = "No cookie data provided"
	MsgNoSupplierRow  = "Supplier not found"
	MsgNoProcessor    = "No processor specified"
	MsgCookiesExpired = "Cookie data expired"
	MsgInterrupted    = "Interrupted by shutdown"
)

// UnknownProcessorMessage is the failure message for a processor name with
// no configured scraper.
func UnknownProcessorMessage(name string) string {
	return "Unknown processor: " + name
}

// InvalidCookieMessage is the failure message for undecodable cookie data.
func InvalidCookieMessage(err error) string {
	reason := strings.TrimPrefix(err.Error(), ErrInvalidCookieFile.Error()+": ")
	return "Invalid cookie data: " + reason
}

// StagingBatch is one supplier data-capture session.
//
// CompletedAt is set only while Status is BatchCompleted and ErrorMessage only
// while Status is BatchFailed. The transition methods keep both in step.
type StagingBatch struct {
	ID            uuid.UUID
	SupplierID    uuid.NullUUID
	Kind          BatchKind
	ProcessorName string
	Status        BatchStatus
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CookieData    string
	Notes         string
	ErrorMessage  string
}

// NewStagingBatch returns a queued batch with a fresh ID.
func NewStagingBatch(kind BatchKind, now time.Time) *StagingBatch {
	return &StagingBatch{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    BatchQueued,
		CreatedAt: now,
	}
}

// Start moves a queued batch to started.
func (b *StagingBatch) Start(now time.Time) error {
	if b.Status != BatchQueued {
		return b.transitionErr(BatchStarted)
	}
	b.Status = BatchStarted
	b.StartedAt = &now
	return nil
}

// Complete moves a started batch to completed.
func (b *StagingBatch) Complete(now time.Time) error {
	if b.Status != BatchStarted {
		return b.transitionErr(BatchCompleted)
	}
	b.Status = BatchCompleted
	b.CompletedAt = &now
	b.ErrorMessage = ""
	return nil
}

// Fail records a terminal failure. Queued and started batches may fail.
func (b *StagingBatch) Fail(msg string) error {
	if b.Status.IsTerminal() {
		return b.transitionErr(BatchFailed)
	}
	if msg == "" {
		msg = "unknown error"
	}
	b.Status = BatchFailed
	b.ErrorMessage = msg
	b.CompletedAt = nil
	return nil
}

// Cancel withdraws a batch that has not been picked up yet.
func (b *StagingBatch) Cancel() error {
	if b.Status != BatchQueued {
		return b.transitionErr(BatchCancelled)
	}
	b.Status = BatchCancelled
	return nil
}

// Requeue resets a failed or cancelled batch so the engine picks it up again.
// It is the only way out of a terminal state and is never called by the engine.
func (b *StagingBatch) Requeue() error {
	if b.Status != BatchFailed && b.Status != BatchCancelled {
		return b.transitionErr(BatchQueued)
	}
	b.Status = BatchQueued
	b.StartedAt = nil
	b.CompletedAt = nil
	b.ErrorMessage = ""
	return nil
}

func (b *StagingBatch) transitionErr(to BatchStatus) error {
	return fmt.Errorf("%w: batch %s %s -> %s", ErrInvalidTransition, b.ID, b.Status, to)
}
