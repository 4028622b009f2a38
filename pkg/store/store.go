// Package store persists contacts, campaigns, calls, their interactions and
// the outbound call queue.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNotFound = errors.New("store: not found")

type ContactStatus string

const (
	ContactNew           ContactStatus = "New"
	ContactCalling       ContactStatus = "Calling"
	ContactNoAnswer      ContactStatus = "No_answer"
	ContactLeads         ContactStatus = "Leads"
	ContactNotInterested ContactStatus = "Not_interested"
	ContactError         ContactStatus = "Error"
)

type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueCalling   QueueStatus = "calling"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
	QueueRetrying  QueueStatus = "retrying"
)

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAnswered  CallStatus = "answered"
	CallCompleted CallStatus = "completed"
	CallFailed    CallStatus = "failed"
)

type Contact struct {
	ID                 int64
	Phone              string
	FirstName          string
	LastName           string
	Email              string
	Company            string
	Status             ContactStatus
	Priority           int
	Attempts           int
	LastAttempt        time.Time
	Transcript         string
	CallDuration       int
	FinalStatus        string
	AudioRecordingPath string
}

type Campaign struct {
	ID                int64
	CampaignID        string
	Name              string
	Description       string
	Status            CampaignStatus
	TotalCalls        int
	SuccessfulCalls   int
	PositiveResponses int
	NegativeResponses int
	StartedAt         time.Time
	CompletedAt       time.Time
}

type CallRecord struct {
	ID                 int64
	CallID             string
	Phone              string
	CampaignID         string
	Status             CallStatus
	AMDResult          string
	FinalSentiment     string
	IsInterested       bool
	Duration           int
	RecordingPath      string
	AssembledAudioPath string
	StartedAt          time.Time
	EndedAt            time.Time
}

// Ended is true once the call was torn down.
func (c CallRecord) Ended() bool { return !c.EndedAt.IsZero() }

// Interaction is one played question and the caller's answer to it.
type Interaction struct {
	ID               int64
	CallID           string
	QuestionNumber   int
	QuestionPlayed   string
	Transcription    string
	AudioPath        string
	Sentiment        string
	Confidence       float64
	ResponseDuration float64
	Language         string
	Intent           string
	IntentConfidence float64
	ASRLatencyMS     float64
	IntentLatencyMS  float64
	BargeIn          bool
	ProcessingMethod string
	PlayedAt         time.Time
}

type QueueEntry struct {
	ID            int64
	CampaignID    string
	Phone         string
	Scenario      string
	Status        QueueStatus
	Priority      int
	Attempts      int
	MaxAttempts   int
	LastAttemptAt time.Time
	CallID        string
	ErrorMessage  string
	CreatedAt     time.Time
}

// CanRetry reports whether another launch attempt is allowed.
func (q QueueEntry) CanRetry() bool { return q.Attempts < q.MaxAttempts }

type Store interface {
	CreateCallRecord(ctx context.Context, rec CallRecord) error
	UpdateCallRecord(ctx context.Context, rec CallRecord) error
	GetCallRecord(ctx context.Context, callID string) (CallRecord, error)
	AppendInteraction(ctx context.Context, in Interaction) error
	Interactions(ctx context.Context, callID string) ([]Interaction, error)

	UpsertContact(ctx context.Context, c Contact) error
	GetContact(ctx context.Context, phone string) (Contact, error)
	UpdateContact(ctx context.Context, c Contact) error
	UpdateContactStatus(ctx context.Context, phone string, status ContactStatus) error
	// RecordContactAttempt sets the post-call status and counts the attempt.
	RecordContactAttempt(ctx context.Context, phone string, status ContactStatus, at time.Time) error

	UpsertCampaign(ctx context.Context, c Campaign) error
	GetCampaign(ctx context.Context, campaignID string) (Campaign, error)
	UpdateCampaign(ctx context.Context, c Campaign) error

	Enqueue(ctx context.Context, e QueueEntry) (QueueEntry, error)
	QueueByStatus(ctx context.Context, status QueueStatus) ([]QueueEntry, error)
	// NextPending orders by priority desc, then creation time.
	NextPending(ctx context.Context, limit int) ([]QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e QueueEntry) error
	CountQueue(ctx context.Context, status QueueStatus) (int, error)

	Close() error
}

type Config struct {
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// Open builds the configured store. The memory driver needs no DSN.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}
