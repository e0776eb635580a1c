// ABOUTME: Persistence contracts for sessions, transcripts, cron jobs, and
// ABOUTME: runtime overrides. The gateway treats these as opaque record stores.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SessionRecord is the persisted shape of one conversational session.
type SessionRecord struct {
	Key          string
	Surface      string
	Address      string
	Thinking     string
	Verbose      bool
	Activation   string
	CreatedAt    time.Time
	LastActivity time.Time
}

// TranscriptEntry is one persisted line of a session transcript.
type TranscriptEntry struct {
	ID         string
	SessionKey string
	Author     string
	Direction  string // "in" or "out"
	Text       string
	CreatedAt  time.Time
}

// CronJob is one persisted scheduled trigger.
type CronJob struct {
	ID         string
	Every      string // duration string, mutually exclusive with At
	At         string // "HH:MM" local time
	Message    string
	SessionKey string
	CreatedAt  time.Time
}

// Store is the persistence boundary of the gateway core.
type Store interface {
	SaveSession(ctx context.Context, rec *SessionRecord) error
	GetSession(ctx context.Context, key string) (*SessionRecord, error)
	ListSessions(ctx context.Context) ([]*SessionRecord, error)
	DeleteSession(ctx context.Context, key string) error

	AppendTranscript(ctx context.Context, entry *TranscriptEntry) error
	Transcript(ctx context.Context, sessionKey string, limit int, beforeID string) ([]*TranscriptEntry, error)
	DeleteTranscript(ctx context.Context, sessionKey string) error

	SaveCronJob(ctx context.Context, job *CronJob) error
	ListCronJobs(ctx context.Context) ([]*CronJob, error)
	DeleteCronJob(ctx context.Context, id string) error

	SetRuntime(ctx context.Context, key, value string) error
	GetRuntime(ctx context.Context, key string) (string, error)
	AllRuntime(ctx context.Context) (map[string]string, error)

	Close() error
}
