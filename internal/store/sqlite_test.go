// ABOUTME: Tests for the SQLite store: sessions, transcripts, cron, runtime.
// ABOUTME: Runs against an in-memory database.

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rec := &SessionRecord{
		Key:          "whatsapp:+123",
		Surface:      "whatsapp",
		Address:      "+123",
		Thinking:     "medium",
		Verbose:      true,
		Activation:   "mention",
		CreatedAt:    now,
		LastActivity: now,
	}
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.GetSession(ctx, "whatsapp:+123")
	require.NoError(t, err)
	assert.Equal(t, "medium", got.Thinking)
	assert.True(t, got.Verbose)
	assert.Equal(t, "mention", got.Activation)
}

func TestSQLiteStore_SaveSessionUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{Key: "k", Surface: "webchat", Thinking: "off", Activation: "mention", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, s.SaveSession(ctx, rec))

	rec.Thinking = "high"
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.GetSession(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "high", got.Thinking)

	all, err := s.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLiteStore_GetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_DeleteSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SessionRecord{Key: "k", Surface: "webchat", Thinking: "off", Activation: "mention", CreatedAt: time.Now(), LastActivity: time.Now()}
	require.NoError(t, s.SaveSession(ctx, rec))
	require.NoError(t, s.DeleteSession(ctx, "k"))

	_, err := s.GetSession(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is not an error.
	assert.NoError(t, s.DeleteSession(ctx, "k"))
}

func TestSQLiteStore_TranscriptPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendTranscript(ctx, &TranscriptEntry{
			ID:         fmt.Sprintf("e%d", i),
			SessionKey: "k",
			Author:     "user",
			Direction:  "in",
			Text:       fmt.Sprintf("msg %d", i),
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, err := s.Transcript(ctx, "k", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "e4", page[0].ID, "newest first")
	assert.Equal(t, "e3", page[1].ID)

	page, err = s.Transcript(ctx, "k", 10, "e3")
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "e2", page[0].ID)
}

func TestSQLiteStore_DeleteTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTranscript(ctx, &TranscriptEntry{ID: "e1", SessionKey: "k", Author: "user", Direction: "in", Text: "hi"}))
	require.NoError(t, s.DeleteTranscript(ctx, "k"))

	page, err := s.Transcript(ctx, "k", 10, "")
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestSQLiteStore_CronJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCronJob(ctx, &CronJob{ID: "j1", Every: "1h", Message: "check in"}))
	require.NoError(t, s.SaveCronJob(ctx, &CronJob{ID: "j2", At: "08:30", Message: "morning brief", SessionKey: "k"}))

	jobs, err := s.ListCronJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "j1", jobs[0].ID)

	require.NoError(t, s.DeleteCronJob(ctx, "j1"))
	assert.ErrorIs(t, s.DeleteCronJob(ctx, "j1"), ErrNotFound)
}

func TestSQLiteStore_RuntimeConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRuntime(ctx, "voicewake.words")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetRuntime(ctx, "voicewake.words", `["hey den"]`))
	require.NoError(t, s.SetRuntime(ctx, "voicewake.words", `["hey den","ok den"]`))

	val, err := s.GetRuntime(ctx, "voicewake.words")
	require.NoError(t, err)
	assert.Equal(t, `["hey den","ok den"]`, val)

	all, err := s.AllRuntime(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
