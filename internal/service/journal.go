package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MimeLyc/annotation-session/internal/orchestrator"
	"github.com/MimeLyc/annotation-session/internal/persistence"
	"github.com/MimeLyc/annotation-session/pkg/log"
)

// ActionJournal stores dispatched actions for later inspection.
type ActionJournal interface {
	AppendAction(ctx context.Context, rec persistence.ActionRecord) (int64, error)
	ListActions(ctx context.Context, limit int) ([]persistence.ActionRecord, error)
	ListInvocation(ctx context.Context, invocationID string) ([]persistence.ActionRecord, error)
}

// JournalSink writes every action it receives to an ActionJournal.
type JournalSink struct {
	journal ActionJournal
	timeout time.Duration
}

func NewJournalSink(journal ActionJournal) *JournalSink {
	return &JournalSink{journal: journal, timeout: 5 * time.Second}
}

func (s *JournalSink) Dispatch(action orchestrator.Action) {
	rec, err := toRecord(action)
	if err != nil {
		log.Error("Failed to encode action %s: %v", action.Type, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.journal.AppendAction(ctx, rec); err != nil {
		log.Error("Failed to journal action %s: %v", action.Type, err)
	}
}

func toRecord(action orchestrator.Action) (persistence.ActionRecord, error) {
	rec := persistence.ActionRecord{
		InvocationID: action.InvocationID,
		Type:         string(action.Type),
		CreatedAt:    action.Time,
	}
	if action.Payload != nil {
		payload, err := json.Marshal(action.Payload)
		if err != nil {
			return rec, err
		}
		rec.Payload = payload
	}
	if err := action.Err(); err != nil {
		rec.Error = err.Error()
	}
	return rec, nil
}
