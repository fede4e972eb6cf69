package app

import (
	"context"
	"database/sql"
	"errors"

	"coedit/api/internal/store"
)

// authorizeParticipant admits any read-side request: the requester must
// hold an active participant row on the document. Participants who left
// or were never admitted are indistinguishable to the caller.
func (s *Service) authorizeParticipant(ctx context.Context, documentID, authorID string) (store.Document, store.Participant, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, store.Participant{}, err
	}
	participant, err := s.store.GetParticipant(ctx, documentID, authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.Participant{}, errNotActiveParticipant()
	}
	if err != nil {
		return store.Document{}, store.Participant{}, err
	}
	if !participant.Active {
		return store.Document{}, store.Participant{}, errNotActiveParticipant()
	}
	return doc, participant, nil
}

// authorizeWrite additionally enforces the session lock: while a
// document is locked only its host may mutate it.
func (s *Service) authorizeWrite(ctx context.Context, documentID, authorID string) (store.Document, store.Participant, error) {
	doc, participant, err := s.authorizeParticipant(ctx, documentID, authorID)
	if err != nil {
		return store.Document{}, store.Participant{}, err
	}
	if doc.Locked && !participant.IsHost {
		return store.Document{}, store.Participant{}, domainError(403, "SESSION_LOCKED", "document is locked by the host", nil)
	}
	return doc, participant, nil
}

func errNotActiveParticipant() *DomainError {
	return domainError(403, "NOT_AN_ACTIVE_PARTICIPANT", "author is not an active participant of this document", nil)
}
