package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"coedit/api/internal/auth"
	"coedit/api/internal/config"
	"coedit/api/internal/ot"
	"coedit/api/internal/presence"
	"coedit/api/internal/store"
	"coedit/api/internal/util"
)

type Session struct {
	Token         string
	ParticipantID string
	DocumentID    string
	Name          string
	IsHost        bool
	ExpiresAt     time.Time
}

type CreateDocumentInput struct {
	Title        string `json:"title"`
	Text         string `json:"text"`
	HostName     string `json:"hostName"`
	JoinPassword string `json:"joinPassword"`
}

type JoinInput struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// OperationInput is the wire form of a submitted edit. Pointer fields
// distinguish absent from zero so validation can reject omissions.
type OperationInput struct {
	Kind         string            `json:"kind"`
	Position     int               `json:"position"`
	Content      *string           `json:"content"`
	Length       *int              `json:"length"`
	OldLength    *int              `json:"old_length"`
	BaseRevision int64             `json:"base_revision"`
	Metadata     map[string]string `json:"metadata"`
}

type dataStore interface {
	CreateDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	SetDocumentLocked(context.Context, string, bool) error
	CreateParticipant(context.Context, store.Participant) error
	GetParticipant(context.Context, string, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	SetParticipantActive(context.Context, string, string, bool) error
	AppendOperation(context.Context, string, store.Operation, string) (int64, error)
	ListOperationsSince(context.Context, string, int64) ([]store.Operation, error)
	OperationCountSince(context.Context, string, int64) (int, error)
	Ping(ctx context.Context) error
}

type presenceStore interface {
	Touch(ctx context.Context, documentID, participantID string, ttl time.Duration) error
	Forget(ctx context.Context, documentID, participantID string) error
	Online(ctx context.Context, documentID string) (map[string]bool, error)
	Ping(ctx context.Context) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	presence presenceStore

	// docMu guards docLocks; each document gets one mutex that
	// serializes the whole transform-and-append critical section.
	docMu    sync.Mutex
	docLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore *store.PostgresStore, presenceStore *presence.Store) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		presence: presenceStore,
		docLocks: make(map[string]*sync.Mutex),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingPresence(ctx context.Context) error {
	return s.presence.Ping(ctx)
}

func (s *Service) lockDocument(documentID string) func() {
	s.docMu.Lock()
	mu, ok := s.docLocks[documentID]
	if !ok {
		mu = &sync.Mutex{}
		s.docLocks[documentID] = mu
	}
	s.docMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Untitled Document"
	}
	hostName := strings.TrimSpace(input.HostName)
	if hostName == "" {
		hostName = "Host"
	}
	if len(input.Text) > ot.MaxContentLen {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			fmt.Sprintf("text exceeds %d bytes", ot.MaxContentLen), nil)
	}

	passwordHash := ""
	if input.JoinPassword != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(input.JoinPassword), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		passwordHash = string(hashed)
	}

	documentID := "doc-" + util.NewID("")[:10]
	hostID := util.NewID("par")
	if err := s.store.CreateDocument(ctx, store.Document{
		ID:               documentID,
		Title:            title,
		Content:          input.Text,
		Revision:         0,
		HostID:           hostID,
		JoinPasswordHash: passwordHash,
	}); err != nil {
		return nil, err
	}
	host := store.Participant{
		ID:          hostID,
		DocumentID:  documentID,
		DisplayName: hostName,
		Color:       util.ParticipantColor(hostID),
		Active:      true,
		IsHost:      true,
	}
	if err := s.store.CreateParticipant(ctx, host); err != nil {
		return nil, err
	}

	session, err := s.issueSession(documentID, host)
	if err != nil {
		return nil, err
	}
	_ = s.presence.Touch(ctx, documentID, hostID, s.cfg.PresenceTTL)

	return map[string]any{
		"document":    documentPayload(store.Document{ID: documentID, Title: title, Content: input.Text}),
		"participant": participantPayload(host, true),
		"token":       session.Token,
		"expiresAt":   session.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) Join(ctx context.Context, documentID string, input JoinInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.JoinPasswordHash != "" {
		if bcrypt.CompareHashAndPassword([]byte(doc.JoinPasswordHash), []byte(input.Password)) != nil {
			return nil, domainError(http.StatusForbidden, "INVALID_JOIN_PASSWORD", "join password does not match", nil)
		}
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "Guest"
	}
	participantID := util.NewID("par")
	participant := store.Participant{
		ID:          participantID,
		DocumentID:  documentID,
		DisplayName: name,
		Color:       util.ParticipantColor(participantID),
		Active:      true,
	}
	if err := s.store.CreateParticipant(ctx, participant); err != nil {
		return nil, err
	}

	session, err := s.issueSession(documentID, participant)
	if err != nil {
		return nil, err
	}
	_ = s.presence.Touch(ctx, documentID, participantID, s.cfg.PresenceTTL)

	return map[string]any{
		"document":    documentPayload(doc),
		"participant": participantPayload(participant, true),
		"token":       session.Token,
		"expiresAt":   session.ExpiresAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) Leave(ctx context.Context, session Session) error {
	if err := s.store.SetParticipantActive(ctx, session.DocumentID, session.ParticipantID, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	_ = s.presence.Forget(ctx, session.DocumentID, session.ParticipantID)
	return nil
}

func (s *Service) issueSession(documentID string, participant store.Participant) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  participant.ID,
		Doc:  documentID,
		Name: participant.DisplayName,
		Host: participant.IsHost,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:         token,
		ParticipantID: participant.ID,
		DocumentID:    documentID,
		Name:          participant.DisplayName,
		IsHost:        participant.IsHost,
		ExpiresAt:     expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:         token,
		ParticipantID: claims.Sub,
		DocumentID:    claims.Doc,
		Name:          claims.Name,
		IsHost:        claims.Host,
		ExpiresAt:     time.Unix(claims.Exp, 0),
	}, nil
}

// SubmitOperation runs the full server-side pipeline: decode and
// validate, admit the author, then under the per-document lock
// transform the edit over everything committed past its base revision,
// apply it, and append it as the next revision.
func (s *Service) SubmitOperation(ctx context.Context, documentID, authorID string, input OperationInput) (map[string]any, error) {
	op, err := ot.Decode(input.Kind, input.Position, input.Content, input.Length, input.OldLength)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_OPERATION", err.Error(), nil)
	}
	if input.BaseRevision < 0 {
		return nil, domainError(http.StatusBadRequest, "INVALID_OPERATION", "base_revision must be non-negative", nil)
	}

	_, participant, err := s.authorizeWrite(ctx, documentID, authorID)
	if err != nil {
		return nil, err
	}

	unlock := s.lockDocument(documentID)
	defer unlock()

	// Re-read under the lock: the revision may have advanced between
	// the gate check and acquiring the mutex.
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if input.BaseRevision > doc.Revision {
		return nil, domainError(http.StatusBadRequest, "INVALID_OPERATION",
			fmt.Sprintf("base_revision %d is ahead of document revision %d", input.BaseRevision, doc.Revision), nil)
	}

	backlog, err := s.store.OperationCountSince(ctx, documentID, input.BaseRevision)
	if err != nil {
		return nil, err
	}
	if backlog > s.cfg.MaxCatchUp {
		return nil, domainError(http.StatusConflict, "RESYNC_REQUIRED",
			fmt.Sprintf("operation is %d revisions behind, beyond the catch-up bound of %d", backlog, s.cfg.MaxCatchUp),
			map[string]any{"revision": doc.Revision})
	}

	committed, err := s.store.ListOperationsSince(ctx, documentID, input.BaseRevision)
	if err != nil {
		return nil, err
	}
	for _, row := range committed {
		op = ot.TransformAgainst(op, opFromRecord(row))
	}

	newContent := op.Apply(doc.Content)
	record := recordFromOp(op, input.BaseRevision, authorID, input.Metadata)
	revision, err := s.store.AppendOperation(ctx, documentID, record, newContent)
	if err != nil {
		return nil, err
	}
	record.DocumentID = documentID
	record.Revision = revision
	record.CreatedAt = time.Now().UTC()

	_ = s.presence.Touch(ctx, documentID, authorID, s.cfg.PresenceTTL)

	return map[string]any{
		"revision":  revision,
		"operation": operationPayload(record, participant.DisplayName, participant.Color),
	}, nil
}

// Operations returns the committed log past sinceRevision so a client
// can catch up by polling.
func (s *Service) Operations(ctx context.Context, documentID, authorID string, sinceRevision int64) (map[string]any, error) {
	doc, _, err := s.authorizeParticipant(ctx, documentID, authorID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListOperationsSince(ctx, documentID, sinceRevision)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, documentID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]store.Participant, len(participants))
	for _, p := range participants {
		names[p.ID] = p
	}

	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		author := names[row.AuthorID]
		items = append(items, operationPayload(row, author.DisplayName, author.Color))
	}
	_ = s.presence.Touch(ctx, documentID, authorID, s.cfg.PresenceTTL)

	return map[string]any{
		"documentId": documentID,
		"revision":   doc.Revision,
		"operations": items,
	}, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID, authorID string) (map[string]any, error) {
	doc, _, err := s.authorizeParticipant(ctx, documentID, authorID)
	if err != nil {
		return nil, err
	}
	_ = s.presence.Touch(ctx, documentID, authorID, s.cfg.PresenceTTL)
	return documentPayload(doc), nil
}

func (s *Service) Participants(ctx context.Context, documentID, authorID string) (map[string]any, error) {
	_, _, err := s.authorizeParticipant(ctx, documentID, authorID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, documentID)
	if err != nil {
		return nil, err
	}
	online, err := s.presence.Online(ctx, documentID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		if !p.Active {
			continue
		}
		items = append(items, participantPayload(p, online[p.ID]))
	}
	return map[string]any{
		"documentId":   documentID,
		"participants": items,
	}, nil
}

func (s *Service) SetLocked(ctx context.Context, documentID, authorID string, locked bool) (map[string]any, error) {
	_, participant, err := s.authorizeParticipant(ctx, documentID, authorID)
	if err != nil {
		return nil, err
	}
	if !participant.IsHost {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "only the host can lock or unlock the document", nil)
	}
	if err := s.store.SetDocumentLocked(ctx, documentID, locked); err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId": documentID,
		"locked":     locked,
	}, nil
}

// opFromRecord reconstructs the transform-engine form of a committed
// log row. Rows are trusted: they were validated when first submitted.
func opFromRecord(row store.Operation) ot.Op {
	switch ot.Kind(row.Kind) {
	case ot.KindInsert:
		return ot.Insert{Pos: row.Position, Text: row.Content}
	case ot.KindDelete:
		return ot.Delete{Pos: row.Position, Len: row.Length}
	default:
		return ot.Replace{Pos: row.Position, OldLen: row.OldLength, Text: row.Content}
	}
}

func recordFromOp(op ot.Op, baseRevision int64, authorID string, metadata map[string]string) store.Operation {
	record := store.Operation{
		Kind:         string(op.Kind()),
		BaseRevision: baseRevision,
		AuthorID:     authorID,
		Metadata:     metadata,
	}
	switch v := op.(type) {
	case ot.Insert:
		record.Position = v.Pos
		record.Content = v.Text
		record.Length = len(v.Text)
	case ot.Delete:
		record.Position = v.Pos
		record.Length = v.Len
	case ot.Replace:
		record.Position = v.Pos
		record.Content = v.Text
		record.Length = len(v.Text)
		record.OldLength = v.OldLen
	}
	return record
}

func documentPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":       doc.ID,
		"title":    doc.Title,
		"text":     doc.Content,
		"revision": doc.Revision,
		"locked":   doc.Locked,
	}
}

func participantPayload(p store.Participant, online bool) map[string]any {
	return map[string]any{
		"id":     p.ID,
		"name":   p.DisplayName,
		"color":  p.Color,
		"isHost": p.IsHost,
		"online": online,
	}
}

func operationPayload(row store.Operation, authorName, authorColor string) map[string]any {
	payload := map[string]any{
		"revision":      row.Revision,
		"kind":          row.Kind,
		"position":      row.Position,
		"base_revision": row.BaseRevision,
		"author": map[string]any{
			"id":    row.AuthorID,
			"name":  authorName,
			"color": authorColor,
		},
	}
	switch ot.Kind(row.Kind) {
	case ot.KindInsert:
		payload["content"] = row.Content
	case ot.KindDelete:
		payload["length"] = row.Length
	case ot.KindReplace:
		payload["content"] = row.Content
		payload["old_length"] = row.OldLength
	}
	if len(row.Metadata) > 0 {
		payload["metadata"] = row.Metadata
	}
	if !row.CreatedAt.IsZero() {
		payload["committedAt"] = row.CreatedAt.UTC().Format(time.RFC3339)
	}
	return payload
}
