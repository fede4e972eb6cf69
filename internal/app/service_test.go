package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"coedit/api/internal/config"
	"coedit/api/internal/store"
)

type fakeStore struct {
	mu           sync.Mutex
	docs         map[string]store.Document
	participants map[string][]store.Participant
	ops          map[string][]store.Operation
	appendErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:         make(map[string]store.Document),
		participants: make(map[string][]store.Participant),
		ops:          make(map[string][]store.Operation),
	}
}

func (f *fakeStore) CreateDocument(_ context.Context, doc store.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	f.docs[doc.ID] = doc
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return store.Document{}, sql.ErrNoRows
	}
	return doc, nil
}

func (f *fakeStore) SetDocumentLocked(_ context.Context, documentID string, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[documentID]
	if !ok {
		return sql.ErrNoRows
	}
	doc.Locked = locked
	f.docs[documentID] = doc
	return nil
}

func (f *fakeStore) CreateParticipant(_ context.Context, p store.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.JoinedAt = time.Now()
	f.participants[p.DocumentID] = append(f.participants[p.DocumentID], p)
	return nil
}

func (f *fakeStore) GetParticipant(_ context.Context, documentID, participantID string) (store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants[documentID] {
		if p.ID == participantID {
			return p, nil
		}
	}
	return store.Participant{}, sql.ErrNoRows
}

func (f *fakeStore) ListParticipants(_ context.Context, documentID string) ([]store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Participant(nil), f.participants[documentID]...), nil
}

func (f *fakeStore) SetParticipantActive(_ context.Context, documentID, participantID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.participants[documentID] {
		if p.ID == participantID {
			f.participants[documentID][i].Active = active
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) AppendOperation(_ context.Context, documentID string, op store.Operation, newContent string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return 0, f.appendErr
	}
	doc, ok := f.docs[documentID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	next := doc.Revision + 1
	op.DocumentID = documentID
	op.Revision = next
	op.CreatedAt = time.Now()
	f.ops[documentID] = append(f.ops[documentID], op)
	doc.Revision = next
	doc.Content = newContent
	doc.UpdatedAt = op.CreatedAt
	f.docs[documentID] = doc
	return next, nil
}

func (f *fakeStore) ListOperationsSince(_ context.Context, documentID string, sinceRevision int64) ([]store.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Operation
	for _, op := range f.ops[documentID] {
		if op.Revision > sinceRevision {
			out = append(out, op)
		}
	}
	return out, nil
}

func (f *fakeStore) OperationCountSince(_ context.Context, documentID string, sinceRevision int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, op := range f.ops[documentID] {
		if op.Revision > sinceRevision {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakePresence struct {
	mu      sync.Mutex
	touched map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{touched: make(map[string]bool)}
}

func (f *fakePresence) Touch(_ context.Context, documentID, participantID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[documentID+":"+participantID] = true
	return nil
}

func (f *fakePresence) Forget(_ context.Context, documentID, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.touched, documentID+":"+participantID)
	return nil
}

func (f *fakePresence) Online(_ context.Context, documentID string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	online := make(map[string]bool)
	prefix := documentID + ":"
	for key := range f.touched {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			online[key[len(prefix):]] = true
		}
	}
	return online, nil
}

func (f *fakePresence) Ping(context.Context) error { return nil }

func newTestService(fake *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:   "test-secret",
			SessionTTL:  time.Hour,
			PresenceTTL: time.Minute,
			MaxCatchUp:  1000,
		},
		store:    fake,
		presence: newFakePresence(),
		docLocks: make(map[string]*sync.Mutex),
	}
}

func seedDocument(t *testing.T, fake *fakeStore, content string) (docID, hostID string) {
	t.Helper()
	docID = "doc-test"
	hostID = "par_host"
	if err := fake.CreateDocument(context.Background(), store.Document{
		ID:      docID,
		Title:   "Test Document",
		Content: content,
		HostID:  hostID,
	}); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	if err := fake.CreateParticipant(context.Background(), store.Participant{
		ID:          hostID,
		DocumentID:  docID,
		DisplayName: "Avery",
		Active:      true,
		IsHost:      true,
	}); err != nil {
		t.Fatalf("seed host: %v", err)
	}
	return docID, hostID
}

func addParticipant(t *testing.T, fake *fakeStore, docID, id string, active bool) {
	t.Helper()
	if err := fake.CreateParticipant(context.Background(), store.Participant{
		ID:          id,
		DocumentID:  docID,
		DisplayName: "Guest " + id,
		Active:      active,
	}); err != nil {
		t.Fatalf("seed participant: %v", err)
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func domainCode(t *testing.T, err error) string {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Code
}

func TestCreateDocumentIssuesHostSession(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)

	payload, err := svc.CreateDocument(context.Background(), CreateDocumentInput{
		Title:    "Design notes",
		Text:     "abc",
		HostName: "Avery",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	token, _ := payload["token"].(string)
	if token == "" {
		t.Fatal("expected a session token")
	}
	session, err := svc.SessionFromToken(token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if !session.IsHost {
		t.Fatal("creator session should be the host")
	}
	doc, _ := payload["document"].(map[string]any)
	if doc["text"] != "abc" {
		t.Fatalf("document text = %v", doc["text"])
	}
}

func TestJoinChecksPassword(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)

	created, err := svc.CreateDocument(context.Background(), CreateDocumentInput{
		Title:        "Protected",
		HostName:     "Avery",
		JoinPassword: "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	doc, _ := created["document"].(map[string]any)
	docID, _ := doc["id"].(string)

	if _, err := svc.Join(context.Background(), docID, JoinInput{Name: "Mallory", Password: "wrong"}); err == nil {
		t.Fatal("expected join with wrong password to fail")
	} else if code := domainCode(t, err); code != "INVALID_JOIN_PASSWORD" {
		t.Fatalf("code = %s", code)
	}

	payload, err := svc.Join(context.Background(), docID, JoinInput{Name: "Blake", Password: "hunter2"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if payload["token"] == "" {
		t.Fatal("expected a session token for the joiner")
	}
}

func TestSubmitTransformsStaleInsert(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "abc")
	addParticipant(t, fake, docID, "par_b", true)

	if _, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 0,
	}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	payload, err := svc.SubmitOperation(context.Background(), docID, "par_b", OperationInput{
		Kind: "insert", Position: 3, Content: strPtr("Y"), BaseRevision: 0,
	})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if payload["revision"] != int64(2) {
		t.Fatalf("revision = %v", payload["revision"])
	}
	op, _ := payload["operation"].(map[string]any)
	if op["position"] != 4 {
		t.Fatalf("transformed position = %v, want 4", op["position"])
	}
	doc, err := fake.GetDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Content != "XabcY" {
		t.Fatalf("content = %q, want %q", doc.Content, "XabcY")
	}
}

func TestSubmitOverlappedDeleteBecomesNoop(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "hello world")
	addParticipant(t, fake, docID, "par_b", true)

	if _, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
		Kind: "delete", Position: 0, Length: intPtr(6), BaseRevision: 0,
	}); err != nil {
		t.Fatalf("first delete: %v", err)
	}

	payload, err := svc.SubmitOperation(context.Background(), docID, "par_b", OperationInput{
		Kind: "delete", Position: 2, Length: intPtr(3), BaseRevision: 0,
	})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	op, _ := payload["operation"].(map[string]any)
	if op["length"] != 0 {
		t.Fatalf("swallowed delete length = %v, want 0", op["length"])
	}
	doc, _ := fake.GetDocument(context.Background(), docID)
	if doc.Content != "world" {
		t.Fatalf("content = %q, want %q", doc.Content, "world")
	}
	if doc.Revision != 2 {
		t.Fatalf("revision = %d, want 2", doc.Revision)
	}
}

func TestSubmitRetryIsTransformedNotReapplied(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "abc")

	input := OperationInput{Kind: "insert", Position: 1, Content: strPtr("X"), BaseRevision: 0}
	if _, err := svc.SubmitOperation(context.Background(), docID, hostID, input); err != nil {
		t.Fatalf("submit: %v", err)
	}
	payload, err := svc.SubmitOperation(context.Background(), docID, hostID, input)
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	op, _ := payload["operation"].(map[string]any)
	if op["position"] != 2 {
		t.Fatalf("retried position = %v, want 2", op["position"])
	}
	doc, _ := fake.GetDocument(context.Background(), docID)
	if doc.Content != "aXXbc" {
		t.Fatalf("content = %q, want %q", doc.Content, "aXXbc")
	}
}

func TestSubmitRejectsUnknownAuthor(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, _ := seedDocument(t, fake, "abc")

	_, err := svc.SubmitOperation(context.Background(), docID, "par_ghost", OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 0,
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if code := domainCode(t, err); code != "NOT_AN_ACTIVE_PARTICIPANT" {
		t.Fatalf("code = %s", code)
	}
}

func TestSubmitRejectsInactiveAuthor(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, _ := seedDocument(t, fake, "abc")
	addParticipant(t, fake, docID, "par_gone", false)

	_, err := svc.SubmitOperation(context.Background(), docID, "par_gone", OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 0,
	})
	if code := domainCode(t, err); code != "NOT_AN_ACTIVE_PARTICIPANT" {
		t.Fatalf("code = %s", code)
	}
}

func TestLockedDocumentBlocksGuestsNotHost(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "abc")
	addParticipant(t, fake, docID, "par_b", true)

	if _, err := svc.SetLocked(context.Background(), docID, hostID, true); err != nil {
		t.Fatalf("SetLocked: %v", err)
	}

	_, err := svc.SubmitOperation(context.Background(), docID, "par_b", OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 0,
	})
	if code := domainCode(t, err); code != "SESSION_LOCKED" {
		t.Fatalf("code = %s", code)
	}

	if _, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 0,
	}); err != nil {
		t.Fatalf("host submit while locked: %v", err)
	}
}

func TestSetLockedRequiresHost(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, _ := seedDocument(t, fake, "abc")
	addParticipant(t, fake, docID, "par_b", true)

	_, err := svc.SetLocked(context.Background(), docID, "par_b", true)
	if code := domainCode(t, err); code != "FORBIDDEN" {
		t.Fatalf("code = %s", code)
	}
}

func TestSubmitRejectsFutureBaseRevision(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "abc")

	_, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 5,
	})
	if code := domainCode(t, err); code != "INVALID_OPERATION" {
		t.Fatalf("code = %s", code)
	}
}

func TestSubmitBeyondCatchUpBoundRequiresResync(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	svc.cfg.MaxCatchUp = 2
	docID, hostID := seedDocument(t, fake, "")

	for i := 0; i < 3; i++ {
		if _, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
			Kind: "insert", Position: i, Content: strPtr("x"), BaseRevision: int64(i),
		}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("y"), BaseRevision: 0,
	})
	if err == nil {
		t.Fatal("expected resync rejection")
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Code != "RESYNC_REQUIRED" || domainErr.Status != 409 {
		t.Fatalf("got %s/%d, want RESYNC_REQUIRED/409", domainErr.Code, domainErr.Status)
	}
}

func TestOperationsSinceAnnotatesAuthors(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "abc")

	for i, text := range []string{"X", "Y"} {
		if _, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
			Kind: "insert", Position: 0, Content: strPtr(text), BaseRevision: int64(i),
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	payload, err := svc.Operations(context.Background(), docID, hostID, 1)
	if err != nil {
		t.Fatalf("Operations: %v", err)
	}
	items, _ := payload["operations"].([]map[string]any)
	if len(items) != 1 {
		t.Fatalf("since=1 returned %d operations, want 1", len(items))
	}
	author, _ := items[0]["author"].(map[string]any)
	if author["name"] != "Avery" {
		t.Fatalf("author name = %v", author["name"])
	}
	if payload["revision"] != int64(2) {
		t.Fatalf("revision = %v", payload["revision"])
	}
}

func TestLeaveDeactivatesParticipant(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, _ := seedDocument(t, fake, "abc")
	addParticipant(t, fake, docID, "par_b", true)

	if err := svc.Leave(context.Background(), Session{DocumentID: docID, ParticipantID: "par_b"}); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	_, err := svc.SubmitOperation(context.Background(), docID, "par_b", OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("X"), BaseRevision: 0,
	})
	if code := domainCode(t, err); code != "NOT_AN_ACTIVE_PARTICIPANT" {
		t.Fatalf("code = %s", code)
	}
}

func TestParticipantsFiltersInactive(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "abc")
	addParticipant(t, fake, docID, "par_b", true)
	addParticipant(t, fake, docID, "par_gone", false)

	payload, err := svc.Participants(context.Background(), docID, hostID)
	if err != nil {
		t.Fatalf("Participants: %v", err)
	}
	items, _ := payload["participants"].([]map[string]any)
	if len(items) != 2 {
		t.Fatalf("got %d participants, want 2", len(items))
	}
}

func TestConcurrentSubmitsAllCommit(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)
	docID, hostID := seedDocument(t, fake, "")

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
				Kind: "insert", Position: 0, Content: strPtr("x"), BaseRevision: 0,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent submit: %v", err)
		}
	}

	doc, _ := fake.GetDocument(context.Background(), docID)
	if doc.Revision != writers {
		t.Fatalf("revision = %d, want %d", doc.Revision, writers)
	}
	if len(doc.Content) != writers {
		t.Fatalf("content length = %d, want %d", len(doc.Content), writers)
	}
}

func TestSubmitMayGrowDocumentPastContentCap(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)

	seed := make([]byte, 9995)
	for i := range seed {
		seed[i] = 'a'
	}
	docID, hostID := seedDocument(t, fake, string(seed))

	payload, err := svc.SubmitOperation(context.Background(), docID, hostID, OperationInput{
		Kind: "insert", Position: 0, Content: strPtr("0123456789"), BaseRevision: 0,
	})
	if err != nil {
		t.Fatalf("submit growing document past the per-operation cap: %v", err)
	}
	if payload["revision"] != int64(1) {
		t.Fatalf("revision = %v", payload["revision"])
	}
	doc, _ := fake.GetDocument(context.Background(), docID)
	if len(doc.Content) != 10005 {
		t.Fatalf("content length = %d, want 10005", len(doc.Content))
	}
}

func TestCreateDocumentRejectsOversizedText(t *testing.T) {
	fake := newFakeStore()
	svc := newTestService(fake)

	big := make([]byte, 10001)
	for i := range big {
		big[i] = 'a'
	}
	_, err := svc.CreateDocument(context.Background(), CreateDocumentInput{Title: "big", Text: string(big)})
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("code = %s", code)
	}
}
