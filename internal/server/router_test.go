package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Wambui-N/f2s-sub002/internal/auth"
	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

type stubVerifier struct {
	claims auth.GoogleClaims
	err    error
}

func (v *stubVerifier) Verify(_ context.Context, _ string) (auth.GoogleClaims, error) {
	if v.err != nil {
		return auth.GoogleClaims{}, v.err
	}
	return v.claims, nil
}

type stubDispatcher struct {
	mu   sync.Mutex
	jobs []delivery.Job
}

func (d *stubDispatcher) DispatchAsync(job delivery.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
}

func (d *stubDispatcher) dispatched() []delivery.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery.Job(nil), d.jobs...)
}

type stubConnector struct {
	exchanged  []string
	credential credentials.Credential
	err        error
}

func (s *stubConnector) ConsentURL(state string, provider credentials.Provider) (string, error) {
	return "https://accounts.google.com/o/oauth2/auth?state=" + state + "&provider=" + string(provider), nil
}

func (s *stubConnector) Exchange(_ context.Context, userID string, provider credentials.Provider, code string) (credentials.Credential, error) {
	if s.err != nil {
		return credentials.Credential{}, s.err
	}
	s.exchanged = append(s.exchanged, userID+"|"+string(provider)+"|"+code)
	credential := s.credential
	credential.UserID = userID
	credential.Provider = provider
	return credential, nil
}

type testServer struct {
	handler    http.Handler
	forms      *forms.Service
	resolver   *connections.Resolver
	dispatcher *stubDispatcher
	connector  *stubConnector
	store      *credentials.Store
	tokens     *auth.TokenIssuer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&forms.Form{}, &forms.Submission{}, &connections.Connection{}, &credentials.Credential{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	formsService, err := forms.NewService(forms.ServiceConfig{
		Database:   db,
		IDProvider: forms.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to create forms service: %v", err)
	}
	resolver, err := connections.NewResolver(db)
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	store, err := credentials.NewStore(db)
	if err != nil {
		t.Fatalf("failed to create credential store: %v", err)
	}
	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "f2s-auth",
		Audience:      "f2s-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	dispatcher := &stubDispatcher{}
	connector := &stubConnector{
		credential: credentials.Credential{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}

	handler, err := NewHTTPHandler(Dependencies{
		GoogleVerifier: &stubVerifier{claims: auth.GoogleClaims{Subject: "owner-1", Email: "owner@example.com"}},
		TokenManager:   tokens,
		FormsService:   formsService,
		Resolver:       resolver,
		Credentials:    store,
		Connector:      connector,
		Dispatcher:     dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to create handler: %v", err)
	}

	return &testServer{
		handler:    handler,
		forms:      formsService,
		resolver:   resolver,
		dispatcher: dispatcher,
		connector:  connector,
		store:      store,
		tokens:     tokens,
	}
}

func (ts *testServer) sessionToken(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := ts.tokens.IssueSessionToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

func (ts *testServer) do(t *testing.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %s: %v", recorder.Body.String(), err)
	}
}

func TestGoogleAuthIssuesSessionToken(t *testing.T) {
	ts := newTestServer(t)

	body := bytes.NewBufferString(`{"id_token":"google-id-token"}`)
	request := httptest.NewRequest(http.MethodPost, "/auth/google", body)
	request.Header.Set("Content-Type", "application/json")

	recorder := ts.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	decodeBody(t, recorder, &response)
	if response.TokenType != "Bearer" || response.AccessToken == "" {
		t.Fatalf("unexpected auth response %+v", response)
	}

	subject, err := ts.tokens.ValidateToken(response.AccessToken)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if subject != "owner-1" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestSubmissionIntakeReturnsIDImmediately(t *testing.T) {
	ts := newTestServer(t)

	form, err := ts.forms.CreateForm(context.Background(), "owner-1", "Contact", "owner@example.com")
	if err != nil {
		t.Fatalf("failed to create form: %v", err)
	}

	body := bytes.NewBufferString(`{"Name":"Ada","Email":"ada@example.com"}`)
	request := httptest.NewRequest(http.MethodPost, "/forms/"+form.ID+"/submissions", body)
	request.Header.Set("Content-Type", "application/json")

	recorder := ts.do(t, request)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	var response submissionResponsePayload
	decodeBody(t, recorder, &response)
	if response.SubmissionID == "" {
		t.Fatalf("expected submission id in response")
	}
	if response.Status != "pending" {
		t.Fatalf("expected pending status, got %q", response.Status)
	}

	jobs := ts.dispatcher.dispatched()
	if len(jobs) != 1 {
		t.Fatalf("expected one dispatched job, got %d", len(jobs))
	}
	if jobs[0].Payload["Name"] != "Ada" {
		t.Fatalf("payload not carried into job: %+v", jobs[0].Payload)
	}
	if jobs[0].Submission.ID != response.SubmissionID {
		t.Fatalf("job references wrong submission")
	}
}

func TestSubmissionIntakeRejectsUnknownForm(t *testing.T) {
	ts := newTestServer(t)

	body := bytes.NewBufferString(`{"Name":"Ada"}`)
	request := httptest.NewRequest(http.MethodPost, "/forms/missing/submissions", body)
	request.Header.Set("Content-Type", "application/json")

	recorder := ts.do(t, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if len(ts.dispatcher.dispatched()) != 0 {
		t.Fatalf("nothing should be dispatched for an unknown form")
	}
}

func TestSubmissionIntakeAcceptsMultipartUploads(t *testing.T) {
	ts := newTestServer(t)

	form, err := ts.forms.CreateForm(context.Background(), "owner-1", "Applications", "")
	if err != nil {
		t.Fatalf("failed to create form: %v", err)
	}

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	if err := writer.WriteField("Name", "Ada"); err != nil {
		t.Fatalf("failed to write field: %v", err)
	}
	part, err := writer.CreateFormFile("resume", "resume.pdf")
	if err != nil {
		t.Fatalf("failed to create file part: %v", err)
	}
	if _, err := part.Write([]byte("pdf-bytes")); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	request := httptest.NewRequest(http.MethodPost, "/forms/"+form.ID+"/submissions", &buffer)
	request.Header.Set("Content-Type", writer.FormDataContentType())

	recorder := ts.do(t, request)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	jobs := ts.dispatcher.dispatched()
	if len(jobs) != 1 {
		t.Fatalf("expected one dispatched job, got %d", len(jobs))
	}
	if jobs[0].Payload["Name"] != "Ada" {
		t.Fatalf("expected form values in payload, got %+v", jobs[0].Payload)
	}
	if len(jobs[0].Files) != 1 || jobs[0].Files[0].FileName != "resume.pdf" {
		t.Fatalf("expected uploaded file in job, got %+v", jobs[0].Files)
	}
	if string(jobs[0].Files[0].Bytes) != "pdf-bytes" {
		t.Fatalf("file content not carried into job")
	}
}

func TestGetSubmissionRequiresOwnership(t *testing.T) {
	ts := newTestServer(t)

	form, err := ts.forms.CreateForm(context.Background(), "owner-1", "Contact", "")
	if err != nil {
		t.Fatalf("failed to create form: %v", err)
	}
	submission, err := ts.forms.CreateSubmission(context.Background(), form.ID, map[string]string{"Name": "Ada"})
	if err != nil {
		t.Fatalf("failed to create submission: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/submissions/"+submission.ID, nil)
	request.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "owner-1"))
	recorder := ts.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("owner lookup failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	var detail submissionDetailPayload
	decodeBody(t, recorder, &detail)
	if detail.Payload["Name"] != "Ada" {
		t.Fatalf("unexpected payload %+v", detail.Payload)
	}

	request = httptest.NewRequest(http.MethodGet, "/submissions/"+submission.ID, nil)
	request.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "intruder"))
	recorder = ts.do(t, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-owner, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRejectMissingToken(t *testing.T) {
	ts := newTestServer(t)

	request := httptest.NewRequest(http.MethodPost, "/forms", bytes.NewBufferString(`{"title":"Contact"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := ts.do(t, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}

func TestCreateConnectionBindsForm(t *testing.T) {
	ts := newTestServer(t)

	form, err := ts.forms.CreateForm(context.Background(), "owner-1", "Contact", "")
	if err != nil {
		t.Fatalf("failed to create form: %v", err)
	}

	payload := fmt.Sprintf(`{"form_id":%q,"kind":"sheets","external_id":"spreadsheet-1","sheet_name":"Responses"}`, form.ID)
	request := httptest.NewRequest(http.MethodPost, "/connections", bytes.NewBufferString(payload))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "owner-1"))

	recorder := ts.do(t, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}

	targets, err := ts.resolver.Resolve(context.Background(), form.ID)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if targets.Sheets == nil || targets.Sheets.ExternalID != "spreadsheet-1" {
		t.Fatalf("expected sheets binding, got %+v", targets)
	}
	if targets.Sheets.SheetName != "Responses" {
		t.Fatalf("unexpected sheet name %q", targets.Sheets.SheetName)
	}
}

func TestCreateConnectionRejectsForeignForm(t *testing.T) {
	ts := newTestServer(t)

	form, err := ts.forms.CreateForm(context.Background(), "owner-1", "Contact", "")
	if err != nil {
		t.Fatalf("failed to create form: %v", err)
	}

	payload := fmt.Sprintf(`{"form_id":%q,"kind":"sheets","external_id":"spreadsheet-1"}`, form.ID)
	request := httptest.NewRequest(http.MethodPost, "/connections", bytes.NewBufferString(payload))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "intruder"))

	recorder := ts.do(t, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign form, got %d", recorder.Code)
	}
}

func TestConsentFlowStoresCredential(t *testing.T) {
	ts := newTestServer(t)

	request := httptest.NewRequest(http.MethodGet, "/connections/drive/start", nil)
	request.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "owner-1"))
	recorder := ts.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("consent start failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	var startResponse struct {
		ConsentURL string `json:"consent_url"`
		State      string `json:"state"`
	}
	decodeBody(t, recorder, &startResponse)
	if startResponse.ConsentURL == "" || startResponse.State == "" {
		t.Fatalf("unexpected start response %+v", startResponse)
	}

	callback := httptest.NewRequest(http.MethodGet, "/oauth/google/callback?state="+startResponse.State+"&code=auth-code", nil)
	recorder = ts.do(t, callback)
	if recorder.Code != http.StatusOK {
		t.Fatalf("callback failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	if len(ts.connector.exchanged) != 1 {
		t.Fatalf("expected one exchange, got %d", len(ts.connector.exchanged))
	}
	if ts.connector.exchanged[0] != "owner-1|google_drive|auth-code" {
		t.Fatalf("unexpected exchange %q", ts.connector.exchanged[0])
	}

	// A replayed state must be rejected.
	recorder = ts.do(t, httptest.NewRequest(http.MethodGet, "/oauth/google/callback?state="+startResponse.State+"&code=auth-code", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected replayed state rejection, got %d", recorder.Code)
	}
}

func TestDisconnectRemovesCredential(t *testing.T) {
	ts := newTestServer(t)

	seed := credentials.Credential{
		UserID:       "owner-1",
		Provider:     credentials.ProviderGoogleDrive,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if err := ts.store.Upsert(context.Background(), seed); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	request := httptest.NewRequest(http.MethodDelete, "/connections/drive", nil)
	request.Header.Set("Authorization", "Bearer "+ts.sessionToken(t, "owner-1"))
	recorder := ts.do(t, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("disconnect failed with status %d: %s", recorder.Code, recorder.Body.String())
	}

	if _, err := ts.store.Get(context.Background(), "owner-1", credentials.ProviderGoogleDrive); err != credentials.ErrNotConnected {
		t.Fatalf("expected credential removed, got %v", err)
	}
}
