package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

type stubTokens struct {
	credential  credentials.Credential
	ensureErr   error
	forceErr    error
	ensureCalls atomic.Int64
	forceCalls  atomic.Int64
	// forced swaps the access token on ForceRefresh so tests can observe
	// the retried call using the new token.
	forcedToken string
}

func (s *stubTokens) EnsureFresh(_ context.Context, _ string, _ credentials.Provider) (credentials.Credential, error) {
	s.ensureCalls.Add(1)
	if s.ensureErr != nil {
		return credentials.Credential{}, s.ensureErr
	}
	return s.credential, nil
}

func (s *stubTokens) ForceRefresh(_ context.Context, _ string, _ credentials.Provider) (credentials.Credential, error) {
	s.forceCalls.Add(1)
	if s.forceErr != nil {
		return credentials.Credential{}, s.forceErr
	}
	refreshed := s.credential
	if s.forcedToken != "" {
		refreshed.AccessToken = s.forcedToken
	}
	return refreshed, nil
}

func freshTokens() *stubTokens {
	return &stubTokens{
		credential: credentials.Credential{
			UserID:      "user-1",
			Provider:    credentials.ProviderGoogleDrive,
			AccessToken: "access-1",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
}

func sheetsJob(connection *connections.Connection, payload map[string]string) delivery.Job {
	return delivery.Job{
		Form:       forms.Form{ID: "form-1", OwnerUserID: "user-1", Title: "Contact us"},
		Submission: forms.Submission{ID: "sub-1", FormID: "form-1", SubmittedAt: time.Unix(1700000000, 0).UTC()},
		Payload:    payload,
		Targets:    connections.Targets{Sheets: connection},
	}
}

func sheetsConnection(t *testing.T, layout []string) *connections.Connection {
	t.Helper()
	connection := &connections.Connection{
		ID:         "conn-1",
		FormID:     "form-1",
		Kind:       connections.KindSheets,
		ExternalID: "spreadsheet-1",
		SheetName:  "Responses",
	}
	if err := connection.SetHeaderLayout(layout); err != nil {
		t.Fatalf("unexpected layout error: %v", err)
	}
	return connection
}

func TestBuildRowAlignsValuesToHeaderLayout(t *testing.T) {
	submittedAt := time.Unix(1700000000, 0).UTC()
	row := BuildRow(
		[]string{"Timestamp", "name", "email"},
		map[string]string{"name": "Alice", "email": "a@x.com"},
		submittedAt,
	)

	if len(row) != 3 {
		t.Fatalf("expected three cells, got %v", row)
	}
	if row[0] != submittedAt.Format(time.RFC3339) {
		t.Fatalf("expected timestamp cell, got %v", row[0])
	}
	if row[1] != "Alice" || row[2] != "a@x.com" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestBuildRowToleratesSchemaDrift(t *testing.T) {
	row := BuildRow(
		[]string{"Timestamp", "name"},
		map[string]string{"name": "Bob", "phone": "555-0100"},
		time.Unix(1700000000, 0),
	)

	// The phone field has no column yet; it is dropped, never shifted.
	if len(row) != 2 {
		t.Fatalf("expected two cells, got %v", row)
	}
	if row[1] != "Bob" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestBuildRowRendersMissingValuesAsEmptyString(t *testing.T) {
	row := BuildRow(
		[]string{"name", "email"},
		map[string]string{"name": "Carol"},
		time.Unix(1700000000, 0),
	)

	if row[1] != "" {
		t.Fatalf("missing value must render as empty string, got %#v", row[1])
	}
}

func TestSheetsDeliverSkipsWithoutConnection(t *testing.T) {
	destination, err := NewSheetsDestination(SheetsConfig{Tokens: freshTokens()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome := destination.Deliver(context.Background(), sheetsJob(nil, nil))
	if outcome.Result != delivery.ResultSkippedNoConnection {
		t.Fatalf("expected skip, got %+v", outcome)
	}
}

func TestSheetsDeliverAppendsRowAndSuppressesDuplicate(t *testing.T) {
	var appends atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appends.Add(1)
		var body struct {
			Values [][]any `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode append body: %v", err)
		}
		if len(body.Values) != 1 || len(body.Values[0]) != 3 {
			t.Errorf("unexpected append values %v", body.Values)
		} else if body.Values[0][1] != "Alice" {
			t.Errorf("unexpected row %v", body.Values[0])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	destination, err := NewSheetsDestination(SheetsConfig{Tokens: freshTokens(), Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection := sheetsConnection(t, []string{"Timestamp", "name", "email"})
	job := sheetsJob(connection, map[string]string{"name": "Alice", "email": "a@x.com"})

	outcome := destination.Deliver(context.Background(), job)
	if outcome.Result != delivery.ResultDelivered {
		t.Fatalf("expected delivered, got %+v", outcome)
	}

	retry := destination.Deliver(context.Background(), job)
	if retry.Result != delivery.ResultDelivered {
		t.Fatalf("expected retried delivery reported delivered, got %+v", retry)
	}
	if got := appends.Load(); got != 1 {
		t.Fatalf("retry must not duplicate the appended row, got %d appends", got)
	}
}

func TestSheetsDeliverRefreshesOnceOnAuthError(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"Invalid Credentials","status":"UNAUTHENTICATED"}}`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer access-2" {
			t.Errorf("retried call should use refreshed token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	tokens := freshTokens()
	tokens.forcedToken = "access-2"
	destination, err := NewSheetsDestination(SheetsConfig{Tokens: tokens, Endpoint: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection := sheetsConnection(t, []string{"Timestamp", "name", "email"})

	outcome := destination.Deliver(context.Background(), sheetsJob(connection, map[string]string{"name": "Alice"}))
	if outcome.Result != delivery.ResultDelivered {
		t.Fatalf("expected delivered after refresh cycle, got %+v", outcome)
	}
	if got := tokens.forceCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one forced refresh, got %d", got)
	}
}

type stubLayoutStore struct {
	updates map[string][]string
}

func (s *stubLayoutStore) UpdateHeaderLayout(_ context.Context, connectionID string, layout []string) error {
	if s.updates == nil {
		s.updates = map[string][]string{}
	}
	s.updates[connectionID] = append([]string(nil), layout...)
	return nil
}

func TestSheetsDeliverGrowsLayoutForNewFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Values [][]any `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode append body: %v", err)
		}
		// Timestamp column plus the two new fields in sorted order.
		if len(body.Values) != 1 || len(body.Values[0]) != 3 {
			t.Errorf("unexpected append values %v", body.Values)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	layouts := &stubLayoutStore{}
	destination, err := NewSheetsDestination(SheetsConfig{
		Tokens:      freshTokens(),
		Connections: layouts,
		Endpoint:    server.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection := sheetsConnection(t, nil)

	outcome := destination.Deliver(context.Background(), sheetsJob(connection, map[string]string{"name": "Alice", "email": "a@x.com"}))
	if outcome.Result != delivery.ResultDelivered {
		t.Fatalf("expected delivered, got %+v", outcome)
	}

	grown := layouts.updates["conn-1"]
	want := []string{"Timestamp", "email", "name"}
	if len(grown) != len(want) {
		t.Fatalf("unexpected grown layout %v", grown)
	}
	for i := range want {
		if grown[i] != want[i] {
			t.Fatalf("unexpected grown layout %v, want %v", grown, want)
		}
	}
}

func TestSheetsDeliverSkipsEmptySubmissionOnNewMirror(t *testing.T) {
	destination, err := NewSheetsDestination(SheetsConfig{Tokens: freshTokens()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection := sheetsConnection(t, nil)

	outcome := destination.Deliver(context.Background(), sheetsJob(connection, nil))
	if outcome.Result != delivery.ResultSkippedNoData {
		t.Fatalf("expected no-data skip, got %+v", outcome)
	}
}

func TestSheetsDeliverClassifiesRevokedCredential(t *testing.T) {
	tokens := freshTokens()
	tokens.ensureErr = credentials.ErrRefreshRevoked
	destination, err := NewSheetsDestination(SheetsConfig{Tokens: tokens})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection := sheetsConnection(t, []string{"name"})

	outcome := destination.Deliver(context.Background(), sheetsJob(connection, map[string]string{"name": "Alice"}))
	if outcome.Result != delivery.ResultFailedPermanent {
		t.Fatalf("expected permanent failure for revoked grant, got %+v", outcome)
	}
}

func TestSheetsDeliverSkipsUnconnectedProvider(t *testing.T) {
	tokens := freshTokens()
	tokens.ensureErr = credentials.ErrNotConnected
	destination, err := NewSheetsDestination(SheetsConfig{Tokens: tokens})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	connection := sheetsConnection(t, []string{"name"})

	outcome := destination.Deliver(context.Background(), sheetsJob(connection, map[string]string{"name": "Alice"}))
	if outcome.Result != delivery.ResultSkippedNoConnection {
		t.Fatalf("expected skip for missing credential, got %+v", outcome)
	}
}
