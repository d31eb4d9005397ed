package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

type recordingTransport struct {
	sent []Notification
	err  error
}

func (r *recordingTransport) Send(_ context.Context, n Notification) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestDispatchDeliversToEveryTransport(t *testing.T) {
	a := &recordingTransport{}
	b := &recordingTransport{}
	d := New(nil, a, b)

	n := Notification{UserID: uuid.New(), Type: "queue_update", Title: "you're up next"}
	if err := d.Dispatch(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a.sent) != 1 || len(b.sent) != 1 {
		t.Fatalf("expected delivery to both transports, got a=%d b=%d", len(a.sent), len(b.sent))
	}
	if a.sent[0].ID == uuid.Nil {
		t.Fatal("expected Dispatch to assign an ID")
	}
	if a.sent[0].CreatedAt.IsZero() {
		t.Fatal("expected Dispatch to stamp CreatedAt")
	}
}

func TestDispatchContinuesPastFailedTransport(t *testing.T) {
	failing := &recordingTransport{err: errBoom}
	ok := &recordingTransport{}
	d := New(nil, failing, ok)

	err := d.Dispatch(context.Background(), Notification{UserID: uuid.New(), Type: "ticket_update"})
	if err == nil {
		t.Fatal("expected a combined error from the failing transport")
	}
	if len(ok.sent) != 1 {
		t.Fatal("expected the second transport to still receive the notification")
	}
}

func TestLoggingTransportNeverErrors(t *testing.T) {
	tr := NewLoggingTransport(nil)
	err := tr.Send(context.Background(), Notification{UserID: uuid.New(), Type: "status_update"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebhookTransportPostsNotification(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env webhookEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
		gotType = env.Notification.Type
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, 0)
	tr.client = srv.Client()

	n := Notification{UserID: uuid.New(), Type: "notification", Title: "reminder"}
	if err := tr.Send(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotType != "notification" {
		t.Fatalf("expected webhook to receive notification type, got %q", gotType)
	}
}

func TestWebhookTransportSurfacesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, 0)
	tr.client = srv.Client()

	err := tr.Send(context.Background(), Notification{UserID: uuid.New(), Type: "queue_update"})
	if err == nil {
		t.Fatal("expected an error for a non-2xx webhook response")
	}
}

var errBoom = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
