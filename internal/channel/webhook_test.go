package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"omnichat/internal/domain"
	"omnichat/internal/security"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"content":"hello"}`)
	if !verifyHMAC(body, "test-secret", signHMAC(body, "test-secret")) {
		t.Error("valid HMAC should verify")
	}
	if verifyHMAC(body, "test-secret", "sha256=invalid") {
		t.Error("invalid HMAC should not verify")
	}
	if verifyHMAC(body, "test-secret", "") {
		t.Error("empty signature should not verify")
	}
}

// connectedWebhook returns a webhook connector registered under account "acct".
func connectedWebhook(t *testing.T, creds map[string]string) (*WebhookRouter, *Webhook, chan domain.ConnectorEvent) {
	t.Helper()
	return connectWebhook(t, WebhookConfig{AllowPrivate: true}, creds)
}

func connectWebhook(t *testing.T, cfg WebhookConfig, creds map[string]string) (*WebhookRouter, *Webhook, chan domain.ConnectorEvent) {
	t.Helper()
	router := NewWebhookRouter(testLogger())
	cfg.Router, cfg.Logger = router, testLogger()
	w := NewWebhook(cfg)
	events := make(chan domain.ConnectorEvent, 4)
	err := w.Connect(context.Background(), domain.ConnectorConfig{
		AccountID:   "acct",
		Platform:    domain.PlatformWebhook,
		Credentials: creds,
	}, events)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { w.Disconnect(context.Background()) })
	return router, w, events
}

func post(router *WebhookRouter, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	router.Handler().ServeHTTP(rr, req)
	return rr
}

func TestWebhook_InboundMessage(t *testing.T) {
	router, _, events := connectedWebhook(t, map[string]string{"secret": "k"})

	body := `{"channel_id":"c1","user_id":"u9","user_name":"Ana","content":"hello","reply_url":"http://example.invalid/r"}`
	rr := post(router, "/acct", body, map[string]string{signatureHeader: signHMAC([]byte(body), "k")})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rr.Body.Bytes(), &resp)

	select {
	case ev := <-events:
		if ev.Type != domain.EventMessage || ev.Message == nil {
			t.Fatalf("unexpected event %+v", ev)
		}
		m := ev.Message
		if m.ID == "" || m.ID != resp["message_id"] {
			t.Errorf("generated id %q should be echoed, got %q", m.ID, resp["message_id"])
		}
		if m.ExternalChannelID != "c1" || m.Sender.ID != "u9" || m.Sender.DisplayName != "Ana" || m.Content != "hello" {
			t.Errorf("bad normalization: %+v", m)
		}
		if m.Meta(domain.MetaDeliveryAddress) != "http://example.invalid/r" {
			t.Errorf("reply url should become the delivery address")
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestWebhook_RejectsBadRequests(t *testing.T) {
	router, _, _ := connectedWebhook(t, map[string]string{"secret": "my-secret"})
	body := `{"content":"hello"}`

	cases := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{"unknown account", "/other", body, nil, http.StatusNotFound},
		{"missing signature", "/acct", body, nil, http.StatusUnauthorized},
		{"bad signature", "/acct", body, map[string]string{signatureHeader: "sha256=invalid"}, http.StatusForbidden},
		{"invalid json", "/acct", "not json", map[string]string{signatureHeader: signHMAC([]byte("not json"), "my-secret")}, http.StatusBadRequest},
		{"empty content", "/acct", `{"content":""}`, map[string]string{signatureHeader: signHMAC([]byte(`{"content":""}`), "my-secret")}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := post(router, tc.path, tc.body, tc.headers); rr.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}

	rr := post(router, "/acct", body, map[string]string{signatureHeader: signHMAC([]byte(body), "my-secret")})
	if rr.Code != http.StatusAccepted {
		t.Errorf("signed request: expected 202, got %d", rr.Code)
	}
}

func TestWebhook_UnsignedReplyURLRefused(t *testing.T) {
	router, w, events := connectedWebhook(t, nil)

	rr := post(router, "/acct", `{"channel_id":"c1","content":"hi","reply_url":"http://attacker.example/r"}`, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if len(events) != 0 || w.deliveryAddress("c1") != "" {
		t.Fatal("an unsigned payload must not set the delivery address")
	}

	if rr := post(router, "/acct", `{"channel_id":"c1","content":"hi"}`, nil); rr.Code != http.StatusAccepted {
		t.Fatalf("unsigned message without reply_url: expected 202, got %d", rr.Code)
	}

	signed, _, _ := connectedWebhook(t, map[string]string{"secret": "k"})
	body := `{"content":"hi","reply_url":"file:///etc/passwd"}`
	if rr := post(signed, "/acct", body, map[string]string{signatureHeader: signHMAC([]byte(body), "k")}); rr.Code != http.StatusBadRequest {
		t.Fatalf("non-http reply_url: expected 400, got %d", rr.Code)
	}
}

func TestWebhook_DefaultClientRefusesPrivateDelivery(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { calls++ }))
	defer srv.Close()

	_, w, _ := connectWebhook(t, WebhookConfig{}, map[string]string{"delivery_address": srv.URL})
	_, err := w.SendMessage(context.Background(), "c1", "hi", domain.SendOptions{})
	if !errors.Is(err, security.ErrPrivateAddress) {
		t.Fatalf("expected ErrPrivateAddress, got %v", err)
	}
	if calls != 0 {
		t.Fatal("reply reached the loopback server")
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	router, _, _ := connectedWebhook(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/acct", nil)
	rr := httptest.NewRecorder()
	router.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestWebhook_SendPostsSignedReply(t *testing.T) {
	got := make(chan WebhookReply, 1)
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(signatureHeader)
		if !verifyHMAC(body, "s3cret", sig) {
			rw.WriteHeader(http.StatusForbidden)
			return
		}
		var reply WebhookReply
		json.Unmarshal(body, &reply)
		got <- reply
	}))
	defer srv.Close()

	_, w, _ := connectedWebhook(t, map[string]string{"secret": "s3cret", "delivery_address": srv.URL})
	id, err := w.SendMessage(context.Background(), "c1", "hi there", domain.SendOptions{ThreadID: "t1"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	reply := <-got
	if reply.MessageID != id || reply.Content != "hi there" || reply.ThreadID != "t1" || reply.Action != "send" {
		t.Errorf("unexpected reply %+v (id %s)", reply, id)
	}
}

func TestWebhook_SendWithoutAddressFails(t *testing.T) {
	_, w, _ := connectedWebhook(t, nil)
	if _, err := w.SendMessage(context.Background(), "c1", "hi", domain.SendOptions{}); err == nil {
		t.Error("expected an error without a delivery address")
	}
}

func TestWebhook_DisconnectUnregisters(t *testing.T) {
	router, w, _ := connectedWebhook(t, nil)
	w.Disconnect(context.Background())
	if rr := post(router, "/acct", `{"content":"x"}`, nil); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 after disconnect, got %d", rr.Code)
	}
	if w.IsConnected() {
		t.Error("connector should report disconnected")
	}
}
