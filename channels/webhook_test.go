package channels

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// freePort returns a TCP port that is currently available.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// startWebhook creates and starts a webhook channel on a free port and
// returns it with its inbound URL.
func startWebhook(t *testing.T, secret string, opts WebhookOptions) (Channel, <-chan Message, string) {
	t.Helper()
	port := freePort(t)
	cfg := fmt.Sprintf(`{"listen_addr":"127.0.0.1:%d","path":"/hook","secret":%q}`, port, secret)
	ch, err := WebhookFactory(opts)("test-wh", json.RawMessage(cfg))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	msgs := ch.Listen(ctx)

	url := fmt.Sprintf("http://127.0.0.1:%d/hook", port)
	waitFor(t, "webhook server", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	})
	return ch, msgs, url
}

func post(t *testing.T, url string, body []byte, sig string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set("X-Signature-256", sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func recv(t *testing.T, msgs <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		if !ok {
			t.Fatal("message channel closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
	return Message{}
}

func TestWebhook_VerifyHMAC(t *testing.T) {
	body := []byte(`{"text":"hello"}`)
	good := signBody("s3cret", body)

	tests := []struct {
		name   string
		secret string
		sig    string
		want   bool
	}{
		{"no secret configured", "", "", true},
		{"valid", "s3cret", good, true},
		{"valid without prefix", "s3cret", strings.TrimPrefix(good, "sha256="), true},
		{"wrong", "s3cret", "sha256=" + strings.Repeat("0", 64), false},
		{"missing", "s3cret", "", false},
		{"not hex", "s3cret", "sha256=zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wh := &webhookChannel{config: WebhookConfig{Secret: tt.secret}}
			if got := wh.verifyHMAC(body, tt.sig); got != tt.want {
				t.Fatalf("verifyHMAC = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhook_Listen_AcceptsValidPost(t *testing.T) {
	_, msgs, url := startWebhook(t, "", WebhookOptions{})

	if code := post(t, url, []byte(`{"text":"/start","sender_id":"user1"}`), ""); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	msg := recv(t, msgs)
	if msg.Text != "/start" || msg.ChannelName != "test-wh" || msg.Direction != Inbound {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.ChatID != "user1" {
		t.Fatalf("chat id should default to sender, got %q", msg.ChatID)
	}
}

func TestWebhook_Listen_Rejects(t *testing.T) {
	_, _, url := startWebhook(t, "k", WebhookOptions{})

	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET: expected 405, got %d", resp.StatusCode)
	}

	body := []byte(`{"text":"hello","sender_id":"u"}`)
	if code := post(t, url, body, ""); code != http.StatusForbidden {
		t.Fatalf("unsigned: expected 403, got %d", code)
	}
	noSender := []byte(`{"text":"hello"}`)
	if code := post(t, url, noSender, signBody("k", noSender)); code != http.StatusBadRequest {
		t.Fatalf("no sender: expected 400, got %d", code)
	}
	if code := post(t, url, body, signBody("k", body)); code != http.StatusAccepted {
		t.Fatalf("signed: expected 202, got %d", code)
	}
}

func TestWebhook_Listen_InlineFiles(t *testing.T) {
	dir := t.TempDir()
	_, msgs, url := startWebhook(t, "", WebhookOptions{DownloadDir: dir, MaxFileSize: 64})

	payload := webhookPayload{
		Message: Message{SenderID: "u1", Text: "contacts"},
		Files: []webhookFile{
			{Filename: "../../etc/a.vcf", Data: []byte("BEGIN:VCARD\nFN:A\nEND:VCARD")},
			{Filename: "big.vcf", Data: bytes.Repeat([]byte("x"), 65)},
		},
	}
	body, _ := json.Marshal(payload)
	if code := post(t, url, body, ""); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}

	msg := recv(t, msgs)
	if len(msg.Attachments) != 2 {
		t.Fatalf("attachments = %+v", msg.Attachments)
	}
	ok := msg.Attachments[0]
	if ok.Filename != "a.vcf" || ok.Error != "" {
		t.Fatalf("first attachment = %+v", ok)
	}
	if !strings.HasPrefix(ok.Path, dir) {
		t.Fatalf("file escaped the download dir: %s", ok.Path)
	}
	data, err := os.ReadFile(ok.Path)
	if err != nil || !strings.HasPrefix(string(data), "BEGIN:VCARD") {
		t.Fatalf("saved file = %q, %v", data, err)
	}

	big := msg.Attachments[1]
	if big.Path != "" || !strings.Contains(big.Error, "too large") {
		t.Fatalf("oversized attachment = %+v", big)
	}
}

func TestWebhook_Send_CallbackURL_SSRFBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	wh := newWebhookChannel("wh-send", WebhookConfig{}, WebhookOptions{HTTPClient: server.Client()})
	msg := Message{Text: "response", Metadata: map[string]string{"callback_url": server.URL}}
	if err := wh.Send(context.Background(), msg); err == nil {
		t.Fatal("expected SSRF error for loopback callback URL")
	}
	msg.Metadata["callback_url"] = "http://10.0.0.1:8080/hook"
	if err := wh.Send(context.Background(), msg); err == nil {
		t.Fatal("expected SSRF error for private callback URL")
	}
}

func TestWebhook_Send_SignedCallbackWithFiles(t *testing.T) {
	out := filepath.Join(t.TempDir(), "contacts_1.vcf")
	os.WriteFile(out, []byte("BEGIN:VCARD\nEND:VCARD"), 0o644)

	got := make(chan webhookPayload, 1)
	var sig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get("X-Signature-256")
		if sig != signBody("k", body) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var p webhookPayload
		json.Unmarshal(body, &p)
		got <- p
	}))
	defer server.Close()

	wh := newWebhookChannel("wh-send", WebhookConfig{Secret: "k"},
		WebhookOptions{AllowPrivateCallbacks: true, HTTPClient: server.Client()})
	err := wh.Send(context.Background(), Message{
		Text:        "done",
		Metadata:    map[string]string{"callback_url": server.URL},
		Attachments: []Attachment{{Type: "document", Path: out}},
	})
	if err != nil {
		t.Fatal(err)
	}

	p := <-got
	if p.Text != "done" || len(p.Files) != 1 {
		t.Fatalf("payload = %+v", p)
	}
	if p.Files[0].Filename != "contacts_1.vcf" || string(p.Files[0].Data) != "BEGIN:VCARD\nEND:VCARD" {
		t.Fatalf("file = %+v", p.Files[0])
	}
}

func TestWebhook_Send_NoCallbackOrClosed(t *testing.T) {
	wh := newWebhookChannel("wh-send", WebhookConfig{}, WebhookOptions{})
	if err := wh.Send(context.Background(), Message{Text: "response"}); err != nil {
		t.Fatalf("Send with no callback should succeed silently: %v", err)
	}
	wh.Close()
	err := wh.Send(context.Background(), Message{Metadata: map[string]string{"callback_url": "http://x"}})
	if err == nil {
		t.Fatal("expected error on closed channel")
	}
}

func TestWebhookFactory_Config(t *testing.T) {
	factory := WebhookFactory(WebhookOptions{})
	if _, err := factory("test", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing listen_addr")
	}
	ch, err := factory("test", json.RawMessage(`{"listen_addr":":0"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	wh := ch.(*webhookChannel)
	if wh.config.Path != "/" || wh.config.MaxBodyBytes != 32<<20 {
		t.Fatalf("defaults = %+v", wh.config)
	}
}
