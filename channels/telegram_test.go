package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
)

const testToken = "123:ABC"

type sentDocument struct {
	ChatID   string
	Caption  string
	Filename string
	Content  string
}

// fakeBotAPI serves the subset of the Bot API the channel uses.
type fakeBotAPI struct {
	*httptest.Server

	mu       sync.Mutex
	updates  []string // raw update objects, update_id = index+1
	files    map[string]string
	messages []url.Values
	docs     []sentDocument
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	api := &fakeBotAPI{files: map[string]string{}}
	api.Server = httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(api.Close)
	return api
}

func (a *fakeBotAPI) ok(w http.ResponseWriter, result string) {
	fmt.Fprintf(w, `{"ok":true,"result":%s}`, result)
}

func (a *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	if path, ok := strings.CutPrefix(r.URL.Path, "/file/bot"+testToken+"/"); ok {
		a.mu.Lock()
		content, found := a.files[path]
		a.mu.Unlock()
		if !found {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, content)
		return
	}

	method, ok := strings.CutPrefix(r.URL.Path, "/bot"+testToken+"/")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}

	switch method {
	case "getMe":
		a.ok(w, `{"id":1,"is_bot":true,"first_name":"VCF","username":"vcf_bot"}`)
	case "getUpdates":
		r.ParseForm()
		offset, _ := strconv.Atoi(r.Form.Get("offset"))
		a.mu.Lock()
		var pending []string
		for i, u := range a.updates {
			if i+1 >= offset {
				pending = append(pending, u)
			}
		}
		a.mu.Unlock()
		if len(pending) == 0 {
			time.Sleep(20 * time.Millisecond)
		}
		a.ok(w, "["+strings.Join(pending, ",")+"]")
	case "getFile":
		r.ParseForm()
		id := r.Form.Get("file_id")
		a.mu.Lock()
		content := a.files["documents/"+id]
		a.mu.Unlock()
		a.ok(w, fmt.Sprintf(`{"file_id":%q,"file_size":%d,"file_path":"documents/%s"}`, id, len(content), id))
	case "sendMessage":
		r.ParseForm()
		a.mu.Lock()
		a.messages = append(a.messages, r.PostForm)
		a.mu.Unlock()
		a.ok(w, `{"message_id":10}`)
	case "sendDocument":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("document")
		if err != nil {
			io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: there is no document in the request"}`)
			return
		}
		data, _ := io.ReadAll(f)
		a.mu.Lock()
		a.docs = append(a.docs, sentDocument{
			ChatID:   r.FormValue("chat_id"),
			Caption:  r.FormValue("caption"),
			Filename: hdr.Filename,
			Content:  string(data),
		})
		a.mu.Unlock()
		a.ok(w, `{"message_id":11}`)
	default:
		io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (a *fakeBotAPI) push(update string) {
	a.mu.Lock()
	a.updates = append(a.updates, update)
	a.mu.Unlock()
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, opts TelegramOptions, token string) Channel {
	t.Helper()
	opts.BaseURL = api.URL
	cfg := fmt.Sprintf(`{"bot_token":%q,"poll_timeout":1}`, token)
	ch, err := TelegramFactory(opts)("tg", json.RawMessage(cfg))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ch.Close() })
	return ch
}

func TestTelegramFactory_Config(t *testing.T) {
	factory := TelegramFactory(TelegramOptions{})
	if _, err := factory("tg", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing token")
	}

	t.Setenv("VCFBOT_TEST_TOKEN", "9:XYZ")
	ch, err := factory("tg", json.RawMessage(`{"token_env":"VCFBOT_TEST_TOKEN"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	tg := ch.(*telegramChannel)
	if tg.token != "9:XYZ" || tg.config.PollTimeout != 30 || tg.opts.MaxFileSize != TelegramMaxDownload {
		t.Fatalf("channel = %+v", tg)
	}
	if st := ch.Status(); st.Platform != PlatformTelegram {
		t.Fatalf("status = %+v", st)
	}
}

func TestTelegram_ListenTextAndDocument(t *testing.T) {
	api := newFakeBotAPI(t)
	api.files["documents/F1"] = "BEGIN:VCARD\nFN:Alice\nTEL:0811\nEND:VCARD"
	api.push(`{"update_id":1,"message":{"message_id":5,"date":1700000000,
		"from":{"id":42,"first_name":"Budi","last_name":"S","username":"budi"},
		"chat":{"id":42,"type":"private"},"text":"/hitungctc"}}`)
	api.push(`{"update_id":2,"message":{"message_id":6,"date":1700000001,
		"from":{"id":42,"first_name":"Budi"},"chat":{"id":42,"type":"private"},
		"caption":"ini filenya",
		"document":{"file_id":"F1","file_name":"kontak.vcf","mime_type":"text/x-vcard","file_size":38}}}`)
	api.push(`{"update_id":3,"edited_message":{"message_id":5}}`)

	dir := t.TempDir()
	ch := newTestTelegram(t, api, TelegramOptions{DownloadDir: dir}, testToken)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs := ch.Listen(ctx)

	first := recv(t, msgs)
	want := Message{
		ID: "5", ChannelName: "tg", Platform: PlatformTelegram, Direction: Inbound,
		SenderID: "42", SenderName: "Budi S", Username: "budi", ChatID: "42",
		Text: "/hitungctc", Timestamp: time.Unix(1700000000, 0),
		Metadata: map[string]string{"chat_type": "private"},
	}
	if diff := cmp.Diff(want, first); diff != "" {
		t.Fatalf("text message mismatch (-want +got):\n%s", diff)
	}

	second := recv(t, msgs)
	if second.Text != "ini filenya" || len(second.Attachments) != 1 {
		t.Fatalf("document message = %+v", second)
	}
	att := second.Attachments[0]
	if att.Error != "" || att.Filename != "kontak.vcf" || att.Size != 38 {
		t.Fatalf("attachment = %+v", att)
	}
	if filepath.Dir(att.Path) != filepath.Join(dir, "tg") {
		t.Fatalf("attachment path = %s", att.Path)
	}
	data, err := os.ReadFile(att.Path)
	if err != nil || !strings.Contains(string(data), "FN:Alice") {
		t.Fatalf("downloaded = %q, %v", data, err)
	}

	waitFor(t, "connected status", func() bool { return ch.Status().Connected })
}

func TestTelegram_DocumentTooLarge(t *testing.T) {
	api := newFakeBotAPI(t)
	api.push(`{"update_id":1,"message":{"message_id":1,"date":1,"from":{"id":7},"chat":{"id":7,"type":"private"},
		"document":{"file_id":"BIG","file_name":"huge.xlsx","file_size":100}}}`)

	ch := newTestTelegram(t, api, TelegramOptions{DownloadDir: t.TempDir(), MaxFileSize: 10}, testToken)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := recv(t, ch.Listen(ctx))
	att := msg.Attachments[0]
	if att.Path != "" || !strings.Contains(att.Error, "too large") {
		t.Fatalf("attachment = %+v", att)
	}
}

func TestTelegram_Unauthorized(t *testing.T) {
	api := newFakeBotAPI(t)
	ch := newTestTelegram(t, api, TelegramOptions{}, "bad:token")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch.Listen(ctx)

	waitFor(t, "unauthorized status", func() bool { return ch.Status().AuthState == "unauthorized" })
	if st := ch.Status(); st.Connected || strings.Contains(st.Error, "bad:token") {
		t.Fatalf("status = %+v", st)
	}
}

func TestTelegram_CloseStopsListen(t *testing.T) {
	api := newFakeBotAPI(t)
	ch := newTestTelegram(t, api, TelegramOptions{}, testToken)
	msgs := ch.Listen(context.Background())
	ch.Close()

	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not stop after Close")
	}
}

func TestTelegram_SendTextAndDocument(t *testing.T) {
	api := newFakeBotAPI(t)
	ch := newTestTelegram(t, api, TelegramOptions{}, testToken)

	out := filepath.Join(t.TempDir(), "kontak_updated.vcf")
	os.WriteFile(out, []byte("BEGIN:VCARD\nEND:VCARD"), 0o644)

	long := strings.Repeat("x", telegramMaxText) + "\ntail"
	err := ch.Send(context.Background(), Message{
		RecipientID: "42",
		Text:        long,
		Attachments: []Attachment{{Type: "document", Path: out, Caption: "1 kontak"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.messages) != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", len(api.messages))
	}
	if api.messages[0].Get("chat_id") != "42" || api.messages[1].Get("text") != "\ntail" {
		t.Fatalf("messages = %v", api.messages)
	}
	want := []sentDocument{{ChatID: "42", Caption: "1 kontak", Filename: "kontak_updated.vcf", Content: "BEGIN:VCARD\nEND:VCARD"}}
	if diff := cmp.Diff(want, api.docs); diff != "" {
		t.Fatalf("documents mismatch (-want +got):\n%s", diff)
	}
}

func TestTelegram_SendErrors(t *testing.T) {
	api := newFakeBotAPI(t)
	ch := newTestTelegram(t, api, TelegramOptions{}, testToken)
	ctx := context.Background()

	if err := ch.Send(ctx, Message{Text: "x"}); err == nil {
		t.Fatal("expected error without recipient")
	}
	err := ch.Send(ctx, Message{RecipientID: "1", Attachments: []Attachment{{Path: "/does/not/exist"}}})
	if err == nil {
		t.Fatal("expected error for missing attachment file")
	}
	ch.Close()
	if err := ch.Send(ctx, Message{RecipientID: "1", Text: "x"}); err == nil {
		t.Fatal("expected error on closed channel")
	}
}

func TestTelegram_SendReplyTo(t *testing.T) {
	api := newFakeBotAPI(t)
	ch := newTestTelegram(t, api, TelegramOptions{}, testToken)

	if err := ch.Send(context.Background(), Message{RecipientID: "42", ReplyTo: "5", Text: "ok"}); err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.messages) != 1 || api.messages[0].Get("reply_to_message_id") != "5" {
		t.Fatalf("messages = %v", api.messages)
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantAfter time.Duration
		wantText  string
	}{
		{
			name:     "api",
			err:      &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"},
			wantCode: 400,
			wantText: "telegram: sendMessage: 400 Bad Request: chat not found",
		},
		{
			name: "retry after",
			err: &tgbotapi.Error{Code: 429, Message: "Too Many Requests",
				ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}},
			wantCode:  429,
			wantAfter: 7 * time.Second,
			wantText:  "telegram: sendMessage: 429 Too Many Requests",
		},
		{
			name:     "transport",
			err:      &url.Error{Op: "Post", URL: "https://api.telegram.org/bot" + testToken + "/sendMessage", Err: io.ErrUnexpectedEOF},
			wantText: "telegram: sendMessage: unexpected EOF",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := apiError("sendMessage", tt.err)
			if err.Error() != tt.wantText {
				t.Fatalf("error = %q, want %q", err, tt.wantText)
			}
			var apiErr *ErrAPI
			if errors.As(err, &apiErr) != (tt.wantCode != 0) || (apiErr != nil && apiErr.Code != tt.wantCode) {
				t.Fatalf("ErrAPI = %+v, want code %d", apiErr, tt.wantCode)
			}
			var ra *retryAfterError
			if errors.As(err, &ra) != (tt.wantAfter != 0) || (ra != nil && ra.after != tt.wantAfter) {
				t.Fatalf("retryAfter = %+v, want %s", ra, tt.wantAfter)
			}
		})
	}
	if apiError("getMe", nil) != nil {
		t.Fatal("nil error should stay nil")
	}
}

func TestTelegram_SendInvalidRecipient(t *testing.T) {
	api := newFakeBotAPI(t)
	ch := newTestTelegram(t, api, TelegramOptions{}, testToken)
	err := ch.Send(context.Background(), Message{RecipientID: "@someone", Text: "x"})
	var sf *ErrSendFailed
	if !errors.As(err, &sf) || sf.Platform != PlatformTelegram {
		t.Fatalf("err = %v", err)
	}
}

func TestSplitText(t *testing.T) {
	tests := []struct {
		text  string
		limit int
		want  []string
	}{
		{"", 10, nil},
		{"short", 10, []string{"short"}},
		{"aaaa\nbbbb\ncccc", 10, []string{"aaaa\nbbbb\n", "cccc"}},
		{"abcdefghijkl", 5, []string{"abcde", "fghij", "kl"}},
		{"ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitText(tt.text, tt.limit)); diff != "" {
			t.Errorf("splitText(%q, %d) mismatch (-want +got):\n%s", tt.text, tt.limit, diff)
		}
	}
}
