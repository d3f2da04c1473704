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
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/vcfbot/horosafe"
)

// WebhookConfig is the per-channel JSON config for generic inbound webhooks.
type WebhookConfig struct {
	// ListenAddr is the address to bind the HTTP server (e.g. ":8081").
	ListenAddr string `json:"listen_addr"`
	// Path is the URL path to listen on (e.g. "/inbound").
	Path string `json:"path"`
	// Secret is an optional shared secret for HMAC-SHA256 signatures. When
	// set, inbound requests must carry X-Signature-256 and outbound callbacks
	// are signed the same way.
	Secret string `json:"secret,omitempty"`
	// MaxBodyBytes limits the request body size. Defaults to 32 MiB so a
	// base64 file at the download limit fits.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

// WebhookOptions are the process-level settings shared by webhook channels.
type WebhookOptions struct {
	// DownloadDir receives inbound files, under one subdirectory per channel.
	DownloadDir string
	// MaxFileSize rejects larger inbound files. Default TelegramMaxDownload.
	MaxFileSize int64
	// AllowPrivateCallbacks disables the SSRF guard on callback URLs, for
	// deployments where the caller runs on the same host.
	AllowPrivateCallbacks bool
	HTTPClient            *http.Client
}

// webhookFile carries a file inline, base64-encoded by encoding/json.
type webhookFile struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// webhookPayload is the JSON body in both directions: a Message plus the
// files it carries.
type webhookPayload struct {
	Message
	Files []webhookFile `json:"files,omitempty"`
}

// WebhookFactory returns a ChannelFactory for generic HTTP webhooks, letting
// any system talk to the bot with signed JSON POSTs.
//
// Inbound: POST a webhookPayload to Path. Files are written to DownloadDir
// and surface as document attachments. Outbound: replies are POSTed to the
// inbound message's Metadata["callback_url"], with documents inlined.
//
//	{"listen_addr": ":8081", "path": "/inbound", "secret": "hmac_key"}
func WebhookFactory(opts WebhookOptions) ChannelFactory {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = TelegramMaxDownload
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg WebhookConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("webhook: parse config: %w", err)
		}
		if cfg.ListenAddr == "" {
			return nil, fmt.Errorf("webhook: listen_addr is required")
		}
		if cfg.Path == "" {
			cfg.Path = "/"
		}
		if cfg.MaxBodyBytes <= 0 {
			cfg.MaxBodyBytes = 32 << 20
		}
		return newWebhookChannel(name, cfg, opts), nil
	}
}

// webhookChannel implements Channel for generic HTTP webhooks.
type webhookChannel struct {
	name   string
	config WebhookConfig
	opts   WebhookOptions

	mu         sync.Mutex
	closed     bool
	status     ChannelStatus
	server     *http.Server
	inbound    chan Message
	closeCh    chan struct{}
	listenOnce sync.Once
}

func newWebhookChannel(name string, cfg WebhookConfig, opts WebhookOptions) *webhookChannel {
	return &webhookChannel{
		name:   name,
		config: cfg,
		opts:   opts,
		status: ChannelStatus{
			Connected: false,
			Platform:  PlatformWebhook,
			AuthState: "listening",
		},
		inbound: make(chan Message, 256),
		closeCh: make(chan struct{}),
	}
}

// verifyHMAC checks the X-Signature-256 header against the body.
// Returns true if verification passes or no secret is configured.
func (c *webhookChannel) verifyHMAC(body []byte, signature string) bool {
	if c.config.Secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	// Strip optional "sha256=" prefix (GitHub-style).
	const prefix = "sha256="
	if len(signature) > len(prefix) && signature[:len(prefix)] == prefix {
		signature = signature[len(prefix):]
	}
	decoded, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	expected, _ := hex.DecodeString(c.sign(body))
	return hmac.Equal(expected, decoded)
}

func (c *webhookChannel) Listen(ctx context.Context) <-chan Message {
	ch := make(chan Message)

	// Start the HTTP server at most once, even if Listen is called multiple times.
	c.listenOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc(c.config.Path, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, c.config.MaxBodyBytes))
			if err != nil {
				http.Error(w, "read body failed", http.StatusBadRequest)
				return
			}

			// Verify HMAC signature if a secret is configured.
			if !c.verifyHMAC(body, r.Header.Get("X-Signature-256")) {
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}

			var p webhookPayload
			if err := json.Unmarshal(body, &p); err != nil {
				http.Error(w, "invalid JSON", http.StatusBadRequest)
				return
			}
			if p.SenderID == "" {
				http.Error(w, "sender_id is required", http.StatusBadRequest)
				return
			}

			msg := p.Message
			msg.ChannelName = c.name
			msg.Platform = PlatformWebhook
			msg.Direction = Inbound
			if msg.ChatID == "" {
				msg.ChatID = msg.SenderID
			}
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			msg.Attachments = nil
			for i, f := range p.Files {
				msg.Attachments = append(msg.Attachments, c.saveFile(i, f))
			}

			select {
			case c.inbound <- msg:
				w.WriteHeader(http.StatusAccepted)
			default:
				http.Error(w, "buffer full", http.StatusServiceUnavailable)
			}
		})

		c.mu.Lock()
		c.server = &http.Server{
			Addr:              c.config.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 16, // 64 KiB
		}
		c.status.Connected = true
		c.mu.Unlock()

		// Start HTTP server in background.
		go func() {
			if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.mu.Lock()
				c.status.Connected = false
				c.status.Error = err.Error()
				c.mu.Unlock()
			}
		}()
	})

	// Forward inbound messages to the returned channel.
	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case msg, ok := <-c.inbound:
				if !ok {
					return
				}
				select {
				case ch <- msg:
				case <-ctx.Done():
					return
				case <-c.closeCh:
					return
				}
			}
		}
	}()

	return ch
}

func (c *webhookChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
			Cause: fmt.Errorf("channel closed")}
	}

	callbackURL := msg.Metadata["callback_url"]
	if callbackURL == "" {
		// No return path was provided; the reply is dropped.
		return nil
	}
	if !c.opts.AllowPrivateCallbacks {
		if err := horosafe.ValidateURL(callbackURL); err != nil {
			return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
				Cause: fmt.Errorf("callback url: %w", err)}
		}
	}

	p := webhookPayload{Message: msg}
	p.Attachments = nil
	for _, att := range msg.Attachments {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
				Cause: fmt.Errorf("read attachment: %w", err)}
		}
		name := att.Filename
		if name == "" {
			name = filepath.Base(att.Path)
		}
		p.Files = append(p.Files, webhookFile{Filename: name, MimeType: att.MimeType, Data: data})
	}

	body, err := json.Marshal(p)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
			Cause: fmt.Errorf("marshal response: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
			Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.Secret != "" {
		req.Header.Set("X-Signature-256", "sha256="+c.sign(body))
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
			Cause: fmt.Errorf("callback POST: %w", err)}
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformWebhook,
			Cause: fmt.Errorf("callback returned %d", resp.StatusCode)}
	}

	c.mu.Lock()
	c.status.LastMessage = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *webhookChannel) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.config.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// saveFile writes an inline inbound file to DownloadDir/<channel>/.
func (c *webhookChannel) saveFile(i int, f webhookFile) Attachment {
	att := Attachment{
		Type:     "document",
		Filename: horosafe.SanitizeFileName(f.Filename, "file"),
		MimeType: f.MimeType,
		Size:     int64(len(f.Data)),
	}
	switch {
	case c.opts.DownloadDir == "":
		att.Error = "downloads are disabled"
		return att
	case att.Size > c.opts.MaxFileSize:
		att.Error = fmt.Sprintf("%v: %d bytes, limit %d", horosafe.ErrTooLarge, att.Size, c.opts.MaxFileSize)
		return att
	}

	dir := filepath.Join(c.opts.DownloadDir, horosafe.SanitizeFileName(c.name, "webhook"))
	name := fmt.Sprintf("%d_%d_%s", time.Now().UnixNano(), i, att.Filename)
	path, err := horosafe.SafePath(dir, name)
	if err == nil {
		err = os.MkdirAll(dir, 0o755)
	}
	if err == nil {
		err = os.WriteFile(path, f.Data, 0o644)
	}
	if err != nil {
		att.Error = err.Error()
		return att
	}
	att.Path = path
	return att
}

func (c *webhookChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *webhookChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.status.Connected = false
	c.status.AuthState = "stopped"
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return c.server.Shutdown(ctx)
	}
	return nil
}
