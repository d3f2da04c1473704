package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/hazyhaar/vcfbot/horosafe"
)

const (
	// DefaultTelegramAPI is the public Bot API endpoint.
	DefaultTelegramAPI = "https://api.telegram.org"
	// TelegramMaxDownload is the Bot API getFile ceiling.
	TelegramMaxDownload = 20 << 20
	// telegramMaxText is the sendMessage length limit, in characters.
	telegramMaxText = 4096
	// maxAPIResponse bounds a decoded Bot API response body.
	maxAPIResponse = 8 << 20
)

// TelegramConfig is the per-channel JSON config for Telegram connections.
//
//	{"bot_token": "123456:ABC-DEF"}
//	{"token_env": "VCFBOT_TELEGRAM_TOKEN", "poll_timeout": 30}
type TelegramConfig struct {
	// BotToken is the token issued by @BotFather.
	BotToken string `json:"bot_token,omitempty"`
	// TokenEnv names an environment variable holding the token, so the
	// token itself never lands in the database.
	TokenEnv string `json:"token_env,omitempty"`
	// PollTimeout is the getUpdates long-poll timeout in seconds. Default 30.
	PollTimeout int `json:"poll_timeout,omitempty"`
}

func (c TelegramConfig) token() string {
	if c.BotToken != "" {
		return c.BotToken
	}
	if c.TokenEnv != "" {
		return os.Getenv(c.TokenEnv)
	}
	return ""
}

// TelegramOptions are the process-level settings shared by every Telegram
// channel a factory creates.
type TelegramOptions struct {
	// DownloadDir receives inbound documents, under one subdirectory per
	// channel. Required for documents to be delivered.
	DownloadDir string
	// MaxFileSize rejects larger inbound documents. Default and ceiling:
	// TelegramMaxDownload.
	MaxFileSize int64
	// BaseURL overrides DefaultTelegramAPI (tests, local Bot API servers).
	BaseURL string
	// HTTPClient defaults to a client without global timeout; every call
	// carries its own deadline.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// TelegramFactory returns a ChannelFactory for Bot API channels using
// getUpdates long polling.
func TelegramFactory(opts TelegramOptions) ChannelFactory {
	if opts.MaxFileSize <= 0 || opts.MaxFileSize > TelegramMaxDownload {
		opts.MaxFileSize = TelegramMaxDownload
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTelegramAPI
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return func(name string, config json.RawMessage) (Channel, error) {
		var cfg TelegramConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("telegram: parse config: %w", err)
		}
		if cfg.token() == "" {
			return nil, fmt.Errorf("telegram: bot_token or token_env is required")
		}
		if cfg.PollTimeout <= 0 {
			cfg.PollTimeout = 30
		}
		return newTelegramChannel(name, cfg, opts), nil
	}
}

// telegramChannel implements Channel over the Telegram Bot API.
type telegramChannel struct {
	name   string
	config TelegramConfig
	opts   TelegramOptions
	token  string
	logger *slog.Logger
	bot    *tgbotapi.BotAPI

	mu      sync.Mutex
	closed  bool
	status  ChannelStatus
	closeCh chan struct{}
}

func newTelegramChannel(name string, cfg TelegramConfig, opts TelegramOptions) *telegramChannel {
	token := cfg.token()
	// Built without NewBotAPI so a factory call never touches the network;
	// Listen validates the token with getMe.
	bot := &tgbotapi.BotAPI{Token: token, Client: opts.HTTPClient, Buffer: 100}
	bot.SetAPIEndpoint(opts.BaseURL + "/bot%s/%s")
	return &telegramChannel{
		name:   name,
		config: cfg,
		opts:   opts,
		token:  token,
		logger: opts.Logger.With("channel", name),
		bot:    bot,
		status: ChannelStatus{
			Platform:  PlatformTelegram,
			AuthState: "token_valid",
		},
		closeCh: make(chan struct{}),
	}
}

// ctxDoer binds every request the Bot API client makes to ctx and bounds
// the response body it decodes.
type ctxDoer struct {
	ctx    context.Context
	client *http.Client
}

func (d ctxDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.client.Do(req.WithContext(d.ctx))
	if err != nil {
		return nil, err
	}
	resp.Body = http.MaxBytesReader(nil, resp.Body, maxAPIResponse)
	return resp, nil
}

// api returns a copy of the Bot API client whose requests carry ctx.
func (c *telegramChannel) api(ctx context.Context) *tgbotapi.BotAPI {
	b := *c.bot
	b.Client = ctxDoer{ctx: ctx, client: c.opts.HTTPClient}
	return &b
}

// retryAfterError is a 429 carrying the server-requested delay.
type retryAfterError struct {
	*ErrAPI
	after time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.ErrAPI }

// apiError maps a Bot API client error onto the package's error types. The
// request URL carries the token, so transport errors keep only their cause.
func apiError(method string, err error) error {
	if err == nil {
		return nil
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		apiErr := &ErrAPI{Method: method, Code: tgErr.Code, Description: tgErr.Message}
		if tgErr.RetryAfter > 0 {
			return &retryAfterError{ErrAPI: apiErr, after: time.Duration(tgErr.RetryAfter) * time.Second}
		}
		return apiErr
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = uerr.Err
	}
	return fmt.Errorf("telegram: %s: %w", method, err)
}

func (c *telegramChannel) getUpdates(ctx context.Context, offset int) ([]tgbotapi.Update, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.config.PollTimeout+15)*time.Second)
	defer cancel()
	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = c.config.PollTimeout
	cfg.AllowedUpdates = []string{tgbotapi.UpdateTypeMessage}
	updates, err := c.api(ctx).GetUpdates(cfg)
	return updates, apiError("getUpdates", err)
}

func (c *telegramChannel) Listen(ctx context.Context) <-chan Message {
	out := make(chan Message)
	lctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.closeCh:
			cancel()
		case <-lctx.Done():
		}
	}()

	go func() {
		defer close(out)
		defer cancel()

		me, err := c.api(lctx).GetMe()
		if err = apiError("getMe", err); err != nil && lctx.Err() == nil {
			c.setError(err)
			c.logger.Error("telegram: getMe failed", "error", err)
		} else if err == nil {
			c.logger.Info("telegram: connected", "bot", me.UserName)
		}

		offset := 0
		backoff := time.Second
		for lctx.Err() == nil {
			updates, err := c.getUpdates(lctx, offset)
			if err != nil {
				if lctx.Err() != nil {
					return
				}
				c.setError(err)
				wait := backoff
				var ra *retryAfterError
				if errors.As(err, &ra) {
					wait = ra.after
				} else {
					backoff = min(backoff*2, 30*time.Second)
				}
				c.logger.Warn("telegram: getUpdates failed", "error", err, "retry_in", wait)
				select {
				case <-time.After(wait):
				case <-lctx.Done():
					return
				}
				continue
			}
			backoff = time.Second
			c.setConnected()

			for _, u := range updates {
				offset = u.UpdateID + 1
				if u.Message == nil || u.Message.From == nil || u.Message.Chat == nil {
					continue
				}
				msg := c.toMessage(lctx, u)
				select {
				case out <- msg:
				case <-lctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// toMessage normalizes an update and downloads its document, if any.
func (c *telegramChannel) toMessage(ctx context.Context, u tgbotapi.Update) Message {
	m := u.Message
	msg := Message{
		ID:          strconv.Itoa(m.MessageID),
		ChannelName: c.name,
		Platform:    PlatformTelegram,
		Direction:   Inbound,
		SenderID:    strconv.FormatInt(m.From.ID, 10),
		SenderName:  strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		Username:    m.From.UserName,
		ChatID:      strconv.FormatInt(m.Chat.ID, 10),
		Text:        m.Text,
		Timestamp:   time.Unix(int64(m.Date), 0),
		Metadata:    map[string]string{"chat_type": m.Chat.Type},
	}
	if m.Document == nil {
		return msg
	}

	if msg.Text == "" {
		msg.Text = m.Caption
	}
	att := Attachment{
		Type:     "document",
		Filename: m.Document.FileName,
		MimeType: m.Document.MimeType,
		Size:     int64(m.Document.FileSize),
		Caption:  m.Caption,
	}
	if att.Filename == "" {
		att.Filename = "file"
	}
	path, err := c.download(ctx, u.UpdateID, m.Document)
	if err != nil {
		att.Error = err.Error()
		c.logger.Warn("telegram: document download failed",
			"user", msg.SenderID, "file", att.Filename, "error", err)
	} else {
		att.Path = path
	}
	msg.Attachments = []Attachment{att}
	return msg
}

// fileURL is the download location of a getFile result on the configured
// endpoint. File.Link always points at the public API.
func (c *telegramChannel) fileURL(f tgbotapi.File) string {
	if c.opts.BaseURL == DefaultTelegramAPI {
		return f.Link(c.token)
	}
	return c.opts.BaseURL + "/file/bot" + c.token + "/" + f.FilePath
}

// download fetches a document into DownloadDir/<channel>/ and returns the
// local path. Oversized files are refused before any byte is transferred.
func (c *telegramChannel) download(ctx context.Context, updateID int, doc *tgbotapi.Document) (string, error) {
	if c.opts.DownloadDir == "" {
		return "", errors.New("downloads are disabled")
	}
	if int64(doc.FileSize) > c.opts.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", horosafe.ErrTooLarge, doc.FileSize, c.opts.MaxFileSize)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	f, err := c.api(ctx).GetFile(tgbotapi.FileConfig{FileID: doc.FileID})
	if err != nil {
		return "", apiError("getFile", err)
	}
	if f.FilePath == "" {
		return "", errors.New("telegram: getFile returned no file_path")
	}
	if int64(f.FileSize) > c.opts.MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes, limit %d", horosafe.ErrTooLarge, f.FileSize, c.opts.MaxFileSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(f), nil)
	if err != nil {
		return "", errors.New("telegram: bad file_path")
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return "", errors.New("telegram: file download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: file download: HTTP %d", resp.StatusCode)
	}

	dir := filepath.Join(c.opts.DownloadDir, horosafe.SanitizeFileName(c.name, "telegram"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := strconv.Itoa(updateID) + "_" + horosafe.SanitizeFileName(doc.FileName, "file")
	path, err := horosafe.SafePath(dir, name)
	if err != nil {
		return "", err
	}

	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, io.LimitReader(resp.Body, c.opts.MaxFileSize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > c.opts.MaxFileSize {
		err = horosafe.ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// Send delivers the text (split at the message length limit) and then every
// attachment as a document.
func (c *telegramChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformTelegram,
			Cause: fmt.Errorf("channel closed")}
	}
	chatID, err := strconv.ParseInt(msg.RecipientID, 10, 64)
	if err != nil {
		return &ErrSendFailed{Channel: c.name, Platform: PlatformTelegram,
			Cause: fmt.Errorf("invalid recipient %q", msg.RecipientID)}
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	api := c.api(ctx)
	for _, chunk := range splitText(msg.Text, telegramMaxText) {
		cfg := tgbotapi.NewMessage(chatID, chunk)
		cfg.ReplyToMessageID = replyTo
		if _, err := api.Request(cfg); err != nil {
			return &ErrSendFailed{Channel: c.name, Platform: PlatformTelegram, Cause: apiError("sendMessage", err)}
		}
	}
	for _, att := range msg.Attachments {
		if err := c.sendDocument(ctx, chatID, att); err != nil {
			return &ErrSendFailed{Channel: c.name, Platform: PlatformTelegram, Cause: err}
		}
	}

	c.mu.Lock()
	c.status.LastMessage = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *telegramChannel) sendDocument(ctx context.Context, chatID int64, att Attachment) error {
	f, err := os.Open(att.Path)
	if err != nil {
		return fmt.Errorf("telegram: sendDocument: %w", err)
	}
	defer f.Close()

	filename := att.Filename
	if filename == "" {
		filename = filepath.Base(att.Path)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileReader{Name: filename, Reader: f})
	doc.Caption = att.Caption
	_, err = c.api(ctx).Request(doc)
	return apiError("sendDocument", err)
}

// splitText cuts text into chunks of at most limit characters, preferring
// line breaks. Empty text yields no chunk.
func splitText(text string, limit int) []string {
	var chunks []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			chunks = append(chunks, text)
			break
		}
		end := len(text)
		n := 0
		for i := range text {
			if n == limit {
				end = i
				break
			}
			n++
		}
		if nl := strings.LastIndexByte(text[:end], '\n'); nl > 0 {
			end = nl + 1
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}

func (c *telegramChannel) setConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = true
	c.status.AuthState = "token_valid"
	c.status.Error = ""
}

func (c *telegramChannel) setError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Connected = false
	c.status.Error = err.Error()
	var apiErr *ErrAPI
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		c.status.AuthState = "unauthorized"
	}
}

func (c *telegramChannel) Status() ChannelStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *telegramChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.status.Connected = false
	c.status.AuthState = "disconnected"
	return nil
}
