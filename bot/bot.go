// Package bot turns chat messages into contact-file operations. It checks
// access, drives each user's session through its state machine, runs the
// vcard engine on uploaded files and renders the results as replies and
// documents.
//
// Bot.Handle is a channels.InboundHandler:
//
//	b, err := bot.New(bot.Config{Access: acl, Pipeline: pipe, WorkDir: dir})
//	d := channels.NewDispatcher(b.Handle)
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/vcfbot/access"
	"github.com/hazyhaar/vcfbot/channels"
	"github.com/hazyhaar/vcfbot/docpipe"
	"github.com/hazyhaar/vcfbot/feedback"
	"github.com/hazyhaar/vcfbot/horosafe"
	"github.com/hazyhaar/vcfbot/observability"
	"github.com/hazyhaar/vcfbot/session"
	"github.com/hazyhaar/vcfbot/shield"
)

// DefaultPreviewContacts is how many contacts /delctc lists.
const DefaultPreviewContacts = 10

// Notifier sends a message outside of a reply, e.g. Dispatcher.Send.
type Notifier func(ctx context.Context, msg channels.Message) error

// Config holds the collaborators of a Bot. Access, Pipeline and WorkDir are
// required.
type Config struct {
	Access      *access.Store
	Pipeline    *docpipe.Pipeline
	Audit       *observability.AuditLogger // nil: operations are not audited
	Feedback    *feedback.Store            // nil: /laporkanbug is unavailable
	Maintenance *shield.MaintenanceMode    // nil: never in maintenance
	Notify      Notifier                   // nil: no owner or user notifications

	// WorkDir receives one directory per user for generated files.
	WorkDir         string
	PreviewContacts int
	MaxFiles        int           // per collecting session, default session.DefaultMaxFiles
	IdleTimeout     time.Duration // 0: session.DefaultIdleTimeout, negative: never

	Now    func() time.Time
	Logger *slog.Logger
}

// Bot is the chat front end of the engine.
type Bot struct {
	cfg      Config
	sessions *session.Store
	logger   *slog.Logger
	now      func() time.Time
}

// New validates cfg, creates WorkDir and returns a Bot with an empty
// session store.
func New(cfg Config) (*Bot, error) {
	if cfg.Access == nil {
		return nil, errors.New("bot: Access is required")
	}
	if cfg.Pipeline == nil {
		return nil, errors.New("bot: Pipeline is required")
	}
	if cfg.WorkDir == "" {
		return nil, errors.New("bot: WorkDir is required")
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("bot: create work dir: %w", err)
	}
	if cfg.PreviewContacts <= 0 {
		cfg.PreviewContacts = DefaultPreviewContacts
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = session.DefaultIdleTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bot{cfg: cfg, logger: cfg.Logger, now: cfg.Now}
	b.sessions = session.NewStore(
		session.WithIdleTimeout(cfg.IdleTimeout),
		session.WithMaxFiles(cfg.MaxFiles),
		session.WithClock(cfg.Now),
		session.WithDiscard(b.discard),
		session.WithLogger(cfg.Logger),
	)
	return b, nil
}

// Handle processes one inbound message and returns the replies.
func (b *Bot) Handle(ctx context.Context, msg channels.Message) ([]channels.Message, error) {
	user := msg.SenderID
	if user == "" {
		b.dropAttachments(msg.Attachments)
		return nil, nil
	}
	b.clearOutputs(user)

	cmd := msg.Command()
	if b.cfg.Maintenance != nil && b.cfg.Maintenance.Active() && !b.cfg.Access.IsOwner(user) {
		b.dropAttachments(msg.Attachments)
		return say(msgMaintenanceIcon + b.cfg.Maintenance.Message()), nil
	}

	ok, err := b.cfg.Access.Allowed(ctx, user)
	if err != nil {
		b.dropAttachments(msg.Attachments)
		b.logger.Error("bot: access check failed", "user", user, "error", err)
		return say(msgInternal), nil
	}
	if !ok {
		b.dropAttachments(msg.Attachments)
		b.audit(ctx, msg, auditOp(cmd, "message"), b.now(), outcome{err: errAccessDenied, rejected: true})
		if cmd == string(session.OpStart) {
			return say(fmt.Sprintf(msgNoAccess, displayName(msg.SenderName, msg.Username, user))), nil
		}
		return say(msgAccessDenied), nil
	}

	switch {
	case cmd != "":
		b.dropAttachments(msg.Attachments)
		return b.onCommand(ctx, msg, cmd), nil
	case len(msg.Attachments) > 0:
		return b.onFile(ctx, msg), nil
	default:
		return b.onText(ctx, msg), nil
	}
}

// Sweep expires idle sessions and returns how many were expired.
func (b *Bot) Sweep() int { return b.sessions.Sweep() }

// Session returns a snapshot of a user's session.
func (b *Bot) Session(userID string) session.Session { return b.sessions.Get(userID) }

var (
	errAccessDenied = errors.New("bot: access denied")
	errOwnerOnly    = errors.New("bot: owner only")
)

func auditOp(cmd, fallback string) string {
	if cmd == "" {
		return fallback
	}
	return cmd
}

func (b *Bot) onCommand(ctx context.Context, msg channels.Message, cmd string) []channels.Message {
	user := msg.SenderID
	switch cmd {
	case "selesai":
		return b.finish(ctx, msg)
	case "batal", "reset_conversions", "fixbug":
		return b.reset(ctx, msg, cmd)
	case "rekapgroup", "listgc", "cvadminfile":
		return say(msgUnavailable)
	}

	op, ok := session.LookupOp(cmd)
	if !ok {
		return say(msgUnknown)
	}
	if ownerOnly(op) && !b.cfg.Access.IsOwner(user) {
		b.audit(ctx, msg, string(op), b.now(), outcome{err: errOwnerOnly, rejected: true})
		return say(msgOwnerOnly)
	}
	if _, err := b.sessions.Fire(user, session.Event{Kind: session.EventCommand, Op: op}); err != nil {
		b.logger.Error("bot: command rejected", "user", user, "op", op, "error", err)
		return say(msgInternal)
	}
	if op.Input() == session.InputNone {
		return b.runInfo(ctx, msg, op)
	}
	return say(prompt(op, b.sessions.MaxFiles()))
}

func ownerOnly(op session.Op) bool {
	switch op {
	case session.OpAddUser, session.OpDelUser, session.OpTotalUsers:
		return true
	}
	return false
}

// runInfo answers the commands that need no input.
func (b *Bot) runInfo(ctx context.Context, msg channels.Message, op session.Op) []channels.Message {
	start := b.now()
	user := msg.SenderID
	owner := b.cfg.Access.IsOwner(user)

	var (
		text string
		err  error
	)
	switch op {
	case session.OpStart:
		text = fmt.Sprintf(msgStart, displayName(msg.SenderName, msg.Username, user))
	case session.OpHelp:
		text = msgHelp
	case session.OpMenu:
		text = renderMenu(owner)
	case session.OpStats:
		text, err = b.stats(ctx, user, owner)
	case session.OpTotalUsers:
		var users []access.User
		if users, err = b.cfg.Access.List(ctx); err == nil {
			text = renderUsers(b.cfg.Access.Owner(), users)
		}
	}
	b.audit(ctx, msg, string(op), start, outcome{err: err})
	if err != nil {
		b.logger.Error("bot: command failed", "user", user, "op", op, "error", err)
		return say(msgInternal)
	}
	return say(text)
}

func (b *Bot) stats(ctx context.Context, user string, owner bool) (string, error) {
	var counts []observability.OperationCount
	if b.cfg.Audit != nil {
		var err error
		if counts, err = b.cfg.Audit.OperationCounts(ctx, user); err != nil {
			return "", err
		}
	}
	users := 0
	if owner {
		var err error
		if users, err = b.cfg.Access.Count(ctx); err != nil {
			return "", err
		}
	}
	return renderStats(counts, users), nil
}

func (b *Bot) reset(ctx context.Context, msg channels.Message, cmd string) []channels.Message {
	user := msg.SenderID
	if _, err := b.sessions.Fire(user, session.Event{Kind: session.EventReset}); err != nil {
		b.logger.Error("bot: reset rejected", "user", user, "error", err)
	}
	b.audit(ctx, msg, cmd, b.now(), outcome{})
	if cmd == "batal" {
		return say(msgCancelled)
	}
	if dir, err := b.userDir(user); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			b.logger.Warn("bot: clear user dir", "user", user, "error", err)
		}
	}
	return say(msgReset)
}

// onFile routes an uploaded document by session state. Only the first
// attachment is used.
func (b *Bot) onFile(ctx context.Context, msg channels.Message) []channels.Message {
	user := msg.SenderID
	att := msg.Attachments[0]
	b.dropAttachments(msg.Attachments[1:])
	if att.Error != "" || att.Path == "" {
		b.remove(att.Path)
		reason := att.Error
		if reason == "" {
			reason = "file kosong"
		}
		return say(fmt.Sprintf(msgDownloadFailed, reason))
	}
	f := session.File{Path: att.Path, Name: att.Filename}
	if f.Name == "" {
		f.Name = filepath.Base(att.Path)
	}

	sess := b.sessions.Get(user)
	switch sess.State {
	case session.StateAwaitingFile:
		return b.onOpFile(ctx, msg, sess, f)
	case session.StateCollecting:
		return b.onCollect(ctx, msg, sess, f)
	}

	b.remove(f.Path)
	_, err := b.sessions.Fire(user, session.Event{Kind: session.EventFile, File: f})
	if sess.State == session.StateAwaitingParameter {
		b.logger.Debug("bot: file while awaiting parameter", "user", user, "error", err)
		return say(msgWaitingText)
	}
	return say(msgIdleFile)
}

func (b *Bot) onOpFile(ctx context.Context, msg channels.Message, sess session.Session, f session.File) []channels.Message {
	start := b.now()
	st := b.fileStep(ctx, msg, sess.Op, f)

	_, err := b.sessions.Fire(msg.SenderID, session.Event{Kind: session.EventFile, File: f, Failed: st.failed})
	if err != nil {
		b.logger.Error("bot: file rejected", "user", msg.SenderID, "op", sess.Op, "error", err)
	}
	kept := err == nil && !st.failed && sess.Op.Input() == session.InputFileThenParam
	if !kept {
		b.remove(f.Path)
	}
	if st.failed || sess.Op.Input() == session.InputFile {
		b.audit(ctx, msg, string(sess.Op), start, st.outcome)
	}
	return st.replies
}

func (b *Bot) onCollect(ctx context.Context, msg channels.Message, sess session.Session, f session.File) []channels.Message {
	want := docpipe.FormatVCF
	if sess.Op == session.OpMergeTxt {
		want = docpipe.FormatTXT
	}
	if got, err := b.cfg.Pipeline.Detect(f.Name); err != nil || got != want {
		b.remove(f.Path)
		return say(fmt.Sprintf(msgWrongFormat, "."+string(want)))
	}
	next, err := b.sessions.Fire(msg.SenderID, session.Event{Kind: session.EventFile, File: f})
	if err != nil {
		b.remove(f.Path)
		return say(fmt.Sprintf(msgCollectFull, b.sessions.MaxFiles()))
	}
	return say(fmt.Sprintf(msgCollected, f.Name, len(next.Files)))
}

func (b *Bot) onText(ctx context.Context, msg channels.Message) []channels.Message {
	user := msg.SenderID
	sess := b.sessions.Get(user)
	if sess.State == session.StateAwaitingParameter {
		start := b.now()
		st := b.paramStep(ctx, msg, sess)
		if _, err := b.sessions.Fire(user, session.Event{Kind: session.EventText, Failed: st.failed}); err != nil {
			b.logger.Error("bot: text rejected", "user", user, "op", sess.Op, "error", err)
		}
		b.audit(ctx, msg, string(sess.Op), start, st.outcome)
		return st.replies
	}

	_, err := b.sessions.Fire(user, session.Event{Kind: session.EventText})
	b.logger.Debug("bot: unexpected text", "user", user, "state", sess.State, "error", err)
	switch sess.State {
	case session.StateAwaitingFile:
		return say(msgWaitingFile)
	case session.StateCollecting:
		return say(msgCollectingText)
	default:
		return say(msgIdleText)
	}
}

func (b *Bot) finish(ctx context.Context, msg channels.Message) []channels.Message {
	user := msg.SenderID
	sess := b.sessions.Get(user)
	if sess.State != session.StateCollecting {
		return say(msgNoOperation)
	}
	if len(sess.Files) == 0 {
		kind := "VCF"
		if sess.Op == session.OpMergeTxt {
			kind = "TXT"
		}
		return say(fmt.Sprintf(msgNothingToMerge, kind))
	}

	start := b.now()
	st := b.mergeStep(ctx, msg, sess)
	if _, err := b.sessions.Fire(user, session.Event{Kind: session.EventFinish}); err != nil {
		b.logger.Error("bot: finish rejected", "user", user, "error", err)
	}
	b.audit(ctx, msg, string(sess.Op), start, st.outcome)
	return st.replies
}

// outcome is the audit view of one operation; the exported fields are
// stored as the entry parameters.
type outcome struct {
	File  string `json:"file,omitempty"`
	Files int    `json:"files,omitempty"`
	In    int    `json:"records_in,omitempty"`
	Out   int    `json:"records_out,omitempty"`
	Param string `json:"param,omitempty"`

	err      error
	rejected bool
}

func (b *Bot) audit(ctx context.Context, msg channels.Message, op string, start time.Time, oc outcome) {
	attrs := []any{"op", op, "user", msg.SenderID, "records_out", oc.Out}
	if oc.err != nil {
		b.logger.Info("bot: operation failed", append(attrs, "error", oc.err)...)
	} else {
		b.logger.Info("bot: operation", attrs...)
	}
	if b.cfg.Audit == nil {
		return
	}

	e := b.cfg.Audit.NewAuditEntry("bot", op, oc, oc.err, b.now().Sub(start))
	e.UserID = msg.SenderID
	e.ChatID = msg.ChatID
	e.RequestID = msg.ID
	e.FileName = oc.File
	e.RecordsIn = oc.In
	e.RecordsOut = oc.Out
	e.ErrorKind = errorKind(oc.err)
	if oc.rejected {
		e.Status = observability.StatusRejected
	}
	b.cfg.Audit.LogAsync(e)
}

func (b *Bot) userDir(user string) (string, error) {
	return horosafe.SafePath(b.cfg.WorkDir, user)
}

func say(text string) []channels.Message {
	return []channels.Message{{Text: text}}
}
