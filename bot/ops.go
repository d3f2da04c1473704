package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hazyhaar/vcfbot/access"
	"github.com/hazyhaar/vcfbot/channels"
	"github.com/hazyhaar/vcfbot/docpipe"
	"github.com/hazyhaar/vcfbot/feedback"
	"github.com/hazyhaar/vcfbot/horosafe"
	"github.com/hazyhaar/vcfbot/session"
	"github.com/hazyhaar/vcfbot/vcard"
)

var (
	errWrongFormat = errors.New("bot: wrong file format")
	errNotANumber  = errors.New("bot: not a number")
	errNoFile      = errors.New("bot: session holds no file")
)

// step is the result of feeding one input to an operation. failed marks an
// input the operation could not use; the session then waits for another.
type step struct {
	replies []channels.Message
	failed  bool
	outcome
}

func retry(text string, oc outcome) step {
	return step{replies: say(text), failed: true, outcome: oc}
}

func done(replies []channels.Message, oc outcome) step {
	return step{replies: replies, outcome: oc}
}

func (b *Bot) internal(oc outcome, err error) step {
	oc.err = err
	b.logger.Error("bot: operation failed", "file", oc.File, "error", err)
	return done(say(msgInternal), oc)
}

// readFailure renders a docpipe read error. The upload is refused so the
// user can send another one.
func (b *Bot) readFailure(oc outcome, err error) step {
	oc.err = err
	var tooLarge *docpipe.FileTooLargeError
	if errors.As(err, &tooLarge) {
		return retry(fmt.Sprintf(msgTooLarge, tooLarge.Max>>20), oc)
	}
	b.logger.Warn("bot: read upload", "file", oc.File, "error", err)
	return retry(msgReadFailed, oc)
}

func (b *Bot) isFormat(f session.File, want ...docpipe.Format) (docpipe.Format, bool) {
	got, err := b.cfg.Pipeline.Detect(f.Name)
	if err != nil {
		return "", false
	}
	for _, w := range want {
		if got == w {
			return got, true
		}
	}
	return got, false
}

// fileStep runs the file stage of the session's operation.
func (b *Bot) fileStep(ctx context.Context, msg channels.Message, op session.Op, f session.File) step {
	user := msg.SenderID
	switch op {
	case session.OpTxtToVCF, session.OpTxtToVCFAuto:
		return b.convertText(ctx, user, op, f)
	case session.OpVCFToTxt:
		return b.convertVCF(ctx, user, f)
	case session.OpXLSXToVCF:
		return b.convertSheet(ctx, user, f)
	case session.OpCount:
		return b.count(ctx, f)
	case session.OpRenameFile:
		return done(say(fmt.Sprintf(paramPrompts[op], f.Name)), outcome{File: f.Name})
	}

	_, seq, st, ok := b.loadVCF(ctx, f)
	if !ok {
		return st
	}
	oc := outcome{File: f.Name, In: len(seq)}
	if op == session.OpDelContact {
		return done(say(renderPreview(seq, b.cfg.PreviewContacts)), oc)
	}
	return done(say(paramPrompts[op]), oc)
}

// loadVCF reads and parses a contact file. A file without any record is
// refused.
func (b *Bot) loadVCF(ctx context.Context, f session.File) (string, vcard.Sequence, step, bool) {
	oc := outcome{File: f.Name}
	if _, ok := b.isFormat(f, docpipe.FormatVCF); !ok {
		oc.err = errWrongFormat
		return "", nil, retry(fmt.Sprintf(msgWrongFormat, ".vcf"), oc), false
	}
	doc, err := b.cfg.Pipeline.ReadText(ctx, f.Path)
	if err != nil {
		return "", nil, b.readFailure(oc, err), false
	}
	seq := vcard.Parse(doc)
	if len(seq) == 0 {
		oc.err = &vcard.EmptyResultError{Op: "parse"}
		return "", nil, retry(msgNoContacts, oc), false
	}
	return doc, seq, step{}, true
}

func (b *Bot) convertText(ctx context.Context, user string, op session.Op, f session.File) step {
	oc := outcome{File: f.Name}
	if _, ok := b.isFormat(f, docpipe.FormatTXT); !ok {
		oc.err = errWrongFormat
		return retry(fmt.Sprintf(msgWrongFormat, ".txt"), oc)
	}
	lines, err := b.cfg.Pipeline.ReadLines(ctx, f.Path)
	if err != nil {
		return b.readFailure(oc, err)
	}

	mode := vcard.ModeExplicit
	if op == session.OpTxtToVCFAuto {
		mode = vcard.ModeAuto
	}
	res, err := vcard.IngestDelimited(lines, mode)
	if err != nil {
		oc.err = err
		if errors.Is(err, vcard.ErrUndetectableFormat) {
			return retry(msgUndetectable, oc)
		}
		return retry(msgNoValidLines, oc)
	}
	oc.In = len(res.Records) + res.Skipped
	oc.Out = len(res.Records)

	name := outName(f.Name, "", ".vcf")
	caption := fmt.Sprintf("✅ Konversi berhasil! %d kontak dikonversi dari TXT ke VCF.", oc.Out)
	if mode == vcard.ModeAuto {
		name = outName(f.Name, "_auto", ".vcf")
		caption = fmt.Sprintf("✅ Konversi otomatis berhasil!\n📊 %d kontak dikonversi\n🔍 Separator terdeteksi: '%s'",
			oc.Out, res.Separator)
	}
	if res.Skipped > 0 {
		caption += fmt.Sprintf("\n⚠️ %d baris dilewati", res.Skipped)
	}
	path, err := b.writeOutput(user, name, []byte(vcard.Serialize(res.Records)))
	if err != nil {
		return b.internal(oc, err)
	}
	return done(doc(path, caption), oc)
}

func (b *Bot) convertVCF(ctx context.Context, user string, f session.File) step {
	_, seq, st, ok := b.loadVCF(ctx, f)
	if !ok {
		return st
	}
	oc := outcome{File: f.Name, In: len(seq)}
	lines := vcard.ExportDelimited(seq)
	if len(lines) == 0 {
		oc.err = &vcard.EmptyResultError{Op: "export"}
		return retry(msgNoPairs, oc)
	}
	oc.Out = len(lines)

	path, err := b.writeOutput(user, outName(f.Name, "", ".txt"), []byte(strings.Join(lines, "\n")+"\n"))
	if err != nil {
		return b.internal(oc, err)
	}
	return done(doc(path, fmt.Sprintf("✅ Konversi berhasil! %d kontak dikonversi dari VCF ke TXT.", oc.Out)), oc)
}

func (b *Bot) convertSheet(ctx context.Context, user string, f session.File) step {
	oc := outcome{File: f.Name}
	format, ok := b.isFormat(f, docpipe.FormatXLSX, docpipe.FormatCSV)
	if !ok {
		oc.err = errWrongFormat
		return retry(fmt.Sprintf(msgWrongFormat, ".xlsx atau .csv"), oc)
	}
	sheet, err := b.cfg.Pipeline.ReadSheet(ctx, f.Path)
	if err != nil {
		if errors.Is(err, docpipe.ErrTooFewColumns) {
			oc.err = err
			return retry(msgTooFewColumns, oc)
		}
		return b.readFailure(oc, err)
	}
	oc.In = sheet.Rows

	pairs := make([]vcard.Pair, len(sheet.Pairs))
	for i, p := range sheet.Pairs {
		pairs[i] = vcard.Pair{Name: p.Name, Phone: p.Phone}
	}
	seq, err := vcard.FromPairs(pairs)
	if err != nil {
		oc.err = err
		return retry(msgNoPairs, oc)
	}
	oc.Out = len(seq)

	path, err := b.writeOutput(user, outName(f.Name, "", ".vcf"), []byte(vcard.Serialize(seq)))
	if err != nil {
		return b.internal(oc, err)
	}
	caption := fmt.Sprintf("✅ Konversi berhasil! %d kontak dikonversi dari %s ke VCF.\n📋 Kolom yang digunakan: %s → %s",
		oc.Out, strings.ToUpper(string(format)), sheet.NameColumn, sheet.PhoneColumn)
	return done(doc(path, caption), oc)
}

func (b *Bot) count(ctx context.Context, f session.File) step {
	oc := outcome{File: f.Name}
	if _, ok := b.isFormat(f, docpipe.FormatVCF); !ok {
		oc.err = errWrongFormat
		return retry(fmt.Sprintf(msgWrongFormat, ".vcf"), oc)
	}
	text, err := b.cfg.Pipeline.ReadText(ctx, f.Path)
	if err != nil {
		return b.readFailure(oc, err)
	}
	info, err := os.Stat(f.Path)
	if err != nil {
		return b.readFailure(oc, err)
	}
	st := vcard.Count(vcard.Parse(text))
	oc.In = st.Total
	return done(say(renderCount(st, info.Size())), oc)
}

// paramStep runs the text stage of the session's operation.
func (b *Bot) paramStep(ctx context.Context, msg channels.Message, sess session.Session) step {
	text := strings.TrimSpace(msg.Text)
	switch sess.Op {
	case session.OpToTxt:
		return b.saveNote(msg, text)
	case session.OpBugReport:
		return b.reportBug(ctx, msg, text)
	case session.OpAddUser:
		return b.addUser(ctx, msg, text)
	case session.OpDelUser:
		return b.delUser(ctx, msg, text)
	}

	if len(sess.Files) == 0 {
		return b.internal(outcome{}, errNoFile)
	}
	f := sess.Files[0]
	if sess.Op == session.OpRenameFile {
		return b.renameFile(msg.SenderID, f, text)
	}

	doc, seq, st, ok := b.loadVCF(ctx, f)
	if !ok {
		// The stored file was accepted earlier; retrying cannot help.
		st.failed = false
		return st
	}
	switch sess.Op {
	case session.OpAddContact:
		return b.addContact(msg.SenderID, f, seq, text)
	case session.OpDelContact:
		return b.delContact(msg.SenderID, f, seq, text)
	case session.OpRename:
		return b.renameContact(msg.SenderID, f, doc, text)
	case session.OpSplitParts:
		return b.splitParts(msg.SenderID, f, seq, text)
	case session.OpSplitSize:
		return b.splitSize(msg.SenderID, f, seq, text)
	}
	return b.internal(outcome{File: f.Name}, fmt.Errorf("bot: no parameter stage for %s", sess.Op))
}

func (b *Bot) addContact(user string, f session.File, seq vcard.Sequence, text string) step {
	oc := outcome{File: f.Name, In: len(seq)}
	name, phone, ok := strings.Cut(text, "|")
	if !ok || strings.Contains(phone, "|") {
		oc.err = &vcard.ValidationError{Field: "contact", Reason: "want name|phone"}
		return retry(msgAddFormat, oc)
	}
	out, err := vcard.Append(seq, name, phone)
	if err != nil {
		oc.err = err
		return retry(msgAddFormat, oc)
	}
	oc.Out = len(out)

	path, err := b.writeOutput(user, outName(f.Name, "_updated", ".vcf"), []byte(vcard.Serialize(out)))
	if err != nil {
		return b.internal(oc, err)
	}
	caption := fmt.Sprintf("✅ Kontak berhasil ditambahkan!\n👤 Nama: %s\n📞 Nomor: %s\n📇 Total kontak: %d",
		strings.TrimSpace(name), strings.TrimSpace(phone), len(out))
	return done(doc(path, caption), oc)
}

func (b *Bot) delContact(user string, f session.File, seq vcard.Sequence, text string) step {
	oc := outcome{File: f.Name, In: len(seq), Param: text}
	idx, err := strconv.Atoi(text)
	if err != nil {
		oc.err = errNotANumber
		return retry(msgNotANumber, oc)
	}
	out, removed, err := vcard.DeleteAt(seq, idx)
	if err != nil {
		oc.err = err
		if errors.Is(err, vcard.ErrEmptyResult) {
			return done(say(msgDeleteLast), oc)
		}
		return retry(fmt.Sprintf(msgBadIndex, len(seq)), oc)
	}
	oc.Out = len(out)

	path, err := b.writeOutput(user, outName(f.Name, "_deleted", ".vcf"), []byte(vcard.Serialize(out)))
	if err != nil {
		return b.internal(oc, err)
	}
	caption := fmt.Sprintf("✅ Kontak berhasil dihapus!\n🗑️ Dihapus: %s - %s\n📇 Sisa kontak: %d",
		removed.Name(), removed.Phone(), len(out))
	return done(doc(path, caption), oc)
}

// renameContact rewrites names in the uploaded document. A leading "=" on
// the old name restricts the rename to exact matches.
func (b *Bot) renameContact(user string, f session.File, document, text string) step {
	oc := outcome{File: f.Name}
	oldName, newName, ok := strings.Cut(text, "|")
	if !ok {
		oc.err = &vcard.ValidationError{Field: "rename", Reason: "want old|new"}
		return retry(msgRenameFormat, oc)
	}
	mode := vcard.RenameSubstring
	oldName = strings.TrimSpace(oldName)
	if rest, exact := strings.CutPrefix(oldName, "="); exact {
		mode = vcard.RenameExact
		oldName = rest
	}

	res, err := vcard.Rename(document, oldName, newName, mode)
	if err != nil {
		oc.err = err
		if errors.Is(err, vcard.ErrNotFound) {
			return retry(fmt.Sprintf(msgRenameMissing, strings.TrimSpace(oldName)), oc)
		}
		return retry(msgRenameFormat, oc)
	}
	out := vcard.Parse(res.Document)
	oc.In, oc.Out = len(out), len(out)
	oc.Param = mode.String()

	path, err := b.writeOutput(user, outName(f.Name, "_renamed", ".vcf"), []byte(res.Document))
	if err != nil {
		return b.internal(oc, err)
	}
	caption := fmt.Sprintf("✅ Nama kontak berhasil diubah!\n📝 Dari: %s\n📝 Ke: %s\n🔄 Jumlah perubahan: %d",
		strings.TrimSpace(oldName), strings.TrimSpace(newName), res.Replaced)
	return done(doc(path, caption), oc)
}

func (b *Bot) splitParts(user string, f session.File, seq vcard.Sequence, text string) step {
	oc := outcome{File: f.Name, In: len(seq), Param: text}
	k, err := strconv.Atoi(text)
	if err != nil {
		oc.err = errNotANumber
		return retry(msgNotANumber, oc)
	}
	parts, err := vcard.SplitParts(seq, k)
	if err != nil {
		oc.err = err
		if k < 2 {
			return retry(msgPartsMin, oc)
		}
		return retry(fmt.Sprintf(msgPartsTooMany, len(seq), k), oc)
	}

	replies := say(fmt.Sprintf("✅ File berhasil dipecah menjadi %d bagian!\n📇 Total kontak: %d", len(parts), len(seq)))
	for i, p := range parts {
		path, err := b.writeOutput(user, fmt.Sprintf("split_part_%d.vcf", i+1), []byte(vcard.Serialize(p)))
		if err != nil {
			return b.internal(oc, err)
		}
		oc.Out += len(p)
		replies = append(replies, doc(path, fmt.Sprintf("📂 Bagian %d/%d (%d kontak)", i+1, len(parts), len(p)))...)
	}
	return done(replies, oc)
}

func (b *Bot) splitSize(user string, f session.File, seq vcard.Sequence, text string) step {
	oc := outcome{File: f.Name, In: len(seq), Param: text}
	n, err := strconv.Atoi(text)
	if err != nil {
		oc.err = errNotANumber
		return retry(msgNotANumber, oc)
	}
	parts, err := vcard.SplitSize(seq, n)
	if err != nil {
		oc.err = err
		return retry(msgSizeMin, oc)
	}

	replies := say(fmt.Sprintf("✅ File berhasil dipecah menjadi %d file!\n📇 Total kontak: %d\n📊 Kontak per file: %d",
		len(parts), len(seq), n))
	for i, p := range parts {
		path, err := b.writeOutput(user, fmt.Sprintf("contacts_%d.vcf", i+1), []byte(vcard.Serialize(p)))
		if err != nil {
			return b.internal(oc, err)
		}
		oc.Out += len(p)
		replies = append(replies, doc(path, fmt.Sprintf("📇 File %d/%d (%d kontak)", i+1, len(parts), len(p)))...)
	}
	return done(replies, oc)
}

// renameFile resends the stored upload under a new base name; the
// extension is kept.
func (b *Bot) renameFile(user string, f session.File, text string) step {
	oc := outcome{File: f.Name, Param: text}
	ext := filepath.Ext(f.Name)
	name := text
	if ext != "" && strings.EqualFold(filepath.Ext(name), ext) {
		name = name[:len(name)-len(ext)]
	}
	if err := horosafe.ValidateIdentifier(name); err != nil {
		oc.err = &vcard.ValidationError{Field: "file_name", Reason: err.Error()}
		return retry(msgBadFileName, oc)
	}

	path, err := b.copyOutput(user, name+ext, f.Path)
	if err != nil {
		return b.internal(oc, err)
	}
	return done(doc(path, fmt.Sprintf("✅ File berhasil diubah nama menjadi: %s", name+ext)), oc)
}

func (b *Bot) saveNote(msg channels.Message, text string) step {
	oc := outcome{}
	if text == "" {
		oc.err = &vcard.ValidationError{Field: "text", Reason: "empty"}
		return retry(msgEmptyText, oc)
	}
	author := docpipe.Author{
		Name:     displayName(msg.SenderName, msg.Username, msg.SenderID),
		Username: msg.Username,
		ID:       msg.SenderID,
	}
	body := docpipe.NoteText(author, b.now(), text)
	path, err := b.writeOutput(msg.SenderID, "saved_message.txt", []byte(body))
	if err != nil {
		return b.internal(oc, err)
	}
	return done(doc(path, "📝 Pesan berhasil disimpan sebagai file .txt"), oc)
}

func (b *Bot) reportBug(ctx context.Context, msg channels.Message, text string) step {
	oc := outcome{}
	if b.cfg.Feedback == nil {
		return done(say(msgFeedbackOff), oc)
	}
	report, err := b.cfg.Feedback.Submit(ctx, msg.SenderID, msg.Username, text)
	if err != nil {
		oc.err = err
		if errors.Is(err, feedback.ErrEmptyText) {
			return retry(msgBugEmpty, oc)
		}
		return b.internal(oc, err)
	}
	oc.Param = report.ID

	owner := b.cfg.Access.Owner()
	if msg.SenderID != owner {
		who := displayName(msg.SenderName, msg.Username, msg.SenderID)
		if msg.Username != "" && msg.SenderName != "" {
			who += " (@" + msg.Username + ")"
		}
		b.notify(ctx, msg, owner, fmt.Sprintf(msgBugForward, who, msg.SenderID, report.Text))
	}
	return done(say(fmt.Sprintf(msgBugReceived, report.ID)), oc)
}

func (b *Bot) addUser(ctx context.Context, msg channels.Message, text string) step {
	oc := outcome{Param: text}
	id, st, ok := parseUserID(text, oc)
	if !ok {
		return st
	}
	if err := b.cfg.Access.Add(ctx, id, "", msg.SenderID); err != nil {
		oc.err = err
		if errors.Is(err, access.ErrAlreadyAuthorized) {
			return done(say(fmt.Sprintf(msgUserExists, id)), oc)
		}
		return b.internal(oc, err)
	}
	b.notify(ctx, msg, id, msgWelcomeNewUser)
	return done(say(fmt.Sprintf(msgUserAdded, id)), oc)
}

func (b *Bot) delUser(ctx context.Context, msg channels.Message, text string) step {
	oc := outcome{Param: text}
	id, st, ok := parseUserID(text, oc)
	if !ok {
		return st
	}
	if err := b.cfg.Access.Remove(ctx, id, msg.SenderID); err != nil {
		oc.err = err
		switch {
		case errors.Is(err, access.ErrOwnerImmutable):
			return done(say(msgOwnerImmutable), oc)
		case errors.Is(err, access.ErrNotAuthorized):
			return done(say(fmt.Sprintf(msgUserMissing, id)), oc)
		}
		return b.internal(oc, err)
	}
	return done(say(fmt.Sprintf(msgUserRemoved, id)), oc)
}

func parseUserID(text string, oc outcome) (string, step, bool) {
	id, err := access.ParseUserID(text)
	if err != nil {
		oc.err = err
		if errors.Is(err, access.ErrUsernameUnsupported) {
			return "", retry(msgUserIDHandle, oc), false
		}
		return "", retry(msgUserIDInvalid, oc), false
	}
	return id, step{}, true
}

// notify sends text to recipient through the channel msg came from. Private
// chat ids equal user ids on Telegram.
func (b *Bot) notify(ctx context.Context, msg channels.Message, recipient, text string) {
	if b.cfg.Notify == nil {
		return
	}
	out := channels.Message{ChannelName: msg.ChannelName, RecipientID: recipient, Text: text}
	if err := b.cfg.Notify(ctx, out); err != nil {
		b.logger.Warn("bot: notify failed", "recipient", recipient, "error", err)
	}
}

// mergeStep combines the files of a collecting session.
func (b *Bot) mergeStep(ctx context.Context, msg channels.Message, sess session.Session) step {
	oc := outcome{Files: len(sess.Files)}
	if sess.Op == session.OpMergeTxt {
		return b.mergeText(ctx, msg.SenderID, sess.Files, oc)
	}

	docs := make([]string, 0, len(sess.Files))
	for _, f := range sess.Files {
		text, err := b.cfg.Pipeline.ReadText(ctx, f.Path)
		if err != nil {
			b.logger.Warn("bot: merge skipped file", "file", f.Name, "error", err)
			continue
		}
		docs = append(docs, text)
	}
	seq, err := vcard.Merge(docs...)
	if err != nil {
		oc.err = err
		return done(say(msgNoMergeResult), oc)
	}
	oc.In, oc.Out = len(seq), len(seq)

	path, err := b.writeOutput(msg.SenderID, "merged_contacts.vcf", []byte(vcard.Serialize(seq)))
	if err != nil {
		return b.internal(oc, err)
	}
	caption := fmt.Sprintf("✅ Berhasil menggabungkan %d file VCF!\n📇 Total kontak: %d", len(docs), len(seq))
	return done(doc(path, caption), oc)
}

func (b *Bot) mergeText(ctx context.Context, user string, files []session.File, oc outcome) step {
	texts := make([]docpipe.NamedText, 0, len(files))
	for _, f := range files {
		text, err := b.cfg.Pipeline.ReadText(ctx, f.Path)
		if err != nil {
			b.logger.Warn("bot: merge skipped file", "file", f.Name, "error", err)
			continue
		}
		texts = append(texts, docpipe.NamedText{Name: f.Name, Text: text})
	}
	merged, n := docpipe.MergeText(texts)
	if n == 0 {
		oc.err = &vcard.EmptyResultError{Op: "merge"}
		return done(say(msgAllEmpty), oc)
	}

	path, err := b.writeOutput(user, "merged_files.txt", []byte(merged))
	if err != nil {
		return b.internal(oc, err)
	}
	return done(doc(path, fmt.Sprintf("✅ Berhasil menggabungkan %d file TXT!", n)), oc)
}

// errorKind classifies err for the audit log.
func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if k := vcard.KindOf(err); k != vcard.KindNone {
		return k.String()
	}
	var tooLarge *docpipe.FileTooLargeError
	var unsupported *docpipe.UnsupportedFormatError
	switch {
	case errors.As(err, &tooLarge):
		return "too_large"
	case errors.As(err, &unsupported), errors.Is(err, errWrongFormat):
		return "unsupported_format"
	case errors.Is(err, errNotANumber),
		errors.Is(err, docpipe.ErrTooFewColumns),
		errors.Is(err, feedback.ErrEmptyText),
		errors.Is(err, access.ErrInvalidUserID),
		errors.Is(err, access.ErrUsernameUnsupported):
		return "validation"
	case errors.Is(err, errAccessDenied), errors.Is(err, errOwnerOnly):
		return "access"
	case errors.Is(err, access.ErrAlreadyAuthorized),
		errors.Is(err, access.ErrNotAuthorized),
		errors.Is(err, access.ErrOwnerImmutable):
		return "conflict"
	default:
		return "internal"
	}
}
