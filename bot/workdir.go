package bot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/vcfbot/channels"
	"github.com/hazyhaar/vcfbot/horosafe"
	"github.com/hazyhaar/vcfbot/session"
)

// Generated files live in WorkDir/<user>/out and are replaced by the next
// message of the same user. The dispatcher serializes each user's messages,
// so the previous replies have been sent by then.

func (b *Bot) outDir(user string) (string, error) {
	dir, err := b.userDir(user)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "out"), nil
}

func (b *Bot) outPath(user, name string) (string, error) {
	dir, err := b.outDir(user)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("bot: create output dir: %w", err)
	}
	return horosafe.SafePath(dir, name)
}

func (b *Bot) writeOutput(user, name string, data []byte) (string, error) {
	path, err := b.outPath(user, name)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return "", fmt.Errorf("bot: write %s: %w", name, err)
	}
	return path, nil
}

func (b *Bot) copyOutput(user, name, src string) (string, error) {
	path, err := b.outPath(user, name)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("bot: open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("bot: create %s: %w", name, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("bot: copy %s: %w", name, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("bot: close %s: %w", name, err)
	}
	return path, nil
}

func (b *Bot) clearOutputs(user string) {
	dir, err := b.outDir(user)
	if err != nil {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		b.logger.Warn("bot: clear outputs", "user", user, "error", err)
	}
}

// discard receives the uploads a session released.
func (b *Bot) discard(user string, files []session.File) {
	for _, f := range files {
		b.remove(f.Path)
	}
	if len(files) > 0 {
		b.logger.Debug("bot: uploads discarded", "user", user, "count", len(files))
	}
}

func (b *Bot) remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Warn("bot: remove file", "path", path, "error", err)
	}
}

func (b *Bot) dropAttachments(atts []channels.Attachment) {
	for _, a := range atts {
		b.remove(a.Path)
	}
}

// CleanWorkDir removes files under WorkDir last modified more than maxAge
// ago, then the directories left empty. It returns how many files were
// removed.
func (b *Bot) CleanWorkDir(maxAge time.Duration) (int, error) {
	cutoff := b.now().Add(-maxAge)
	removed := 0
	var dirs []string
	err := filepath.WalkDir(b.cfg.WorkDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != b.cfg.WorkDir {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})
	// Deepest first; os.Remove fails on directories that still hold files.
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Remove(dirs[i])
	}
	if removed > 0 {
		b.logger.Info("bot: work dir cleaned", "removed", removed)
	}
	return removed, err
}

// outName derives an output name from an upload name: the extension is
// replaced and suffix is appended to the sanitized base.
func outName(upload, suffix, ext string) string {
	base := strings.TrimSuffix(filepath.Base(upload), filepath.Ext(upload))
	return horosafe.SanitizeFileName(base, "contacts") + suffix + ext
}

func doc(path, caption string) []channels.Message {
	return []channels.Message{{
		Attachments: []channels.Attachment{{
			Type:     "document",
			Path:     path,
			Filename: filepath.Base(path),
			Caption:  caption,
		}},
	}}
}
