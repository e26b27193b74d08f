package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alexjbarnes/photo-uploader/internal/state"
)

// SourceCleaner disposes of inbox files once their upload has completed.
// With an archive directory the file is moved there, keeping its path
// relative to the inbox; otherwise it is deleted. Sources outside the
// inbox are never touched.
type SourceCleaner struct {
	inbox   string
	archive string
	logger  *slog.Logger
}

// NewSourceCleaner returns a cleaner for files under inbox. An empty
// archive means completed files are deleted.
func NewSourceCleaner(inbox, archive string, logger *slog.Logger) *SourceCleaner {
	return &SourceCleaner{
		inbox:   filepath.Clean(inbox),
		archive: archive,
		logger:  logger,
	}
}

// Completed is registered with Worker.OnCompleted.
func (c *SourceCleaner) Completed(e state.Entry) {
	rel, ok := c.relative(e.Source)
	if !ok {
		return
	}

	log := c.logger.With(slog.String("key", e.Key.String()), slog.String("source", e.Source))

	info, err := os.Lstat(e.Source)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("checking uploaded file", slog.String("error", err.Error()))
		}

		return
	}

	// A file rewritten in place after upload holds new content.
	if !info.Mode().IsRegular() || info.Size() != e.Size {
		log.Warn("uploaded file changed since admission, leaving it in place")
		return
	}

	if c.archive == "" {
		if err := os.Remove(e.Source); err != nil {
			log.Warn("removing uploaded file", slog.String("error", err.Error()))
			return
		}

		log.Info("removed uploaded file")

		return
	}

	dst, err := c.archivePath(rel, e)
	if err != nil {
		log.Warn("archiving uploaded file", slog.String("error", err.Error()))
		return
	}

	if err := moveFile(e.Source, dst); err != nil {
		log.Warn("archiving uploaded file", slog.String("error", err.Error()))
		return
	}

	log.Info("archived uploaded file", slog.String("archive_path", dst))
}

// relative returns src relative to the inbox, or false when src lies
// outside it.
func (c *SourceCleaner) relative(src string) (string, bool) {
	if src == "" || !filepath.IsAbs(src) {
		return "", false
	}

	rel, err := filepath.Rel(c.inbox, filepath.Clean(src))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}

	return rel, true
}

// archivePath picks the destination for rel, suffixing the name with
// the content digest when the plain name is already taken.
func (c *SourceCleaner) archivePath(rel string, e state.Entry) (string, error) {
	dst := filepath.Join(c.archive, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	if _, err := os.Lstat(dst); errors.Is(err, os.ErrNotExist) {
		return dst, nil
	}

	digest := e.Key.Digest()
	digest = digest[:min(len(digest), 12)]

	ext := filepath.Ext(dst)
	alt := strings.TrimSuffix(dst, ext) + "-" + digest + ext

	if _, err := os.Lstat(alt); !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%s already exists", alt)
	}

	return alt, nil
}

// moveFile renames src to dst, copying across filesystems when a rename
// is not possible.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)

		return fmt.Errorf("copying to archive: %w", err)
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copying to archive: %w", err)
	}

	return os.Remove(src)
}
