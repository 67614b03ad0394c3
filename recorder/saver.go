package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Saver persists a finished artifact and returns where it ended up.
type Saver interface {
	Save(name, contentType string, data []byte) (string, error)
}

// FileSaver writes artifacts into Dir. Data first lands in a temporary .part
// file which is then linked under the requested name, or "name (N).ext" when
// that is taken. The temporary file is always removed.
type FileSaver struct {
	Dir    string
	Logger *slog.Logger
}

const maxNameAttempts = 1000

func (s *FileSaver) Save(name, contentType string, data []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "Can not create output directory")
	}

	tmp, err := os.CreateTemp(dir, ".facecam-*.part")
	if err != nil {
		return "", errors.Wrap(err, "Can not create temporary file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "Can not write recording")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", errors.Wrap(err, "Can not flush recording")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "Can not close recording")
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", errors.Wrap(err, "Can not set recording permissions")
	}

	for i := 0; i < maxNameAttempts; i++ {
		target := filepath.Join(dir, candidateName(name, i))
		err := linkFile(tmpName, target)
		if err != nil && noHardLinks(err) {
			err = renameNew(tmpName, target)
		}
		if err == nil {
			if s.Logger != nil {
				s.Logger.Info("recording saved", "path", target, "bytes", len(data), "content_type", contentType)
			}
			return target, nil
		}
		if !os.IsExist(err) {
			return "", errors.Wrap(err, "Can not save recording")
		}
	}
	return "", errors.Errorf("no free file name for %s", name)
}

// linkFile is os.Link; tests replace it to mimic filesystems without hard links.
var linkFile = os.Link

func noHardLinks(err error) bool {
	return errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOTSUP) ||
		errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EXDEV)
}

// renameNew moves oldpath to newpath unless newpath already exists.
func renameNew(oldpath, newpath string) error {
	if _, err := os.Lstat(newpath); err == nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: os.ErrExist}
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.Rename(oldpath, newpath)
}

func candidateName(name string, n int) string {
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}
