package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Attachment is an image the user attached to a message.
type Attachment struct {
	Name    string
	Content io.Reader
}

// FileStorage uploads attachments before the message referencing them is built.
type FileStorage interface {
	Upload(content io.Reader, path string) (url string, err error)
}

// DiskStorage stores uploads under a local directory and returns file paths
// as URLs. Stands in for a remote object store.
type DiskStorage struct {
	Root string
}

func (d DiskStorage) Upload(content io.Reader, path string) (string, error) {
	full := filepath.Join(d.Root, filepath.Clean(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, content); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	return "file://" + full, nil
}

// uploadPath builds a collision-free storage path for an attachment.
func uploadPath(conversationID, name string) string {
	return filepath.Join(conversationID, uuid.NewString()+"-"+filepath.Base(name))
}
