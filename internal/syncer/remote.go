package syncer

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/studio-b12/gowebdav"
)

// Remote abstracts the durable object store holding snapshots.
// Implementations must return os.ErrNotExist-compatible errors for
// missing objects so callers can distinguish "first run" from failure.
type Remote interface {
	// Token returns the current change fingerprint of the object, or
	// os.ErrNotExist when the object is missing.
	Token(name string) (string, error)
	Read(name string) ([]byte, error)
	Write(name string, data []byte) error
}

// webdavRemote serves snapshots from a WebDAV collection
type webdavRemote struct {
	client *gowebdav.Client
	file   string
}

// NewWebDAVRemote builds a Remote over a WebDAV URL. remotePath names
// the snapshot object; a trailing slash gets the default file name
// appended.
func NewWebDAVRemote(url, username, password, remotePath string) (Remote, error) {
	if url == "" {
		return nil, fmt.Errorf("remote url must not be empty")
	}
	file := path.Clean("/" + remotePath)
	if remotePath == "" || remotePath[len(remotePath)-1] == '/' {
		file = path.Join(file, "backup.latest.tar.gz")
	}

	return &webdavRemote{
		client: gowebdav.NewClient(url, username, password),
		file:   file,
	}, nil
}

func (r *webdavRemote) Token(name string) (string, error) {
	info, err := r.client.Stat(r.object(name))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return "", os.ErrNotExist
		}
		return "", fmt.Errorf("failed to stat remote snapshot: %w", err)
	}
	return fingerprint(info), nil
}

func (r *webdavRemote) Read(name string) ([]byte, error) {
	data, err := r.client.Read(r.object(name))
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to download snapshot: %w", err)
	}
	return data, nil
}

func (r *webdavRemote) Write(name string, data []byte) error {
	object := r.object(name)
	if dir := path.Dir(object); dir != "/" && dir != "." {
		// MKCOL failures are tolerated: the collection may exist, and
		// the PUT below reports anything fatal.
		_ = r.client.MkdirAll(dir, 0o755)
	}
	if err := r.client.Write(object, data, 0o644); err != nil {
		return fmt.Errorf("failed to upload snapshot: %w", err)
	}
	return nil
}

func (r *webdavRemote) object(name string) string {
	if name == "" {
		return r.file
	}
	return path.Join(path.Dir(r.file), name)
}

// fingerprint builds an opaque change token from remote file metadata.
// WebDAV servers don't uniformly return ETags on PUT, so modification
// time plus size is the portable equivalent.
func fingerprint(info os.FileInfo) string {
	return fmt.Sprintf("%s/%d", info.ModTime().UTC().Format(time.RFC3339Nano), info.Size())
}
