package syncer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// manifestName is the bundle member carrying snapshot metadata
const manifestName = "manifest.yaml"

// Manifest describes a snapshot bundle
type Manifest struct {
	Version   int       `yaml:"version"`
	CreatedAt time.Time `yaml:"created_at"`
	Paths     []string  `yaml:"paths"`
}

// packBundle produces a tar.gz of the given paths, each stored under
// its base name, plus a manifest. Missing paths are skipped: a fresh
// instance has no sessions yet and that is not an error.
func packBundle(paths []string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	manifest := Manifest{Version: 1, CreatedAt: time.Now().UTC()}
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		arcname := filepath.Base(path)
		manifest.Paths = append(manifest.Paths, arcname)
		if info.IsDir() {
			if err := addDir(tw, path, arcname); err != nil {
				return nil, err
			}
		} else {
			if err := addFile(tw, path, arcname, info); err != nil {
				return nil, err
			}
		}
	}

	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:    manifestName,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: manifest.CreatedAt,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func addDir(tw *tar.Writer, dir, arcname string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := arcname
		if rel != "." {
			name = filepath.Join(arcname, rel)
		}
		if info.IsDir() {
			hdr := &tar.Header{
				Name:     name + "/",
				Mode:     int64(info.Mode().Perm()),
				Typeflag: tar.TypeDir,
				ModTime:  info.ModTime(),
			}
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(tw, path, name, info)
	})
}

func addFile(tw *tar.Writer, path, arcname string, info os.FileInfo) error {
	hdr := &tar.Header{
		Name:    arcname,
		Mode:    int64(info.Mode().Perm()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to archive %s: %w", path, err)
	}
	return nil
}

// unpackBundle extracts a snapshot into targetDir. Member names are
// validated against path traversal before anything is written, so a
// failure leaves targetDir either untouched or fully populated only
// when the caller stages into a scratch directory first.
func unpackBundle(content []byte, targetDir string) (*Manifest, error) {
	gz, err := gzip.NewReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("snapshot is not a gzip stream: %w", err)
	}
	defer gz.Close()

	var manifest *Manifest
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("corrupt snapshot archive: %w", err)
		}
		if err := checkEntryName(hdr.Name); err != nil {
			return nil, err
		}
		dest := filepath.Join(targetDir, filepath.FromSlash(hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode).Perm()|0o700); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return nil, err
			}
			if hdr.Name == manifestName {
				data, err := io.ReadAll(tr)
				if err != nil {
					return nil, err
				}
				var m Manifest
				if err := yaml.Unmarshal(data, &m); err != nil {
					return nil, fmt.Errorf("corrupt snapshot manifest: %w", err)
				}
				manifest = &m
				if err := os.WriteFile(dest, data, 0o644); err != nil {
					return nil, err
				}
				continue
			}
			file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(file, tr); err != nil {
				file.Close()
				return nil, fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := file.Close(); err != nil {
				return nil, err
			}
		default:
			// Symlinks and devices have no business in a snapshot
			return nil, fmt.Errorf("unsupported snapshot entry type for %s", hdr.Name)
		}
	}
	return manifest, nil
}

// checkEntryName rejects absolute and traversal paths
func checkEntryName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.HasPrefix(name, "\\") {
		return fmt.Errorf("illegal snapshot entry: %q", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("illegal snapshot entry: %q", name)
		}
	}
	return nil
}
