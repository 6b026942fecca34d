package publish

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// File is one local file and its object key.
type File struct {
	LocalPath string
	Key       string
	Size      int64
}

// Walk lists the files of the store at root in lexical order. Keys are
// <prefix>/<store dir name>/<relative path>. Leftover temporary files of an
// interrupted flush are skipped.
func Walk(root string, target Target) ([]File, error) {
	root = filepath.Clean(root)
	base := filepath.Base(root)

	var files []File
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, File{
			LocalPath: p,
			Key:       target.Key(path.Join(base, filepath.ToSlash(rel))),
			Size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list store %s: %w", root, err)
	}
	return files, nil
}
