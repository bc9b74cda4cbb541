package schemastore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/datastelsel/datapi/core/logger"
)

// Local reads dataset documents from a directory tree. Both a flat
// layout with one "<name>.json" per dataset and the nested
// "datasets/<name>/dataset.json" layout work; every .json file below
// the directory counts as one document.
type Local struct {
	Dir string
}

// NewLocal returns a Local source for the given directory
func NewLocal(dir string) Local {
	return Local{Dir: dir}
}

// ListDatasetDocuments implements Source. Documents come back in
// lexical path order.
func (l Local) ListDatasetDocuments(ctx context.Context) ([][]byte, error) {
	var docs [][]byte
	err := filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.Dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		logger.FromContext(ctx).Debugln("read dataset document", path)
		docs = append(docs, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}
