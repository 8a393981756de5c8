package overture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Object is one parquet file of the release.
type Object struct {
	Path string
	Size int64
}

// File is an opened object. parquet-go only needs random access.
type File interface {
	io.ReaderAt
	io.Closer
}

type Source interface {
	List(ctx context.Context, prefix string) ([]Object, error)
	Open(ctx context.Context, obj Object) (File, error)
}

// NewSource picks a bucket source for http(s) URLs and a directory otherwise.
func NewSource(location string, hc *http.Client) (Source, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return newBucketSource(location, hc)
	}
	if location == "" {
		return nil, errors.New("overture: empty source location")
	}
	return DirSource{Root: location}, nil
}

// DirSource reads a local mirror of the release. When the release prefix does
// not exist below Root, Root itself is scanned.
type DirSource struct {
	Root string
}

func (d DirSource) List(ctx context.Context, prefix string) ([]Object, error) {
	dir := filepath.Join(d.Root, filepath.FromSlash(prefix))
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		dir = d.Root
	}
	var out []Object
	err := filepath.WalkDir(dir, func(path string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".parquet") {
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		out = append(out, Object{Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (d DirSource) Open(_ context.Context, obj Object) (File, error) {
	f, err := os.Open(filepath.Clean(obj.Path))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return f, nil
}
