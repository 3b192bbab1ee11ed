package store

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
)

// FileSystem implements the simple file system based store. Each key is used
// as a relative path under the root directory, so a key such as
// "cases/100/images/5.dcm" becomes root/cases/100/images/5.dcm. Directories
// are created as needed and removed again when a delete empties them.
type FileSystem struct {
	root string
}

const (
	// the subdir files are written to before being moved into place.
	scratchdir = ".scratch"
)

var (
	// make sure it implements the Store interface
	_ Store = &FileSystem{}

	// ErrBadKey means the key cannot be used as a path under the root:
	// it is empty, escapes the root, or contains forbidden characters.
	ErrBadKey = errors.New("key not usable as a path")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root: root}
}

// List returns a channel listing every key in this store.
func (s *FileSystem) List() <-chan string {
	c := make(chan string)
	go func() {
		defer close(c)
		err := s.walk(s.root, func(key string) { c <- key })
		if err != nil && !os.IsNotExist(err) {
			// we have no other way of passing this error back
			log.Println("filesystem list:", err)
			raven.CaptureError(err, nil)
		}
	}()
	return c
}

// ListPrefix returns a list of all the keys beginning with the given prefix.
// Only the directory named by the prefix is walked, so listing one case does
// not touch the files of any other.
func (s *FileSystem) ListPrefix(prefix string) ([]string, error) {
	var dir string
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = filepath.FromSlash(prefix[:i])
	}
	var result []string
	err := s.walk(filepath.Join(s.root, dir), func(key string) {
		if strings.HasPrefix(key, prefix) {
			result = append(result, key)
		}
	})
	if os.IsNotExist(err) {
		err = nil
	}
	return result, err
}

// walk visits every file below start, depth first in lexical order, calling
// f with its key. The scratch directory is not descended into.
func (s *FileSystem) walk(start string, f func(key string)) error {
	return filepath.Walk(start, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == scratchdir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		f(filepath.ToSlash(rel))
		return nil
	})
}

// Open returns a reader for the given key along with its size.
func (s *FileSystem) Open(key string) (ReadAtCloser, int64, error) {
	fname, err := s.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fname)
	if err != nil {
		if os.IsNotExist(err) {
			err = ErrNotExist
		}
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, fi.Size(), nil
}

// Put returns a writer saving data into the given key. The data is first
// written to a scratch file and renamed into place on Close, so a reader
// never sees a partial value and a failed write leaves any old value alone.
func (s *FileSystem) Put(key string) (io.WriteCloser, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return nil, err
	}
	scratch := filepath.Join(s.root, scratchdir)
	if err := os.MkdirAll(scratch, 0775); err != nil {
		return nil, err
	}
	f, err := ioutil.TempFile(scratch, path.Base(key)+".*")
	if err != nil {
		return nil, err
	}
	return &moveCloser{f: f, target: target}, nil
}

// moveCloser tracks the scratch file so when it is closed, we can move it
// into the correct place.
type moveCloser struct {
	f      *os.File
	target string
}

func (w *moveCloser) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *moveCloser) Close() error {
	err := w.f.Close()
	if err != nil {
		os.Remove(w.f.Name())
		return err
	}
	err = os.Rename(w.f.Name(), w.target)
	if err != nil && os.IsNotExist(err) {
		// a concurrent delete can remove the target directory between
		// our MkdirAll and the rename
		if err = os.MkdirAll(filepath.Dir(w.target), 0775); err == nil {
			err = os.Rename(w.f.Name(), w.target)
		}
	}
	return err
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist. Directories the removal leaves empty are also removed.
func (s *FileSystem) Delete(key string) error {
	fname, err := s.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(fname)
	if err != nil {
		if os.IsNotExist(err) {
			err = nil
		}
		return err
	}
	for dir := filepath.Dir(fname); dir != s.root; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// resolve validates the key and returns the absolute path it names.
func (s *FileSystem) resolve(key string) (string, error) {
	if err := isKeyValid(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// isKeyValid rejects keys that would escape the root or that name files we
// could not round trip: path traversal, the scratch area, white space and
// control characters, non-Unicode.
func isKeyValid(key string) error {
	if key == "" || !utf8.ValidString(key) {
		return ErrBadKey
	}
	if strings.HasPrefix(key, scratchdir+"/") || key == scratchdir {
		return ErrBadKey
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "", ".", "..":
			return ErrBadKey
		}
	}
	for _, r := range key {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '\\' {
			return ErrBadKey
		}
	}
	return nil
}
