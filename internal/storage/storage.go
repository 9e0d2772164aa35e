// Package storage manages the four file areas a landed file passes through:
// landing, completed, error and archive. Names are slash-separated paths relative
// to an area root, e.g. "acme/orders_2024.csv".
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Area identifies one lifecycle location.
type Area string

const (
	Landing   Area = "landing"
	Completed Area = "completed"
	Error     Area = "error"
	Archive   Area = "archive"
)

// Areas lists every area in lifecycle order.
var Areas = []Area{Landing, Completed, Error, Archive}

// ErrNotExist is returned when a named object is absent from an area.
var ErrNotExist = errors.New("object does not exist")

// ErrInvalidName is returned for names that escape the area root.
var ErrInvalidName = errors.New("invalid object name")

// Object describes one stored file.
type Object struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Storage is the contract the pipeline uses for file areas.
type Storage interface {
	List(ctx context.Context, area Area) ([]Object, error)
	Stat(ctx context.Context, area Area, name string) (Object, error)
	Open(ctx context.Context, area Area, name string) (io.ReadCloser, error)
	Put(ctx context.Context, area Area, name string, r io.Reader) error
	// Move relocates name from one area to another. The copy is complete and
	// synced before the source is removed.
	Move(ctx context.Context, from, to Area, name string) error
}

// Dirs holds the directory name of each area below the root.
type Dirs struct {
	Landing   string
	Completed string
	Error     string
	Archive   string
}

// DefaultDirs mirrors the stage names SRC, COMPLETED, ERROR and ARCHIVE.
var DefaultDirs = Dirs{Landing: "SRC", Completed: "COMPLETED", Error: "ERROR", Archive: "ARCHIVE"}

// Local stores areas as directories on a local filesystem.
type Local struct {
	root string
	dirs map[Area]string
	now  func() time.Time
}

var _ Storage = (*Local)(nil)

// NewLocal creates the area directories below root if needed.
func NewLocal(root string, dirs Dirs) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	l := &Local{
		root: root,
		now:  time.Now,
		dirs: map[Area]string{
			Landing:   orDefault(dirs.Landing, DefaultDirs.Landing),
			Completed: orDefault(dirs.Completed, DefaultDirs.Completed),
			Error:     orDefault(dirs.Error, DefaultDirs.Error),
			Archive:   orDefault(dirs.Archive, DefaultDirs.Archive),
		},
	}
	for _, a := range Areas {
		if err := os.MkdirAll(l.Dir(a), 0o755); err != nil {
			return nil, fmt.Errorf("create %s area: %w", a, err)
		}
	}
	return l, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Dir returns the absolute directory of an area.
func (l *Local) Dir(a Area) string {
	return filepath.Join(l.root, l.dirs[a])
}

// resolve maps an object name to a filesystem path inside the area.
func (l *Local) resolve(a Area, name string) (string, error) {
	if _, ok := l.dirs[a]; !ok {
		return "", fmt.Errorf("unknown area %q", a)
	}
	clean := path.Clean("/" + filepath.ToSlash(name))
	if clean == "/" || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(l.Dir(a), filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

// List walks the area and returns regular files sorted by name. Hidden files and
// in-flight temporary files are skipped.
func (l *Local) List(ctx context.Context, a Area) ([]Object, error) {
	dir := l.Dir(a)
	var out []Object
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		out = append(out, Object{Name: filepath.ToSlash(rel), Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", a, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Local) Stat(_ context.Context, a Area, name string) (Object, error) {
	p, err := l.resolve(a, name)
	if err != nil {
		return Object{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, fmt.Errorf("%s/%s: %w", a, name, ErrNotExist)
		}
		return Object{}, err
	}
	return Object{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (l *Local) Open(_ context.Context, a Area, name string) (io.ReadCloser, error) {
	p, err := l.resolve(a, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%s: %w", a, name, ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}

// Put writes r to name through a temporary file renamed into place, so readers never
// observe a partial file.
func (l *Local) Put(ctx context.Context, a Area, name string, r io.Reader) error {
	p, err := l.resolve(a, name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeAtomic(p, r)
}

// Move copies the object into the destination area, then removes the source. The
// destination's modification time is set to the move time so that archive ages are
// measured from arrival in the area.
func (l *Local) Move(ctx context.Context, from, to Area, name string) error {
	src, err := l.resolve(from, name)
	if err != nil {
		return err
	}
	dst, err := l.resolve(to, name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s/%s: %w", from, name, ErrNotExist)
		}
		return err
	}
	err = writeAtomic(dst, in)
	in.Close()
	if err != nil {
		return fmt.Errorf("copy %s/%s to %s: %w", from, name, to, err)
	}

	now := l.now()
	if err := os.Chtimes(dst, now, now); err != nil {
		return fmt.Errorf("stamp %s/%s: %w", to, name, err)
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s/%s after copy: %w", from, name, err)
	}
	return nil
}

func writeAtomic(dst string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+filepath.Base(dst)+"-*")
	if err != nil {
		return err
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		cleanup()
		return err
	}
	return nil
}
