// Package minikernel ties the cooperative scheduler and the FAT filesystem to
// a single owner with explicit construction and teardown.
package minikernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/soypat/minikernel/fat"
	"github.com/soypat/minikernel/sched"
)

// Options configures a System.
type Options struct {
	// Device is mounted by New. A nil device leaves the filesystem unmounted.
	Device        fat.BlockDevice
	MaxProcs      int
	PageDirectory uint32
	Logger        *slog.Logger
	// Clock stamps directory entries. Defaults to time.Now.
	Clock func() time.Time
}

// System owns the process table and the mounted filesystem.
type System struct {
	kern *sched.Kernel
	dev  fat.BlockDevice

	mu      sync.Mutex // Guards fs.
	fs      fat.FS
	mounted bool
	closed  bool
	log     *slog.Logger
}

var (
	ErrNotMounted = errors.New("minikernel: no filesystem mounted")
	ErrClosed     = errors.New("minikernel: system closed")
	ErrBadPath    = errors.New("minikernel: invalid path")
)

// New builds a System and mounts opts.Device when given.
func New(opts Options) (*System, error) {
	s := &System{
		kern: sched.New(sched.Config{
			MaxProcs:      opts.MaxProcs,
			PageDirectory: opts.PageDirectory,
			Logger:        opts.Logger,
		}),
		dev: opts.Device,
		log: opts.Logger,
	}
	s.fs.SetLogger(opts.Logger)
	if opts.Clock != nil {
		s.fs.SetClock(opts.Clock)
	}
	if opts.Device != nil {
		if err := s.fs.Mount(opts.Device); err != nil {
			return nil, err
		}
		s.mounted = true
	}
	return s, nil
}

// Kernel returns the process table.
func (s *System) Kernel() *sched.Kernel { return s.kern }

// Boot starts the kernel process running entry on the calling goroutine.
func (s *System) Boot(entry func(*System)) error {
	if entry == nil {
		return sched.ErrInvalidEntry
	}
	return s.kern.StartKernel(func() { entry(s) })
}

// WithFS runs fn with exclusive access to the mounted filesystem.
func (s *System) WithFS(fn func(fsys *fat.FS) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	} else if !s.mounted {
		return ErrNotMounted
	}
	return fn(&s.fs)
}

// Close unmounts the filesystem and closes the device if it is an io.Closer.
// Handles into the filesystem are invalid afterwards.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mounted = false
	s.fs = fat.FS{}
	if c, ok := s.dev.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// splitPath splits "DIR/NAME.EXT" or "NAME.EXT" into its parts. A leading
// slash is ignored and only one directory level exists.
func splitPath(p string) (dir, name, ext string, err error) {
	p = strings.TrimPrefix(p, "/")
	base := p
	if i := strings.IndexByte(p, '/'); i >= 0 {
		dir, base = p[:i], p[i+1:]
		if dir == "" || strings.Contains(base, "/") {
			return "", "", "", ErrBadPath
		}
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return dir, base[:i], base[i+1:], nil
	}
	return dir, base, "", nil
}

// openParent opens the directory named dirname, the root when empty.
// Entries are written through to disk so the handle needs no closing.
func openParent(fsys *fat.FS, dirname string, d *fat.Dir) (*fat.Dir, error) {
	if dirname == "" {
		return fsys.Root(), nil
	}
	if err := fsys.LookupDir(d, fsys.Root(), dirname); err != nil {
		return nil, err
	}
	if err := fsys.OpenDirectory(d); err != nil {
		return nil, err
	}
	return d, nil
}

// ReadFile returns the content of the file at path.
func (s *System) ReadFile(path string) ([]byte, error) {
	dirname, name, ext, err := splitPath(path)
	if err != nil {
		return nil, err
	} else if name == "" {
		return nil, fat.ErrIsDir
	}
	var data []byte
	err = s.WithFS(func(fsys *fat.FS) error {
		var d fat.Dir
		parent, err := openParent(fsys, dirname, &d)
		if err != nil {
			return err
		}
		var fp fat.File
		if err := fsys.Lookup(&fp, parent, name, ext); err != nil {
			return err
		}
		if err := fsys.OpenFile(&fp); err != nil {
			return err
		}
		data = make([]byte, fp.Size())
		_, err = fp.ReadAt(data, 0)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return errors.Join(err, fsys.CloseFile(&fp))
	})
	return data, err
}

// WriteFile replaces the file at path with data, creating it if needed.
func (s *System) WriteFile(path string, data []byte) error {
	dirname, name, ext, err := splitPath(path)
	if err != nil {
		return err
	} else if name == "" {
		return fat.ErrIsDir
	} else if len(data) > fat.MaxFileSize {
		return fat.ErrFileTooLarge
	}
	return s.WithFS(func(fsys *fat.FS) error {
		var d fat.Dir
		parent, err := openParent(fsys, dirname, &d)
		if err != nil {
			return err
		}
		var fp fat.File
		err = fsys.Lookup(&fp, parent, name, ext)
		switch {
		case err == nil:
			if err := fsys.DeleteFile(&fp, parent); err != nil {
				return err
			}
		case !errors.Is(err, fat.ErrNotFound):
			return err
		}
		fp = fat.File{}
		if err := fp.SetName(name, ext); err != nil {
			return err
		} else if err := fsys.CreateFile(&fp, parent); err != nil {
			return err
		} else if err := fsys.OpenFile(&fp); err != nil {
			return err
		}
		if _, err := fp.WriteAt(data, 0); err != nil {
			return errors.Join(err, fsys.DeleteFile(&fp, parent))
		}
		if err := fsys.CloseFile(&fp); err != nil {
			// Do not leave an empty stub behind.
			return errors.Join(err, fsys.DeleteFile(&fp, parent))
		}
		s.debug("write", slog.String("path", path), slog.Int("size", len(data)))
		return nil
	})
}

// Remove deletes the file at path.
func (s *System) Remove(path string) error {
	dirname, name, ext, err := splitPath(path)
	if err != nil {
		return err
	} else if name == "" {
		return fat.ErrIsDir
	}
	return s.WithFS(func(fsys *fat.FS) error {
		var d fat.Dir
		parent, err := openParent(fsys, dirname, &d)
		if err != nil {
			return err
		}
		var fp fat.File
		if err := fsys.Lookup(&fp, parent, name, ext); err != nil {
			return err
		}
		return fsys.DeleteFile(&fp, parent)
	})
}

// Mkdir creates a directory in the root directory.
func (s *System) Mkdir(name string) error {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return ErrBadPath
	}
	return s.WithFS(func(fsys *fat.FS) error {
		var d fat.Dir
		if err := d.SetName(name); err != nil {
			return err
		}
		return fsys.CreateDirectory(&d, fsys.Root())
	})
}

// RemoveDir deletes an empty directory from the root directory.
func (s *System) RemoveDir(name string) error {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return ErrBadPath
	}
	return s.WithFS(func(fsys *fat.FS) error {
		var d fat.Dir
		if err := fsys.LookupDir(&d, fsys.Root(), name); err != nil {
			return err
		}
		return fsys.DeleteDirectory(&d, fsys.Root())
	})
}

// ReadDir lists the directory at path. An empty path or "/" is the root.
func (s *System) ReadDir(path string) ([]fat.DirEntry, error) {
	dirname := strings.Trim(path, "/")
	if strings.Contains(dirname, "/") {
		return nil, ErrBadPath
	}
	var entries []fat.DirEntry
	err := s.WithFS(func(fsys *fat.FS) error {
		var d fat.Dir
		parent, err := openParent(fsys, dirname, &d)
		if err != nil {
			return err
		}
		return fsys.ForEachEntry(parent, func(e *fat.DirEntry) error {
			entries = append(entries, *e)
			return nil
		})
	})
	return entries, err
}

// Check runs the filesystem consistency check.
func (s *System) Check() error {
	return s.WithFS(func(fsys *fat.FS) error { return fsys.Check() })
}

// Stats returns cluster usage of the mounted filesystem.
func (s *System) Stats() (fat.Stats, error) {
	var st fat.Stats
	err := s.WithFS(func(fsys *fat.FS) error {
		st = fsys.Stats()
		return nil
	})
	return st, err
}

func (s *System) debug(msg string, attrs ...slog.Attr) {
	if s.log != nil {
		s.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
