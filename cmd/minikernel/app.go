package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/soypat/minikernel"
	"github.com/soypat/minikernel/fat"
	"github.com/soypat/minikernel/internal/blockdev"
	"github.com/soypat/minikernel/internal/config"
	"github.com/soypat/minikernel/sched"
	"github.com/zeebo/blake3"
)

var (
	// ErrUsage occurs when a command is unknown or given the wrong arguments.
	ErrUsage = errors.New("invalid usage")
)

// Process stacks handed out by run, one page each.
const (
	stackBase uint32 = 0x00200000
	stackSize uint32 = 0x1000
)

type App struct {
	cfg config.Config
	out io.Writer
	log *slog.Logger
}

func NewApp(cfg config.Config, out io.Writer, log *slog.Logger) *App {
	return &App{
		cfg: cfg,
		out: out,
		log: log,
	}
}

// Run dispatches args[0] to its command.
func (app *App) Run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: missing command", ErrUsage)
	}
	cmd, args := args[0], args[1:]

	var err error
	switch cmd {
	case "format":
		err = app.Format()
	case "info":
		err = app.withSystem(app.Info)
	case "ls":
		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		err = app.withSystem(func(s *minikernel.System) error { return app.List(s, dir) })
	case "cat":
		if len(args) != 1 {
			return fmt.Errorf("%w: cat PATH", ErrUsage)
		}
		err = app.withSystem(func(s *minikernel.System) error { return app.Cat(s, args[0]) })
	case "put":
		if len(args) != 2 {
			return fmt.Errorf("%w: put SRC PATH", ErrUsage)
		}
		err = app.withSystem(func(s *minikernel.System) error { return app.Put(s, args[0], args[1]) })
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("%w: rm PATH", ErrUsage)
		}
		err = app.withSystem(func(s *minikernel.System) error { return s.Remove(args[0]) })
	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("%w: mkdir DIR", ErrUsage)
		}
		err = app.withSystem(func(s *minikernel.System) error { return s.Mkdir(args[0]) })
	case "rmdir":
		if len(args) != 1 {
			return fmt.Errorf("%w: rmdir DIR", ErrUsage)
		}
		err = app.withSystem(func(s *minikernel.System) error { return s.RemoveDir(args[0]) })
	case "sum":
		if len(args) == 0 {
			return fmt.Errorf("%w: sum PATH...", ErrUsage)
		}
		err = app.withSystem(func(s *minikernel.System) error { return app.Sum(s, args) })
	case "check":
		err = app.withSystem(app.Check)
	case "run":
		err = app.RunProcesses(args)
	default:
		return fmt.Errorf("%w: unknown command %q", ErrUsage, cmd)
	}
	if err != nil {
		return fmt.Errorf("(%s) %w", cmd, err)
	}

	return nil
}

// withSystem mounts the configured image for the duration of fn.
func (app *App) withSystem(fn func(s *minikernel.System) error) error {
	img, err := blockdev.OpenImage(app.cfg.Image)
	if err != nil {
		return err
	}
	s, err := minikernel.New(minikernel.Options{
		Device:        img,
		MaxProcs:      app.cfg.MaxProcs,
		PageDirectory: app.cfg.PageDirectory,
		Logger:        app.log,
	})
	if err != nil {
		return errors.Join(err, img.Close())
	}
	err = fn(s)
	if syncErr := img.Sync(); syncErr != nil {
		err = errors.Join(err, syncErr)
	}

	return errors.Join(err, s.Close())
}

// Format creates the configured image and writes an empty filesystem onto it.
func (app *App) Format() error {
	img, err := blockdev.CreateImage(app.cfg.Image, fat.FloppySectors)
	if err != nil {
		return err
	}
	var f fat.Formatter
	err = f.Format(img, fat.FormatConfig{Label: app.cfg.Label})
	if err == nil {
		err = img.Sync()
	}
	if err != nil {
		return errors.Join(err, img.Close())
	}
	app.log.Info("Formatted image.",
		"image", app.cfg.Image,
		"size", humanize.IBytes(uint64(img.Size())),
	)

	return img.Close()
}

func (app *App) Info(s *minikernel.System) error {
	var bs string
	err := s.WithFS(func(fsys *fat.FS) (err error) {
		bs, err = fsys.BootSector()
		return err
	})
	if err != nil {
		return err
	}
	st, err := s.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintln(app.out, bs)
	fmt.Fprintf(app.out, "clusters: %d used, %d free (%s free)\n",
		st.Used, st.Free, humanize.IBytes(uint64(st.FreeBytes())))

	return nil
}

func (app *App) List(s *minikernel.System, dir string) error {
	entries, err := s.ReadDir(dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	for i := range entries {
		e := &entries[i]
		size := humanize.IBytes(uint64(e.Size()))
		if e.IsDir() {
			size = "<DIR>"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.String(), size, e.ModTime().Format("2006-01-02 15:04"))
	}

	return tw.Flush()
}

func (app *App) Cat(s *minikernel.System, path string) error {
	data, err := s.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = app.out.Write(data)

	return err
}

// Put copies the host file src to path inside the image.
func (app *App) Put(s *minikernel.System, src, path string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := s.WriteFile(path, data); err != nil {
		return err
	}
	app.log.Info("Copied file.",
		"src", src,
		"dst", path,
		"size", humanize.IBytes(uint64(len(data))),
	)

	return nil
}

func (app *App) Sum(s *minikernel.System, paths []string) error {
	for _, path := range paths {
		data, err := s.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		sum := blake3.Sum256(data)
		fmt.Fprintf(app.out, "%s  %s\n", hex.EncodeToString(sum[:]), path)
	}

	return nil
}

func (app *App) Check(s *minikernel.System) error {
	if err := s.Check(); err != nil {
		return err
	}
	st, err := s.Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "ok: %d of %d clusters in use\n", st.Used, st.Clusters)

	return nil
}

// RunProcesses boots the kernel with N user processes that each print a line
// and yield ROUNDS times. The kernel yields until no process is ready.
func (app *App) RunProcesses(args []string) error {
	nprocs, rounds := 3, 2
	var err error
	if len(args) > 0 {
		if nprocs, err = strconv.Atoi(args[0]); err != nil || nprocs < 0 {
			return fmt.Errorf("%w: run [N] [ROUNDS]", ErrUsage)
		}
	}
	if len(args) > 1 {
		if rounds, err = strconv.Atoi(args[1]); err != nil || rounds < 0 {
			return fmt.Errorf("%w: run [N] [ROUNDS]", ErrUsage)
		}
	}

	s, err := minikernel.New(minikernel.Options{
		MaxProcs:      app.cfg.MaxProcs,
		PageDirectory: app.cfg.PageDirectory,
		Logger:        app.log,
	})
	if err != nil {
		return err
	}
	defer s.Close()

	k := s.Kernel()
	for i := 0; i < nprocs; i++ {
		base := stackBase + uint32(i)*stackSize
		_, err := k.CreateProcess(func() {
			p := k.Running()
			for r := 0; r < rounds; r++ {
				fmt.Fprintf(app.out, "pid %d round %d esp %#x\n", p.PID, r, k.CPU().ESP)
				k.Yield()
			}
		}, sched.Stack{Base: base, Top: base + stackSize})
		if err != nil {
			return err
		}
	}

	var switches int
	err = s.Boot(func(*minikernel.System) {
		for k.Yield() == nil {
			switches++
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "halted after %d switches\n", switches)

	return nil
}
