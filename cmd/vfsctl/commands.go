package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
	"github.com/objectfs/vfs/pkg/logging"
	"github.com/objectfs/vfs/pkg/vfs"
)

// flags parses the options of one command and checks the number of
// positional arguments.
func flags(name string, args []string, min, max int, define func(fs *flag.FlagSet)) ([]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if define != nil {
		define(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, usagef("%v", err)
	}
	rest := fs.Args()
	if len(rest) < min || (max >= 0 && len(rest) > max) {
		return nil, usagef("wrong number of arguments")
	}
	return rest, nil
}

func cmdList(ctx context.Context, a *app, args []string) error {
	var long, all, refresh bool
	rest, err := flags("ls", args, 1, 1, func(fs *flag.FlagSet) {
		fs.BoolVar(&long, "l", false, "long format")
		fs.BoolVar(&all, "a", false, "include ..")
		fs.BoolVar(&refresh, "refresh", false, "bypass the directory cache")
	})
	if err != nil {
		return err
	}

	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	st, err := t.host.Stat(ctx, t.path)
	if err != nil {
		return err
	}
	entries := []listing.Entry{st.Entry}
	if st.IsDir() {
		var opts []vfs.ResolveOption
		if refresh {
			opts = append(opts, vfs.ForceRefresh())
		}
		if all {
			opts = append(opts, vfs.WithDotDot())
		}
		l, err := t.host.Resolve(ctx, t.path, opts...)
		if err != nil {
			return err
		}
		entries = l.Entries()
	}

	if !long {
		for _, e := range entries {
			name := e.Name
			if e.IsDir() {
				name += "/"
			}
			fmt.Fprintln(a.stdout, name)
		}
		return nil
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		if e.IsSymlink() && e.Symlink != "" {
			name += " -> " + e.Symlink
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", modeString(e), sizeString(e), timeString(e.MTime), name)
	}
	return w.Flush()
}

func modeString(e listing.Entry) string {
	m := e.Mode.Perm()
	switch e.Type {
	case listing.FileTypeDirectory:
		m |= os.ModeDir
	case listing.FileTypeSymlink:
		m |= os.ModeSymlink
	}
	return m.String()
}

func sizeString(e listing.Entry) string {
	if e.IsDir() || !e.HasSize() {
		return "-"
	}
	return humanize.IBytes(uint64(e.Size))
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func cmdCat(ctx context.Context, a *app, args []string) error {
	rest, err := flags("cat", args, 1, -1, nil)
	if err != nil {
		return err
	}
	for _, loc := range rest {
		if err := a.cat(ctx, loc); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) cat(ctx context.Context, loc string) error {
	t, err := a.open(ctx, loc)
	if err != nil {
		return err
	}
	defer t.Close()

	f, err := t.host.OpenFile(ctx, t.path, vfs.OpenRead)
	if err != nil {
		return err
	}
	defer f.Close()

	bufSize := f.PreferredIOSize()
	if bufSize <= 0 {
		bufSize = 32 << 10
	}
	n, err := io.CopyBuffer(a.stdout, struct{ io.Reader }{f}, make([]byte, bufSize))
	if err != nil {
		return errors.As(err)
	}
	a.logger.Debug("Read file", logging.Path(t.String()), zap.Int64("bytes", n))
	return f.Close()
}

func cmdStat(ctx context.Context, a *app, args []string) error {
	rest, err := flags("stat", args, 1, 1, nil)
	if err != nil {
		return err
	}
	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	st, err := t.host.Stat(ctx, t.path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(a.stdout, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Location:\t%s\n", t)
	fmt.Fprintf(w, "Name:\t%s\n", st.Name)
	fmt.Fprintf(w, "Type:\t%s\n", st.Type)
	if st.HasSize() {
		fmt.Fprintf(w, "Size:\t%d (%s)\n", st.Size, humanize.IBytes(uint64(st.Size)))
	} else {
		fmt.Fprintf(w, "Size:\tunknown\n")
	}
	fmt.Fprintf(w, "Mode:\t%s\n", modeString(st.Entry))
	if st.IsSymlink() {
		fmt.Fprintf(w, "Target:\t%s\n", st.Symlink)
	}
	if !st.MTime.IsZero() {
		fmt.Fprintf(w, "Modified:\t%s (%s)\n", st.MTime.Local().Format(time.RFC3339), humanize.Time(st.MTime))
	}
	if !st.BTime.IsZero() {
		fmt.Fprintf(w, "Created:\t%s\n", st.BTime.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Host:\t%s\n", vfs.Title(t.host))
	return w.Flush()
}

func cmdMkdir(ctx context.Context, a *app, args []string) error {
	var parents bool
	var mode string
	rest, err := flags("mkdir", args, 1, 1, func(fs *flag.FlagSet) {
		fs.BoolVar(&parents, "p", false, "create missing parents")
		fs.StringVar(&mode, "mode", "0755", "permissions")
	})
	if err != nil {
		return err
	}
	perm, err := strconv.ParseUint(mode, 8, 32)
	if err != nil {
		return usagef("bad mode %q", mode)
	}

	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	if !parents {
		return t.host.CreateDirectory(ctx, t.path, os.FileMode(perm))
	}
	return mkdirAll(ctx, t.host, t.path, os.FileMode(perm))
}

func mkdirAll(ctx context.Context, h vfs.Host, p string, perm os.FileMode) error {
	st, err := h.Stat(ctx, p)
	switch {
	case err == nil && st.IsDir():
		return nil
	case err == nil:
		return errors.New(errors.KindAlreadyExists, "not a directory").WithPath(p)
	case !errors.IsKind(err, errors.KindNotFound):
		return err
	}
	if parent := parentOf(p); parent != p {
		if err := mkdirAll(ctx, h, parent, perm); err != nil {
			return err
		}
	}
	err = h.CreateDirectory(ctx, p, perm)
	if errors.IsKind(err, errors.KindAlreadyExists) {
		return nil
	}
	return err
}

func parentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	var recursive, trash bool
	rest, err := flags("rm", args, 1, 1, func(fs *flag.FlagSet) {
		fs.BoolVar(&recursive, "r", false, "remove directories and their contents")
		fs.BoolVar(&trash, "trash", false, "move to the trash instead")
	})
	if err != nil {
		return err
	}
	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	switch {
	case trash:
		return vfs.Trash(ctx, t.host, t.path)
	case recursive:
		return vfs.RemoveAll(ctx, t.host, t.path)
	}
	return t.host.Remove(ctx, t.path)
}

func cmdMove(ctx context.Context, a *app, args []string) error {
	rest, err := flags("mv", args, 2, 2, nil)
	if err != nil {
		return err
	}
	src, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := a.destination(ctx, src, rest[1])
	if err != nil {
		return err
	}
	defer dst.Close()

	if !sameHost(src, dst) {
		return errors.New(errors.KindNotSupported, "cannot move between hosts; use cp and rm").WithPath(rest[1])
	}
	if err := intoDirectory(ctx, src, dst); err != nil {
		return err
	}
	return src.host.Rename(ctx, src.path, dst.path)
}

func cmdCopy(ctx context.Context, a *app, args []string) error {
	rest, err := flags("cp", args, 2, 2, nil)
	if err != nil {
		return err
	}
	src, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := a.destination(ctx, src, rest[1])
	if err != nil {
		return err
	}
	defer dst.Close()

	if err := intoDirectory(ctx, src, dst); err != nil {
		return err
	}
	start := time.Now()
	n, err := vfs.CopyFile(ctx, src.host, src.path, dst.host, dst.path)
	if err != nil {
		return err
	}
	a.logger.Info("Copied", zap.String("from", src.String()), zap.String("to", dst.String()),
		zap.Int64("bytes", n), logging.Duration(time.Since(start)))
	return nil
}

func cmdDiskUsage(ctx context.Context, a *app, args []string) error {
	var human bool
	rest, err := flags("du", args, 1, 1, func(fs *flag.FlagSet) {
		fs.BoolVar(&human, "h", false, "human readable size")
	})
	if err != nil {
		return err
	}
	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	st, err := t.host.Stat(ctx, t.path)
	if err != nil {
		return err
	}
	size := st.Size
	if st.IsDir() {
		if size, err = vfs.CalculateDirectorySize(ctx, t.host, t.path); err != nil {
			return err
		}
	}
	if human {
		fmt.Fprintf(a.stdout, "%s\t%s\n", humanize.IBytes(uint64(size)), t)
	} else {
		fmt.Fprintf(a.stdout, "%d\t%s\n", size, t)
	}
	return nil
}

func cmdDiskFree(ctx context.Context, a *app, args []string) error {
	rest, err := flags("df", args, 1, 1, nil)
	if err != nil {
		return err
	}
	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	fs, err := vfs.StatVolume(ctx, t.host, t.path)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VOLUME\tTOTAL\tUSED\tAVAILABLE")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", fs.VolumeName,
		humanize.IBytes(uint64(fs.Total)), humanize.IBytes(uint64(fs.Total-fs.Free)),
		humanize.IBytes(uint64(fs.Available)))
	return w.Flush()
}

func cmdWatch(ctx context.Context, a *app, args []string) error {
	var count int
	var timeout time.Duration
	rest, err := flags("watch", args, 1, 1, func(fs *flag.FlagSet) {
		fs.IntVar(&count, "count", 0, "stop after n notifications")
		fs.DurationVar(&timeout, "timeout", 0, "stop after this long")
	})
	if err != nil {
		return err
	}
	t, err := a.open(ctx, rest[0])
	if err != nil {
		return err
	}
	defer t.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	events := make(chan vfs.ChangeEvent, 16)
	sub, err := a.hub.Subscribe(t.host, t.path, func(ev vfs.ChangeEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	a.logger.Debug("Watching", logging.Path(t.String()))
	for seen := 0; count <= 0 || seen < count; seen++ {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			fmt.Fprintf(a.stdout, "%s\tchanged\t%s\n", ev.At.Local().Format(time.RFC3339), t)
		}
	}
	return nil
}

func cmdBookmark(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return usagef("missing sub-command")
	}
	store, err := a.bookmarks()
	if err != nil {
		return err
	}

	switch args[0] {
	case "add":
		rest, err := flags("bookmark add", args[1:], 2, 2, nil)
		if err != nil {
			return err
		}
		if strings.Contains(rest[1], archiveMarker) {
			return errors.New(errors.KindNotSupported, "bookmarks cannot point into archives").WithPath(rest[1])
		}
		cfg, p, err := a.locate(rest[1])
		if err != nil {
			return err
		}
		b, err := store.Add(rest[0], cfg, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s\t%s\n", b.Name, b.ID)
		return nil

	case "list", "ls":
		if _, err := flags("bookmark list", args[1:], 0, 0, nil); err != nil {
			return err
		}
		w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
		for _, b := range store.List() {
			c := b.Config
			c.Path = ""
			fmt.Fprintf(w, "%s\t%s%s\n", b.Name, strings.TrimSuffix(c.Verbose(), "/"), b.Path)
		}
		return w.Flush()

	case "rm", "remove":
		rest, err := flags("bookmark rm", args[1:], 1, 1, nil)
		if err != nil {
			return err
		}
		return store.Remove(rest[0])
	}
	return usagef("unknown bookmark sub-command %q", args[0])
}
