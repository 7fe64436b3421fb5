package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ArchiveDelete as the archive folder removes files once they are read.
const ArchiveDelete = "DELETE"

var ErrNoWriteFolder = errors.New("transport: file transport has no write folder")

// File replays the files dropped into a read folder, oldest name first, and
// writes each outgoing frame to its own file in a write folder. Every read
// reports the file it came from under the "filename" extra key. Producers
// should move complete files into the read folder; a file is archived as
// soon as a read reaches its end.
type File struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	done      chan struct{}
	watcher   *fsnotify.Watcher
	wake      chan struct{}

	// Reader state, owned by the goroutine calling ReadExtra.
	cur     *os.File
	curPath string
	buf     []byte
	seen    map[string]bool

	writeMu sync.Mutex
}

func NewFile(cfg Config) *File {
	if cfg.Label == "" {
		cfg.Label = "command"
	}
	if cfg.Extension == "" {
		cfg.Extension = ".bin"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultConfig().ReadSize
	}
	return &File{
		cfg:  cfg,
		buf:  make([]byte, cfg.ReadSize),
		seen: make(map[string]bool),
		wake: make(chan struct{}, 1),
	}
}

func (f *File) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		return nil
	}
	f.closeCurrent()
	if f.cfg.ReadFolder != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("file watch: %w", err)
		}
		if err := w.Add(f.cfg.ReadFolder); err != nil {
			_ = w.Close()
			return fmt.Errorf("file watch %s: %w", f.cfg.ReadFolder, err)
		}
		f.watcher = w
		go f.forward(w)
	}
	if f.cfg.WriteFolder != "" {
		if err := os.MkdirAll(f.cfg.WriteFolder, 0o755); err != nil {
			f.stopWatch()
			return err
		}
	}
	f.done = make(chan struct{})
	f.connected = true
	return nil
}

// forward turns watcher events into wakeups for the reader.
func (f *File) forward(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				f.poke()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("folder", f.cfg.ReadFolder).Msg("file watch error")
		}
	}
}

func (f *File) poke() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *File) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *File) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil
	}
	f.connected = false
	close(f.done)
	f.stopWatch()
	return nil
}

func (f *File) stopWatch() {
	if f.watcher != nil {
		_ = f.watcher.Close()
		f.watcher = nil
	}
}

func (f *File) Read(ctx context.Context) ([]byte, error) {
	data, _, err := f.ReadExtra(ctx)
	return data, err
}

// ReadExtra returns the next chunk of the current file. Once a file is
// exhausted it is archived and the next one is opened; with none left it
// waits for a new file, Disconnect or ctx.
func (f *File) ReadExtra(ctx context.Context) ([]byte, map[string]any, error) {
	f.mu.Lock()
	done := f.done
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return nil, nil, io.EOF
	}

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			f.closeCurrent()
			return nil, nil, io.EOF
		default:
		}

		if f.cur != nil {
			n, err := f.cur.Read(f.buf)
			if n > 0 {
				return append([]byte(nil), f.buf[:n]...), map[string]any{"filename": f.curPath}, nil
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, nil, err
			}
			if err := f.finish(); err != nil {
				return nil, nil, err
			}
			continue
		}

		if f.cfg.ReadFolder != "" {
			next, err := f.nextFile()
			if err != nil {
				return nil, nil, err
			}
			if next != "" {
				file, err := os.Open(next)
				if err != nil {
					return nil, nil, err
				}
				log.Debug().Str("file", next).Msg("reading file")
				f.cur, f.curPath = file, next
				continue
			}
		}

		select {
		case <-done:
			return nil, nil, io.EOF
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-f.wake:
		case <-ticker.C:
		}
	}
}

// nextFile returns the first unread regular file by name.
func (f *File) nextFile() (string, error) {
	entries, err := os.ReadDir(f.cfg.ReadFolder)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(f.cfg.ReadFolder, e.Name())
		if !f.seen[path] {
			return path, nil
		}
	}
	return "", nil
}

// finish closes the current file and archives it. Without an archive folder
// the file stays in place and is remembered as read.
func (f *File) finish() error {
	path := f.curPath
	f.closeCurrent()
	switch f.cfg.ArchiveFolder {
	case "":
		f.seen[path] = true
	case ArchiveDelete:
		if err := os.Remove(path); err != nil {
			return err
		}
	default:
		if err := os.Rename(path, filepath.Join(f.cfg.ArchiveFolder, filepath.Base(path))); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) closeCurrent() {
	if f.cur != nil {
		_ = f.cur.Close()
	}
	f.cur, f.curPath = nil, ""
}

// Write stores data as a new timestamped file in the write folder.
func (f *File) Write(_ context.Context, data []byte) (int, error) {
	if !f.Connected() {
		return 0, ErrNotConnected
	}
	if f.cfg.WriteFolder == "" {
		return 0, ErrNoWriteFolder
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	stamp := time.Now().UTC().Format("2006_01_02_15_04_05")
	for attempt := 0; ; attempt++ {
		parts := []string{stamp, f.cfg.Label}
		if attempt > 0 {
			parts = append(parts, strconv.Itoa(attempt))
		}
		path := filepath.Join(f.cfg.WriteFolder, strings.Join(parts, "_")+f.cfg.Extension)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return 0, err
		}
		n, err := file.Write(data)
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		return n, err
	}
}
