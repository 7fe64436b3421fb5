package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestFileReadsInNameOrderAndArchives(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)

	in, archive := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(in, "b.bin"), []byte("bbbbb"))
	writeFile(t, filepath.Join(in, "a.bin"), []byte("aaa"))

	tr, err := New(Config{Type: "file", ReadFolder: in, ArchiveFolder: archive, ReadSize: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f := tr.(*File)
	if err := f.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer f.Disconnect()

	want := []struct {
		data string
		file string
	}{
		{"aaa", "a.bin"},
		{"bbbb", "b.bin"},
		{"b", "b.bin"},
	}
	for _, w := range want {
		data, extra, err := f.ReadExtra(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != w.data || extra["filename"] != filepath.Join(in, w.file) {
			t.Fatalf("got %q from %v, want %q from %s", data, extra["filename"], w.data, w.file)
		}
	}
	if _, err := os.Stat(filepath.Join(archive, "a.bin")); err != nil {
		t.Fatalf("a.bin not archived: %v", err)
	}

	// A file moved in later wakes the blocked reader.
	staging := filepath.Join(t.TempDir(), "c.bin")
	writeFile(t, staging, []byte("c"))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.Rename(staging, filepath.Join(in, "c.bin"))
	}()
	data, extra, err := f.ReadExtra(ctx)
	if err != nil || string(data) != "c" || extra["filename"] != filepath.Join(in, "c.bin") {
		t.Fatalf("late file: %q %v %v", data, extra, err)
	}
	if _, err := os.Stat(filepath.Join(in, "b.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("b.bin still in read folder: %v", err)
	}
}

func TestFileDisconnectUnblocksRead(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)

	f := NewFile(Config{Type: "file", ReadFolder: t.TempDir(), ArchiveFolder: ArchiveDelete})
	if err := f.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := f.Read(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := f.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read still blocked after disconnect")
	}
}

func TestFileWithoutArchiveReadsEachFileOnce(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)

	in := t.TempDir()
	writeFile(t, filepath.Join(in, "only.bin"), []byte("x"))
	f := NewFile(Config{Type: "file", ReadFolder: in, PollInterval: 10 * time.Millisecond})
	if err := f.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer f.Disconnect()
	if data, err := f.Read(ctx); err != nil || string(data) != "x" {
		t.Fatalf("first read: %q %v", data, err)
	}

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if data, err := f.Read(short); err == nil {
		t.Fatalf("file replayed: %q", data)
	}
	if _, err := os.Stat(filepath.Join(in, "only.bin")); err != nil {
		t.Fatalf("file should stay in place: %v", err)
	}
}

func TestFileWritesOneFilePerFrame(t *testing.T) {
	testlog.Start(t)
	ctx := testCtx(t)

	out := filepath.Join(t.TempDir(), "cmd")
	f := NewFile(Config{Type: "file", WriteFolder: out, Label: "cmd", Extension: ".dat"})
	if _, err := f.Write(ctx, []byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write before connect err=%v", err)
	}
	if err := f.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer f.Disconnect()
	for _, frame := range [][]byte{{1, 2}, {3}} {
		if n, err := f.Write(ctx, frame); err != nil || n != len(frame) {
			t.Fatalf("write: %d %v", n, err)
		}
	}
	files, err := filepath.Glob(filepath.Join(out, "*_cmd*.dat"))
	if err != nil || len(files) != 2 {
		t.Fatalf("expected 2 command files, got %v %v", files, err)
	}

	ro := NewFile(Config{Type: "file", ReadFolder: t.TempDir()})
	if err := ro.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ro.Disconnect()
	if _, err := ro.Write(ctx, []byte{1}); !errors.Is(err, ErrNoWriteFolder) {
		t.Fatalf("expected ErrNoWriteFolder, got %v", err)
	}
}
