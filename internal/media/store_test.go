package media

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
)

func TestDiskPutOpenStat(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	n, err := d.Put(ctx, "temp/a/b.bin", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if n != 5 {
		t.Errorf("wrote %d bytes, want 5", n)
	}

	size, err := d.Stat(ctx, "temp/a/b.bin")
	if err != nil || size != 5 {
		t.Errorf("Stat = (%d, %v), want (5, nil)", size, err)
	}

	r, err := d.Open(ctx, "temp/a/b.bin")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "hello" {
		t.Errorf("read %q", data)
	}
}

func TestDiskMoveAndDelete(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	ctx := context.Background()

	if _, err := d.Put(ctx, "temp/x", strings.NewReader("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Move(ctx, "temp/x", "permanent/2026/03/unlinked/x.bin"); err != nil {
		t.Fatalf("Move: %v", err)
	}

	if _, err := d.Stat(ctx, "temp/x"); err == nil {
		t.Error("source still present after move")
	}
	if size, err := d.Stat(ctx, "permanent/2026/03/unlinked/x.bin"); err != nil || size != 7 {
		t.Errorf("dest Stat = (%d, %v)", size, err)
	}

	if err := d.Delete(ctx, "permanent/2026/03/unlinked/x.bin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := d.Delete(ctx, "permanent/2026/03/unlinked/x.bin"); err != nil {
		t.Errorf("deleting missing blob: %v", err)
	}
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	for _, key := range []string{"../outside", "/etc/passwd", "a/../../b", "."} {
		if _, err := d.Put(context.Background(), key, strings.NewReader("x")); err == nil {
			t.Errorf("key %q accepted", key)
		}
	}
}

func TestDiskOpenMissing(t *testing.T) {
	d, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	_, err = d.Open(context.Background(), "nope")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open missing = %v, want fs not-exist", err)
	}
}
