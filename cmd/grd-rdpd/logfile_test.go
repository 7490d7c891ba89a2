package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRDPLogFileRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grd-rdpd.log")

	lf, err := newRDPLogFile(path, 0, 0) // exercise the <=0 clamp-to-default path
	if err != nil {
		t.Fatalf("newRDPLogFile: %v", err)
	}
	defer lf.Close()

	if lf.maxSize != 50*1024*1024 {
		t.Fatalf("maxSize = %d, want default 50MB", lf.maxSize)
	}
	if lf.maxBackups != 3 {
		t.Fatalf("maxBackups = %d, want default 3", lf.maxBackups)
	}

	lf.maxSize = 16
	lf.maxBackups = 2

	for i := 0; i < 5; i++ {
		if _, err := lf.Write([]byte("0123456789")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected rotated backup %s.1: %v", path, err)
	}
}

func TestRDPLogFileReopenPicksUpRenamedPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grd-rdpd.log")

	lf, err := newRDPLogFile(path, 50, 3)
	if err != nil {
		t.Fatalf("newRDPLogFile: %v", err)
	}
	defer lf.Close()

	if _, err := lf.Write([]byte("before rotate\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := os.Rename(path, path+".rotated"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if err := lf.Reopen(); err != nil {
		t.Fatalf("Reopen: %v", err)
	}

	if _, err := lf.Write([]byte("after reopen\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected fresh file at %s after reopen: %v", path, err)
	}
}
