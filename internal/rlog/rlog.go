// Package rlog provides the per-receiver rotating log stream. Each
// receiver writes structured lines (through a phuslu logger) into
//
//	<root>/receiver_<port>_<transport>/receiver_<port>.log
//
// The stream rotates at local midnight into dated files
// (receiver_<port>.log.2006-01-02), files older than the current day are
// gzipped, and files past the retention window are removed. phuslu's own
// FileWriter rotates on its internal naming scheme and cannot produce
// this layout, so rotation is handled here and only the line formatting
// is phuslu's.
package rlog

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phuslu/log"
)

const DefaultMaxDays = 7

type Writer struct {
	mu      sync.Mutex
	dir     string
	base    string
	maxDays int
	f       *os.File
	day     time.Time // local midnight of the day the open file belongs to

	// Now is the rotation clock; replaced in tests.
	Now func() time.Time
}

func NewWriter(root string, port int, transport string, maxDays int) (*Writer, error) {
	if maxDays <= 0 {
		maxDays = DefaultMaxDays
	}
	w := &Writer{
		dir:     filepath.Join(root, fmt.Sprintf("receiver_%d_%s", port, transport)),
		base:    fmt.Sprintf("receiver_%d.log", port),
		maxDays: maxDays,
		Now:     time.Now,
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) path() string { return filepath.Join(w.dir, w.base) }

func midnight(t time.Time) time.Time {
	t = t.Local()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	today := midnight(w.Now())
	if w.f == nil {
		if err := w.open(today); err != nil {
			return 0, err
		}
	}
	if today.After(w.day) {
		if err := w.rotate(today); err != nil {
			return 0, err
		}
	}
	return w.f.Write(p)
}

func (w *Writer) open(today time.Time) error {
	f, err := os.OpenFile(w.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.day = today
	if fi, err := f.Stat(); err == nil && fi.Size() > 0 {
		// a leftover file from before a restart keeps its own day
		w.day = midnight(fi.ModTime())
	}
	return nil
}

// rotate is called with the lock held.
func (w *Writer) rotate(today time.Time) error {
	w.f.Close()
	w.f = nil
	dated := w.path() + "." + w.day.Format("2006-01-02")
	if err := os.Rename(w.path(), dated); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := w.open(today); err != nil {
		return err
	}
	w.day = today
	go w.cleanup(today)
	return nil
}

// Rotate forces a rotation check; the receiver calls it from a midnight
// timer so quiet ports still roll their files.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	today := midnight(w.Now())
	if w.f == nil || !today.After(w.day) {
		return nil
	}
	return w.rotate(today)
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// cleanup gzips dated files older than the current day and removes
// anything past retention. Errors are swallowed; the next rotation
// retries.
func (w *Writer) cleanup(today time.Time) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	cutoff := today.AddDate(0, 0, -w.maxDays)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, w.base+".") {
			continue
		}
		datePart := strings.TrimSuffix(strings.TrimPrefix(name, w.base+"."), ".gz")
		day, err := time.ParseInLocation("2006-01-02", datePart, time.Local)
		if err != nil {
			continue
		}
		full := filepath.Join(w.dir, name)
		if day.Before(cutoff) {
			os.Remove(full)
			continue
		}
		if !strings.HasSuffix(name, ".gz") && day.Before(today) {
			compress(full)
		}
	}
}

func compress(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()
	dst, err := os.OpenFile(path+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return
	}
	zw := gzip.NewWriter(dst)
	_, err = io.Copy(zw, src)
	if err2 := zw.Close(); err == nil {
		err = err2
	}
	if err2 := dst.Close(); err == nil {
		err = err2
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// NewLogger builds the structured hot-path logger writing into w.
func NewLogger(w *Writer, level string) log.Logger {
	return log.Logger{
		Level:  log.ParseLevel(level),
		Writer: &log.IOWriter{Writer: w},
	}
}

type FileInfo struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Port     int       `json:"port"`
}

// List returns metadata for every receiver log file under root; port 0
// lists all receivers.
func List(root string, port int) ([]FileInfo, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []FileInfo{}, nil
		}
		return nil, err
	}
	out := make([]FileInfo, 0)
	for _, d := range dirs {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), "receiver_") {
			continue
		}
		parts := strings.SplitN(d.Name(), "_", 3)
		if len(parts) != 3 {
			continue
		}
		p, err := strconv.Atoi(parts[1])
		if err != nil || (port != 0 && p != port) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, d.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			fi, err := f.Info()
			if err != nil {
				continue
			}
			out = append(out, FileInfo{
				Path:     filepath.Join(root, d.Name(), f.Name()),
				Size:     fi.Size(),
				Modified: fi.ModTime(),
				Port:     p,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Tail returns the last n decoded lines of a log file, transparently
// reading gzip archives.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	if n <= 0 {
		n = 10
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}
