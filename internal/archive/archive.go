// Package archive assembles per-symbol spreadsheets into a single zip blob.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed         = errors.New("archive already finalized")
	ErrDuplicateEntry = errors.New("duplicate archive entry")
)

// Archive is a finalized zip blob. It is read-only once returned by
// Builder.Finalize.
type Archive struct {
	Name    string
	Data    []byte
	Entries []string
}

func (a *Archive) Size() int64 { return int64(len(a.Data)) }

// Builder appends named entries to an in-memory zip. It is not safe for
// concurrent use; callers serialize access.
type Builder struct {
	buf     bytes.Buffer
	zw      *zip.Writer
	entries []string
	seen    map[string]struct{}
	closed  bool
}

func NewBuilder() *Builder {
	b := &Builder{seen: make(map[string]struct{})}
	b.zw = zip.NewWriter(&b.buf)
	return b
}

// Add writes one entry. Names must be unique within the archive.
func (b *Builder) Add(name string, data []byte) error {
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.seen[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}

	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write entry %s: %w", name, err)
	}

	b.seen[name] = struct{}{}
	b.entries = append(b.entries, name)
	return nil
}

// Finalize closes the zip and returns the archive under the given name.
func (b *Builder) Finalize(name string) (*Archive, error) {
	if b.closed {
		return nil, ErrClosed
	}
	b.closed = true
	if err := b.zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}

	data := make([]byte, b.buf.Len())
	copy(data, b.buf.Bytes())
	entries := make([]string, len(b.entries))
	copy(entries, b.entries)

	return &Archive{Name: name, Data: data, Entries: entries}, nil
}

// Name builds the delivered file name, e.g. SENSEX_expiry_241025_1min.zip.
func Name(prefix string, day time.Time, intervalLabel string) string {
	return fmt.Sprintf("%s_%s_%s.zip", prefix, day.Format("020106"), intervalLabel)
}
