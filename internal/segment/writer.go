package segment

import (
	"bufio"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Writer appends records to one generation. It is not safe for concurrent
// use; the storage engine serializes writers under its own lock.
type Writer struct {
	store  *Store
	gen    uint64
	f      *os.File
	buf    *bufio.Writer
	offset int64
	sync   bool
	broken error
	closed bool
}

// Gen returns the generation this writer appends to.
func (w *Writer) Gen() uint64 {
	return w.gen
}

// Offset returns the number of bytes written so far.
func (w *Writer) Offset() int64 {
	return w.offset
}

// Append writes rec, flushes it to the operating system (and fsyncs when the
// store was opened with SyncWrites) and returns its location. On failure the
// file is cut back to its previous size, so a record is either fully
// appended or absent.
func (w *Writer) Append(rec []byte) (Pointer, error) {
	p, err := w.Buffer(rec)
	if err != nil {
		return Pointer{}, err
	}
	err = w.buf.Flush()
	if err == nil && w.sync {
		err = w.f.Sync()
	}
	if err != nil {
		w.rollback(p.Offset)
		return Pointer{}, ioErr(err, "append to generation %d", w.gen)
	}
	return p, nil
}

// Buffer writes rec without flushing. The returned pointer becomes readable
// once Sync or Close returns. Compaction uses it to copy many records with a
// single flush.
func (w *Writer) Buffer(rec []byte) (Pointer, error) {
	if w.closed {
		return Pointer{}, errors.Mark(errors.Newf("generation %d is sealed", w.gen), ErrIO)
	}
	if w.broken != nil {
		return Pointer{}, errors.Mark(errors.Wrapf(w.broken, "generation %d is unusable", w.gen), ErrIO)
	}

	start := w.offset
	if _, err := w.buf.Write(rec); err != nil {
		w.rollback(start)
		return Pointer{}, ioErr(err, "append to generation %d", w.gen)
	}
	w.offset += int64(len(rec))
	return Pointer{Gen: w.gen, Offset: start, Length: int64(len(rec))}, nil
}

// Sync flushes buffered records and fsyncs the file.
func (w *Writer) Sync() error {
	if w.closed {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		return ioErr(err, "flush generation %d", w.gen)
	}
	if err := w.f.Sync(); err != nil {
		return ioErr(err, "sync generation %d", w.gen)
	}
	return nil
}

// Close syncs and closes the file and detaches the writer from its store.
// The generation stays on disk and readable.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	var err error
	if w.broken == nil {
		err = w.Sync()
	}
	w.closed = true

	w.store.mu.Lock()
	if w.store.writers[w.gen] == w {
		delete(w.store.writers, w.gen)
	}
	w.store.mu.Unlock()

	if cerr := w.f.Close(); cerr != nil && err == nil && !errors.Is(cerr, os.ErrClosed) {
		err = ioErr(cerr, "close generation %d", w.gen)
	}
	return err
}

// rollback discards everything after offset. If the file cannot be restored
// the writer refuses further appends.
func (w *Writer) rollback(offset int64) {
	w.buf.Reset(w.f)
	if err := w.f.Truncate(offset); err != nil {
		w.broken = err
		return
	}
	if _, err := w.f.Seek(offset, io.SeekStart); err != nil {
		w.broken = err
		return
	}
	w.offset = offset
}
