// Package journal is the append-only task journal: each record is a
// 4-byte big-endian length prefix followed by that many bytes of a
// JSON-serialized task descriptor. Adapted from the teacher's
// internal/storage/wal batch-writer idiom, with the WAL's JSON-lines
// framing and checksum replaced by this length-prefixed format and a
// single root-task-triggered fsync instead of a timed flush interval.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/dataflow-master/pkg/types"
)

// writeRequest is a single append, with an optional fsync and a response
// channel, batched together with any other requests pending when the
// writer goroutine wakes.
type writeRequest struct {
	task  *types.Task
	sync  bool
	errCh chan error
}

// Journal is the append-only task log for one job directory.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string

	writeChan chan writeRequest
	closed    chan struct{}
	wg        sync.WaitGroup
	isClosed  bool
}

// Open creates (or appends to) the journal file at path, starting its
// background writer goroutine.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j := &Journal{
		file:      f,
		path:      path,
		writeChan: make(chan writeRequest, 64),
		closed:    make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

// AppendRoot writes task and blocks until it is flushed and fsynced, per
// §4.4.1's root-task durability requirement.
func (j *Journal) AppendRoot(task *types.Task) error {
	return j.append(task, true)
}

// AppendChild writes task without forcing an fsync; it is durable once a
// later sync (root write or Close) flushes the buffer.
func (j *Journal) AppendChild(task *types.Task) error {
	return j.append(task, false)
}

func (j *Journal) append(task *types.Task, sync bool) error {
	errCh := make(chan error, 1)
	select {
	case j.writeChan <- writeRequest{task: task, sync: sync, errCh: errCh}:
		return <-errCh
	case <-j.closed:
		return fmt.Errorf("journal: closed")
	}
}

// writer drains writeChan, encoding every pending record before deciding
// whether to fsync, mirroring the teacher's flushBatch: one sync call
// serves every request accumulated since the last wakeup.
func (j *Journal) writer() {
	defer j.wg.Done()
	for {
		select {
		case req := <-j.writeChan:
			batch := []writeRequest{req}
			draining := true
			for draining {
				select {
				case more := <-j.writeChan:
					batch = append(batch, more)
				default:
					draining = false
				}
			}
			j.flushBatch(batch)
		case <-j.closed:
			// Write out whatever was queued before Close so no appender is
			// left waiting on a request the writer never saw.
			for {
				select {
				case req := <-j.writeChan:
					j.flushBatch([]writeRequest{req})
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) flushBatch(batch []writeRequest) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var flushErr error
	needSync := false
	for _, req := range batch {
		if err := j.writeRecord(req.task); err != nil {
			flushErr = err
			break
		}
		if req.sync {
			needSync = true
		}
	}

	if flushErr == nil && needSync {
		flushErr = j.file.Sync()
	}

	for _, req := range batch {
		req.errCh <- flushErr
		close(req.errCh)
	}
}

// writeRecord must be called with mu held.
func (j *Journal) writeRecord(task *types.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := j.file.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("journal: write length: %w", err)
	}
	if _, err := j.file.Write(payload); err != nil {
		return fmt.Errorf("journal: write payload: %w", err)
	}
	return nil
}

// Replay reads path record-by-record until EOF, calling handler with each
// task descriptor in append order. A truncated trailing record (a crash
// mid-write) is treated as the end of the log, not an error.
func Replay(path string, handler func(*types.Task) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("journal: read length: %w", err)
		}
		size := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, size)
		if _, err := io.ReadFull(f, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return fmt.Errorf("journal: read payload: %w", err)
		}
		var task types.Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return fmt.Errorf("journal: unmarshal record: %w", err)
		}
		if err := handler(&task); err != nil {
			return err
		}
	}
}

// Close flushes any pending writes, fsyncs, and closes the file. The
// Journal must not be used after Close.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.isClosed {
		j.mu.Unlock()
		return nil
	}
	j.isClosed = true
	j.mu.Unlock()

	close(j.closed)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}
