package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/tradebot/pkg/chain"
)

type NopWAL struct{}

func NewNopWAL() *NopWAL                            { return &NopWAL{} }
func (w *NopWAL) Append(chain.Commit) error         { return nil }
func (w *NopWAL) Last() (chain.Commit, bool, error) { return chain.Commit{}, false, nil }

// FileWAL appends one JSON line per committed block and syncs after each.
type FileWAL struct {
	mu   sync.Mutex
	f    *os.File
	last chain.Commit
	has  bool
}

// NewFileWAL opens path for append and reads back its last record. A torn
// final line from a crash is ignored.
func NewFileWAL(path string) (*FileWAL, error) {
	w := &FileWAL{}
	if err := w.scan(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.f = f
	return w, nil
}

func (w *FileWAL) scan(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var c chain.Commit
		if err := json.Unmarshal(sc.Bytes(), &c); err != nil {
			continue
		}
		w.last, w.has = c, true
	}
	return sc.Err()
}

func (w *FileWAL) Append(c chain.Commit) error {
	line, err := json.Marshal(c)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("wal write: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("wal sync: %w", err)
	}
	w.last, w.has = c, true
	return nil
}

func (w *FileWAL) Last() (chain.Commit, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.has, nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ chain.WAL = (*NopWAL)(nil)
var _ chain.WAL = (*FileWAL)(nil)
