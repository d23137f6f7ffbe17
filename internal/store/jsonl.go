package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"portfolio-engine/internal/errors"
	"portfolio-engine/internal/models"
)

const (
	transactionsFile = "transactions.jsonl"
	positionsFile    = "positions.jsonl"
	snapshotVersion  = 1
)

// snapshotHeader is the first line of positions.jsonl.
type snapshotHeader struct {
	Version           int       `json:"version"`
	LastTransactionID int64     `json:"last_transaction_id"`
	Positions         int       `json:"positions"`
	SavedAt           time.Time `json:"saved_at"`
}

// JSONLStore persists the ledger as line-oriented JSON: an append-only
// transaction log and a position snapshot that is replaced atomically.
type JSONLStore struct {
	dir    string
	logger zerolog.Logger

	mu     sync.Mutex
	txFile *os.File
}

// NewJSONLStore creates the data directory if needed and returns a store rooted at it.
func NewJSONLStore(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return &JSONLStore{dir: dir, logger: logger}, nil
}

// Dir returns the data directory.
func (s *JSONLStore) Dir() string {
	return s.dir
}

// AppendTransaction appends one transaction line and syncs it to disk.
func (s *JSONLStore) AppendTransaction(tx models.Transaction) error {
	line, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txFile == nil {
		f, err := os.OpenFile(filepath.Join(s.dir, transactionsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("opening transaction log: %w", err)
		}
		s.txFile = f
	}

	if _, err := s.txFile.Write(line); err != nil {
		return fmt.Errorf("writing transaction: %w", err)
	}
	if err := s.txFile.Sync(); err != nil {
		return fmt.Errorf("syncing transaction log: %w", err)
	}
	return nil
}

// SavePositions atomically replaces positions.jsonl with the given table.
func (s *JSONLStore) SavePositions(positions []models.Position, lastTransactionID int64) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)

	header := snapshotHeader{
		Version:           snapshotVersion,
		LastTransactionID: lastTransactionID,
		Positions:         len(positions),
		SavedAt:           time.Now().UTC(),
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("encoding snapshot header: %w", err)
	}
	for _, p := range positions {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("encoding position %s: %w", p.Key(), err)
		}
	}

	return atomicWrite(filepath.Join(s.dir, positionsFile), buf.Bytes())
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*.jsonl")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load reads the position snapshot and the full transaction log. Missing
// files yield an empty state. A torn final line in the transaction log (an
// append interrupted by a crash) is truncated away with a warning.
func (s *JSONLStore) Load() (models.LedgerState, error) {
	var state models.LedgerState

	header, positions, err := s.loadPositions()
	if err != nil {
		return state, err
	}
	state.Positions = positions
	state.LastTransactionID = header.LastTransactionID

	txns, err := s.loadTransactions()
	if err != nil {
		return state, err
	}
	state.Transactions = txns
	return state, nil
}

func (s *JSONLStore) loadPositions() (snapshotHeader, []models.Position, error) {
	var header snapshotHeader

	f, err := os.Open(filepath.Join(s.dir, positionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return header, nil, nil
		}
		return header, nil, errors.Wrapf(errors.ErrPersistence, "opening position snapshot: %v", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(&header); err != nil {
		if err == io.EOF {
			return header, nil, nil
		}
		return header, nil, errors.Wrapf(errors.ErrPersistence, "decoding snapshot header: %v", err)
	}
	if header.Version != snapshotVersion {
		return header, nil, errors.Wrapf(errors.ErrPersistence, "unsupported snapshot version %d", header.Version)
	}

	positions := make([]models.Position, 0, header.Positions)
	for {
		var p models.Position
		if err := dec.Decode(&p); err != nil {
			if err == io.EOF {
				break
			}
			return header, nil, errors.Wrapf(errors.ErrPersistence, "decoding position: %v", err)
		}
		positions = append(positions, p)
	}
	if len(positions) != header.Positions {
		return header, nil, errors.Wrapf(errors.ErrPersistence, "snapshot has %d positions, header says %d", len(positions), header.Positions)
	}
	return header, positions, nil
}

func (s *JSONLStore) loadTransactions() ([]models.Transaction, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, transactionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(errors.ErrPersistence, "reading transaction log: %v", err)
	}

	var txns []models.Transaction
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var tx models.Transaction
		if err := json.Unmarshal(line, &tx); err != nil {
			torn := !bytes.HasSuffix(data, []byte("\n")) && isLastLine(data, scanner.Bytes())
			if torn {
				s.logger.Warn().Int("line", lineNo).Msg("Dropping torn final transaction line")
				keep := int64(bytes.LastIndexByte(data, '\n') + 1)
				if err := os.Truncate(filepath.Join(s.dir, transactionsFile), keep); err != nil {
					return nil, errors.Wrapf(errors.ErrPersistence, "truncating torn transaction log: %v", err)
				}
				break
			}
			return nil, errors.Wrapf(errors.ErrPersistence, "decoding transaction on line %d: %v", lineNo, err)
		}
		txns = append(txns, tx)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrPersistence, "scanning transaction log: %v", err)
	}
	return txns, nil
}

func isLastLine(data, line []byte) bool {
	return bytes.HasSuffix(bytes.TrimRight(data, " \t\r"), bytes.TrimRight(line, " \t\r"))
}

// Close closes the transaction log.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txFile == nil {
		return nil
	}
	err := s.txFile.Close()
	s.txFile = nil
	return err
}
