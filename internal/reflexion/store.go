// Package reflexion persists failure evidence across runs so that repeated
// mistakes get cheaper to fix. Records live in an append-only JSONL file;
// retrieval uses token-overlap similarity rather than exact matching, since
// the same underlying fault rarely produces byte-identical output twice.
package reflexion

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/appff/nightshift/internal/reflexion"

// SimilarityThreshold is the token-overlap score above which two error
// signatures are considered the same fault.
const SimilarityThreshold = 0.7

// RecordStatus tracks whether a remembered fix has been confirmed to work.
type RecordStatus string

const (
	StatusProposed RecordStatus = "proposed"
	StatusAdopted  RecordStatus = "adopted"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("reflexion store is closed")

// Record is one remembered failure with its root cause and the fix that was
// attempted or confirmed.
type Record struct {
	ID             string       `json:"id"`
	TaskID         string       `json:"task_id"`
	ErrorSignature string       `json:"error_signature"`
	RootCause      string       `json:"root_cause,omitempty"`
	Fix            string       `json:"fix,omitempty"`
	Status         RecordStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`

	// LastSeen is refreshed whenever a matching signature recurs, so a
	// fault that keeps coming back does not decay like a one-off.
	LastSeen time.Time `json:"last_seen"`
}

// Store is the JSONL-backed evidence store. All mutations append to the
// file; in-memory state is the merged view.
type Store struct {
	path   string
	topK   int
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	recallCounter metric.Int64Counter

	mu      sync.RWMutex
	records []*Record
	closed  bool
}

// NewStore opens (or lazily creates) the store at path. A missing file is an
// empty store, not an error.
func NewStore(path string, topK int, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if topK <= 0 {
		topK = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		path:   path,
		topK:   topK,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.initMetrics()
	return s, nil
}

func (s *Store) initMetrics() {
	var err error
	s.recallCounter, err = s.meter.Int64Counter(
		"nightshift.reflexion.recalls_total",
		metric.WithDescription("Total number of evidence retrievals"),
		metric.WithUnit("{recall}"),
	)
	if err != nil {
		s.logger.Warn("failed to create recall counter", zap.Error(err))
	}
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open evidence store: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			// A torn tail line from a crashed writer is skipped, not fatal.
			s.logger.Warn("skipping malformed evidence record",
				zap.Int("line", line), zap.Error(err))
			continue
		}
		s.merge(&r)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read evidence store: %w", err)
	}
	return nil
}

// merge applies a record to in-memory state: a record with a known id
// replaces the earlier version (promotions append a new line with the same
// id).
func (s *Store) merge(r *Record) {
	for i, existing := range s.records {
		if existing.ID == r.ID {
			s.records[i] = r
			return
		}
	}
	s.records = append(s.records, r)
}

// Remember writes a new proposed record unless a sufficiently similar
// signature is already stored, in which case the existing record's LastSeen
// is refreshed instead. It returns the stored record, which may be the
// pre-existing similar one.
func (s *Store) Remember(ctx context.Context, rec Record) (*Record, error) {
	_, span := s.tracer.Start(ctx, "reflexion.remember")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	for _, existing := range s.records {
		if Similarity(existing.ErrorSignature, rec.ErrorSignature) >= SimilarityThreshold {
			updated := *existing
			updated.LastSeen = time.Now().UTC()
			if err := s.appendLine(&updated); err != nil {
				return nil, err
			}
			*existing = updated
			s.logger.Debug("evidence recurred, refreshed last seen",
				zap.String("existing_id", existing.ID),
				zap.String("task_id", rec.TaskID),
			)
			return existing, nil
		}
	}

	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if rec.Status == "" {
		rec.Status = StatusProposed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = rec.CreatedAt
	}

	stored := rec
	if err := s.appendLine(&stored); err != nil {
		return nil, err
	}
	s.records = append(s.records, &stored)
	s.logger.Info("remembered failure evidence",
		zap.String("id", stored.ID),
		zap.String("task_id", stored.TaskID),
	)
	return &stored, nil
}

// Recall returns up to topK records similar to the error signature, ordered
// by priority (recency boosted for adopted fixes).
func (s *Store) Recall(ctx context.Context, signature string) ([]*Record, error) {
	_, span := s.tracer.Start(ctx, "reflexion.recall")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	type scored struct {
		rec      *Record
		priority float64
	}
	now := time.Now()
	var matches []scored
	for _, r := range s.records {
		sim := Similarity(r.ErrorSignature, signature)
		if sim < SimilarityThreshold {
			continue
		}
		matches = append(matches, scored{rec: r, priority: priority(r, now)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].priority > matches[j].priority
	})

	if s.recallCounter != nil {
		s.recallCounter.Add(ctx, 1)
	}

	n := len(matches)
	if n > s.topK {
		n = s.topK
	}
	out := make([]*Record, 0, n)
	for _, m := range matches[:n] {
		cp := *m.rec
		out = append(out, &cp)
	}
	return out, nil
}

// Promote marks proposed records as adopted when the accepted fix matches a
// stored fix above the similarity threshold. It returns the promoted ids.
func (s *Store) Promote(ctx context.Context, acceptedFix string) ([]string, error) {
	_, span := s.tracer.Start(ctx, "reflexion.promote")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var promoted []string
	for _, r := range s.records {
		if r.Status != StatusProposed || r.Fix == "" {
			continue
		}
		if Similarity(r.Fix, acceptedFix) < SimilarityThreshold {
			continue
		}
		updated := *r
		updated.Status = StatusAdopted
		if err := s.appendLine(&updated); err != nil {
			return promoted, err
		}
		*r = updated
		promoted = append(promoted, r.ID)
		s.logger.Info("promoted evidence record", zap.String("id", r.ID))
	}
	return promoted, nil
}

// Prune rewrites the store keeping only records last seen at or after the
// cutoff, returning how many were dropped. Used for external archiving.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	_, span := s.tracer.Start(ctx, "reflexion.prune")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var kept []*Record
	for _, r := range s.records {
		if !effectiveSeen(r).Before(before) {
			kept = append(kept, r)
		}
	}
	dropped := len(s.records) - len(kept)
	if dropped == 0 {
		return 0, nil
	}

	if err := s.rewrite(kept); err != nil {
		return 0, err
	}
	s.records = kept
	s.logger.Info("pruned evidence store", zap.Int("dropped", dropped))
	return dropped, nil
}

// Len reports the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close marks the store closed. The underlying file is only open during
// writes, so there is nothing else to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) appendLine(r *Record) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create evidence store directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open evidence store for append: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode evidence record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append evidence record: %w", err)
	}
	return f.Sync()
}

func (s *Store) rewrite(records []*Record) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".reflexion-*")
	if err != nil {
		return fmt.Errorf("failed to create temp store: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to encode evidence record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to write evidence record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to flush temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace evidence store: %w", err)
	}
	return nil
}

// priority ranks a record by how recently its signature was last seen,
// doubled for adopted fixes. Recency decays linearly over thirty days;
// every record keeps a small floor so old adopted fixes still outrank
// nothing.
func priority(r *Record, now time.Time) float64 {
	age := now.Sub(effectiveSeen(r))
	recency := 1.0 - age.Hours()/(30*24)
	if recency < 0.05 {
		recency = 0.05
	}
	if r.Status == StatusAdopted {
		return recency * 2
	}
	return recency
}

// effectiveSeen tolerates records written before last_seen existed.
func effectiveSeen(r *Record) time.Time {
	if r.LastSeen.IsZero() {
		return r.CreatedAt
	}
	return r.LastSeen
}

var tokenRe = regexp.MustCompile(`[a-z0-9_]+`)

// Similarity computes Jaccard overlap of the lowercased word sets of a and b.
func Similarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokenRe.FindAllString(strings.ToLower(s), -1) {
		out[tok] = struct{}{}
	}
	return out
}

func newRecordID() string {
	return "ev-" + uuid.NewString()
}
