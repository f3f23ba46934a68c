package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidParameter reports a search parameter outside its allowed range.
	ErrInvalidParameter = errors.New("invalid search parameter")

	// ErrDimensionMismatch reports an embedding whose length does not match
	// the index dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Search parameter bounds. Callers supply defaults; the index only enforces
// the ranges.
const (
	MinTopK          = 1
	MaxTopK          = 100
	MinConfidenceLow = 0
	MaxConfidence    = 100
)

// Chunk is a stored slice of a source document together with its embedding
// and an extraction confidence score in [0, 100].
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	Embedding  []float32
	Confidence float64
	Metadata   string // JSON object stored as text
	CreatedAt  time.Time
}

// ScoredChunk is a search hit: chunk content plus its document name and the
// cosine similarity against the query.
type ScoredChunk struct {
	ID           string
	DocumentID   string
	DocumentName string
	Content      string
	Metadata     string
	Confidence   float64
	Similarity   float32
}

// SQLiteIndex provides chunk storage and brute-force cosine similarity search
// over the chunks table. All embeddings in one index share a fixed dimension.
type SQLiteIndex struct {
	db        *sql.DB
	dimension int
}

// NewSQLiteIndex wraps an existing *sql.DB for vector operations. The chunks
// table must already exist (created via migrations).
func NewSQLiteIndex(db *sql.DB, dimension int) *SQLiteIndex {
	return &SQLiteIndex{db: db, dimension: dimension}
}

// Dimension returns the embedding length this index accepts.
func (s *SQLiteIndex) Dimension() int {
	return s.dimension
}

// Insert adds chunks to the index. Every embedding must match the index
// dimension; a mismatch fails the whole batch before anything is written.
func (s *SQLiteIndex) Insert(chunks []Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != s.dimension {
			return fmt.Errorf("chunk %s has %d dimensions, index expects %d: %w",
				c.ID, len(c.Embedding), s.dimension, ErrDimensionMismatch)
		}
		if c.Confidence < MinConfidenceLow || c.Confidence > MaxConfidence {
			return fmt.Errorf("chunk %s confidence %.1f outside [0, 100]: %w",
				c.ID, c.Confidence, ErrInvalidParameter)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, content, embedding, confidence_score, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		blob := encodeFloat32s(c.Embedding)
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		metadata := c.Metadata
		if metadata == "" {
			metadata = "{}"
		}
		if _, err := stmt.Exec(c.ID, c.DocumentID, c.Content, blob, c.Confidence, metadata, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the ID and similarity during the scan phase of Search.
// Full chunk details are fetched only for top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search performs brute-force cosine similarity search over chunks whose
// confidence score is at least minConfidence, returning up to topK hits
// ordered by similarity descending with chunk ID ascending as the tie-break.
func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, topK int, minConfidence float64) ([]ScoredChunk, error) {
	if topK < MinTopK || topK > MaxTopK {
		return nil, fmt.Errorf("topK %d outside [%d, %d]: %w", topK, MinTopK, MaxTopK, ErrInvalidParameter)
	}
	if minConfidence < MinConfidenceLow || minConfidence > MaxConfidence {
		return nil, fmt.Errorf("minConfidence %.1f outside [0, 100]: %w", minConfidence, ErrInvalidParameter)
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("query has %d dimensions, index expects %d: %w",
			len(vector), s.dimension, ErrDimensionMismatch)
	}

	// Phase 1: scan only id + embedding of eligible chunks to find top-K
	// candidates. The confidence gate happens in SQL so low-confidence
	// extractions never compete for a slot.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM chunks WHERE confidence_score >= ?`, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}
		if len(buf) != s.dimension {
			return nil, fmt.Errorf("stored chunk %s has %d dimensions, index expects %d: %w",
				id, len(buf), s.dimension, ErrDimensionMismatch)
		}

		score := dotProduct(vector, buf, queryNorm)
		cand := idScore{ID: id, Score: score}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if worse((*h)[0], cand) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full chunk rows, joined with documents for the source
	// name, only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT c.id, c.document_id, d.name, c.content, c.metadata, c.confidence_score
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := s.db.QueryContext(ctx, fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredChunk
	for fullRows.Next() {
		var c ScoredChunk
		if err := fullRows.Scan(&c.ID, &c.DocumentID, &c.DocumentName, &c.Content, &c.Metadata, &c.Confidence); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.Similarity = scores[c.ID]
		results = append(results, c)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	// The IN query doesn't preserve order; restore similarity descending
	// with ID ascending on ties.
	sortScored(results)

	return results, nil
}

// sortScored orders ScoredChunks by similarity descending, chunk ID ascending
// on equal similarity. Insertion sort; slices are at most topK long.
func sortScored(results []ScoredChunk) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && scoredBefore(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func scoredBefore(a, b ScoredChunk) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.ID < b.ID
}

// GetByIDs returns stored chunks matching the given IDs.
func (s *SQLiteIndex) GetByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	queryArgs := make([]any, len(ids))
	for i, id := range ids {
		queryArgs[i] = id
	}
	query := `SELECT id, document_id, content, embedding, confidence_score, metadata, created_at
		FROM chunks WHERE id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying by IDs: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var blob []byte
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &blob, &c.Confidence, &c.Metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		embedding, err := decodeFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
		}
		c.Embedding = embedding
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for chunk %s: %w", c.ID, err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Delete removes a chunk by ID.
func (s *SQLiteIndex) Delete(id string) error {
	res, err := s.db.Exec("DELETE FROM chunks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting chunk %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("chunk %s not found", id)
	}
	return nil
}

// Count returns the number of chunks in the index.
func (s *SQLiteIndex) Count() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&count)
	return count, err
}
