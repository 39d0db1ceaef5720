// Package audit maintains a searchable index of submission history.
//
// Every submission the engine records is mirrored into a Bleve full-text
// index, so reviewers can search past work by result text, summary,
// rejection reason, or reviewer note without scanning the raw store.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	"github.com/taskyard/stepkit/step"
)

// SubmissionDocument is the indexed form of a submission.
type SubmissionDocument struct {
	ID          string    `json:"id"`
	StepID      string    `json:"step_id"`
	TaskID      string    `json:"task_id"`
	Attempt     int       `json:"attempt"`
	Result      string    `json:"result"`
	Summary     string    `json:"summary"`
	SubmittedBy string    `json:"submitted_by"`
	SubmittedAt time.Time `json:"submitted_at"`
	Review      string    `json:"review"`
	ReviewedBy  string    `json:"reviewed_by"`
	ReviewNote  string    `json:"review_note"`
}

// Hit is a single search result.
type Hit struct {
	ID     string
	StepID string
	TaskID string
	Score  float64
	Result string
}

// Index wraps a Bleve index over submission documents.
type Index struct {
	mu    sync.RWMutex
	index bleve.Index
}

// Config configures the audit index.
type Config struct {
	// Path is the directory for the index files. Empty means an
	// in-memory index that is lost on close.
	Path string
}

// New opens or creates an audit index.
func New(cfg Config) (*Index, error) {
	var idx bleve.Index
	var err error

	if cfg.Path == "" {
		idx, err = bleve.NewMemOnly(buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create audit index: %w", err)
		}
		return &Index{index: idx}, nil
	}

	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	indexPath := filepath.Join(cfg.Path, "submissions.bleve")
	if _, statErr := os.Stat(indexPath); os.IsNotExist(statErr) {
		idx, err = bleve.New(indexPath, buildIndexMapping())
	} else {
		idx, err = bleve.Open(indexPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open audit index: %w", err)
	}

	return &Index{index: idx}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	dateFieldMapping := bleve.NewDateTimeFieldMapping()

	docMapping.AddFieldMappingsAt("result", textFieldMapping)
	docMapping.AddFieldMappingsAt("summary", textFieldMapping)
	docMapping.AddFieldMappingsAt("review_note", textFieldMapping)
	docMapping.AddFieldMappingsAt("step_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("task_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("submitted_by", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("review", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("submitted_at", dateFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name

	return indexMapping
}

// IndexSubmission adds or reindexes a submission. Re-indexing the same
// submission ID after a review updates its stored review fields.
func (x *Index) IndexSubmission(sub *step.Submission) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	doc := SubmissionDocument{
		ID:          sub.ID,
		StepID:      sub.StepID,
		TaskID:      sub.TaskID,
		Attempt:     sub.Attempt,
		Result:      sub.Result,
		Summary:     sub.Summary,
		SubmittedBy: sub.SubmittedBy,
		SubmittedAt: sub.SubmittedAt,
		Review:      string(sub.ReviewStatus),
		ReviewedBy:  sub.ReviewedBy,
		ReviewNote:  sub.ReviewNote,
	}

	if err := x.index.Index(sub.ID, doc); err != nil {
		return fmt.Errorf("failed to index submission: %w", err)
	}
	return nil
}

// Search runs a full-text query over indexed submissions. taskID narrows
// the search to one task when non-empty.
func (x *Index) Search(queryText, taskID string, limit int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	matchQuery := bleve.NewMatchQuery(queryText)

	var searchReq *bleve.SearchRequest
	if taskID != "" {
		taskQuery := bleve.NewTermQuery(taskID)
		taskQuery.SetField("task_id")

		boolQuery := bleve.NewBooleanQuery()
		boolQuery.AddMust(matchQuery)
		boolQuery.AddMust(taskQuery)
		searchReq = bleve.NewSearchRequest(boolQuery)
	} else {
		searchReq = bleve.NewSearchRequest(matchQuery)
	}

	searchReq.Size = limit
	searchReq.Fields = []string{"step_id", "task_id", "result"}

	result, err := x.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("audit search failed: %w", err)
	}

	var hits []Hit
	for _, h := range result.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["step_id"].(string); ok {
			hit.StepID = v
		}
		if v, ok := h.Fields["task_id"].(string); ok {
			hit.TaskID = v
		}
		if v, ok := h.Fields["result"].(string); ok {
			hit.Result = v
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// Count returns the number of indexed submissions.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.index.DocCount()
}

// Close closes the underlying index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}
