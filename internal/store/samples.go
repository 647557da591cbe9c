package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"firestige.xyz/triage/internal/apperr"
	"firestige.xyz/triage/internal/model"
)

// SampleFilter is the opaque filter stored on a master created by-filter.
// Only the fields the orchestrator materializes sub-tasks from are typed;
// the raw JSON is kept on the master for reproducibility.
type SampleFilter struct {
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
	MD5      string `json:"md5,omitempty"`
	SHA1     string `json:"sha1,omitempty"`
	MinSize  int64  `json:"min_size,omitempty"`
	MaxSize  int64  `json:"max_size,omitempty"`
	Source   string `json:"source,omitempty"`
	Uploader string `json:"uploader,omitempty"`
}

// ParseSampleFilter decodes the opaque filter JSON.
func ParseSampleFilter(raw []byte) (*SampleFilter, error) {
	var f SampleFilter
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid sample filter", err)
	}
	return &f, nil
}

// GetSample fetches the sample fields the submission pipeline needs.
func (s *TaskStore) GetSample(ctx context.Context, id uuid.UUID) (*model.Sample, error) {
	var sample model.Sample
	const query = `
		SELECT id, file_name, file_size, sha256, md5, sha1, object_key, labels
		FROM samples WHERE id = $1`
	err := s.db.GetContext(ctx, &sample, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Ef(apperr.NotFound, "sample %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to load sample", err)
	}
	return &sample, nil
}

// SelectSampleIDs materializes the sample set matching a filter, in
// stable upload order, so sub-task creation is deterministic.
func (s *TaskStore) SelectSampleIDs(ctx context.Context, f *SampleFilter) ([]uuid.UUID, error) {
	where := []string{"1=1"}
	args := []interface{}{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.FileName != "" {
		add("file_name ILIKE $%d", "%"+f.FileName+"%")
	}
	if f.FileType != "" {
		add("file_type = $%d", f.FileType)
	}
	if f.SHA256 != "" {
		add("sha256 = $%d", f.SHA256)
	}
	if f.MD5 != "" {
		add("md5 = $%d", f.MD5)
	}
	if f.SHA1 != "" {
		add("sha1 = $%d", f.SHA1)
	}
	if f.MinSize > 0 {
		add("file_size >= $%d", f.MinSize)
	}
	if f.MaxSize > 0 {
		add("file_size <= $%d", f.MaxSize)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.Uploader != "" {
		add("uploader = $%d", f.Uploader)
	}

	query := "SELECT id FROM samples WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at ASC"
	ids := []uuid.UUID{}
	if err := s.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to select samples by filter", err)
	}
	return ids, nil
}
