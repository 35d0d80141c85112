package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/pawsync/internal/models"
)

const bulkBatchSize = 200

// LocalStore implements CacheStore, DocumentStore and CheckpointStore over
// the embedded SQLite replica.
type LocalStore struct {
	db *gorm.DB
}

// NewLocalStore constructs the embedded store adapter.
func NewLocalStore(db *gorm.DB) (*LocalStore, error) {
	if db == nil {
		return nil, errors.New("local store: db is required")
	}
	return &LocalStore{db: db}, nil
}

var (
	_ CacheStore      = (*LocalStore)(nil)
	_ DocumentStore   = (*LocalStore)(nil)
	_ CheckpointStore = (*LocalStore)(nil)
)

// documentColumn maps selector field names onto promoted columns of the
// local_documents table. Fields without a promoted column live in the
// Fields JSON blob.
func documentColumn(field string) (string, bool) {
	switch field {
	case "id":
		return "doc_id", true
	case "name":
		return "name", true
	case "parent_id":
		return "parent_id", true
	case "partition_key":
		return "partition_key", true
	case "updated_at":
		return "remote_updated_at", true
	case "deleted":
		return "deleted", true
	}
	return "", false
}

func cacheColumn(field string) (string, bool) {
	switch field {
	case "id":
		return "record_id", true
	case "name":
		return "display_name", true
	case "cached_at":
		return "cached_at", true
	}
	return "", false
}

func escapeLike(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, "%", `\%`)
	return strings.ReplaceAll(term, "_", `\_`)
}

type columnMapper func(string) (string, bool)

func applySelector(tx *gorm.DB, sel Selector, cols columnMapper, jsonColumn string) (*gorm.DB, error) {
	for field, value := range sel.Eq {
		if col, ok := cols(field); ok {
			tx = tx.Where(fmt.Sprintf("%s = ?", col), value)
			continue
		}
		tx = tx.Where(datatypes.JSONQuery(jsonColumn).Equals(value, field))
	}

	for field, values := range sel.In {
		col, ok := cols(field)
		if !ok {
			return nil, fmt.Errorf("selector: $in unsupported on field %q", field)
		}
		tx = tx.Where(fmt.Sprintf("%s IN ?", col), values)
	}

	for field, value := range sel.Gt {
		col, ok := cols(field)
		if !ok {
			return nil, fmt.Errorf("selector: $gt unsupported on field %q", field)
		}
		tx = tx.Where(fmt.Sprintf("%s > ?", col), value)
	}

	nameCol := ""
	if sel.NameField != "" {
		col, ok := cols(sel.NameField)
		if !ok {
			return nil, fmt.Errorf("selector: name matching unsupported on field %q", sel.NameField)
		}
		nameCol = col
	}

	if sel.Prefix != "" {
		tx = tx.Where(fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, nameCol),
			strings.ToLower(escapeLike(sel.Prefix))+"%")
	}
	if sel.Contains != "" {
		tx = tx.Where(fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, nameCol),
			"%"+strings.ToLower(escapeLike(sel.Contains))+"%")
	}
	if sel.ExcludePrefix != "" {
		tx = tx.Where(fmt.Sprintf(`LOWER(%s) NOT LIKE ? ESCAPE '\'`, nameCol),
			strings.ToLower(escapeLike(sel.ExcludePrefix))+"%")
	}

	return tx, nil
}

func applyOrder(tx *gorm.DB, order []OrderBy, cols columnMapper) (*gorm.DB, error) {
	for _, term := range order {
		col, ok := cols(term.Field)
		if !ok {
			return nil, fmt.Errorf("order: unsupported field %q", term.Field)
		}
		dir := "ASC"
		if term.Desc {
			dir = "DESC"
		}
		tx = tx.Order(fmt.Sprintf("%s %s", col, dir))
	}
	return tx, nil
}

// CacheRecordsByID loads the cached records for the given ids, keyed by id.
func (s *LocalStore) CacheRecordsByID(ctx context.Context, namespace string, ids []string) (map[string]models.CacheRecord, error) {
	out := make(map[string]models.CacheRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, models.CacheKey(namespace, id))
	}

	var records []models.CacheRecord
	if err := s.db.WithContext(ctx).Where("key IN ?", keys).Find(&records).Error; err != nil {
		return nil, err
	}

	for _, rec := range records {
		out[rec.RecordID] = rec
	}
	return out, nil
}

// SearchCacheRecords queries cached dictionary records by selector.
func (s *LocalStore) SearchCacheRecords(ctx context.Context, namespace string, sel Selector, order []OrderBy, limit int) ([]models.CacheRecord, error) {
	tx := s.db.WithContext(ctx).Model(&models.CacheRecord{}).Where("namespace = ?", namespace)

	tx, err := applySelector(tx, sel, cacheColumn, "extra")
	if err != nil {
		return nil, err
	}
	tx, err = applyOrder(tx, order, cacheColumn)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var records []models.CacheRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// PutCacheRecords upserts cache records in batches, falling back to
// per-record writes so one bad row does not abort the fill.
func (s *LocalStore) PutCacheRecords(ctx context.Context, records []models.CacheRecord) (BulkResult, error) {
	if len(records) == 0 {
		return BulkResult{}, nil
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}

	err := s.db.WithContext(ctx).Clauses(onConflict).CreateInBatches(records, bulkBatchSize).Error
	if err == nil {
		return BulkResult{Success: len(records)}, nil
	}

	var result BulkResult
	for _, rec := range records {
		if rowErr := s.db.WithContext(ctx).Clauses(onConflict).Create(&rec).Error; rowErr != nil {
			result.Errors++
			continue
		}
		result.Success++
	}
	return result, nil
}

// DeleteCacheRecordsBefore removes every cache record older than cutoff and
// returns the number of rows evicted.
func (s *LocalStore) DeleteCacheRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("cached_at < ?", cutoff).Delete(&models.CacheRecord{})
	return res.RowsAffected, res.Error
}

// CountCacheRecords counts cached records matching the selector.
func (s *LocalStore) CountCacheRecords(ctx context.Context, namespace string, sel Selector) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.CacheRecord{}).Where("namespace = ?", namespace)

	tx, err := applySelector(tx, sel, cacheColumn, "extra")
	if err != nil {
		return 0, err
	}

	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Get loads one document, returning nil when absent.
func (s *LocalStore) Get(ctx context.Context, collection, id string) (*models.LocalDocument, error) {
	var doc models.LocalDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Find queries a local collection by selector.
func (s *LocalStore) Find(ctx context.Context, collection string, sel Selector, order []OrderBy, limit int) ([]models.LocalDocument, error) {
	tx := s.db.WithContext(ctx).Model(&models.LocalDocument{}).Where("collection = ?", collection)

	tx, err := applySelector(tx, sel, documentColumn, "fields")
	if err != nil {
		return nil, err
	}
	tx, err = applyOrder(tx, order, documentColumn)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	var docs []models.LocalDocument
	if err := tx.Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// Upsert writes one document, replacing any previous version.
func (s *LocalStore) Upsert(ctx context.Context, doc models.LocalDocument) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		UpdateAll: true,
	}).Create(&doc).Error
}

// BulkUpsert writes documents in batches with a per-record fallback.
func (s *LocalStore) BulkUpsert(ctx context.Context, docs []models.LocalDocument) (BulkResult, error) {
	if len(docs) == 0 {
		return BulkResult{}, nil
	}

	onConflict := clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		UpdateAll: true,
	}

	err := s.db.WithContext(ctx).Clauses(onConflict).CreateInBatches(docs, bulkBatchSize).Error
	if err == nil {
		return BulkResult{Success: len(docs)}, nil
	}

	var result BulkResult
	for _, doc := range docs {
		if rowErr := s.db.WithContext(ctx).Clauses(onConflict).Create(&doc).Error; rowErr != nil {
			result.Errors++
			continue
		}
		result.Success++
	}
	return result, nil
}

// Remove physically deletes a document. Replication uses tombstones instead;
// this serves the partition manager's realtime delete handling.
func (s *LocalStore) Remove(ctx context.Context, collection, id string) error {
	return s.db.WithContext(ctx).
		Where("collection = ? AND doc_id = ?", collection, id).
		Delete(&models.LocalDocument{}).Error
}

// Count counts documents matching the selector.
func (s *LocalStore) Count(ctx context.Context, collection string, sel Selector) (int64, error) {
	tx := s.db.WithContext(ctx).Model(&models.LocalDocument{}).Where("collection = ?", collection)

	tx, err := applySelector(tx, sel, documentColumn, "fields")
	if err != nil {
		return 0, err
	}

	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Checkpoint returns the pull watermark for a collection, zero when absent.
func (s *LocalStore) Checkpoint(ctx context.Context, collection string) (time.Time, error) {
	var cp models.SyncCheckpoint
	err := s.db.WithContext(ctx).Where("collection = ?", collection).Take(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return cp.LastSeenUpdatedAt, nil
}

// SaveCheckpoint advances the watermark. A checkpoint never moves backward.
func (s *LocalStore) SaveCheckpoint(ctx context.Context, collection string, seen time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cp models.SyncCheckpoint
		err := tx.Where("collection = ?", collection).Take(&cp).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.SyncCheckpoint{
				Collection:        collection,
				LastSeenUpdatedAt: seen,
			}).Error
		}
		if err != nil {
			return err
		}
		if !seen.After(cp.LastSeenUpdatedAt) {
			return nil
		}
		cp.LastSeenUpdatedAt = seen
		return tx.Save(&cp).Error
	})
}
