package content

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CombineOutcome describes what the combiner did with one multi-part object.
type CombineOutcome string

const (
	// CombineCompleted means the object was reassembled and promoted.
	CombineCompleted CombineOutcome = "completed"
	// CombineIncomplete means at least one declared segment is not stored yet.
	CombineIncomplete CombineOutcome = "incomplete"
	// CombineIntegrityFailed means the reassembled hash did not match the summary.
	CombineIntegrityFailed CombineOutcome = "integrity_failed"
	// CombineSkipped means the object is unknown, already complete or already failed.
	CombineSkipped CombineOutcome = "skipped"
)

// CombineResult is the combiner outcome for one object.
type CombineResult struct {
	ObjectID string
	Parent   ParentType
	Outcome  CombineOutcome
}

// multipart abstracts the shared columns of books and covers for reassembly.
type multipart struct {
	contentHash  string
	segmentsJSON string
	mediaType    string
}

// Combine reassembles every candidate object whose declared segments are all
// stored. Promotion happens in one transaction per object and only touches rows
// still flagged incomplete, so redundant calls are harmless.
func (s *Service) Combine(ctx context.Context, groupID string, parent ParentType, ids []string) ([]CombineResult, error) {
	if groupID == "" {
		return nil, newServiceError(opCombine, "missing_group_id", errMissingGroupID)
	}
	results := make([]CombineResult, 0, len(ids))
	for _, id := range ids {
		var outcome CombineOutcome
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			outcome, err = s.combineOne(tx, groupID, parent, id)
			return err
		})
		if err != nil {
			s.logError(opCombine, "combine_failed", err,
				zap.String("group_id", groupID),
				zap.String("parent_type", string(parent)),
				zap.String("object_id", id))
			return results, newServiceError(opCombine, "combine_failed", err)
		}
		if outcome == CombineIntegrityFailed {
			s.loggerOrDefault().Warn("multipart integrity check failed",
				zap.String("group_id", groupID),
				zap.String("parent_type", string(parent)),
				zap.String("object_id", id))
		}
		results = append(results, CombineResult{ObjectID: id, Parent: parent, Outcome: outcome})
	}
	return results, nil
}

func (s *Service) combineOne(tx *gorm.DB, groupID string, parent ParentType, id string) (CombineOutcome, error) {
	object, found, err := loadIncomplete(tx, groupID, parent, id)
	if err != nil || !found {
		return CombineSkipped, err
	}

	var declared []string
	if err := json.Unmarshal([]byte(object.segmentsJSON), &declared); err != nil {
		return CombineSkipped, fmt.Errorf("decode declared segments: %w", err)
	}

	var segments []Segment
	if err := tx.Where("group_id = ? AND parent_type = ? AND parent_id = ?", groupID, parent, id).
		Order("trx_id ASC").
		Find(&segments).Error; err != nil {
		return CombineSkipped, err
	}
	byHash := make(map[string][]byte, len(segments))
	for _, segment := range segments {
		if _, ok := byHash[segment.SegmentHash]; !ok {
			byHash[segment.SegmentHash] = segment.Buffer
		}
	}

	var assembled bytes.Buffer
	for _, hash := range declared {
		buffer, ok := byHash[hash]
		if !ok {
			return CombineIncomplete, nil
		}
		assembled.Write(buffer)
	}
	digest := sha256.Sum256(assembled.Bytes())
	if hex.EncodeToString(digest[:]) != object.contentHash {
		return CombineIntegrityFailed, markIntegrityFailed(tx, groupID, parent, id)
	}

	if parent == ParentCover {
		if err := storeBuffer(tx, groupID, id, BufferCoverImage, object.mediaType, assembled.Bytes()); err != nil {
			return CombineSkipped, err
		}
		return CombineCompleted, tx.Model(&Cover{}).
			Where("group_id = ? AND cover_id = ? AND complete = ?", groupID, id, false).
			Update("complete", true).Error
	}

	if err := storeBuffer(tx, groupID, id, BufferBookFile, object.mediaType, assembled.Bytes()); err != nil {
		return CombineSkipped, err
	}
	updates := map[string]any{"complete": true}
	if info, ok := inspectEpub(assembled.Bytes()); ok {
		updates["epub_title"] = info.Title
		updates["epub_author"] = info.Author
		updates["epub_publisher"] = info.Publisher
		updates["epub_language"] = info.Language
		updates["epub_description"] = info.Description
		if len(info.Cover) > 0 {
			if err := storeBuffer(tx, groupID, id, BufferEmbeddedCover, info.CoverMediaType, info.Cover); err != nil {
				return CombineSkipped, err
			}
			updates["has_embedded_cover"] = true
		}
	}
	return CombineCompleted, tx.Model(&Book{}).
		Where("group_id = ? AND book_id = ? AND complete = ?", groupID, id, false).
		Updates(updates).Error
}

func loadIncomplete(tx *gorm.DB, groupID string, parent ParentType, id string) (multipart, bool, error) {
	switch parent {
	case ParentBook:
		var book Book
		err := tx.Where("group_id = ? AND book_id = ? AND complete = ? AND integrity_failed = ?", groupID, id, false, false).Take(&book).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return multipart{}, false, nil
		}
		if err != nil {
			return multipart{}, false, err
		}
		return multipart{contentHash: book.ContentHash, segmentsJSON: book.SegmentsJSON, mediaType: book.MediaType}, true, nil
	case ParentCover:
		var cover Cover
		err := tx.Where("group_id = ? AND cover_id = ? AND complete = ? AND integrity_failed = ?", groupID, id, false, false).Take(&cover).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return multipart{}, false, nil
		}
		if err != nil {
			return multipart{}, false, err
		}
		return multipart{contentHash: cover.ContentHash, segmentsJSON: cover.SegmentsJSON, mediaType: cover.MediaType}, true, nil
	}
	return multipart{}, false, fmt.Errorf("unknown parent type %q", parent)
}

func markIntegrityFailed(tx *gorm.DB, groupID string, parent ParentType, id string) error {
	if parent == ParentCover {
		return tx.Model(&Cover{}).Where("group_id = ? AND cover_id = ?", groupID, id).Update("integrity_failed", true).Error
	}
	return tx.Model(&Book{}).Where("group_id = ? AND book_id = ?", groupID, id).Update("integrity_failed", true).Error
}

func storeBuffer(tx *gorm.DB, groupID, objectID string, kind BufferKind, mediaType string, buffer []byte) error {
	row := MultipartBuffer{
		GroupID:   groupID,
		ObjectID:  objectID,
		Kind:      kind,
		MediaType: mediaType,
		Buffer:    buffer,
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// IncompleteObjects lists books and covers still awaiting reassembly, excluding
// those that failed their integrity check.
func (s *Service) IncompleteObjects(ctx context.Context, groupID string) ([]string, []string, error) {
	var bookIDs []string
	if err := s.db.WithContext(ctx).Model(&Book{}).
		Where("group_id = ? AND complete = ? AND integrity_failed = ?", groupID, false, false).
		Pluck("book_id", &bookIDs).Error; err != nil {
		s.logError(opIncomplete, "books_query_failed", err, zap.String("group_id", groupID))
		return nil, nil, newServiceError(opIncomplete, "books_query_failed", err)
	}
	var coverIDs []string
	if err := s.db.WithContext(ctx).Model(&Cover{}).
		Where("group_id = ? AND complete = ? AND integrity_failed = ?", groupID, false, false).
		Pluck("cover_id", &coverIDs).Error; err != nil {
		s.logError(opIncomplete, "covers_query_failed", err, zap.String("group_id", groupID))
		return nil, nil, newServiceError(opIncomplete, "covers_query_failed", err)
	}
	return bookIDs, coverIDs, nil
}
