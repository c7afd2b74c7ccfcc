package content

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

func (b *batchTx) applyBookSummaries(items []activity.Classified) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Activity.(activity.BookSummary).BookID)
	}
	var rows []Book
	if err := b.tx.Where("group_id = ? AND book_id IN ?", b.group.ID, ids).Find(&rows).Error; err != nil {
		return err
	}
	existing := make(map[string]*Book, len(rows))
	for index := range rows {
		existing[rows[index].BookID] = &rows[index]
	}

	for _, item := range items {
		summary := item.Activity.(activity.BookSummary)
		if current, ok := existing[summary.BookID]; ok {
			err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
				current.Status = StatusSynced
				return b.flipStatus(&Book{}, "book_id", current.BookID)
			})
			if err != nil {
				return err
			}
			b.touchedBooks = appendUnique(b.touchedBooks, current.BookID)
			continue
		}

		segmentsJSON, err := json.Marshal(summary.Summary.SegmentHashes())
		if err != nil {
			return err
		}
		row := Book{
			GroupID:        b.group.ID,
			BookID:         summary.BookID,
			TrxID:          item.Trx.TrxID,
			UserAddress:    item.Trx.SenderAddress,
			TimestampNanos: item.Trx.TimestampNanos,
			Status:         b.status,
			Name:           summary.Name,
			MediaType:      summary.MediaType,
			Size:           summary.Summary.Size,
			ContentHash:    summary.Summary.SHA256,
			SegmentsJSON:   string(segmentsJSON),
		}
		if err := b.tx.Create(&row).Error; err != nil {
			return err
		}
		existing[row.BookID] = &row
		b.touchedBooks = appendUnique(b.touchedBooks, row.BookID)
		b.record(item, OutcomeApplied, "")
	}
	return nil
}

func (b *batchTx) applyCoverSummaries(items []activity.Classified) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Activity.(activity.CoverSummary).CoverID)
	}
	var rows []Cover
	if err := b.tx.Where("group_id = ? AND cover_id IN ?", b.group.ID, ids).Find(&rows).Error; err != nil {
		return err
	}
	existing := make(map[string]*Cover, len(rows))
	for index := range rows {
		existing[rows[index].CoverID] = &rows[index]
	}

	for _, item := range items {
		summary := item.Activity.(activity.CoverSummary)
		if current, ok := existing[summary.CoverID]; ok {
			err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
				current.Status = StatusSynced
				return b.flipStatus(&Cover{}, "cover_id", current.CoverID)
			})
			if err != nil {
				return err
			}
			b.touchedCovers = appendUnique(b.touchedCovers, current.CoverID)
			continue
		}

		segmentsJSON, err := json.Marshal(summary.Summary.SegmentHashes())
		if err != nil {
			return err
		}
		row := Cover{
			GroupID:        b.group.ID,
			CoverID:        summary.CoverID,
			BookID:         summary.BookID,
			TrxID:          item.Trx.TrxID,
			UserAddress:    item.Trx.SenderAddress,
			TimestampNanos: item.Trx.TimestampNanos,
			Status:         b.status,
			MediaType:      summary.MediaType,
			Size:           summary.Summary.Size,
			ContentHash:    summary.Summary.SHA256,
			SegmentsJSON:   string(segmentsJSON),
		}
		if err := b.tx.Create(&row).Error; err != nil {
			return err
		}
		existing[row.CoverID] = &row
		b.touchedCovers = appendUnique(b.touchedCovers, row.CoverID)
		b.record(item, OutcomeApplied, "")
	}
	return nil
}

func (b *batchTx) applyBookSegments(items []activity.Classified) error {
	return b.applySegments(items, ParentBook)
}

func (b *batchTx) applyCoverSegments(items []activity.Classified) error {
	return b.applySegments(items, ParentCover)
}

func (b *batchTx) applySegments(items []activity.Classified, parent ParentType) error {
	trxIDs := make([]string, 0, len(items))
	for _, item := range items {
		trxIDs = append(trxIDs, item.Trx.TrxID)
	}
	var rows []Segment
	if err := b.tx.Where("group_id = ? AND trx_id IN ?", b.group.ID, trxIDs).Find(&rows).Error; err != nil {
		return err
	}
	existing := make(map[string]*Segment, len(rows))
	for index := range rows {
		existing[rows[index].TrxID] = &rows[index]
	}

	for _, item := range items {
		segment := segmentOf(item.Activity)
		if current, ok := existing[item.Trx.TrxID]; ok {
			err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
				current.Status = StatusSynced
				return b.flipStatus(&Segment{}, "trx_id", current.TrxID)
			})
			if err != nil {
				return err
			}
			continue
		}

		digest := sha256.Sum256(segment.Buffer)
		row := Segment{
			GroupID:     b.group.ID,
			TrxID:       item.Trx.TrxID,
			SegmentID:   segment.SegmentID,
			ParentID:    segment.ParentID,
			ParentType:  parent,
			Buffer:      segment.Buffer,
			SegmentHash: hex.EncodeToString(digest[:]),
			UserAddress: item.Trx.SenderAddress,
			Status:      b.status,
		}
		if err := b.tx.Create(&row).Error; err != nil {
			return err
		}
		existing[row.TrxID] = &row
		if parent == ParentBook {
			b.touchedBooks = appendUnique(b.touchedBooks, row.ParentID)
		} else {
			b.touchedCovers = appendUnique(b.touchedCovers, row.ParentID)
		}
		b.record(item, OutcomeApplied, "")
	}
	return nil
}

func segmentOf(value activity.Activity) activity.Segment {
	switch typed := value.(type) {
	case activity.BookSegment:
		return typed.Segment
	case activity.CoverSegment:
		return typed.Segment
	}
	return activity.Segment{}
}

// applyBookMetadata keeps the most recent metadata edit per book.
func (b *batchTx) applyBookMetadata(items []activity.Classified) error {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Activity.(activity.BookMetadata).BookID)
	}
	var rows []BookMetadata
	if err := b.tx.Where("group_id = ? AND book_id IN ?", b.group.ID, ids).Find(&rows).Error; err != nil {
		return err
	}
	existing := make(map[string]*BookMetadata, len(rows))
	for index := range rows {
		existing[rows[index].BookID] = &rows[index]
	}

	for _, item := range items {
		metadata := item.Activity.(activity.BookMetadata)
		current, ok := existing[metadata.BookID]
		if ok && current.TrxID == item.Trx.TrxID {
			err := b.reconcile(item, syncedRow{current.TrxID, current.UserAddress, current.Status}, func() error {
				current.Status = StatusSynced
				return b.flipStatus(&BookMetadata{}, "book_id", current.BookID)
			})
			if err != nil {
				return err
			}
			continue
		}
		if ok && current.TimestampNanos >= item.Trx.TimestampNanos {
			b.record(item, OutcomeSuperseded, "")
			continue
		}

		languages, err := json.Marshal(nonNilStrings(metadata.Languages))
		if err != nil {
			return err
		}
		categories, err := json.Marshal(nonNilStrings(metadata.Categories))
		if err != nil {
			return err
		}
		row := BookMetadata{
			GroupID:        b.group.ID,
			BookID:         metadata.BookID,
			TrxID:          item.Trx.TrxID,
			UserAddress:    item.Trx.SenderAddress,
			TimestampNanos: item.Trx.TimestampNanos,
			Status:         b.status,
			Description:    metadata.Description,
			SubTitle:       metadata.SubTitle,
			ISBN:           metadata.ISBN,
			Author:         metadata.Author,
			Publisher:      metadata.Publisher,
			PublishDate:    metadata.PublishDate,
			LanguagesJSON:  string(languages),
			Series:         metadata.Series,
			SeriesIndex:    metadata.SeriesIndex,
			CategoriesJSON: string(categories),
		}
		if err := b.tx.Save(&row).Error; err != nil {
			return err
		}
		existing[row.BookID] = &row
		b.record(item, OutcomeApplied, "")
	}
	return nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
