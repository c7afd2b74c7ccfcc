package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

const (
	testGroupID   = "group-1"
	localAddress  = "0xlocal"
	aliceAddress  = "0xalice"
	bobAddress    = "0xbob"
	baseTimestamp = int64(1700000000) * int64(time.Second)
)

var testGroup = Group{ID: testGroupID, UserAddress: localAddress}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:shelfsync_content_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct content service: %v", err)
	}
	return service, db
}

// classified builds a feed transaction carrying the encoded activity.
func classified(t *testing.T, trxID, sender string, offset int, value activity.Activity) activity.Classified {
	t.Helper()
	payload, err := activity.Encode(value)
	if err != nil {
		t.Fatalf("encode %T: %v", value, err)
	}
	return activity.Classified{
		Trx: activity.Transaction{
			TrxID:          trxID,
			GroupID:        testGroupID,
			SenderAddress:  sender,
			TimestampNanos: baseTimestamp + int64(offset)*int64(time.Second),
			Payload:        payload,
		},
		Activity: value,
	}
}

func mustApply(t *testing.T, service *Service, opts ApplyOptions, batch ...activity.Classified) BatchReport {
	t.Helper()
	report, err := service.Apply(context.Background(), testGroup, batch, opts)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return report
}

func expectOutcome(t *testing.T, report BatchReport, trxID string, outcome Outcome) Result {
	t.Helper()
	result, ok := report.ResultFor(trxID)
	if !ok {
		t.Fatalf("no result for %s in %#v", trxID, report.Results)
	}
	if result.Outcome != outcome {
		t.Fatalf("expected %s for %s, got %s (%s)", outcome, trxID, result.Outcome, result.Reason)
	}
	return result
}

func loadPost(t *testing.T, db *gorm.DB, postID string) Post {
	t.Helper()
	var post Post
	if err := db.Where("group_id = ? AND post_id = ?", testGroupID, postID).Take(&post).Error; err != nil {
		t.Fatalf("load post %s: %v", postID, err)
	}
	return post
}

func loadComment(t *testing.T, db *gorm.DB, commentID string) Comment {
	t.Helper()
	var comment Comment
	if err := db.Where("group_id = ? AND comment_id = ?", testGroupID, commentID).Take(&comment).Error; err != nil {
		t.Fatalf("load comment %s: %v", commentID, err)
	}
	return comment
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("count %T: %v", model, err)
	}
	return count
}

// reprocessPending replays due pending rows the way the engine does.
func reprocessPending(t *testing.T, service *Service) BatchReport {
	t.Helper()
	rows, err := service.DuePending(context.Background(), testGroupID, time.Unix(1800000000, 0), 100)
	if err != nil {
		t.Fatalf("due pending: %v", err)
	}
	batch := make([]activity.Classified, 0, len(rows))
	for _, row := range rows {
		trx := activity.Transaction{
			TrxID:          row.TrxID,
			GroupID:        row.GroupID,
			SenderAddress:  row.SenderAddress,
			TimestampNanos: row.TimestampNanos,
			Payload:        row.Payload,
		}
		parsed, err := activity.Classify(activity.TemplatePost, trx)
		if err != nil {
			t.Fatalf("classify pending %s: %v", row.TrxID, err)
		}
		batch = append(batch, activity.Classified{Trx: trx, Activity: parsed})
	}
	return mustApply(t, service, ApplyOptions{Reprocess: true}, batch...)
}

func sha256Hex(buffer []byte) string {
	digest := sha256.Sum256(buffer)
	return hex.EncodeToString(digest[:])
}
