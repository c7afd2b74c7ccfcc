package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/auth"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/content"
	"github.com/MarcoPoloResearchLab/shelfsync/internal/engine"
)

const (
	testGroupID      = "group-1"
	testUserAddress  = "0xlocal"
	testOtherAddress = "0xalice"
	testSigningKey   = "router-test-secret"
)

type stubGroupDirectory struct {
	groups map[string]content.Group
}

func (d stubGroupDirectory) Groups() []engine.GroupStatus {
	statuses := make([]engine.GroupStatus, 0, len(d.groups))
	for id, group := range d.groups {
		statuses = append(statuses, engine.GroupStatus{
			GroupID:     id,
			Template:    activity.TemplatePost,
			UserAddress: group.UserAddress,
		})
	}
	return statuses
}

func (d stubGroupDirectory) Group(groupID string) (content.Group, bool) {
	group, ok := d.groups[groupID]
	return group, ok
}

type stubPublisher struct {
	post    content.Post
	comment content.Comment
	err     error
	drafts  []content.PostDraft
}

func (p *stubPublisher) PublishPost(_ context.Context, _ content.Group, draft content.PostDraft) (content.Post, error) {
	p.drafts = append(p.drafts, draft)
	return p.post, p.err
}

func (p *stubPublisher) PublishComment(_ context.Context, _ content.Group, _ content.CommentDraft) (content.Comment, error) {
	return p.comment, p.err
}

type routerHarness struct {
	handler   http.Handler
	service   *content.Service
	realtime  *RealtimeDispatcher
	publisher *stubPublisher
	token     string
	seeded    int
}

func newRouterHarness(t *testing.T) *routerHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:shelfsync_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(content.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := content.NewService(content.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct content service: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.DefaultTokenIssuerConfig(testSigningKey, time.Hour))
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}
	token, _, err := issuer.IssueToken("reader")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	publisher := &stubPublisher{}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:    issuer,
		Content:   service,
		Publisher: publisher,
		Groups: stubGroupDirectory{groups: map[string]content.Group{
			testGroupID: {ID: testGroupID, UserAddress: testUserAddress},
		}},
		Realtime:          realtime,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &routerHarness{handler: handler, service: service, realtime: realtime, publisher: publisher, token: token}
}

// seed applies activities sent by another user, one second apart.
func (h *routerHarness) seed(t *testing.T, items ...activity.Activity) {
	t.Helper()
	h.seedFrom(t, testOtherAddress, items...)
}

func (h *routerHarness) seedFrom(t *testing.T, sender string, items ...activity.Activity) {
	t.Helper()
	batch := make([]activity.Classified, 0, len(items))
	for _, value := range items {
		payload, err := activity.Encode(value)
		if err != nil {
			t.Fatalf("encode %T: %v", value, err)
		}
		h.seeded++
		batch = append(batch, activity.Classified{
			Trx: activity.Transaction{
				TrxID:          fmt.Sprintf("trx-%d", h.seeded),
				GroupID:        testGroupID,
				SenderAddress:  sender,
				TimestampNanos: int64(1700000000+h.seeded) * int64(time.Second),
				Payload:        payload,
			},
			Activity: value,
		})
	}
	group := content.Group{ID: testGroupID, UserAddress: testUserAddress}
	if _, err := h.service.Apply(context.Background(), group, batch, content.ApplyOptions{}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}
}

func (h *routerHarness) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+h.token)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func sha256Hex(buffer []byte) string {
	digest := sha256.Sum256(buffer)
	return hex.EncodeToString(digest[:])
}
