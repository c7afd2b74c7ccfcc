package activity

import (
	"errors"
	"fmt"
	"strings"
)

// Kind enumerates the activity shapes recognised on a group feed.
type Kind string

const (
	// KindBookSummary declares a multi-part book file.
	KindBookSummary Kind = "book_summary"
	// KindBookSegment carries one segment of a book file.
	KindBookSegment Kind = "book_segment"
	// KindCoverSummary declares a multi-part cover image.
	KindCoverSummary Kind = "cover_summary"
	// KindCoverSegment carries one segment of a cover image.
	KindCoverSegment Kind = "cover_segment"
	// KindBookMetadata edits descriptive metadata of a book.
	KindBookMetadata Kind = "book_metadata"
	// KindPost publishes a top-level post.
	KindPost Kind = "post"
	// KindComment replies to a post or another comment.
	KindComment Kind = "comment"
	// KindProfile updates the sender's profile.
	KindProfile Kind = "profile"
	// KindCounter likes, dislikes or undoes either on a post or comment.
	KindCounter Kind = "counter"
	// KindDelete removes a post or comment.
	KindDelete Kind = "delete"
	// KindEmpty marks a transaction whose payload was not yet available.
	KindEmpty Kind = "empty"
)

// Template selects the schema set used for a group.
type Template string

const (
	// TemplateBook classifies library groups (books, covers, metadata).
	TemplateBook Template = "book"
	// TemplatePost classifies social groups (posts, comments, counters).
	TemplatePost Template = "post"
)

var (
	// ErrUnrecognized indicates that a payload matched no schema of the template.
	ErrUnrecognized = errors.New("activity: unrecognized payload")
	// ErrUnknownTemplate indicates that a group's app key maps to no template.
	ErrUnknownTemplate = errors.New("activity: unknown template")
)

var appKeyTemplates = map[string]Template{
	"group_library":  TemplateBook,
	"group_book":     TemplateBook,
	"group_timeline": TemplatePost,
	"group_post":     TemplatePost,
	"group_forum":    TemplatePost,
}

// TemplateForAppKey maps a node group app key onto a classification template.
func TemplateForAppKey(appKey string) (Template, error) {
	template, ok := appKeyTemplates[strings.ToLower(strings.TrimSpace(appKey))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, appKey)
	}
	return template, nil
}

// Transaction is one feed entry as delivered by the node.
type Transaction struct {
	TrxID          string
	GroupID        string
	SenderPubKey   string
	SenderAddress  string
	TimestampNanos int64
	Payload        []byte
}

// IsEmpty reports whether the payload has not arrived yet.
func (trx Transaction) IsEmpty() bool {
	return len(strings.TrimSpace(string(trx.Payload))) == 0
}

// Activity is the sealed set of typed activity variants produced by Classify.
type Activity interface {
	Kind() Kind
	sealed()
}

// Classified pairs a transaction with its typed activity.
type Classified struct {
	Trx      Transaction
	Activity Activity
}

// Kind returns the activity kind of the classified transaction.
func (c Classified) Kind() Kind {
	return c.Activity.Kind()
}

// SegmentRef names one declared segment of a multi-part object.
type SegmentRef struct {
	ID     string
	SHA256 string
}

// FileSummary is the decoded summary content of a multi-part object.
type FileSummary struct {
	SHA256   string
	Size     int64
	Segments []SegmentRef
}

// SegmentHashes returns the declared segment hashes in order.
func (s FileSummary) SegmentHashes() []string {
	hashes := make([]string, 0, len(s.Segments))
	for _, segment := range s.Segments {
		hashes = append(hashes, segment.SHA256)
	}
	return hashes
}

// BookSummary declares a book file.
type BookSummary struct {
	BookID    string
	Name      string
	MediaType string
	Summary   FileSummary
}

// CoverSummary declares a cover image belonging to a book.
type CoverSummary struct {
	CoverID   string
	BookID    string
	MediaType string
	Summary   FileSummary
}

// Segment carries one part of a book or cover.
type Segment struct {
	SegmentID string
	ParentID  string
	Buffer    []byte
}

// BookSegment is a segment whose parent is a book.
type BookSegment struct{ Segment }

// CoverSegment is a segment whose parent is a cover.
type CoverSegment struct{ Segment }

// BookMetadata edits descriptive fields of a book.
type BookMetadata struct {
	BookID      string
	Description string
	SubTitle    string
	ISBN        string
	Author      string
	Publisher   string
	PublishDate string
	Languages   []string
	Series      string
	SeriesIndex string
	Categories  []string
}

// Image is an inline base64 image attachment.
type Image struct {
	MediaType string `json:"mediaType"`
	Content   string `json:"content"`
}

// Post publishes a top-level post.
type Post struct {
	PostID  string
	Title   string
	Content string
	Images  []Image
}

// Comment replies to a post or comment identified by InReplyTo.
type Comment struct {
	CommentID string
	InReplyTo string
	Content   string
	Images    []Image
}

// Profile updates the sender's display profile.
type Profile struct {
	Name   string
	Avatar *Image
}

// CounterKind enumerates counter actions.
type CounterKind string

const (
	CounterLike        CounterKind = "like"
	CounterDislike     CounterKind = "dislike"
	CounterUndoLike    CounterKind = "undolike"
	CounterUndoDislike CounterKind = "undodislike"
)

// Counter likes, dislikes or undoes either on a target object.
type Counter struct {
	ObjectID    string
	CounterKind CounterKind
}

// Delete removes a post or comment.
type Delete struct {
	ObjectID string
}

// EmptyObject marks a transaction delivered without payload.
type EmptyObject struct{}

func (BookSummary) Kind() Kind  { return KindBookSummary }
func (BookSegment) Kind() Kind  { return KindBookSegment }
func (CoverSummary) Kind() Kind { return KindCoverSummary }
func (CoverSegment) Kind() Kind { return KindCoverSegment }
func (BookMetadata) Kind() Kind { return KindBookMetadata }
func (Post) Kind() Kind         { return KindPost }
func (Comment) Kind() Kind      { return KindComment }
func (Profile) Kind() Kind      { return KindProfile }
func (Counter) Kind() Kind      { return KindCounter }
func (Delete) Kind() Kind       { return KindDelete }
func (EmptyObject) Kind() Kind  { return KindEmpty }

func (BookSummary) sealed()  {}
func (BookSegment) sealed()  {}
func (CoverSummary) sealed() {}
func (CoverSegment) sealed() {}
func (BookMetadata) sealed() {}
func (Post) sealed()         {}
func (Comment) sealed()      {}
func (Profile) sealed()      {}
func (Counter) sealed()      {}
func (Delete) sealed()       {}
func (EmptyObject) sealed()  {}
