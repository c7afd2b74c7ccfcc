package activity

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	sha256HexLength     = 64

	typeCreate   = "Create"
	typeUpdate   = "Update"
	typeDelete   = "Delete"
	typeLike     = "Like"
	typeDislike  = "Dislike"
	typeUndo     = "Undo"
	typeDocument = "Document"
	typeImage    = "Image"
	typeSegment  = "Segment"
	typeNote     = "Note"
	typePerson   = "Person"
)

type payloadActivity struct {
	Type   string         `json:"type"`
	Object *payloadObject `json:"object"`
}

type payloadObject struct {
	Type      string            `json:"type"`
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Content   string            `json:"content"`
	MediaType string            `json:"mediaType"`
	PartOf    *payloadReference `json:"partOf"`
	InReplyTo *payloadReference `json:"inreplyto"`
	Image     []Image           `json:"image"`
	Object    *payloadObject    `json:"object"`
}

type payloadReference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type payloadSummary struct {
	SHA256   string `json:"sha256"`
	Size     int64  `json:"size"`
	Segments []struct {
		ID     string `json:"id"`
		SHA256 string `json:"sha256"`
	} `json:"segments"`
}

type payloadMetadata struct {
	Description string   `json:"description"`
	SubTitle    string   `json:"subTitle"`
	ISBN        string   `json:"isbn"`
	Author      string   `json:"author"`
	Publisher   string   `json:"publisher"`
	PublishDate string   `json:"publishDate"`
	Languages   []string `json:"languages"`
	Series      string   `json:"series"`
	SeriesIndex string   `json:"seriesIndex"`
	Categories  []string `json:"categories"`
}

type schema struct {
	kind  Kind
	parse func(*payloadActivity) (Activity, bool)
}

var templateSchemas = map[Template][]schema{
	TemplateBook: {
		{kind: KindBookSummary, parse: parseBookSummary},
		{kind: KindBookSegment, parse: parseBookSegment},
		{kind: KindCoverSummary, parse: parseCoverSummary},
		{kind: KindCoverSegment, parse: parseCoverSegment},
		{kind: KindBookMetadata, parse: parseBookMetadata},
	},
	TemplatePost: {
		{kind: KindComment, parse: parseComment},
		{kind: KindPost, parse: parsePost},
		{kind: KindProfile, parse: parseProfile},
		{kind: KindCounter, parse: parseCounter},
		{kind: KindDelete, parse: parseDelete},
	},
}

// Classify validates the transaction payload against the template's schemas in
// precedence order and returns the first match. Empty payloads classify as
// EmptyObject for every template.
func Classify(template Template, trx Transaction) (Activity, error) {
	schemas, ok := templateSchemas[template]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, template)
	}
	if trx.IsEmpty() {
		return EmptyObject{}, nil
	}

	var decoded payloadActivity
	if err := json.Unmarshal(trx.Payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrUnrecognized, err)
	}
	if decoded.Object == nil {
		return nil, fmt.Errorf("%w: missing object", ErrUnrecognized)
	}

	for _, candidate := range schemas {
		if parsed, matched := candidate.parse(&decoded); matched {
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("%w: type=%s object.type=%s", ErrUnrecognized, decoded.Type, decoded.Object.Type)
}

// ClassifyBatch classifies each transaction and returns the recognised ones in
// input order together with the transactions that matched no schema.
func ClassifyBatch(template Template, batch []Transaction) ([]Classified, []Transaction) {
	classified := make([]Classified, 0, len(batch))
	var rejected []Transaction
	for _, trx := range batch {
		parsed, err := Classify(template, trx)
		if err != nil {
			rejected = append(rejected, trx)
			continue
		}
		classified = append(classified, Classified{Trx: trx, Activity: parsed})
	}
	return classified, rejected
}

func parseBookSummary(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeCreate || object.Type != typeDocument || object.PartOf != nil {
		return nil, false
	}
	bookID, ok := validIdentifier(object.ID)
	if !ok || strings.TrimSpace(object.Name) == "" {
		return nil, false
	}
	summary, ok := parseFileSummary(object.Content)
	if !ok {
		return nil, false
	}
	return BookSummary{
		BookID:    bookID,
		Name:      strings.TrimSpace(object.Name),
		MediaType: strings.TrimSpace(object.MediaType),
		Summary:   summary,
	}, true
}

func parseBookSegment(decoded *payloadActivity) (Activity, bool) {
	segment, ok := parseSegment(decoded, typeDocument)
	if !ok {
		return nil, false
	}
	return BookSegment{Segment: segment}, true
}

func parseCoverSummary(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeCreate || object.Type != typeImage || object.PartOf == nil || object.PartOf.Type != typeDocument {
		return nil, false
	}
	coverID, ok := validIdentifier(object.ID)
	if !ok {
		return nil, false
	}
	bookID, ok := validIdentifier(object.PartOf.ID)
	if !ok {
		return nil, false
	}
	summary, ok := parseFileSummary(object.Content)
	if !ok {
		return nil, false
	}
	return CoverSummary{
		CoverID:   coverID,
		BookID:    bookID,
		MediaType: strings.TrimSpace(object.MediaType),
		Summary:   summary,
	}, true
}

func parseCoverSegment(decoded *payloadActivity) (Activity, bool) {
	segment, ok := parseSegment(decoded, typeImage)
	if !ok {
		return nil, false
	}
	return CoverSegment{Segment: segment}, true
}

func parseBookMetadata(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeUpdate || object.Type != typeDocument {
		return nil, false
	}
	bookID, ok := validIdentifier(object.ID)
	if !ok {
		return nil, false
	}
	var metadata payloadMetadata
	if err := json.Unmarshal([]byte(object.Content), &metadata); err != nil {
		return nil, false
	}
	return BookMetadata{
		BookID:      bookID,
		Description: metadata.Description,
		SubTitle:    metadata.SubTitle,
		ISBN:        metadata.ISBN,
		Author:      metadata.Author,
		Publisher:   metadata.Publisher,
		PublishDate: metadata.PublishDate,
		Languages:   metadata.Languages,
		Series:      metadata.Series,
		SeriesIndex: metadata.SeriesIndex,
		Categories:  metadata.Categories,
	}, true
}

func parseComment(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeCreate || object.Type != typeNote || object.InReplyTo == nil {
		return nil, false
	}
	commentID, ok := validIdentifier(object.ID)
	if !ok {
		return nil, false
	}
	parentID, ok := validIdentifier(object.InReplyTo.ID)
	if !ok || object.InReplyTo.Type != typeNote {
		return nil, false
	}
	if strings.TrimSpace(object.Content) == "" && len(object.Image) == 0 {
		return nil, false
	}
	return Comment{
		CommentID: commentID,
		InReplyTo: parentID,
		Content:   object.Content,
		Images:    object.Image,
	}, true
}

func parsePost(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeCreate || object.Type != typeNote || object.InReplyTo != nil {
		return nil, false
	}
	postID, ok := validIdentifier(object.ID)
	if !ok {
		return nil, false
	}
	if strings.TrimSpace(object.Content) == "" && len(object.Image) == 0 {
		return nil, false
	}
	return Post{
		PostID:  postID,
		Title:   strings.TrimSpace(object.Name),
		Content: object.Content,
		Images:  object.Image,
	}, true
}

func parseProfile(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeCreate || object.Type != typePerson {
		return nil, false
	}
	name := strings.TrimSpace(object.Name)
	if name == "" && len(object.Image) == 0 {
		return nil, false
	}
	profile := Profile{Name: name}
	if len(object.Image) > 0 {
		avatar := object.Image[0]
		if _, err := base64.StdEncoding.DecodeString(avatar.Content); err != nil {
			return nil, false
		}
		profile.Avatar = &avatar
	}
	return profile, true
}

func parseCounter(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	switch decoded.Type {
	case typeLike, typeDislike:
		if object.Type != typeNote {
			return nil, false
		}
		objectID, ok := validIdentifier(object.ID)
		if !ok {
			return nil, false
		}
		kind := CounterLike
		if decoded.Type == typeDislike {
			kind = CounterDislike
		}
		return Counter{ObjectID: objectID, CounterKind: kind}, true
	case typeUndo:
		if object.Type != typeLike && object.Type != typeDislike {
			return nil, false
		}
		target := object.Object
		if target == nil || target.Type != typeNote {
			return nil, false
		}
		objectID, ok := validIdentifier(target.ID)
		if !ok {
			return nil, false
		}
		kind := CounterUndoLike
		if object.Type == typeDislike {
			kind = CounterUndoDislike
		}
		return Counter{ObjectID: objectID, CounterKind: kind}, true
	default:
		return nil, false
	}
}

func parseDelete(decoded *payloadActivity) (Activity, bool) {
	object := decoded.Object
	if decoded.Type != typeDelete || object.Type != typeNote {
		return nil, false
	}
	objectID, ok := validIdentifier(object.ID)
	if !ok {
		return nil, false
	}
	return Delete{ObjectID: objectID}, true
}

func parseSegment(decoded *payloadActivity, parentType string) (Segment, bool) {
	object := decoded.Object
	if decoded.Type != typeCreate || object.Type != typeSegment || object.PartOf == nil || object.PartOf.Type != parentType {
		return Segment{}, false
	}
	segmentID, ok := validIdentifier(object.ID)
	if !ok {
		return Segment{}, false
	}
	parentID, ok := validIdentifier(object.PartOf.ID)
	if !ok {
		return Segment{}, false
	}
	buffer, err := base64.StdEncoding.DecodeString(object.Content)
	if err != nil || len(buffer) == 0 {
		return Segment{}, false
	}
	return Segment{SegmentID: segmentID, ParentID: parentID, Buffer: buffer}, true
}

func parseFileSummary(content string) (FileSummary, bool) {
	var decoded payloadSummary
	if err := json.Unmarshal([]byte(content), &decoded); err != nil {
		return FileSummary{}, false
	}
	if !validSHA256(decoded.SHA256) || decoded.Size <= 0 || len(decoded.Segments) == 0 {
		return FileSummary{}, false
	}
	summary := FileSummary{
		SHA256:   strings.ToLower(decoded.SHA256),
		Size:     decoded.Size,
		Segments: make([]SegmentRef, 0, len(decoded.Segments)),
	}
	for _, segment := range decoded.Segments {
		if !validSHA256(segment.SHA256) {
			return FileSummary{}, false
		}
		summary.Segments = append(summary.Segments, SegmentRef{
			ID:     strings.TrimSpace(segment.ID),
			SHA256: strings.ToLower(segment.SHA256),
		})
	}
	return summary, true
}

func validIdentifier(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || len(trimmed) > maxIdentifierLength {
		return "", false
	}
	return trimmed, true
}

func validSHA256(value string) bool {
	if len(value) != sha256HexLength {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
