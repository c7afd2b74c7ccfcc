package activity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

type encodedSegment struct {
	ID     string `json:"id"`
	SHA256 string `json:"sha256"`
}

type encodedSummary struct {
	SHA256   string           `json:"sha256"`
	Size     int64            `json:"size"`
	Segments []encodedSegment `json:"segments"`
}

// Encode renders a typed activity as the wire payload the node publishes.
func Encode(value Activity) ([]byte, error) {
	var wire payloadActivity
	switch typed := value.(type) {
	case BookSummary:
		content, err := encodeSummary(typed.Summary)
		if err != nil {
			return nil, err
		}
		wire = payloadActivity{Type: typeCreate, Object: &payloadObject{
			Type: typeDocument, ID: typed.BookID, Name: typed.Name, MediaType: typed.MediaType, Content: content,
		}}
	case BookSegment:
		wire = encodeSegment(typed.Segment, typeDocument)
	case CoverSummary:
		content, err := encodeSummary(typed.Summary)
		if err != nil {
			return nil, err
		}
		wire = payloadActivity{Type: typeCreate, Object: &payloadObject{
			Type: typeImage, ID: typed.CoverID, MediaType: typed.MediaType, Content: content,
			PartOf: &payloadReference{Type: typeDocument, ID: typed.BookID},
		}}
	case CoverSegment:
		wire = encodeSegment(typed.Segment, typeImage)
	case BookMetadata:
		content, err := json.Marshal(payloadMetadata{
			Description: typed.Description,
			SubTitle:    typed.SubTitle,
			ISBN:        typed.ISBN,
			Author:      typed.Author,
			Publisher:   typed.Publisher,
			PublishDate: typed.PublishDate,
			Languages:   typed.Languages,
			Series:      typed.Series,
			SeriesIndex: typed.SeriesIndex,
			Categories:  typed.Categories,
		})
		if err != nil {
			return nil, err
		}
		wire = payloadActivity{Type: typeUpdate, Object: &payloadObject{Type: typeDocument, ID: typed.BookID, Content: string(content)}}
	case Post:
		wire = payloadActivity{Type: typeCreate, Object: &payloadObject{
			Type: typeNote, ID: typed.PostID, Name: typed.Title, Content: typed.Content, Image: typed.Images,
		}}
	case Comment:
		wire = payloadActivity{Type: typeCreate, Object: &payloadObject{
			Type: typeNote, ID: typed.CommentID, Content: typed.Content, Image: typed.Images,
			InReplyTo: &payloadReference{Type: typeNote, ID: typed.InReplyTo},
		}}
	case Profile:
		object := &payloadObject{Type: typePerson, Name: typed.Name}
		if typed.Avatar != nil {
			object.Image = []Image{*typed.Avatar}
		}
		wire = payloadActivity{Type: typeCreate, Object: object}
	case Counter:
		target := &payloadObject{Type: typeNote, ID: typed.ObjectID}
		switch typed.CounterKind {
		case CounterLike:
			wire = payloadActivity{Type: typeLike, Object: target}
		case CounterDislike:
			wire = payloadActivity{Type: typeDislike, Object: target}
		case CounterUndoLike:
			wire = payloadActivity{Type: typeUndo, Object: &payloadObject{Type: typeLike, Object: target}}
		case CounterUndoDislike:
			wire = payloadActivity{Type: typeUndo, Object: &payloadObject{Type: typeDislike, Object: target}}
		default:
			return nil, fmt.Errorf("activity: unknown counter kind %q", typed.CounterKind)
		}
	case Delete:
		wire = payloadActivity{Type: typeDelete, Object: &payloadObject{Type: typeNote, ID: typed.ObjectID}}
	case EmptyObject:
		return nil, nil
	default:
		return nil, fmt.Errorf("activity: cannot encode %T", value)
	}
	return json.Marshal(wire)
}

func encodeSegment(segment Segment, parentType string) payloadActivity {
	return payloadActivity{Type: typeCreate, Object: &payloadObject{
		Type:    typeSegment,
		ID:      segment.SegmentID,
		Content: base64.StdEncoding.EncodeToString(segment.Buffer),
		PartOf:  &payloadReference{Type: parentType, ID: segment.ParentID},
	}}
}

func encodeSummary(summary FileSummary) (string, error) {
	encoded := encodedSummary{SHA256: summary.SHA256, Size: summary.Size, Segments: make([]encodedSegment, 0, len(summary.Segments))}
	for _, segment := range summary.Segments {
		encoded.Segments = append(encoded.Segments, encodedSegment(segment))
	}
	content, err := json.Marshal(encoded)
	if err != nil {
		return "", err
	}
	return string(content), nil
}
