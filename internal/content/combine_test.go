package content

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

func bookSummary(t *testing.T, trxID, bookID string, content []byte, parts [][]byte) activity.Classified {
	t.Helper()
	refs := make([]activity.SegmentRef, 0, len(parts))
	for index, part := range parts {
		refs = append(refs, activity.SegmentRef{ID: fmt.Sprintf("seg-%d", index+1), SHA256: sha256Hex(part)})
	}
	return classified(t, trxID, aliceAddress, 0, activity.BookSummary{
		BookID:    bookID,
		Name:      bookID + ".epub",
		MediaType: "application/epub+zip",
		Summary:   activity.FileSummary{SHA256: sha256Hex(content), Size: int64(len(content)), Segments: refs},
	})
}

func bookSegment(t *testing.T, trxID, bookID string, index int, part []byte) activity.Classified {
	t.Helper()
	return classified(t, trxID, aliceAddress, index+1, activity.BookSegment{Segment: activity.Segment{
		SegmentID: fmt.Sprintf("seg-%d", index+1),
		ParentID:  bookID,
		Buffer:    part,
	}})
}

func combineBook(t *testing.T, service *Service, bookID string) CombineOutcome {
	t.Helper()
	results, err := service.Combine(context.Background(), testGroupID, ParentBook, []string{bookID})
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one combine result, got %d", len(results))
	}
	return results[0].Outcome
}

func TestCombineLateFirstSegment(t *testing.T) {
	service, db := newTestService(t)
	h1, h2 := []byte("first half|"), []byte("second half")
	content := append(append([]byte{}, h1...), h2...)

	report := mustApply(t, service, ApplyOptions{},
		bookSummary(t, "trx-summary", "book-1", content, [][]byte{h1, h2}),
		bookSegment(t, "trx-h2", "book-1", 1, h2),
	)
	if len(report.TouchedBooks) != 1 || report.TouchedBooks[0] != "book-1" {
		t.Fatalf("expected book-1 touched, got %#v", report.TouchedBooks)
	}
	if outcome := combineBook(t, service, "book-1"); outcome != CombineIncomplete {
		t.Fatalf("expected incomplete with one segment, got %s", outcome)
	}

	mustApply(t, service, ApplyOptions{}, bookSegment(t, "trx-h1", "book-1", 0, h1))
	if outcome := combineBook(t, service, "book-1"); outcome != CombineCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}

	buffer, err := service.ObjectBuffer(context.Background(), testGroupID, "book-1", BufferBookFile)
	if err != nil {
		t.Fatalf("load buffer: %v", err)
	}
	if !bytes.Equal(buffer.Buffer, content) {
		t.Fatalf("unexpected buffer %q", buffer.Buffer)
	}
	if sha256Hex(buffer.Buffer) != sha256Hex(content) {
		t.Fatalf("hash mismatch")
	}
	var book Book
	if err := db.Where("group_id = ? AND book_id = ?", testGroupID, "book-1").Take(&book).Error; err != nil {
		t.Fatalf("load book: %v", err)
	}
	if !book.Complete || book.IntegrityFailed {
		t.Fatalf("unexpected book flags: %#v", book)
	}
	if outcome := combineBook(t, service, "book-1"); outcome != CombineSkipped {
		t.Fatalf("expected redundant combine to be skipped, got %s", outcome)
	}
}

func TestCombineIsOrderIndependent(t *testing.T) {
	parts := [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}
	content := bytes.Join(parts, nil)
	permutations := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}

	for _, order := range permutations {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			service, _ := newTestService(t)
			for step, index := range order {
				mustApply(t, service, ApplyOptions{}, bookSegment(t, fmt.Sprintf("trx-seg-%d", index), "book-1", index, parts[index]))
				if step == 0 {
					mustApply(t, service, ApplyOptions{}, bookSummary(t, "trx-summary", "book-1", content, parts))
				}
				outcome := combineBook(t, service, "book-1")
				want := CombineIncomplete
				if step == len(order)-1 {
					want = CombineCompleted
				}
				if outcome != want {
					t.Fatalf("step %d: expected %s, got %s", step, want, outcome)
				}
			}
			buffer, err := service.ObjectBuffer(context.Background(), testGroupID, "book-1", BufferBookFile)
			if err != nil {
				t.Fatalf("load buffer: %v", err)
			}
			if !bytes.Equal(buffer.Buffer, content) {
				t.Fatalf("unexpected buffer %q", buffer.Buffer)
			}
		})
	}
}

func TestCombineIntegrityFailureIsSticky(t *testing.T) {
	service, db := newTestService(t)
	h1, h2 := []byte("one"), []byte("two")

	mustApply(t, service, ApplyOptions{},
		bookSummary(t, "trx-summary", "book-1", []byte("something else"), [][]byte{h1, h2}),
		bookSegment(t, "trx-h1", "book-1", 0, h1),
		bookSegment(t, "trx-h2", "book-1", 1, h2),
	)
	if outcome := combineBook(t, service, "book-1"); outcome != CombineIntegrityFailed {
		t.Fatalf("expected integrity failure, got %s", outcome)
	}
	if outcome := combineBook(t, service, "book-1"); outcome != CombineSkipped {
		t.Fatalf("expected failed object to be skipped, got %s", outcome)
	}

	var book Book
	if err := db.Where("group_id = ? AND book_id = ?", testGroupID, "book-1").Take(&book).Error; err != nil {
		t.Fatalf("load book: %v", err)
	}
	if book.Complete || !book.IntegrityFailed {
		t.Fatalf("unexpected flags: %#v", book)
	}
	books, covers, err := service.IncompleteObjects(context.Background(), testGroupID)
	if err != nil {
		t.Fatalf("incomplete objects: %v", err)
	}
	if len(books) != 0 || len(covers) != 0 {
		t.Fatalf("failed objects must not be listed as incomplete: %v %v", books, covers)
	}
	if _, err := service.ObjectBuffer(context.Background(), testGroupID, "book-1", BufferBookFile); err != ErrNotFound {
		t.Fatalf("expected no buffer, got %v", err)
	}
}

func TestCombineCoverAndIncompleteListing(t *testing.T) {
	service, _ := newTestService(t)
	image := []byte("\x89PNG fake image")
	summary := classified(t, "trx-cover", aliceAddress, 0, activity.CoverSummary{
		CoverID:   "cover-1",
		BookID:    "book-1",
		MediaType: "image/png",
		Summary: activity.FileSummary{
			SHA256:   sha256Hex(image),
			Size:     int64(len(image)),
			Segments: []activity.SegmentRef{{ID: "seg-1", SHA256: sha256Hex(image)}},
		},
	})
	report := mustApply(t, service, ApplyOptions{}, summary)
	if len(report.TouchedCovers) != 1 {
		t.Fatalf("expected cover touched, got %#v", report.TouchedCovers)
	}

	_, covers, err := service.IncompleteObjects(context.Background(), testGroupID)
	if err != nil || len(covers) != 1 || covers[0] != "cover-1" {
		t.Fatalf("expected cover-1 incomplete, got %v (%v)", covers, err)
	}

	mustApply(t, service, ApplyOptions{}, classified(t, "trx-cover-seg", aliceAddress, 1, activity.CoverSegment{Segment: activity.Segment{
		SegmentID: "seg-1", ParentID: "cover-1", Buffer: image,
	}}))
	results, err := service.Combine(context.Background(), testGroupID, ParentCover, []string{"cover-1"})
	if err != nil || len(results) != 1 || results[0].Outcome != CombineCompleted {
		t.Fatalf("expected cover completed, got %#v (%v)", results, err)
	}
	buffer, err := service.ObjectBuffer(context.Background(), testGroupID, "cover-1", BufferCoverImage)
	if err != nil || !bytes.Equal(buffer.Buffer, image) || buffer.MediaType != "image/png" {
		t.Fatalf("unexpected cover buffer %#v (%v)", buffer, err)
	}
}

func buildEpub(t *testing.T) []byte {
	t.Helper()
	files := []struct {
		name string
		body string
	}{
		{name: "mimetype", body: "application/epub+zip"},
		{name: "META-INF/container.xml", body: `<?xml version="1.0"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles><rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/></rootfiles>
</container>`},
		{name: "OEBPS/content.opf", body: `<?xml version="1.0"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>Dune</dc:title>
    <dc:creator>Frank Herbert</dc:creator>
    <dc:publisher>Chilton</dc:publisher>
    <dc:language>en</dc:language>
    <dc:description>Desert planet.</dc:description>
    <meta name="cover" content="cover-image"/>
  </metadata>
  <manifest>
    <item id="cover-image" href="images/cover.png" media-type="image/png"/>
    <item id="chapter-1" href="chapter1.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
</package>`},
		{name: "OEBPS/images/cover.png", body: "cover-bytes"},
		{name: "OEBPS/chapter1.xhtml", body: "<html/>"},
	}
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	for _, file := range files {
		entry, err := writer.Create(file.name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := entry.Write([]byte(file.body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buffer.Bytes()
}

func TestCombineExtractsEpubMetadataAndCover(t *testing.T) {
	service, db := newTestService(t)
	epub := buildEpub(t)
	middle := len(epub) / 2
	parts := [][]byte{epub[:middle], epub[middle:]}

	mustApply(t, service, ApplyOptions{},
		bookSummary(t, "trx-summary", "book-1", epub, parts),
		bookSegment(t, "trx-seg-1", "book-1", 0, parts[0]),
		bookSegment(t, "trx-seg-2", "book-1", 1, parts[1]),
	)
	if outcome := combineBook(t, service, "book-1"); outcome != CombineCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}

	var book Book
	if err := db.Where("group_id = ? AND book_id = ?", testGroupID, "book-1").Take(&book).Error; err != nil {
		t.Fatalf("load book: %v", err)
	}
	if book.EpubTitle != "Dune" || book.EpubAuthor != "Frank Herbert" || book.EpubLanguage != "en" {
		t.Fatalf("unexpected epub metadata: %#v", book)
	}
	if !book.HasEmbeddedCover {
		t.Fatalf("expected embedded cover flag")
	}
	cover, err := service.ObjectBuffer(context.Background(), testGroupID, "book-1", BufferEmbeddedCover)
	if err != nil || string(cover.Buffer) != "cover-bytes" || cover.MediaType != "image/png" {
		t.Fatalf("unexpected embedded cover %#v (%v)", cover, err)
	}
}

func TestInspectEpubRejectsNonZip(t *testing.T) {
	if _, ok := inspectEpub([]byte("plain text book")); ok {
		t.Fatalf("expected non-zip buffer to be rejected")
	}
}
