package content

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"path"
	"strings"
)

const (
	epubContainerPath = "META-INF/container.xml"
	maxEpubEntryBytes = 32 << 20
)

type epubInfo struct {
	Title          string
	Author         string
	Publisher      string
	Language       string
	Description    string
	Cover          []byte
	CoverMediaType string
}

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Metadata struct {
		Titles       []string `xml:"title"`
		Creators     []string `xml:"creator"`
		Publishers   []string `xml:"publisher"`
		Languages    []string `xml:"language"`
		Descriptions []string `xml:"description"`
		Metas        []struct {
			Name    string `xml:"name,attr"`
			Content string `xml:"content,attr"`
		} `xml:"meta"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID         string `xml:"id,attr"`
			Href       string `xml:"href,attr"`
			MediaType  string `xml:"media-type,attr"`
			Properties string `xml:"properties,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
}

// inspectEpub reads package metadata and the cover image from an epub file.
// It reports false when the buffer is not an epub.
func inspectEpub(buffer []byte) (epubInfo, bool) {
	archive, err := zip.NewReader(bytes.NewReader(buffer), int64(len(buffer)))
	if err != nil {
		return epubInfo{}, false
	}
	files := make(map[string]*zip.File, len(archive.File))
	for _, file := range archive.File {
		files[file.Name] = file
	}

	var container epubContainer
	if err := decodeEntry(files[epubContainerPath], &container); err != nil || len(container.Rootfiles) == 0 {
		return epubInfo{}, false
	}
	packagePath := container.Rootfiles[0].FullPath
	var pkg epubPackage
	if err := decodeEntry(files[packagePath], &pkg); err != nil {
		return epubInfo{}, false
	}

	info := epubInfo{
		Title:       first(pkg.Metadata.Titles),
		Author:      first(pkg.Metadata.Creators),
		Publisher:   first(pkg.Metadata.Publishers),
		Language:    first(pkg.Metadata.Languages),
		Description: first(pkg.Metadata.Descriptions),
	}

	coverID := ""
	for _, meta := range pkg.Metadata.Metas {
		if meta.Name == "cover" {
			coverID = meta.Content
			break
		}
	}
	for _, item := range pkg.Manifest.Items {
		if (coverID != "" && item.ID == coverID) || strings.Contains(item.Properties, "cover-image") {
			cover, err := readEntry(files[path.Join(path.Dir(packagePath), item.Href)])
			if err == nil {
				info.Cover = cover
				info.CoverMediaType = item.MediaType
			}
			break
		}
	}
	return info, true
}

func decodeEntry(file *zip.File, target any) error {
	raw, err := readEntry(file)
	if err != nil {
		return err
	}
	return xml.Unmarshal(raw, target)
}

func readEntry(file *zip.File) ([]byte, error) {
	if file == nil {
		return nil, io.ErrUnexpectedEOF
	}
	reader, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return io.ReadAll(io.LimitReader(reader, maxEpubEntryBytes))
}

func first(values []string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
