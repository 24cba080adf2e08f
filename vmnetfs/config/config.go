// Package config parses the XML configuration document the lifecycle
// driver reads from stdin and renders its redacted text for the
// namespace's root /config file.
//
// No third-party XML library appears anywhere in the retrieved reference
// corpus (every example repo that parses a structured config reaches for
// YAML, JSON, CBOR, or flags, never XML); encoding/xml is therefore the
// one ambient-stack concern this module builds on the standard library,
// as recorded in DESIGN.md.
package config

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Document is the root of the vmnetx-vmnetfs configuration schema
// (spec.md §6): one or more named images.
type Document struct {
	XMLName xml.Name      `xml:"config"`
	Images  []ImageConfig `xml:"image"`
}

// ImageConfig is one <image> element.
type ImageConfig struct {
	Name string `xml:"name"`

	Origin struct {
		URL         string `xml:"url"`
		Credentials *struct {
			Username string `xml:"username"`
			Password string `xml:"password"`
		} `xml:"credentials"`
		Offset  int64 `xml:"offset"`
		Cookies *struct {
			Cookie []string `xml:"cookie"`
		} `xml:"cookies"`
		Validators *struct {
			ETag         string `xml:"etag"`
			LastModified int64  `xml:"last-modified"`
		} `xml:"validators"`
		SegmentSize int64 `xml:"segment-size"`
	} `xml:"origin"`

	Size int64 `xml:"size"`

	Cache struct {
		Path      string `xml:"path"`
		ChunkSize int64  `xml:"chunk-size"`
	} `xml:"cache"`
}

// Validate checks the fields a schema validator would reject, per the
// Config error class of spec.md §7 ("schema violation, invalid integer").
func (ic *ImageConfig) Validate() error {
	if ic.Name == "" {
		return errors.New("config: image element missing name")
	}
	if ic.Origin.URL == "" {
		return errors.Errorf("config: image %q missing origin/url", ic.Name)
	}
	if ic.Size <= 0 {
		return errors.Errorf("config: image %q has non-positive size", ic.Name)
	}
	if ic.Cache.Path == "" {
		return errors.Errorf("config: image %q missing cache/path", ic.Name)
	}
	if ic.Cache.ChunkSize <= 0 {
		return errors.Errorf("config: image %q has non-positive chunk-size", ic.Name)
	}
	return nil
}

// Parse decodes a Document from r and validates every image element.
func Parse(r io.Reader) (*Document, error) {
	var doc Document
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "config: parsing XML document")
	}
	if len(doc.Images) == 0 {
		return nil, errors.New("config: document declares no images")
	}
	for i := range doc.Images {
		if err := doc.Images[i].Validate(); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

// ReadFramed reads the "<length>\n<bytes>" wire framing spec.md §6
// describes for the driver's stdin, returning the raw document bytes.
func ReadFramed(r io.Reader) ([]byte, error) {
	var lengthLine []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, errors.Wrap(err, "config: reading length line")
		}
		if buf[0] == '\n' {
			break
		}
		lengthLine = append(lengthLine, buf[0])
	}
	length, err := strconv.Atoi(string(lengthLine))
	if err != nil || length < 0 {
		return nil, errors.Errorf("config: malformed length line %q", lengthLine)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "config: reading framed body")
	}
	return body, nil
}
