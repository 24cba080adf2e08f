package config

import (
	"fmt"
	"strings"
)

// redacted is the fixed placeholder substituted for every secret field.
const redacted = "***"

// Render produces the read-only text exposed at the namespace's root
// /config file: the session's configuration with every credential and
// cookie value censored. It is computed once at startup (the document is
// immutable once parsed) and never needs to be polled for changes, unlike
// the counter files under stats/*.
func (d *Document) Render() string {
	var b strings.Builder
	for _, img := range d.Images {
		fmt.Fprintf(&b, "image %s\n", img.Name)
		fmt.Fprintf(&b, "  origin.url = %s\n", img.Origin.URL)
		if img.Origin.Credentials != nil {
			fmt.Fprintf(&b, "  origin.credentials.username = %s\n", redacted)
			fmt.Fprintf(&b, "  origin.credentials.password = %s\n", redacted)
		}
		if img.Origin.Offset != 0 {
			fmt.Fprintf(&b, "  origin.offset = %d\n", img.Origin.Offset)
		}
		if img.Origin.SegmentSize != 0 {
			fmt.Fprintf(&b, "  origin.segment-size = %d\n", img.Origin.SegmentSize)
		}
		if img.Origin.Cookies != nil {
			for range img.Origin.Cookies.Cookie {
				fmt.Fprintf(&b, "  origin.cookies.cookie = %s\n", redacted)
			}
		}
		if img.Origin.Validators != nil {
			if img.Origin.Validators.ETag != "" {
				fmt.Fprintf(&b, "  origin.validators.etag = %s\n", img.Origin.Validators.ETag)
			}
			if img.Origin.Validators.LastModified != 0 {
				fmt.Fprintf(&b, "  origin.validators.last-modified = %d\n", img.Origin.Validators.LastModified)
			}
		}
		fmt.Fprintf(&b, "  size = %d\n", img.Size)
		fmt.Fprintf(&b, "  cache.path = %s\n", img.Cache.Path)
		fmt.Fprintf(&b, "  cache.chunk-size = %d\n", img.Cache.ChunkSize)
	}
	return b.String()
}
