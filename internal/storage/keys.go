package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// UserPrefix returns the per-user key prefix under which all of a user's
// images live. Anonymous visitors share a single "guest" folder.
func UserPrefix(siteHost string, ownerID int64, email string) string {
	if ownerID <= 0 {
		return fmt.Sprintf("%s/guest/", siteHost)
	}
	return fmt.Sprintf("%s/%d-%s/", siteHost, ownerID, email)
}

// ObjectKey builds the storage key for a newly uploaded image. The epoch
// prefix keeps names unique per upload and sortable by time.
func ObjectKey(siteHost string, ownerID int64, email, filename string, now time.Time) string {
	base := sanitizeBasename(filename)
	return fmt.Sprintf("%s%d_%s", UserPrefix(siteHost, ownerID, email), now.Unix(), base)
}

// sanitizeBasename strips any path components and replaces characters that
// are awkward in keys or URLs. The extension is forced to .jpg because every
// stored image has been re-encoded as JPEG by then.
func sanitizeBasename(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" || name == "." {
		name = "image"
	}
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '-'
		}
	}, name)
	return mapped + ".jpg"
}

// KeyFromURL extracts the object key from a public image URL, or returns ""
// when the URL does not point into the given bucket.
func KeyFromURL(publicURL, bucket string) string {
	u, err := url.Parse(publicURL)
	if err != nil {
		return ""
	}
	p := strings.TrimPrefix(u.Path, "/")
	// Path-style URLs carry the bucket as the first segment.
	if rest, ok := strings.CutPrefix(p, bucket+"/"); ok {
		return rest
	}
	if strings.HasPrefix(u.Host, bucket+".") {
		return p
	}
	return ""
}
