package backend

import (
	"crypto/md5"
	"fmt"
	"strings"
)

// bytesToEtag computes the entity tag of a response body
func bytesToEtag(b []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(b))
}

// bytesPlusTotalCountToEtag computes the entity tag of a list response.
// The total count is part of the tag, a collection whose invisible pages
// changed must get a new tag.
func bytesPlusTotalCountToEtag(b []byte, totalCount int) string {
	h := md5.New()
	h.Write(b)
	fmt.Fprintf(h, "%d", totalCount)
	return fmt.Sprintf("\"%x\"", h.Sum(nil))
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}
