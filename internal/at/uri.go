package at

import (
	"fmt"
	"strings"
)

// URI identifies a single record: at://<did>/<collection>/<rkey>. The
// repository key for a record is the "collection/rkey" suffix.
type URI struct {
	DID        string `json:"did"`
	Collection string `json:"collection"`
	Rkey       string `json:"rkey"`
}

func ParseURI(uri string) (URI, error) {
	var u URI

	if !strings.HasPrefix(uri, "at://") {
		return u, fmt.Errorf("invalid AT URI: must start with at://")
	}

	rest := strings.TrimPrefix(uri, "at://")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 {
		return u, fmt.Errorf("invalid AT URI %q", uri)
	}

	return URI{
		DID:        parts[0],
		Collection: parts[1],
		Rkey:       parts[2],
	}, nil
}

// FormatURI builds the at:// URI for a record.
func FormatURI(did, collection, rkey string) string {
	return "at://" + did + "/" + collection + "/" + rkey
}

func (u URI) String() string {
	return FormatURI(u.DID, u.Collection, u.Rkey)
}

// RepoKey returns the MST key for the record: "collection/rkey".
func (u URI) RepoKey() string {
	return u.Collection + "/" + u.Rkey
}
