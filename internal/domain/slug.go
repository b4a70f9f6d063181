package domain

import (
	"fmt"
	"regexp"
)

var slugRegex = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)/([A-Za-z0-9._-]+)$`)

// RepositorySlug identifies an upstream repository as owner/name
type RepositorySlug struct {
	Owner string
	Name  string
}

// ParseRepositorySlug parses a string like "octo/website" into a RepositorySlug
func ParseRepositorySlug(s string) (RepositorySlug, error) {
	matches := slugRegex.FindStringSubmatch(s)
	if matches == nil || matches[2] == "." || matches[2] == ".." {
		return RepositorySlug{}, fmt.Errorf("invalid repository: %q (expected owner/name)", s)
	}
	return RepositorySlug{Owner: matches[1], Name: matches[2]}, nil
}

// String returns the canonical owner/name representation
func (s RepositorySlug) String() string {
	return s.Owner + "/" + s.Name
}
