package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pdfcompare/api/internal/client"
	"github.com/pdfcompare/api/internal/model"
)

// Resolver fetches result descriptors and makes every artifact location absolute
type Resolver struct {
	jobs    client.JobService
	baseURL string
}

func NewResolver(jobs client.JobService, baseURL string) *Resolver {
	return &Resolver{
		jobs:    jobs,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Fetch retrieves the descriptor for jobID and normalizes its locations.
func (r *Resolver) Fetch(ctx context.Context, jobID string) (*model.ResultDescriptor, error) {
	desc, err := r.jobs.GetResult(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch result for job %s: %w", jobID, err)
	}
	if desc.State != "" && desc.State != model.StateDone {
		return nil, fmt.Errorf("result for job %s is in state %q", jobID, desc.State)
	}

	r.Normalize(desc)
	return desc, nil
}

// Normalize rewrites every location of desc in place. Safe to call repeatedly.
func (r *Resolver) Normalize(desc *model.ResultDescriptor) {
	desc.Files.FileA.DownloadURL = ResolveURL(r.baseURL, desc.Files.FileA.DownloadURL)
	desc.Files.FileB.DownloadURL = ResolveURL(r.baseURL, desc.Files.FileB.DownloadURL)
	desc.Outputs.Each(func(_ string, loc *string) {
		*loc = ResolveURL(r.baseURL, *loc)
	})
}

// ResolveURL prefixes relative locations with base. Absolute locations and
// empty strings are returned unchanged. A protocol-relative location
// ("//host/path") names its own host and only takes the scheme of base,
// falling back to http when base has none.
func ResolveURL(base, location string) string {
	if location == "" || IsAbsoluteURL(location) {
		return location
	}
	if strings.HasPrefix(location, "//") {
		scheme := "http:"
		if i := strings.Index(base, "://"); i > 0 {
			scheme = base[:i+1]
		}
		return scheme + location
	}
	base = strings.TrimRight(base, "/")
	if !strings.HasPrefix(location, "/") {
		location = "/" + location
	}
	return base + location
}

// IsAbsoluteURL reports whether location carries an http(s) scheme.
func IsAbsoluteURL(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
