package sis

import (
	"context"
	"fmt"

	"sissync/internal/chunk"
)

// RawPeriod is one period-level status as reported by the SIS
type RawPeriod struct {
	Period int    `json:"period"`
	Code   string `json:"code"`
}

// RawRecord is one attendance record as returned by the SIS API, before
// transformation into the local shape
type RawRecord struct {
	StudentID string      `json:"studentId"`
	SchoolID  string      `json:"schoolId"`
	Date      string      `json:"date"`
	Periods   []RawPeriod `json:"periods"`
}

// Key identifies the record in logs and error summaries
func (r RawRecord) Key() string {
	return fmt.Sprintf("%s@%s", r.StudentID, r.Date)
}

// Page is one page of raw records. An empty NextToken marks the last page;
// a page with zero records and no token is a valid terminal state.
type Page struct {
	Records   []RawRecord
	NextToken string
}

// Done reports whether this is the last page of the (school, chunk) scope
func (p Page) Done() bool {
	return p.NextToken == ""
}

// Source fetches pages of attendance records from the remote SIS. Requests
// are always scoped to a single (school, chunk) pair so each call stays
// within the remote API's per-call bounds.
type Source interface {
	FetchPage(ctx context.Context, schoolID string, c chunk.Chunk, pageToken string) (Page, error)
}

// PageIterator pulls pages for one (school, chunk) pair, one at a time.
// It is lazy, finite and non-restartable.
type PageIterator struct {
	source   Source
	schoolID string
	chunk    chunk.Chunk
	token    string
	done     bool
}

// NewPageIterator creates an iterator over all pages of (school, chunk)
func NewPageIterator(source Source, schoolID string, c chunk.Chunk) *PageIterator {
	return &PageIterator{source: source, schoolID: schoolID, chunk: c}
}

// Next fetches the next page. ok is false once the sequence is exhausted.
func (it *PageIterator) Next(ctx context.Context) (page Page, ok bool, err error) {
	if it.done {
		return Page{}, false, nil
	}

	page, err = it.source.FetchPage(ctx, it.schoolID, it.chunk, it.token)
	if err != nil {
		return Page{}, false, err
	}

	it.token = page.NextToken
	if page.Done() {
		it.done = true
	}
	return page, true, nil
}
