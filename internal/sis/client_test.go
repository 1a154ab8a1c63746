package sis

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sissync/internal/chunk"
	"sissync/internal/ratelimit"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testChunk() chunk.Chunk {
	return chunk.Chunk{
		Start: time.Date(2024, 9, 2, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 9, 11, 0, 0, 0, 0, time.UTC),
	}
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoint:    endpoint,
		Token:       "test-token",
		CallTimeout: 5 * time.Second,
	}, ratelimit.New(6000, 0), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestClientFetchPage(t *testing.T) {
	var gotAuth, gotPath string
	var gotQuery map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}

		json.NewEncoder(w).Encode(pageResponse{
			Records: []RawRecord{
				{StudentID: "sis-1", SchoolID: "sch-1", Date: "2024-09-02",
					Periods: []RawPeriod{{Period: 1, Code: "P"}}},
			},
			NextPage: "tok-2",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	page, err := c.FetchPage(context.Background(), "sch-1", testChunk(), "")
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "/attendance", gotPath)
	assert.Equal(t, "sch-1", gotQuery["school"])
	assert.Equal(t, "2024-09-02", gotQuery["start"])
	assert.Equal(t, "2024-09-11", gotQuery["end"])
	_, hasPage := gotQuery["page"]
	assert.False(t, hasPage)

	require.Len(t, page.Records, 1)
	assert.Equal(t, "sis-1@2024-09-02", page.Records[0].Key())
	assert.Equal(t, "tok-2", page.NextToken)
	assert.False(t, page.Done())
}

func TestClientSendsPageToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("page")
		json.NewEncoder(w).Encode(pageResponse{})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	page, err := c.FetchPage(context.Background(), "sch-1", testChunk(), "tok-5")
	require.NoError(t, err)

	assert.Equal(t, "tok-5", gotToken)
	assert.Empty(t, page.Records)
	assert.True(t, page.Done())
}

func TestClientNon2xxBecomesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "token expired")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.FetchPage(context.Background(), "sch-1", testChunk(), "")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "token expired", apiErr.Body)
}

func TestClientCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		Endpoint:    srv.URL,
		Token:       "t",
		CallTimeout: 50 * time.Millisecond,
	}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.FetchPage(context.Background(), "sch-1", testChunk(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{Token: "t"}, nil, zap.NewNop())
	require.Error(t, err)
}

// scriptedSource returns a fixed sequence of pages or errors
type scriptedSource struct {
	pages []Page
	errAt int // fetch number (1-based) that fails, 0 for never
	calls int
}

func (s *scriptedSource) FetchPage(ctx context.Context, schoolID string, c chunk.Chunk, token string) (Page, error) {
	s.calls++
	if s.errAt != 0 && s.calls == s.errAt {
		return Page{}, fmt.Errorf("boom")
	}
	idx := 0
	if token != "" {
		fmt.Sscanf(token, "tok-%d", &idx)
	}
	return s.pages[idx], nil
}

func TestPageIteratorWalksAllPages(t *testing.T) {
	src := &scriptedSource{pages: []Page{
		{Records: []RawRecord{{StudentID: "a"}}, NextToken: "tok-1"},
		{Records: []RawRecord{{StudentID: "b"}}, NextToken: "tok-2"},
		{Records: []RawRecord{{StudentID: "c"}}},
	}}

	it := NewPageIterator(src, "sch-1", testChunk())
	var students []string
	for {
		page, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		for _, r := range page.Records {
			students = append(students, r.StudentID)
		}
	}

	assert.Equal(t, []string{"a", "b", "c"}, students)
	assert.Equal(t, 3, src.calls)

	// Exhausted iterators stay exhausted
	_, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, src.calls)
}

func TestPageIteratorRetriesSamePageAfterError(t *testing.T) {
	// The token only advances on success, so a failed fetch is retried at
	// the same position
	src := &scriptedSource{
		pages: []Page{
			{Records: []RawRecord{{StudentID: "a"}}, NextToken: "tok-1"},
			{Records: []RawRecord{{StudentID: "b"}}},
		},
		errAt: 2,
	}

	it := NewPageIterator(src, "sch-1", testChunk())

	page, ok, err := it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", page.Records[0].StudentID)

	_, _, err = it.Next(context.Background())
	require.Error(t, err)

	// Same token again: page b, not a skip
	page, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", page.Records[0].StudentID)

	_, ok, err = it.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
