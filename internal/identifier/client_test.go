package identifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sendit/internal/domain"
	"github.com/kursadbilgin/sendit/internal/retry"
)

var fastRetry = retry.Policy{
	MaxAttempts:  3,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
	Multiplier:   2,
}

// echoResults answers every item with a SUID derived from its id.
func echoResults(w http.ResponseWriter, r *http.Request) (Request, error) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, err
	}
	results := make([]domain.EntityResult, 0, len(req.Identifiers))
	for _, e := range req.Identifiers {
		entity := domain.EntityResult{ID: e.ID, SUID: "IR" + e.ID, IDSource: e.IDSource}
		for _, item := range e.Items {
			entity.Items = append(entity.Items, domain.ItemResult{ID: item.ID, SUID: "IR" + item.ID, IDSource: item.IDSource})
		}
		results = append(results, entity)
	}
	w.Header().Set("Content-Type", "application/json")
	return req, json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func newTestClient(t *testing.T, url string, chunkSize int) *Client {
	t.Helper()

	c, err := NewClient(ClientConfig{BaseURL: url, Token: "secret", ChunkSize: chunkSize, Retry: fastRetry})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	ids := domain.IdentifierMap{}
	ids.Set("B", "2", domain.Fields{"AccessionNumber": "ACC", "StudyDate": "20160525"})
	ids.Set("A", "1", domain.Fields{"AccessionNumber": ""})

	req := BuildRequest(ids, RequestFields{EntityField: "PatientID", ItemField: "SOPInstanceUID", CodedFields: []string{"AccessionNumber"}})

	if len(req.Identifiers) != 2 || req.Identifiers[0].ID != "A" {
		t.Fatalf("Identifiers = %+v, want sorted A, B", req.Identifiers)
	}
	if req.Identifiers[0].Items[0].CustomFields != nil {
		t.Fatal("empty coded values should not be sent")
	}
	item := req.Identifiers[1].Items[0]
	if item.IDSource != "SOPInstanceUID" || item.IDTimestamp != "2016-05-25T00:00:00Z" {
		t.Fatalf("item = %+v", item)
	}
	if len(item.CustomFields) != 1 || item.CustomFields[0].Value != "ACC" {
		t.Fatalf("CustomFields = %+v", item.CustomFields)
	}
}

func TestDeidentifySuccess(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if _, err := echoResults(w, r); err != nil {
			t.Errorf("echoResults() error = %v", err)
		}
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 0)
	results, err := c.Deidentify(context.Background(), "test", Request{Identifiers: []Entity{
		{ID: "P1", IDSource: "PatientID", Items: []Item{{ID: "I1"}, {ID: "I2"}}},
	}})
	if err != nil {
		t.Fatalf("Deidentify() error = %v", err)
	}

	if gotPath != "/api/test/deidentify" {
		t.Fatalf("path = %q, want /api/test/deidentify", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q, want Bearer secret", gotAuth)
	}
	if len(results) != 1 || results[0].SUID != "IRP1" || len(results[0].Items) != 2 {
		t.Fatalf("results = %+v", results)
	}
}

func TestDeidentifyChunksLargeRequests(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := echoResults(w, r)
		if err != nil {
			t.Errorf("echoResults() error = %v", err)
			return
		}
		mu.Lock()
		sizes = append(sizes, req.ItemCount())
		mu.Unlock()
	}))
	defer server.Close()

	items := make([]Item, 2000)
	for i := range items {
		items[i] = Item{ID: fmt.Sprintf("I%04d", i)}
	}
	req := Request{Identifiers: []Entity{
		{ID: "P1", Items: items[:1500]},
		{ID: "P2", Items: items[1500:]},
	}}

	c := newTestClient(t, server.URL, DefaultChunkSize)
	results, err := c.Deidentify(context.Background(), "test", req)
	if err != nil {
		t.Fatalf("Deidentify() error = %v", err)
	}

	if len(sizes) != 3 || sizes[0] != 950 || sizes[1] != 950 || sizes[2] != 100 {
		t.Fatalf("chunk sizes = %v, want [950 950 100]", sizes)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if len(results[0].Items) != 1500 || len(results[1].Items) != 500 {
		t.Fatalf("items per entity = %d, %d, want 1500, 500", len(results[0].Items), len(results[1].Items))
	}
}

func TestDeidentifyRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = echoResults(w, r)
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 0)
	_, err := c.Deidentify(context.Background(), "test", Request{Identifiers: []Entity{{ID: "P1", Items: []Item{{ID: "I1"}}}}})
	if err != nil {
		t.Fatalf("Deidentify() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
}

func TestDeidentifyStatusClassification(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		wantTransient bool
		wantCalls     int32
	}{
		{name: "unauthorized is transient", statusCode: http.StatusUnauthorized, wantTransient: true, wantCalls: 3},
		{name: "too many requests is transient", statusCode: http.StatusTooManyRequests, wantTransient: true, wantCalls: 3},
		{name: "bad request is permanent", statusCode: http.StatusBadRequest, wantTransient: false, wantCalls: 1},
		{name: "bad gateway is transient", statusCode: http.StatusBadGateway, wantTransient: true, wantCalls: 3},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tc.statusCode)
				_, _ = w.Write([]byte("service failed"))
			}))
			defer server.Close()

			c := newTestClient(t, server.URL, 0)
			_, err := c.Deidentify(context.Background(), "test", Request{Identifiers: []Entity{{ID: "P1", Items: []Item{{ID: "I1"}}}}})
			if err == nil {
				t.Fatal("expected error")
			}

			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v", got, tc.wantTransient)
			}
			var serviceErr *ServiceError
			if !errors.As(err, &serviceErr) {
				t.Fatalf("expected ServiceError, got %T", err)
			}
			if serviceErr.StatusCode != tc.statusCode {
				t.Fatalf("ServiceError.StatusCode = %d, want %d", serviceErr.StatusCode, tc.statusCode)
			}
			if got := calls.Load(); got != tc.wantCalls {
				t.Fatalf("calls = %d, want %d", got, tc.wantCalls)
			}
		})
	}
}

func TestDeidentifyMissingResultsIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL, 0)
	_, err := c.Deidentify(context.Background(), "test", Request{Identifiers: []Entity{{ID: "P1", Items: []Item{{ID: "I1"}}}}})
	if !errors.Is(err, ErrMissingResults) {
		t.Fatalf("Deidentify() error = %v, want ErrMissingResults", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestDeidentifyTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := resty.New()
	client.SetTimeout(30 * time.Millisecond)

	c, err := NewClientWithResty(ClientConfig{BaseURL: server.URL, Retry: retry.Policy{MaxAttempts: 1}}, client)
	if err != nil {
		t.Fatalf("NewClientWithResty() error = %v", err)
	}

	_, err = c.Deidentify(context.Background(), "test", Request{Identifiers: []Entity{{ID: "P1", Items: []Item{{ID: "I1"}}}}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false for timeout error: %v", err)
	}
}

func TestDeidentifyUsesRateLimiter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = echoResults(w, r)
	}))
	defer server.Close()

	limiter := &fakeLimiter{}
	c, err := NewClient(ClientConfig{BaseURL: server.URL, Limiter: limiter, Retry: fastRetry})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if _, err := c.Deidentify(context.Background(), "test", Request{Identifiers: []Entity{{ID: "P1", Items: []Item{{ID: "I1"}}}}}); err != nil {
		t.Fatalf("Deidentify() error = %v", err)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "identifier" {
		t.Fatalf("limiter keys = %v, want [identifier]", limiter.keys)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

type fakeLimiter struct {
	keys []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (f *fakeLimiter) Wait(ctx context.Context, key string) error {
	f.keys = append(f.keys, key)
	return nil
}
