package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const listPageOne = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>pagemill</Name>
  <Prefix>book/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>page-2</NextContinuationToken>
  <Contents><Key>book/content_001.b64</Key><Size>4</Size></Contents>
  <Contents><Key>book/content_002.b64</Key><Size>4</Size></Contents>
</ListBucketResult>`

const accessDenied = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>AccessDenied</Code><Message>Access Denied.</Message><BucketName>pagemill</BucketName><RequestId>1</RequestId></Error>`

// newS3Stub serves one truncated listing page and denies the continuation.
func newS3Stub(t *testing.T, continuations *atomic.Int32) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		w.Header().Set("Content-Type", "application/xml")
		switch {
		case query.Has("location"):
			_, _ = w.Write([]byte(`<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`))
		case query.Get("continuation-token") != "":
			continuations.Add(1)
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(accessDenied))
		default:
			_, _ = w.Write([]byte(listPageOne))
		}
	}))
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		Endpoint: strings.TrimPrefix(srv.URL, "http://"),
		Access:   "minio",
		Secret:   "minio123",
		Bucket:   "pagemill",
	})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func TestListKeysReturnsMidListingError(t *testing.T) {
	var continuations atomic.Int32
	client := newS3Stub(t, &continuations)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		keys, err := client.ListKeys(ctx, "book/")
		if err == nil {
			t.Errorf("expected listing error, got keys %v", keys)
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !strings.Contains(err.Error(), "book/") {
			t.Fatalf("expected prefix in error, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("ListKeys did not return after the listing failed")
	}
	if continuations.Load() != 1 {
		t.Fatalf("expected one continuation request, got %d", continuations.Load())
	}
}

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
