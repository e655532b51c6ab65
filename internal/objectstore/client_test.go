package objectstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBucketExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/accounts/acct/buckets/ws-alice":
			w.WriteHeader(http.StatusOK)
		case "/accounts/acct/buckets/ws-ghost":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "acct", "tok")

	exists, err := c.BucketExists(context.Background(), "ws-alice")
	if err != nil || !exists {
		t.Errorf("expected (true, nil), got (%v, %v)", exists, err)
	}

	exists, err = c.BucketExists(context.Background(), "ws-ghost")
	if err != nil || exists {
		t.Errorf("404 is (false, nil), got (%v, %v)", exists, err)
	}

	if _, err = c.BucketExists(context.Background(), "ws-boom"); err == nil {
		t.Error("expected error for 500")
	}
}

func TestCreateBucketConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "acct", "tok")
	created, err := c.CreateBucket(context.Background(), "ws-alice")
	if err != nil {
		t.Fatalf("conflict must not be an error: %v", err)
	}
	if created {
		t.Error("conflict means the bucket already existed, created must be false")
	}
}

// fakeAdmin scripts the admin API for EnsureBucket semantics.
type fakeAdmin struct {
	exists    bool
	existsErr error
	created   bool
	createErr error

	existsCalls int
	createCalls int
}

func (f *fakeAdmin) BucketExists(_ context.Context, _ string) (bool, error) {
	f.existsCalls++
	return f.exists, f.existsErr
}

func (f *fakeAdmin) CreateBucket(_ context.Context, _ string) (bool, error) {
	f.createCalls++
	return f.created, f.createErr
}

func TestEnsureBucketExistingSkipsCreateAndSeed(t *testing.T) {
	api := &fakeAdmin{exists: true}
	seeded := 0
	err := EnsureBucket(context.Background(), api, "ws-alice", func(ctx context.Context) error {
		seeded++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.createCalls != 0 {
		t.Error("existing bucket must not be re-created")
	}
	if seeded != 0 {
		t.Error("existing bucket must not be re-seeded")
	}
}

func TestEnsureBucketSeedsOnlyWhenCreated(t *testing.T) {
	api := &fakeAdmin{exists: false, created: true}
	seeded := 0
	err := EnsureBucket(context.Background(), api, "ws-alice", func(ctx context.Context) error {
		seeded++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seeded != 1 {
		t.Errorf("expected exactly one seed on creation, got %d", seeded)
	}
}

func TestEnsureBucketLostRaceSkipsSeed(t *testing.T) {
	// Bucket appeared between the existence check and the create.
	api := &fakeAdmin{exists: false, created: false}
	seeded := 0
	err := EnsureBucket(context.Background(), api, "ws-alice", func(ctx context.Context) error {
		seeded++
		return nil
	})
	if err != nil {
		t.Fatalf("lost creation race is success: %v", err)
	}
	if seeded != 0 {
		t.Error("the race winner seeds, not us")
	}
}

func TestEnsureBucketSeedFailureSurfaces(t *testing.T) {
	api := &fakeAdmin{exists: false, created: true}
	boom := errors.New("upload failed")
	err := EnsureBucket(context.Background(), api, "ws-alice", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("seed failure must surface, got %v", err)
	}
}

func TestEnsureBucketNilSeed(t *testing.T) {
	api := &fakeAdmin{exists: false, created: true}
	if err := EnsureBucket(context.Background(), api, "ws-alice", nil); err != nil {
		t.Fatalf("nil seed hook must be allowed: %v", err)
	}
}
