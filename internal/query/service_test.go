package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"crop-diagnosis-back/internal/models"
	"crop-diagnosis-back/internal/repository"
	"crop-diagnosis-back/internal/storage"

	"go.uber.org/zap"
)

func ptr(s string) *string { return &s }

func seed(t *testing.T, repo *repository.MemoryMediaRepo, id string, owner *string, created time.Time) {
	t.Helper()
	_, err := repo.CreateIfAbsent(context.Background(), &models.Media{
		ID:        id,
		Status:    models.StatusUploaded,
		OwnerID:   owner,
		BlobRef:   id + ".jpg",
		CreatedAt: created,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func complete(t *testing.T, repo *repository.MemoryMediaRepo, id string) {
	t.Helper()
	ctx := context.Background()
	steps := []repository.Transition{
		{From: models.StatusUploaded, To: models.StatusProcessing},
		{From: models.StatusProcessing, To: models.StatusCompleted, Result: ptr("leaf_blight"), Confidence: ptr("92%")},
	}
	for _, s := range steps {
		if err := repo.Transition(ctx, id, s); err != nil {
			t.Fatal(err)
		}
	}
}

func newService(t *testing.T, repo *repository.MemoryMediaRepo) (*Service, *storage.LocalStore) {
	t.Helper()
	blobs, err := storage.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewService(repo, blobs, Options{CacheSize: 16, CacheTTL: time.Minute}, zap.NewNop()), blobs
}

func TestGetStatus_NotFound(t *testing.T) {
	svc, _ := newService(t, repository.NewMemoryMediaRepo())
	if _, err := svc.GetStatus(context.Background(), "does-not-exist"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetResult_GatedOnCompleted(t *testing.T) {
	repo := repository.NewMemoryMediaRepo()
	svc, _ := newService(t, repo)
	ctx := context.Background()
	seed(t, repo, "a1", nil, time.Time{})

	res, err := svc.GetResult(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusUploaded || res.Result != nil || res.Confidence != nil {
		t.Fatalf("uploaded record exposes result: %+v", res)
	}

	complete(t, repo, "a1")
	res, err = svc.GetResult(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != models.StatusCompleted || *res.Result != "leaf_blight" || *res.Confidence != "92%" {
		t.Fatalf("completed result: %+v", res)
	}
}

func TestMedia_CachesOnlyTerminal(t *testing.T) {
	repo := repository.NewMemoryMediaRepo()
	svc, _ := newService(t, repo)
	ctx := context.Background()
	seed(t, repo, "a1", nil, time.Time{})

	if _, err := svc.GetStatus(ctx, "a1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.cache.get("a1"); ok {
		t.Fatal("non-terminal record cached")
	}

	// A cached UPLOADED record would hide this transition.
	complete(t, repo, "a1")
	st, err := svc.GetStatus(ctx, "a1")
	if err != nil || st.Status != models.StatusCompleted {
		t.Fatalf("status = %+v, err = %v", st, err)
	}
	if _, ok := svc.cache.get("a1"); !ok {
		t.Fatal("terminal record not cached")
	}
}

func TestGetHistory_OwnerIsolationAndOrder(t *testing.T) {
	repo := repository.NewMemoryMediaRepo()
	svc, _ := newService(t, repo)
	ctx := context.Background()
	base := time.Now().UTC()

	seed(t, repo, "b1", ptr("u1"), base)
	seed(t, repo, "b2", ptr("u2"), base.Add(time.Second))
	seed(t, repo, "b3", ptr("u1"), base.Add(2*time.Second))
	seed(t, repo, "anon", nil, base.Add(3*time.Second))
	complete(t, repo, "b1")

	page, err := svc.GetHistory(ctx, HistoryRequest{OwnerID: ptr("u1")})
	if err != nil {
		t.Fatal(err)
	}
	items := page.Items
	if len(items) != 2 || items[0].ID != "b3" || items[1].ID != "b1" {
		t.Fatalf("u1 history = %+v", items)
	}
	if items[1].Result == nil || items[0].Result != nil {
		t.Fatal("history result gating broken")
	}
	if items[0].FileURL != "/uploads/b3.jpg" {
		t.Fatalf("file url = %q", items[0].FileURL)
	}

	all, err := svc.GetHistory(ctx, HistoryRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all.Items) != 4 || all.Items[0].ID != "anon" || all.NextCursor != "" {
		t.Fatalf("unscoped history = %+v", all)
	}
}

func TestGetHistory_WholeHistoryWithoutLimit(t *testing.T) {
	repo := repository.NewMemoryMediaRepo()
	svc, _ := newService(t, repo)
	base := time.Now().UTC()
	for i := 0; i < 250; i++ {
		seed(t, repo, fmt.Sprintf("m%03d", i), ptr("u1"), base.Add(time.Duration(i)*time.Millisecond))
	}

	page, err := svc.GetHistory(context.Background(), HistoryRequest{OwnerID: ptr("u1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 250 || page.NextCursor != "" {
		t.Fatalf("got %d items, next cursor %q", len(page.Items), page.NextCursor)
	}
	if page.Items[0].ID != "m249" || page.Items[249].ID != "m000" {
		t.Fatalf("order: first %s last %s", page.Items[0].ID, page.Items[249].ID)
	}
}

func TestGetHistory_PagesReachEveryRecord(t *testing.T) {
	repo := repository.NewMemoryMediaRepo()
	blobs, _ := storage.NewLocalStore(t.TempDir())
	svc := NewService(repo, blobs, Options{MaxPageSize: 40}, zap.NewNop())
	base := time.Now().UTC()
	for i := 0; i < 250; i++ {
		// Pairs share a timestamp so the id tie-break is exercised.
		seed(t, repo, fmt.Sprintf("m%03d", i), ptr("u1"), base.Add(time.Duration(i/2)*time.Millisecond))
	}
	seed(t, repo, "other", ptr("u2"), base)

	seen := map[string]bool{}
	var order []string
	req := HistoryRequest{OwnerID: ptr("u1"), Limit: 1000}
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("paging did not terminate")
		}
		page, err := svc.GetHistory(context.Background(), req)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Items) > 40 {
			t.Fatalf("page of %d exceeds max page size", len(page.Items))
		}
		for _, it := range page.Items {
			if seen[it.ID] {
				t.Fatalf("%s returned twice", it.ID)
			}
			seen[it.ID] = true
			order = append(order, it.ID)
		}
		if page.NextCursor == "" {
			break
		}
		req.Before = page.NextCursor
	}

	if len(seen) != 250 || seen["other"] {
		t.Fatalf("visited %d records", len(seen))
	}
	if order[0] != "m249" || order[249] != "m000" {
		t.Fatalf("order: first %s last %s", order[0], order[249])
	}
}

func TestGetHistory_InvalidCursor(t *testing.T) {
	svc, _ := newService(t, repository.NewMemoryMediaRepo())
	for _, c := range []string{"%%%", "bm9waXBl", "MTIz"} {
		if _, err := svc.GetHistory(context.Background(), HistoryRequest{Limit: 5, Before: c}); !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("cursor %q: err = %v, want ErrInvalidCursor", c, err)
		}
	}
}

func TestFetchBlob(t *testing.T) {
	svc, blobs := newService(t, repository.NewMemoryMediaRepo())
	ctx := context.Background()
	if _, err := blobs.Put(ctx, "a1.png", []byte("\x89PNG\r\n\x1a\npixels"), "image/png"); err != nil {
		t.Fatal(err)
	}

	blob, err := svc.FetchBlob(ctx, "a1.png")
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Body.Close()
	data, _ := io.ReadAll(blob.Body)
	if !strings.HasSuffix(string(data), "pixels") || blob.ContentType != "image/png" {
		t.Fatalf("blob %q type %q", data, blob.ContentType)
	}

	for _, ref := range []string{"missing.png", "../etc/passwd"} {
		if _, err := svc.FetchBlob(ctx, ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("FetchBlob(%q) = %v, want ErrNotFound", ref, err)
		}
	}
}
