package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type fakeBucket struct {
	uploads map[string][]byte
	err     error
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{uploads: map[string][]byte{}}
}

func (b *fakeBucket) UploadFile(ctx context.Context, key string, file io.Reader) error {
	if b.err != nil {
		return b.err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	b.uploads[key] = data
	return nil
}

func (b *fakeBucket) DeleteFile(ctx context.Context, key string) error { return nil }

func (b *fakeBucket) GetPublicURL(key string) string {
	return "https://cdn.test/" + key
}

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func pngImages(t *testing.T, n int) []TrainingImage {
	t.Helper()
	out := make([]TrainingImage, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, TrainingImage{
			Filename: fmt.Sprintf("photo_%d.png", i),
			Data:     pngImage(t, 512, 512),
		})
	}
	return out
}

func TestCreateBundleCountLimits(t *testing.T) {
	bucket := newFakeBucket()
	svc := NewImageBundlerService(testLogger(t), bucket)
	userID := uuid.New()

	res, err := svc.CreateBundle(context.Background(), userID, pngImages(t, 2))
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if res.Success || res.Error != "At least 3 training images are required" {
		t.Fatalf("too few images: got %+v", res)
	}

	res, err = svc.CreateBundle(context.Background(), userID, pngImages(t, 21))
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if res.Success || res.Error != "Maximum 20 training images allowed" {
		t.Fatalf("too many images: got %+v", res)
	}

	if len(bucket.uploads) != 0 {
		t.Fatalf("rejected bundles must not be uploaded, got %d uploads", len(bucket.uploads))
	}
}

func TestCreateBundleSuccess(t *testing.T) {
	bucket := newFakeBucket()
	svc := NewImageBundlerService(testLogger(t), bucket)
	userID := uuid.New()

	res, err := svc.CreateBundle(context.Background(), userID, pngImages(t, 3))
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if !res.Success {
		t.Fatalf("want success, got %+v", res)
	}
	if res.ImageCount != 3 || res.TotalSize <= 0 {
		t.Fatalf("bad bundle stats: %+v", res)
	}
	if !strings.HasPrefix(res.BundleURL, "https://cdn.test/training-bundles/"+userID.String()+"/") {
		t.Fatalf("bad bundle url %q", res.BundleURL)
	}

	key := strings.TrimPrefix(res.BundleURL, "https://cdn.test/")
	raw, ok := bucket.uploads[key]
	if !ok {
		t.Fatalf("bundle not uploaded under %q", key)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("zip open: %v", err)
	}
	if len(zr.File) != 3 {
		t.Fatalf("want 3 zip entries got %d", len(zr.File))
	}
	if zr.File[0].Name != "image_01.png" {
		t.Fatalf("want image_01.png got %q", zr.File[0].Name)
	}
}

func TestCreateBundleRejectsBadImages(t *testing.T) {
	bucket := newFakeBucket()
	svc := NewImageBundlerService(testLogger(t), bucket)
	userID := uuid.New()

	imgs := pngImages(t, 3)
	imgs[1] = TrainingImage{Filename: "notes.txt", Data: []byte("not an image")}
	res, err := svc.CreateBundle(context.Background(), userID, imgs)
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "notes.txt") {
		t.Fatalf("want format rejection naming the file, got %+v", res)
	}

	imgs = pngImages(t, 3)
	imgs[2] = TrainingImage{Filename: "tiny.png", Data: pngImage(t, 100, 100)}
	res, err = svc.CreateBundle(context.Background(), userID, imgs)
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "too small") {
		t.Fatalf("want dimension rejection, got %+v", res)
	}
}

func TestCreateBundleUploadFailure(t *testing.T) {
	bucket := newFakeBucket()
	bucket.err = fmt.Errorf("gcs unavailable")
	svc := NewImageBundlerService(testLogger(t), bucket)

	res, err := svc.CreateBundle(context.Background(), uuid.New(), pngImages(t, 3))
	if err != nil {
		t.Fatalf("CreateBundle: %v", err)
	}
	if res.Success || !strings.Contains(res.Error, "gcs unavailable") {
		t.Fatalf("want upload failure surfaced, got %+v", res)
	}
}
