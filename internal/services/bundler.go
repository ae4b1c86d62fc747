package services

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"path"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/google/uuid"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

const (
	MinTrainingImages = 3
	MaxTrainingImages = 20

	// Shorter side below this trains poorly; the provider downscales to
	// 512/768/1024 buckets.
	minImageDimension = 256
	maxImageBytes     = 20 << 20
)

// TrainingImage is one user-supplied photo, already decoded from the request.
type TrainingImage struct {
	Filename string
	Data     []byte
}

// BundleResult reports the outcome of bundling. Success=false carries a
// human-readable reason; the pipeline treats it as a hard abort before any
// provider submission happens.
type BundleResult struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	BundleURL      string `json:"bundle_url,omitempty"`
	BundleFilename string `json:"bundle_filename,omitempty"`
	TotalSize      int64  `json:"total_size"`
	ImageCount     int    `json:"image_count"`
}

type ImageBundlerService interface {
	CreateBundle(ctx context.Context, userID uuid.UUID, images []TrainingImage) (*BundleResult, error)
}

type imageBundlerService struct {
	log    *logger.Logger
	bucket BucketService
}

func NewImageBundlerService(baseLog *logger.Logger, bucket BucketService) ImageBundlerService {
	return &imageBundlerService{
		log:    baseLog.With("service", "ImageBundlerService"),
		bucket: bucket,
	}
}

func (s *imageBundlerService) CreateBundle(ctx context.Context, userID uuid.UUID, images []TrainingImage) (*BundleResult, error) {
	if len(images) < MinTrainingImages {
		return &BundleResult{Success: false, Error: fmt.Sprintf("At least %d training images are required", MinTrainingImages)}, nil
	}
	if len(images) > MaxTrainingImages {
		return &BundleResult{Success: false, Error: fmt.Sprintf("Maximum %d training images allowed", MaxTrainingImages)}, nil
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, img := range images {
		if reason := validateImage(img); reason != "" {
			_ = zw.Close()
			return &BundleResult{Success: false, Error: reason}, nil
		}
		entryName := fmt.Sprintf("image_%02d%s", i+1, normalizedExt(img.Filename))
		w, err := zw.Create(entryName)
		if err != nil {
			_ = zw.Close()
			return &BundleResult{Success: false, Error: fmt.Sprintf("Failed to build zip archive: %v", err)}, nil
		}
		if _, err := w.Write(img.Data); err != nil {
			_ = zw.Close()
			return &BundleResult{Success: false, Error: fmt.Sprintf("Failed to build zip archive: %v", err)}, nil
		}
	}
	if err := zw.Close(); err != nil {
		return &BundleResult{Success: false, Error: fmt.Sprintf("Failed to finalize zip archive: %v", err)}, nil
	}

	filename := fmt.Sprintf("training_images_%s.zip", uuid.New().String())
	key := fmt.Sprintf("training-bundles/%s/%s", userID.String(), filename)
	if err := s.bucket.UploadFile(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
		s.log.Error("Bundle upload failed", "user_id", userID, "key", key, "error", err)
		return &BundleResult{
			Success:        false,
			Error:          fmt.Sprintf("Failed to upload training bundle: %v", err),
			BundleFilename: filename,
		}, nil
	}

	s.log.Info("Training bundle uploaded", "user_id", userID, "key", key, "images", len(images), "bytes", buf.Len())
	return &BundleResult{
		Success:        true,
		BundleURL:      s.bucket.GetPublicURL(key),
		BundleFilename: filename,
		TotalSize:      int64(buf.Len()),
		ImageCount:     len(images),
	}, nil
}

// validateImage returns a non-empty rejection reason for images that cannot
// be used for training.
func validateImage(img TrainingImage) string {
	if len(img.Data) == 0 {
		return fmt.Sprintf("Image %q is empty", img.Filename)
	}
	if len(img.Data) > maxImageBytes {
		return fmt.Sprintf("Image %q exceeds the %dMB size limit", img.Filename, maxImageBytes>>20)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return fmt.Sprintf("Image %q is not a supported format (jpeg, png, webp): %v", img.Filename, err)
	}
	switch format {
	case "jpeg", "png", "webp":
	default:
		return fmt.Sprintf("Image %q has unsupported format %q (jpeg, png, webp)", img.Filename, format)
	}
	shorter := cfg.Width
	if cfg.Height < shorter {
		shorter = cfg.Height
	}
	if shorter < minImageDimension {
		return fmt.Sprintf("Image %q is too small (%dx%d); the shorter side must be at least %dpx", img.Filename, cfg.Width, cfg.Height, minImageDimension)
	}
	return ""
}

func normalizedExt(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return ext
	default:
		return ".jpg"
	}
}
