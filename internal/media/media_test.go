package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"campaign-engine/internal/config"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestSaveLocalWithThumbnail(t *testing.T) {
	tempDir := t.TempDir()
	store, err := NewStore(context.Background(), config.Config{
		MediaDir:      tempDir,
		MediaMaxBytes: 2 * 1024 * 1024,
		ThumbWidth:    5,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	att, err := store.Save(context.Background(), "t1", "c1", "banner.png", bytes.NewReader(pngBytes(t, 10, 10)))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(att.Key, "tenants/t1/campaigns/c1/") {
		t.Fatalf("unexpected key layout: %s", att.Key)
	}
	if att.ContentType != "image/png" {
		t.Fatalf("expected image/png, got %s", att.ContentType)
	}

	if _, err := os.Stat(filepath.Join(tempDir, filepath.FromSlash(att.Key))); err != nil {
		t.Fatalf("original not written: %v", err)
	}

	thumbData, err := os.ReadFile(filepath.Join(tempDir, filepath.FromSlash(att.ThumbKey)))
	if err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(thumbData))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if thumb.Bounds().Dx() != 5 {
		t.Fatalf("expected thumbnail width 5, got %d", thumb.Bounds().Dx())
	}
}

func TestSaveRejectsOversizedUpload(t *testing.T) {
	store := NewStoreWithUploader(&localUploader{baseDir: t.TempDir()}, config.Config{
		MediaMaxBytes: 64,
	})

	_, err := store.Save(context.Background(), "t1", "c1", "big.png", bytes.NewReader(pngBytes(t, 100, 100)))
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestSaveRejectsNonImage(t *testing.T) {
	store := NewStoreWithUploader(&localUploader{baseDir: t.TempDir()}, config.Config{})

	_, err := store.Save(context.Background(), "t1", "c1", "notes.txt", strings.NewReader("not an image"))
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
}
