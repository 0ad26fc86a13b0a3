// Package preview orchestrates the try-on workflow: access checks, image
// normalization, persistence of the user photo, and the relay call that
// produces the generated preview.
package preview

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/access"
	"github.com/datadove/tryon-preview-engine/internal/fault"
	"github.com/datadove/tryon-preview-engine/internal/storage"
)

// Normalizer converts arbitrary input images to flattened JPEG.
type Normalizer interface {
	Normalize(data []byte) ([]byte, error)
	NormalizeURL(ctx context.Context, url string) ([]byte, error)
}

// RelayGateway generates previews from a pair of JPEG images.
type RelayGateway interface {
	GeneratePreview(ctx context.Context, modelJPEG, garmentJPEG []byte, category string) (string, error)
}

// ImageStore is the slice of storage.Session the service uses.
type ImageStore interface {
	Bucket() string
	Upload(ctx context.Context, ownerID int64, key string, data []byte) (string, error)
	ListUserImages(ctx context.Context, prefix string) []string
	Delete(ctx context.Context, ownerPrefix, key string) (bool, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// StoreOpener yields a fresh store session per request.
type StoreOpener func(ctx context.Context) (ImageStore, error)

// Policy gates requests on access rules, quota, and consent.
type Policy interface {
	CanUse(id access.Identity) bool
	CheckQuota(id access.Identity, now time.Time) error
	ConsumeQuota(id access.Identity, now time.Time) error
	EnsureConsent(id access.Identity, consentGiven bool, now time.Time) error
}

// Service runs the preview workflow.
type Service struct {
	siteHost   string
	normalizer Normalizer
	relay      RelayGateway
	policy     Policy
	open       StoreOpener
	logger     *logrus.Entry
}

// NewService wires the workflow dependencies together.
func NewService(siteHost string, n Normalizer, r RelayGateway, p Policy, open StoreOpener) *Service {
	return &Service{
		siteHost:   siteHost,
		normalizer: n,
		relay:      r,
		policy:     p,
		open:       open,
		logger:     logrus.WithField("module", "preview"),
	}
}

// Request describes one preview generation. Exactly one of PhotoData or
// SavedImageURL supplies the user photo.
type Request struct {
	Identity      access.Identity
	PhotoData     []byte
	PhotoFilename string
	SavedImageURL string
	GarmentURL    string
	Category      string
	ConsentGiven  bool
}

// Result carries the generated preview and, when a fresh photo was uploaded,
// its stored copy.
type Result struct {
	PreviewURL     string
	StoredPhotoURL string
}

// Generate runs the full workflow for one request.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	now := time.Now()

	if !s.policy.CanUse(req.Identity) {
		return nil, fault.New(fault.AccessDenied, nil)
	}
	if err := s.policy.EnsureConsent(req.Identity, req.ConsentGiven, now); err != nil {
		return nil, err
	}
	if err := s.policy.CheckQuota(req.Identity, now); err != nil {
		return nil, err
	}

	modelJPEG, storedURL, err := s.resolveUserPhoto(ctx, req)
	if err != nil {
		return nil, err
	}

	garmentJPEG, err := s.normalizer.NormalizeURL(ctx, req.GarmentURL)
	if err != nil {
		return nil, err
	}

	previewURL, err := s.relay.GeneratePreview(ctx, modelJPEG, garmentJPEG, MapCategory(req.Category))
	if err != nil {
		return nil, err
	}

	if err := s.policy.ConsumeQuota(req.Identity, now); err != nil {
		s.logger.WithError(err).WithField("owner_id", req.Identity.ID).Warn("Failed to count successful generation against quota")
	}

	return &Result{PreviewURL: previewURL, StoredPhotoURL: storedURL}, nil
}

// resolveUserPhoto produces the model-side JPEG. A freshly uploaded photo is
// normalized and persisted for reuse; persistence failures are logged but do
// not abort generation. A saved photo is fetched back from the store.
func (s *Service) resolveUserPhoto(ctx context.Context, req Request) (jpeg []byte, storedURL string, err error) {
	switch {
	case len(req.PhotoData) > 0:
		jpeg, err = s.normalizer.Normalize(req.PhotoData)
		if err != nil {
			return nil, "", err
		}

		store, openErr := s.open(ctx)
		if openErr != nil {
			s.logger.WithError(openErr).Warn("Cannot open store, photo will not be saved for reuse")
			return jpeg, "", nil
		}
		key := storage.ObjectKey(s.siteHost, req.Identity.ID, req.Identity.Email, req.PhotoFilename, time.Now())
		storedURL, err = store.Upload(ctx, req.Identity.ID, key, jpeg)
		if err != nil {
			s.logger.WithError(err).WithField("key", key).Warn("Failed to save photo for reuse")
			return jpeg, "", nil
		}
		return jpeg, storedURL, nil

	case req.SavedImageURL != "":
		store, openErr := s.open(ctx)
		if openErr != nil {
			return nil, "", openErr
		}
		key := storage.KeyFromURL(req.SavedImageURL, store.Bucket())
		prefix := storage.UserPrefix(s.siteHost, req.Identity.ID, req.Identity.Email)
		if key == "" || !strings.HasPrefix(key, prefix) {
			return nil, "", fault.Newf(fault.ImageNotFound, "saved image does not belong to user %d", req.Identity.ID)
		}
		data, getErr := store.GetObject(ctx, key)
		if getErr != nil {
			return nil, "", getErr
		}
		jpeg, err = s.normalizer.Normalize(data)
		return jpeg, "", err

	default:
		return nil, "", fault.Newf(fault.RequestMalformed, "neither a photo nor a saved image was supplied")
	}
}

// ListImages returns the public URLs of the user's saved photos.
func (s *Service) ListImages(ctx context.Context, id access.Identity) ([]string, error) {
	if id.Anonymous() {
		return nil, fault.New(fault.AccessDenied, nil)
	}
	store, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	return store.ListUserImages(ctx, storage.UserPrefix(s.siteHost, id.ID, id.Email)), nil
}

// DeleteImage removes one of the user's saved photos. The ownership check is
// on the key prefix, so a user can never delete outside their own folder.
func (s *Service) DeleteImage(ctx context.Context, id access.Identity, imageURL string) (bool, error) {
	if id.Anonymous() {
		return false, fault.New(fault.AccessDenied, nil)
	}
	store, err := s.open(ctx)
	if err != nil {
		return false, err
	}
	key := storage.KeyFromURL(imageURL, store.Bucket())
	if key == "" {
		return false, nil
	}
	return store.Delete(ctx, storage.UserPrefix(s.siteHost, id.ID, id.Email), key)
}

// FetchImage returns the raw bytes of a stored object for proxying, after
// checking the key sits under the site's folder.
func (s *Service) FetchImage(ctx context.Context, key string) ([]byte, error) {
	if !strings.HasPrefix(key, s.siteHost+"/") {
		return nil, fault.Newf(fault.ImageNotFound, "key outside site folder")
	}
	store, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	return store.GetObject(ctx, key)
}

// MapCategory folds a product category or name onto the garment classes the
// upstream model understands. Unknown inputs fall back to automatic
// detection.
func MapCategory(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "tops", "bottoms", "one-pieces", "auto", "":
		if v == "" {
			return "auto"
		}
		return v
	}

	for _, kw := range []string{"dress", "gown", "jumpsuit", "romper", "overall", "one-piece", "onepiece"} {
		if strings.Contains(v, kw) {
			return "one-pieces"
		}
	}
	for _, kw := range []string{"pant", "trouser", "jean", "short", "skirt", "legging", "bottom"} {
		if strings.Contains(v, kw) {
			return "bottoms"
		}
	}
	for _, kw := range []string{"shirt", "top", "blouse", "jacket", "coat", "sweater", "hoodie", "tee", "cardigan", "vest"} {
		if strings.Contains(v, kw) {
			return "tops"
		}
	}
	return "auto"
}
