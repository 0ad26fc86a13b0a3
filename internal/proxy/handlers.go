package proxy

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datadove/tryon-preview-engine/internal/access"
	"github.com/datadove/tryon-preview-engine/internal/fault"
	"github.com/datadove/tryon-preview-engine/internal/middleware"
	"github.com/datadove/tryon-preview-engine/internal/preview"
	"github.com/datadove/tryon-preview-engine/internal/security"
)

// identityFrom reads the identity headers the storefront forwards with every
// request. Absent headers yield the anonymous identity.
func identityFrom(r *http.Request) access.Identity {
	id := access.Identity{
		Email: r.Header.Get("X-Owner-Email"),
		Tag:   r.Header.Get("X-Owner-Tag"),
	}
	if raw := r.Header.Get("X-Owner-Id"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			id.ID = parsed
		}
	}
	if roles := r.Header.Get("X-Owner-Roles"); roles != "" {
		for _, role := range strings.Split(roles, ",") {
			if role = strings.TrimSpace(role); role != "" {
				id.Roles = append(id.Roles, role)
			}
		}
	}
	return id
}

// statusFor maps a failure category to an HTTP status.
func statusFor(cat fault.Category) int {
	switch cat {
	case fault.RequestMalformed, fault.UnsupportedImageFormat:
		return http.StatusBadRequest
	case fault.AccessDenied, fault.ConsentRequired, fault.LicenseInvalid, fault.LicenseExpired:
		return http.StatusForbidden
	case fault.ImageNotFound:
		return http.StatusNotFound
	case fault.QuotaExceeded, fault.QuotaExhausted:
		return http.StatusTooManyRequests
	case fault.UpstreamTimeout:
		return http.StatusGatewayTimeout
	case fault.RelayUnreachable, fault.StorageUnavailable, fault.StorageWriteError,
		fault.CredentialUnavailable, fault.UpstreamProcessingFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeFailure sends the user-facing message for err. Internals stay in the
// logs only.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	cat := fault.CategoryOf(err)
	logrus.WithError(err).WithFields(logrus.Fields{
		"method":   r.Method,
		"path":     r.URL.Path,
		"category": string(cat),
	}).Warn("Request failed")

	status := statusFor(cat)
	if status >= 500 {
		middleware.CaptureFault(r.Context(), err, nil)
	}

	writeJSON(w, status, map[string]string{
		"code":  string(cat),
		"error": fault.UserMessageFor(err),
	})
}

type previewPayload struct {
	Photo         string `json:"photo"`
	PhotoFilename string `json:"photo_filename"`
	SavedImageURL string `json:"saved_image_url"`
	GarmentURL    string `json:"garment_url"`
	Category      string `json:"category"`
	ConsentGiven  bool   `json:"consent_given"`
}

// handlePreview accepts either multipart form data with a photo file or a
// JSON body with a base64 photo or a saved image URL.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodySize)

	req := preview.Request{Identity: identityFrom(r)}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(s.config.Server.MaxBodySize); err != nil {
			writeFailure(w, r, fault.Newf(fault.RequestMalformed, "parsing multipart form: %v", err))
			return
		}
		if file, header, err := r.FormFile("photo"); err == nil {
			data, readErr := io.ReadAll(file)
			_ = file.Close()
			if readErr != nil {
				writeFailure(w, r, fault.Newf(fault.RequestMalformed, "reading photo: %v", readErr))
				return
			}
			req.PhotoData = data
			req.PhotoFilename = header.Filename
		}
		req.SavedImageURL = r.FormValue("saved_image_url")
		req.GarmentURL = r.FormValue("garment_url")
		req.Category = r.FormValue("category")
		req.ConsentGiven = r.FormValue("consent_given") == "true" || r.FormValue("consent_given") == "1"
	} else {
		var payload previewPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeFailure(w, r, fault.Newf(fault.RequestMalformed, "parsing request body: %v", err))
			return
		}
		if payload.Photo != "" {
			data, err := decodePhoto(payload.Photo)
			if err != nil {
				writeFailure(w, r, err)
				return
			}
			req.PhotoData = data
			req.PhotoFilename = payload.PhotoFilename
		}
		req.SavedImageURL = payload.SavedImageURL
		req.GarmentURL = payload.GarmentURL
		req.Category = payload.Category
		req.ConsentGiven = payload.ConsentGiven
	}

	if req.GarmentURL == "" {
		writeFailure(w, r, fault.Newf(fault.RequestMalformed, "garment_url is required"))
		return
	}

	res, err := s.svc.Generate(r.Context(), req)
	if err != nil {
		s.metrics.IncPreview(string(fault.CategoryOf(err)), preview.MapCategory(req.Category))
		writeFailure(w, r, err)
		return
	}

	s.metrics.IncPreview("success", preview.MapCategory(req.Category))
	writeJSON(w, http.StatusOK, map[string]string{
		"preview_url":      res.PreviewURL,
		"stored_photo_url": res.StoredPhotoURL,
	})
}

// decodePhoto accepts raw base64 with or without a data URI prefix.
func decodePhoto(encoded string) ([]byte, error) {
	if idx := strings.Index(encoded, ";base64,"); idx >= 0 {
		encoded = encoded[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fault.Newf(fault.RequestMalformed, "decoding photo: %v", err)
	}
	return data, nil
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	urls, err := s.svc.ListImages(r.Context(), identityFrom(r))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"images": urls})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ImageURL string `json:"image_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ImageURL == "" {
		writeFailure(w, r, fault.Newf(fault.RequestMalformed, "image_url is required"))
		return
	}

	deleted, err := s.svc.DeleteImage(r.Context(), identityFrom(r), payload.ImageURL)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	s.metrics.IncStorageOp("delete", resultLabel(deleted))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "noop"
}

func (s *Server) handleValidateLicense(w http.ResponseWriter, r *http.Request) {
	status, err := s.license.ValidateLicense(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type sessionPayload struct {
	OwnerID int64  `json:"owner_id"`
	Email   string `json:"email"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload sessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.OwnerID <= 0 {
		writeFailure(w, r, fault.Newf(fault.RequestMalformed, "owner_id is required"))
		return
	}
	if err := s.sessions.MarkLogin(payload.OwnerID, payload.Email, time.Now()); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var payload sessionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.OwnerID <= 0 {
		writeFailure(w, r, fault.Newf(fault.RequestMalformed, "owner_id is required"))
		return
	}
	if err := s.sessions.MarkLogout(payload.OwnerID, payload.Email, time.Now()); err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleImageProxy streams a stored image back to the browser. Objects are
// private in the store, so this is the only way the storefront can render
// them. Everything served here is re-encoded JPEG.
func (s *Server) handleImageProxy(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := security.ValidateObjectKey(key); err != nil {
		writeFailure(w, r, fault.Newf(fault.ImageNotFound, "invalid key: %v", err))
		return
	}

	data, err := s.svc.FetchImage(r.Context(), key)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	jpeg, err := s.normalizer.Normalize(data)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(jpeg)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(jpeg)
}
