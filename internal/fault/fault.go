// Package fault defines the closed error taxonomy for the preview workflow.
// Every failure that can cross a component boundary is tagged with one of a
// finite set of categories, so downstream code matches on categories instead
// of raw strings from upstream services.
package fault

import (
	"errors"
	"fmt"
)

// Category identifies a stable failure class. Categories double as log keys
// and select the user-facing message; raw upstream payloads never reach the
// end user.
type Category string

const (
	UnsupportedImageFormat   Category = "unsupported_image_format"
	CredentialUnavailable    Category = "credential_unavailable"
	StorageUnavailable       Category = "storage_unavailable"
	StorageWriteError        Category = "storage_write_error"
	ImageNotFound            Category = "image_not_found"
	RelayUnreachable         Category = "relay_unreachable"
	LicenseInvalid           Category = "license_invalid"
	LicenseExpired           Category = "license_expired"
	QuotaExhausted           Category = "quota_exhausted" // reported by the relay
	QuotaExceeded            Category = "quota_exceeded"  // tracked locally per day
	UpstreamProcessingFailed Category = "upstream_processing_failed"
	UpstreamTimeout          Category = "upstream_timeout"
	RequestMalformed         Category = "internal_request_malformed"
	UnknownRelayError        Category = "relay_unknown_error"
	AccessDenied             Category = "access_denied"
	ConsentRequired          Category = "consent_required"
)

// userMessages holds the single short sentence shown to the end user for each
// category. None of these leak upstream codes or payloads.
var userMessages = map[Category]string{
	UnsupportedImageFormat:   "The uploaded image format is not supported. Please use a JPEG or PNG photo.",
	CredentialUnavailable:    "Stored images are temporarily unavailable. Please try again later.",
	StorageUnavailable:       "Stored images are temporarily unavailable. Please try again later.",
	StorageWriteError:        "Your photo could not be saved for later reuse.",
	ImageNotFound:            "The requested image could not be found.",
	RelayUnreachable:         "Error communicating with the license server.",
	LicenseInvalid:           "License key validation failed. Please check the configured key.",
	LicenseExpired:           "Your license is inactive or expired. Please renew your plan.",
	QuotaExhausted:           "You have run out of preview credits. Please purchase more.",
	QuotaExceeded:            "Daily quota exceeded, please try again tomorrow.",
	UpstreamProcessingFailed: "The AI engine failed to process the images. Please try different images or contact support.",
	UpstreamTimeout:          "The AI generation timed out. Please try again later.",
	RequestMalformed:         "An internal error occurred processing the request. Missing required data.",
	UnknownRelayError:        "An unknown error occurred on the license server.",
	AccessDenied:             "You are not allowed to use this feature.",
	ConsentRequired:          "Please provide consent before generating a preview.",
}

// Error is the tagged error type carried across the preview workflow.
type Error struct {
	Category Category
	cause    error
}

// New returns a tagged error wrapping cause. A nil cause is allowed for
// failures that originate at the boundary itself.
func New(cat Category, cause error) *Error {
	return &Error{Category: cat, cause: cause}
}

// Newf returns a tagged error with a formatted cause.
func Newf(cat Category, format string, args ...interface{}) *Error {
	return &Error{Category: cat, cause: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Category, e.cause)
	}
	return string(e.Category)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// UserMessage returns the short, non-technical sentence for this error.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Category]; ok {
		return msg
	}
	return userMessages[UnknownRelayError]
}

// Is matches two tagged errors by category, so callers can use
// errors.Is(err, fault.New(fault.QuotaExceeded, nil)).
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return e.Category == fe.Category
	}
	return false
}

// CategoryOf extracts the category from err, or UnknownRelayError when err
// carries no tag.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return UnknownRelayError
}

// IsCategory reports whether err is tagged with cat.
func IsCategory(err error, cat Category) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category == cat
	}
	return false
}

// UserMessageFor returns the user-facing sentence for err, falling back to
// the unknown-error sentence for untagged errors.
func UserMessageFor(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.UserMessage()
	}
	return userMessages[UnknownRelayError]
}
