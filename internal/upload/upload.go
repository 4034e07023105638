// Package upload validates drawings received on the evaluate endpoint.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

// FieldName is the multipart field carrying the drawing.
const FieldName = "image"

// Decoded size limits. A small, highly compressed file must not expand
// into hundreds of megabytes of pixels during validation.
const (
	maxPixels    = 4096 * 4096
	maxDimension = 8192
)

var (
	// ErrMissingInput indicates the image part or its filename is absent.
	ErrMissingInput = errors.New("missing image input")
	// ErrEmptyPayload indicates a zero-length upload.
	ErrEmptyPayload = errors.New("empty image payload")
	// ErrPayloadTooLarge indicates the upload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("image payload too large")
	// ErrInvalidImage indicates the bytes do not decode as a raster image.
	ErrInvalidImage = errors.New("invalid image")
)

// Rejection is a validation failure with a message that is safe to return
// to the client. Reason is one of the sentinel errors above.
type Rejection struct {
	Reason  error
	Message string
	Cause   error
}

func (r *Rejection) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("%s: %v", r.Message, r.Cause)
	}
	return r.Message
}

func (r *Rejection) Unwrap() error { return r.Reason }

func reject(reason error, message string, cause error) error {
	return &Rejection{Reason: reason, Message: message, Cause: cause}
}

// Image is an upload that passed validation.
type Image struct {
	Filename string
	Data     []byte
	MIME     string
	Format   string
	Width    int
	Height   int
}

// Size returns the payload length in bytes.
func (i *Image) Size() int { return len(i.Data) }

// Reader returns a fresh reader positioned at the first byte, so the payload
// can be read again after validation consumed a reader of its own.
func (i *Image) Reader() io.Reader { return bytes.NewReader(i.Data) }

// FormFiler is satisfied by *gin.Context.
type FormFiler interface {
	FormFile(name string) (*multipart.FileHeader, error)
}

// postFormer is implemented by *gin.Context. A part sent with an empty
// filename is parsed as a plain form value rather than a file.
type postFormer interface {
	GetPostForm(key string) (string, bool)
}

// Validator enforces the upload rules in order: part present, filename
// present, non-empty, within the size limit, decodable.
type Validator struct {
	maxBytes int64
}

// NewValidator returns a validator that refuses payloads above maxBytes.
func NewValidator(maxBytes int64) *Validator {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &Validator{maxBytes: maxBytes}
}

// MaxBytes reports the configured payload limit.
func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// FromForm extracts and validates the image part from a multipart form.
func (v *Validator) FromForm(form FormFiler) (*Image, error) {
	header, err := form.FormFile(FieldName)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, reject(ErrPayloadTooLarge, "Uploaded file is too large", err)
		}
		if pf, ok := form.(postFormer); ok {
			if _, sent := pf.GetPostForm(FieldName); sent {
				return nil, reject(ErrMissingInput, "No file selected", err)
			}
		}
		return nil, reject(ErrMissingInput, "No image part in the request", err)
	}
	if header == nil || strings.TrimSpace(header.Filename) == "" {
		return nil, reject(ErrMissingInput, "No file selected", nil)
	}
	if header.Size > v.maxBytes {
		return nil, reject(ErrPayloadTooLarge, "Uploaded file is too large", nil)
	}

	src, err := header.Open()
	if err != nil {
		return nil, reject(ErrInvalidImage, "Uploaded file is not a valid image", err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, v.maxBytes+1))
	if err != nil {
		return nil, reject(ErrInvalidImage, "Uploaded file is not a valid image", err)
	}
	return v.Validate(header.Filename, data)
}

// Validate checks raw bytes received under filename.
func (v *Validator) Validate(filename string, data []byte) (*Image, error) {
	if strings.TrimSpace(filename) == "" {
		return nil, reject(ErrMissingInput, "No file selected", nil)
	}
	if len(data) == 0 {
		return nil, reject(ErrEmptyPayload, "Empty file", nil)
	}
	if int64(len(data)) > v.maxBytes {
		return nil, reject(ErrPayloadTooLarge, "Uploaded file is too large", nil)
	}

	detected := mimetype.Detect(data).String()
	if !strings.HasPrefix(detected, "image/") {
		return nil, reject(ErrInvalidImage, "Uploaded file is not a valid image", fmt.Errorf("detected %s", detected))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, reject(ErrInvalidImage, "Uploaded file is not a valid image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxDimension || cfg.Height > maxDimension ||
		cfg.Width*cfg.Height > maxPixels {
		return nil, reject(ErrInvalidImage, "Uploaded file is not a valid image",
			fmt.Errorf("unsupported dimensions %dx%d", cfg.Width, cfg.Height))
	}
	if _, _, err := image.Decode(bytes.NewReader(data)); err != nil {
		return nil, reject(ErrInvalidImage, "Uploaded file is not a valid image", err)
	}

	return &Image{
		Filename: filename,
		Data:     data,
		MIME:     detected,
		Format:   format,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
