package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/username/aims/backend/src/logger"
)

// ErrInvalidUpload is wrapped by every rejection in this package.
var ErrInvalidUpload = errors.New("invalid upload")

// AllowedClientContentTypes is a map for quick lookup of allowed client-declared MIME types.
var AllowedClientContentTypes = map[string]bool{
	"application/xml":          true,
	"text/xml":                 true,
	"application/iati+xml":     true,
	"text/plain":               true,
	"application/octet-stream": true, // browsers send this for unknown extensions
	"application/json":         false,
	"text/csv":                 false,
	"application/zip":          false,
}

// ValidateClientContentType checks the Content-Type header provided by the client.
// Parameters such as charset are ignored.
func ValidateClientContentType(contentType string) error {
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if allowed, exists := AllowedClientContentTypes[mediaType]; !exists || !allowed {
		logger.L.Warn("Disallowed client-declared Content-Type", "contentType", contentType)
		return fmt.Errorf("%w: client-declared file type '%s' is not allowed for IATI upload", ErrInvalidUpload, contentType)
	}
	return nil
}

// ValidateFileContentByMagicBytes checks the actual file content signature (magic bytes).
// It returns the detected content type and an error if validation fails.
// The reader is rewound before returning.
func ValidateFileContentByMagicBytes(file io.ReadSeeker) (string, error) {
	if file == nil {
		return "", fmt.Errorf("%w: file is nil", ErrInvalidUpload)
	}

	buffer := make([]byte, 512)
	n, err := io.ReadFull(file, buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("failed to read file for content type checking: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to reset file read pointer: %w", err)
	}
	return DetectXML(buffer[:n])
}

// DetectXML checks that head, the first bytes of a file, look like an XML
// document and returns the detected content type.
func DetectXML(head []byte) (string, error) {
	if len(bytes.TrimSpace(head)) == 0 {
		return "", fmt.Errorf("%w: file is empty", ErrInvalidUpload)
	}

	detected := http.DetectContentType(head)
	detected = strings.ToLower(strings.Split(detected, ";")[0])

	switch detected {
	case "text/xml", "application/xml":
		logger.L.Debug("File content type (magic bytes) validated", "detectedContentType", detected)
		return detected, nil
	case "text/plain", "application/octet-stream":
		// UTF-16 documents and documents without an XML declaration are not
		// sniffed as XML; accept them when they open with markup.
		if looksLikeMarkup(head) {
			return "application/xml", nil
		}
	}
	logger.L.Warn("Disallowed detected file content type (magic bytes)", "detectedContentType", detected)
	return detected, fmt.Errorf("%w: detected file content type '%s' is not consistent with an XML file", ErrInvalidUpload, detected)
}

func looksLikeMarkup(head []byte) bool {
	// Drop NUL bytes so UTF-16 input reads as ASCII for this check.
	head = bytes.ReplaceAll(head, []byte{0}, nil)
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	head = bytes.TrimPrefix(head, []byte("\xff\xfe"))
	head = bytes.TrimPrefix(head, []byte("\xfe\xff"))
	head = bytes.TrimLeft(head, " \t\r\n")
	return len(head) > 1 && head[0] == '<' && (head[1] == '?' || head[1] == '!' || isNameStart(head[1]))
}

func isNameStart(c byte) bool {
	return c == '_' || c == ':' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
