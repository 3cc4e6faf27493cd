/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Base64Image represents a base64-encoded image data URI string, the
// shape an embed's image/thumbnail/author icon field accepts inline.
type Base64Image = string

// NewImageFile reads an image file and returns its base64 data URI
// string, e.g. "data:image/png;base64,<base64-encoded-bytes>".
func NewImageFile(path string) (Base64Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	mimeType := http.DetectContentType(data)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("not an image file: detected MIME type %s", mimeType)
	}

	if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("invalid image data: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return fmt.Sprintf("data:%s;base64,%s", mimeType, encoded), nil
}

// NewFileAttachment reads path into an uploadFile suitable for
// requestOptions.Files, the multipart "files[i]" part a request with
// an attachment body uses instead of a data URI.
//
// Grounded on the teacher's NewImageFile (file.go), generalized from
// an embed-only, image-only helper into the general-purpose attachment
// path requestbuilder.go's buildMultipart expects, which accepts any
// file (not only images).
func NewFileAttachment(path string) (uploadFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return uploadFile{}, fmt.Errorf("read file: %w", err)
	}
	return uploadFile{
		Name: filepath.Base(path),
		Body: bytes.NewReader(data),
	}, nil
}
