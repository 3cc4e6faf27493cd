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
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"runtime"
	"time"
)

// uploadFile is one multipart attachment, grounded on the teacher's
// Base64Image helper in file.go but retargeted from base64 data-URIs
// (embed-image use) to raw multipart parts (message/webhook
// attachments), the upload mechanism spec.md §6's files option
// describes.
type uploadFile struct {
	Key  string // form field name; defaults to "files[<index>]" if empty
	Name string
	Body io.Reader
}

// requestOptions customizes one outbound REST call beyond its method,
// path and JSON body, covering the header surface spec.md §6 exposes:
// audit-log reason, MFA, captcha and per-request timeout/header
// overrides.
type requestOptions struct {
	Reason           string
	Files            []uploadFile
	Headers          http.Header
	Timeout          time.Duration
	MFACode          string
	CaptchaKey       string
	CaptchaRqtoken   string
	ContextProps     string // base64 X-Context-Properties value, caller-supplied
	AuthNotRequired  bool
	Webhook          bool // exempt from the proactive global rate limit, per spec.md §4.4/§4.5
}

// identifyProperties feeds both the Gateway Identify payload and REST's
// X-Super-Properties header, per spec.md §4.3.3/§6.
type identifyProperties struct {
	OS              string `json:"os"`
	Browser         string `json:"browser"`
	Device          string `json:"device"`
	BrowserVersion  string `json:"browser_version,omitempty"`
	OSVersion       string `json:"os_version,omitempty"`
	Referrer        string `json:"referrer,omitempty"`
	ReferringDomain string `json:"referring_domain,omitempty"`
}

func defaultIdentifyProperties() identifyProperties {
	return identifyProperties{
		OS:      runtime.GOOS,
		Browser: "relay",
		Device:  "relay",
	}
}

// requestBuilder assembles *http.Request values for the REST pipeline,
// grounded on the teacher's inline header assembly in requester.go's
// do method, pulled out into its own component so the per-bucket
// handler (handler.go) stays focused on scheduling rather than wire
// formatting.
type requestBuilder struct {
	baseURL   string
	token     string
	userAgent string
	superProps string // base64-encoded identifyProperties JSON, cached
}

func newRequestBuilder(baseURL, token, userAgent string, props identifyProperties) (*requestBuilder, error) {
	encoded, err := encodeJSON(props)
	if err != nil {
		return nil, fmt.Errorf("encode identify properties: %w", err)
	}
	return &requestBuilder{
		baseURL:    baseURL,
		token:      token,
		userAgent:  userAgent,
		superProps: base64Encode(encoded),
	}, nil
}

// build constructs the outbound HTTP request for one call. body may be
// nil for GET/DELETE requests with no payload.
func (rb *requestBuilder) build(ctx context.Context, method, path string, body any, opts requestOptions) (*http.Request, error) {
	var (
		reader      io.Reader
		contentType string
		err         error
	)

	switch {
	case len(opts.Files) > 0:
		reader, contentType, err = rb.buildMultipart(body, opts.Files)
		if err != nil {
			return nil, err
		}
	case body != nil:
		encoded, err := encodeJSON(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, rb.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if !opts.AuthNotRequired {
		req.Header.Set("Authorization", "Bot "+rb.token)
	}
	req.Header.Set("User-Agent", rb.userAgent)
	req.Header.Set("X-Super-Properties", rb.superProps)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if opts.Reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.QueryEscape(opts.Reason))
	}
	if opts.ContextProps != "" {
		req.Header.Set("X-Context-Properties", opts.ContextProps)
	}
	if opts.MFACode != "" {
		req.Header.Set("X-Discord-Mfa-Authorization", opts.MFACode)
	}
	if opts.CaptchaKey != "" {
		req.Header.Set("X-Captcha-Key", opts.CaptchaKey)
	}
	if opts.CaptchaRqtoken != "" {
		req.Header.Set("X-Captcha-Rqtoken", opts.CaptchaRqtoken)
	}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	return req, nil
}

// buildMultipart encodes body as a payload_json field alongside each
// file, the form Discord expects for endpoints accepting attachments
// (message create/edit, webhook execute).
func (rb *requestBuilder) buildMultipart(body any, files []uploadFile) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if body != nil {
		encoded, err := encodeJSON(body)
		if err != nil {
			return nil, "", fmt.Errorf("encode payload_json: %w", err)
		}
		if err := w.WriteField("payload_json", string(encoded)); err != nil {
			return nil, "", fmt.Errorf("write payload_json field: %w", err)
		}
	}

	for i, f := range files {
		key := f.Key
		if key == "" {
			key = fmt.Sprintf("files[%d]", i)
		}
		part, err := w.CreateFormFile(key, f.Name)
		if err != nil {
			return nil, "", fmt.Errorf("create form file %q: %w", f.Name, err)
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return nil, "", fmt.Errorf("copy file %q: %w", f.Name, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf, w.FormDataContentType(), nil
}
