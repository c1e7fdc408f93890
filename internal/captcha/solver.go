// Package captcha holds the challenge-solving collaborators: the HTTP
// solver client, the keypad coordinate mapping, and the image sorter used
// to bucket attempts for later model training.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"
)

// Answer is a solver's candidate for one challenge image.
type Answer struct {
	Label      string
	Confidence float64 // in [0,1]
}

// Solver turns a challenge image into a candidate answer.
type Solver interface {
	Solve(ctx context.Context, image []byte, hash string) (Answer, error)
}

// APISolver posts images to an external prediction service.
type APISolver struct {
	url  string
	http *http.Client
}

func NewAPISolver(apiURL string, timeout time.Duration) *APISolver {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &APISolver{url: apiURL, http: &http.Client{Timeout: timeout}}
}

func (s *APISolver) Solve(ctx context.Context, image []byte, hash string) (Answer, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("image", "captcha.png")
	if err != nil {
		return Answer{}, err
	}
	if _, err := fw.Write(image); err != nil {
		return Answer{}, err
	}
	if err := mw.WriteField("captcha_hash", hash); err != nil {
		return Answer{}, err
	}
	if err := mw.Close(); err != nil {
		return Answer{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, &buf)
	if err != nil {
		return Answer{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.http.Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Answer{}, fmt.Errorf("solver: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		PredictedAnswer any     `json:"predicted_answer"`
		Confidence      float64 `json:"confidence"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Answer{}, fmt.Errorf("solver response: %w", err)
	}

	label, err := normalizeLabel(out.PredictedAnswer)
	if err != nil {
		return Answer{}, err
	}
	return Answer{Label: label, Confidence: out.Confidence}, nil
}

// normalizeLabel accepts the answer as either a JSON string or number.
func normalizeLabel(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return "", fmt.Errorf("solver: empty answer")
		}
		return x, nil
	case float64:
		return strconv.Itoa(int(x)), nil
	default:
		return "", fmt.Errorf("solver: unexpected answer type %T", v)
	}
}
