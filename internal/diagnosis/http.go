package diagnosis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// HTTPEngine posts the image as multipart "file" to a model server and reads
// back {"disease": "...", "confidence": 0.92 | "92%"}.
type HTTPEngine struct {
	url    string
	client *http.Client
}

func NewHTTPEngine(url string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPEngine{url: url, client: client}
}

type modelResponse struct {
	Disease    string          `json:"disease"`
	Label      string          `json:"label"`
	Confidence json.RawMessage `json:"confidence"`
}

func (e *HTTPEngine) Diagnose(ctx context.Context, image []byte, contentType string) (Diagnosis, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(header)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return Diagnosis{}, fmt.Errorf("failed to copy file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Diagnosis{}, fmt.Errorf("failed to close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, body)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Diagnosis{}, ctx.Err()
		}
		return Diagnosis{}, fmt.Errorf("%w: failed to call model: %v", ErrEngineFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Diagnosis{}, fmt.Errorf("%w: model returned %d: %s", ErrEngineFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out modelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Diagnosis{}, fmt.Errorf("%w: decode model response: %v", ErrEngineFailure, err)
	}

	label := out.Disease
	if label == "" {
		label = out.Label
	}
	if label == "" {
		return Diagnosis{}, fmt.Errorf("%w: model response has no label", ErrEngineFailure)
	}

	confidence, err := formatConfidence(out.Confidence)
	if err != nil {
		return Diagnosis{}, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	return Diagnosis{Label: label, Confidence: confidence}, nil
}

// formatConfidence renders the model's confidence as a percentage string.
// Numbers in [0,1] are fractions, larger numbers are already percentages.
func formatConfidence(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return "", fmt.Errorf("confidence is neither string nor number: %s", raw)
	}
	if f <= 1 {
		f *= 100
	}
	f = math.Round(f*100) / 100
	return strconv.FormatFloat(f, 'f', -1, 64) + "%", nil
}
