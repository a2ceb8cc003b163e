package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dslipak/pdf"
)

const pdfDownloadTimeout = 30 * time.Second

type ocrPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

type ocrResponse struct {
	Pages []ocrPage `json:"pages"`
}

// PDFExtractor turns PDFs into text. Remote documents go through the
// Mistral OCR API when a key is configured, falling back to a local parse of
// the downloaded bytes; uploads are always parsed locally.
type PDFExtractor struct {
	client     *http.Client
	mistralKey string
}

func NewPDFExtractor(mistralKey string) *PDFExtractor {
	return &PDFExtractor{
		client:     &http.Client{Timeout: pdfDownloadTimeout},
		mistralKey: mistralKey,
	}
}

// ExtractURL fetches a remote PDF and returns its text.
func (p *PDFExtractor) ExtractURL(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.Replace(rawURL, "http://", "https://", 1)

	if p.mistralKey != "" {
		text, err := p.ocr(ctx, rawURL)
		if err == nil {
			return text, nil
		}
		slog.Warn("OCR extraction failed, falling back to local parse", "url", rawURL, "error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build pdf request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (engineering-oracle/1.0)")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download pdf %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download pdf %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read pdf %s: %w", rawURL, err)
	}
	return p.ExtractBytes(data)
}

// ExtractBytes parses PDF bytes locally.
func (p *PDFExtractor) ExtractBytes(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return collapseBlankRuns(string(text)), nil
}

// ocr sends the document URL to the Mistral OCR API and concatenates the
// returned per-page markdown.
func (p *PDFExtractor) ocr(ctx context.Context, documentURL string) (string, error) {
	reqBody := map[string]any{
		"model": "mistral-ocr-latest",
		"document": map[string]string{
			"type":         "document_url",
			"document_url": documentURL,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.mistral.ai/v1/ocr", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.mistralKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return "", fmt.Errorf("read ocr response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ocr request failed with status %s: %s", resp.Status, Truncate(string(body), 512))
	}

	var decoded ocrResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("unmarshal ocr response: %w", err)
	}

	var sb strings.Builder
	for _, page := range decoded.Pages {
		fmt.Fprintf(&sb, "- Page %d -\n%s\n\n", page.Index, page.Markdown)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("ocr returned no pages")
	}
	return sb.String(), nil
}
