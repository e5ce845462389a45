package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// batchResponse is the JSON structure Deepgram returns from the prerecorded
// endpoint.
type batchResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []alternative `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe submits a complete WAV recording to the Deepgram prerecorded API
// and returns the final result. It implements stt.BatchProvider.
func (p *Provider) Transcribe(ctx context.Context, wav []byte, sampleRate int, hints []string) (res stt.Result, err error) {
	reqURL, err := p.buildBatchURL(sampleRate, hints)
	if err != nil {
		return res, fmt.Errorf("deepgram: build URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(wav))
	if err != nil {
		return res, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return res, fmt.Errorf("deepgram: transcribe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return res, fmt.Errorf("deepgram: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("deepgram: transcribe: status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var parsed batchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return res, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return res, fmt.Errorf("deepgram: empty response")
	}

	out := altToResult(parsed.Results.Channels[0].Alternatives[0], p.Name())
	out.IsFinal = true
	return out, nil
}

// buildBatchURL constructs the prerecorded endpoint URL.
func (p *Provider) buildBatchURL(sampleRate int, hints []string) (string, error) {
	base := batchEndpoint
	if p.baseURL != "" {
		base = p.baseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "ws" {
		u.Scheme = "http"
	} else if u.Scheme == "wss" {
		u.Scheme = "https"
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if sampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(sampleRate))
	}
	if p.diarize {
		q.Set("diarize", "true")
	}
	for _, hint := range hints {
		q.Add("keywords", hint)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
