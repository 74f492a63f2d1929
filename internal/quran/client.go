package quran

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/tilawa/internal/config"
	"github.com/loqalabs/tilawa/internal/protocol"
)

const surahCount = 114

// ErrInvalidSurah is returned before any request is made for numbers outside 1..114.
var ErrInvalidSurah = errors.New("surah number must be between 1 and 114")

// APIError is a non-2xx response from the tracking service.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("tracking service returned status %d", e.Status)
	}
	return fmt.Sprintf("tracking service returned status %d: %s", e.Status, e.Detail)
}

type Health struct {
	OK          bool `json:"ok"`
	QuranLoaded bool `json:"quran_loaded"`
}

// ContextWindow is the run of ayahs around a position, possibly spanning surahs.
type ContextWindow struct {
	SurahNo int             `json:"surah_no"`
	AyahNo  int             `json:"ayah_no"`
	Items   []protocol.Ayah `json:"items"`
}

type InferMatch struct {
	SurahNo int     `json:"surah_no"`
	AyahNo  int     `json:"ayah_no"`
	TextAr  string  `json:"text_ar"`
	Score   float64 `json:"score"`
}

type InferMeta struct {
	AudioSeconds float64 `json:"audio_seconds"`
	ASRSeconds   float64 `json:"asr_seconds"`
	TotalSeconds float64 `json:"total_seconds"`
	Note         string  `json:"note"`
}

// InferResult is the one-shot identification of an uploaded clip.
type InferResult struct {
	TranscriptAr string       `json:"transcript_ar"`
	Best         *InferMatch  `json:"best"`
	Top3         []InferMatch `json:"top3"`
	Meta         InferMeta    `json:"meta"`
}

// Client talks to the tracking service's REST surface.
type Client struct {
	base string
	http *http.Client
}

func NewClient(cfg config.ServiceConfig) *Client {
	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: httpBase(cfg.BaseURL),
		http: &http.Client{Timeout: timeout},
	}
}

// httpBase accepts ws:// and wss:// base URLs so one setting serves both surfaces.
func httpBase(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	switch {
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	}
	return raw
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.getJSON(ctx, "/health", nil, &h)
	return h, err
}

// Meta lists all surahs with their ayah counts.
func (c *Client) Meta(ctx context.Context) ([]protocol.SurahMeta, error) {
	var resp struct {
		Surahs []protocol.SurahMeta `json:"surahs"`
	}
	if err := c.getJSON(ctx, "/quran/meta", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Surahs, nil
}

func (c *Client) Surah(ctx context.Context, n int) (protocol.Surah, error) {
	var s protocol.Surah
	if n < 1 || n > surahCount {
		return s, fmt.Errorf("%w: %d", ErrInvalidSurah, n)
	}
	err := c.getJSON(ctx, "/quran/surah/"+strconv.Itoa(n), nil, &s)
	return s, err
}

// Context returns before/after ayahs around surah:ayah.
func (c *Client) Context(ctx context.Context, surah, ayah, before, after int) (ContextWindow, error) {
	var w ContextWindow
	if surah < 1 || surah > surahCount {
		return w, fmt.Errorf("%w: %d", ErrInvalidSurah, surah)
	}
	q := url.Values{}
	q.Set("surah_no", strconv.Itoa(surah))
	q.Set("ayah_no", strconv.Itoa(ayah))
	q.Set("before", strconv.Itoa(before))
	q.Set("after", strconv.Itoa(after))
	err := c.getJSON(ctx, "/quran/context", q, &w)
	return w, err
}

// Infer uploads a recorded clip and returns the service's best guesses.
func (c *Client) Infer(ctx context.Context, filename string, audio io.Reader) (InferResult, error) {
	var result InferResult
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("audio", filename)
	if err != nil {
		return result, err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return result, fmt.Errorf("read audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return result, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/infer", &body)
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req, &result)
	return result, err
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var detail struct {
			Detail any `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Detail != nil {
			if s, ok := detail.Detail.(string); ok {
				apiErr.Detail = s
			} else {
				raw, _ := json.Marshal(detail.Detail)
				apiErr.Detail = string(raw)
			}
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
