// Package inference calls the per-task model endpoints over HTTP.
package inference

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	domain "github.com/bryanwahyu/medscan/internal/domain/inference"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBody        = 4 << 20
)

var _ domain.Client = (*Client)(nil)

// Config for the inference client. Endpoints without a task of their own fall
// back to the general endpoint.
type Config struct {
	Endpoints         map[domain.Task]string
	APIKey            string
	Timeout           time.Duration
	MaxImageDimension int
	RatePerSecond     float64
	Burst             int
}

type Client struct {
	http      *http.Client
	endpoints map[domain.Task]string
	apiKey    string
	maxDim    int
	limiter   *rate.Limiter
	log       zerolog.Logger
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("inference: no endpoints configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	endpoints := make(map[domain.Task]string, len(cfg.Endpoints))
	for k, v := range cfg.Endpoints {
		if v = strings.TrimSpace(v); v != "" {
			endpoints[k] = v
		}
	}
	return &Client{
		http:      &http.Client{Timeout: timeout},
		endpoints: endpoints,
		apiKey:    cfg.APIKey,
		maxDim:    cfg.MaxImageDimension,
		limiter:   rate.NewLimiter(limit, burst),
		log:       log.With().Str("component", "inference_client").Logger(),
	}, nil
}

// Endpoint returns the URL serving task.
func (c *Client) Endpoint(task domain.Task) (string, bool) {
	if u, ok := c.endpoints[task]; ok {
		return u, true
	}
	u, ok := c.endpoints[domain.TaskGeneral]
	return u, ok
}

// Infer posts the image as multipart form data and normalizes the JSON reply.
// There is no retry; every error matches apperr.ErrInference.
func (c *Client) Infer(ctx context.Context, req domain.Request) (domain.Prediction, error) {
	const op = "inference.infer"

	url, ok := c.Endpoint(req.Task)
	if !ok {
		return domain.Prediction{}, apperr.Ef(apperr.KindInference, op, "no endpoint for task %s", req.Task)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.Prediction{}, apperr.E(apperr.KindInference, op, err)
	}

	body, contentType, err := c.form(req)
	if err != nil {
		return domain.Prediction{}, apperr.E(apperr.KindInference, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return domain.Prediction{}, apperr.E(apperr.KindInference, op, err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.Prediction{}, apperr.E(apperr.KindInference, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return domain.Prediction{}, apperr.E(apperr.KindInference, op, err)
	}
	c.log.Debug().
		Str("task", string(req.Task)).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("inference call")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Prediction{}, apperr.E(apperr.KindInference, op,
			fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, snippet(raw)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return domain.Prediction{}, apperr.Ef(apperr.KindInference, op,
			"%s returned %d: %s", req.Task, resp.StatusCode, snippet(raw))
	}

	pred, err := domain.Normalize(req.Task, raw)
	if err != nil {
		return domain.Prediction{}, apperr.E(apperr.KindInference, op, err)
	}
	return pred, nil
}

func (c *Client) form(req domain.Request) (io.Reader, string, error) {
	img := c.shrink(req.Image)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	name := req.Filename
	if name == "" {
		name = "image"
	}
	part, err := w.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(img); err != nil {
		return nil, "", err
	}
	fields := map[string]string{
		"task":        string(req.Task),
		"scan_type":   string(req.ScanType),
		"body_region": req.BodyRegion,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// shrink downscales PNG/JPEG images larger than maxDim on either side and
// re-encodes them as PNG. Anything it cannot decode (DICOM, raw) is sent as is.
func (c *Client) shrink(data []byte) []byte {
	if c.maxDim <= 0 || len(data) == 0 {
		return data
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || (cfg.Width <= c.maxDim && cfg.Height <= c.maxDim) {
		return data
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	dst := imaging.Fit(src, c.maxDim, c.maxDim, imaging.Lanczos)
	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return data
	}
	c.log.Debug().Int("from_w", cfg.Width).Int("from_h", cfg.Height).Int("max", c.maxDim).Msg("image downscaled")
	return out.Bytes()
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
