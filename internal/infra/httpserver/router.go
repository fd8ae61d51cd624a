package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/bryanwahyu/medscan/internal/application"
	appanalysis "github.com/bryanwahyu/medscan/internal/application/analysis"
	"github.com/bryanwahyu/medscan/internal/application/queue"
	"github.com/bryanwahyu/medscan/internal/application/report"
	appscans "github.com/bryanwahyu/medscan/internal/application/scans"
	"github.com/bryanwahyu/medscan/internal/domain/apperr"
	"github.com/bryanwahyu/medscan/internal/domain/inference"
	domain "github.com/bryanwahyu/medscan/internal/domain/scans"
	"github.com/bryanwahyu/medscan/internal/middleware"
)

const defaultMaxUpload = 64 << 20

// Deps are the services and middleware the router mounts.
type Deps struct {
	Scans    *appscans.Service
	Analysis *appanalysis.Service
	Queue    *queue.Manager
	Reports  *report.Generator

	Auth    *middleware.Authenticator
	Limiter *middleware.RateLimiter // optional
	Metrics *middleware.Metrics
	Checks  map[string]middleware.HealthChecker
	Gauges  map[string]middleware.Gauge

	CORSOrigins    []string
	MaxUploadBytes int64
	Log            zerolog.Logger
}

type Router struct {
	d   Deps
	log zerolog.Logger
}

func NewRouter(d Deps) http.Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = defaultMaxUpload
	}
	if d.Metrics == nil {
		d.Metrics = middleware.NewMetrics()
	}
	r := &Router{d: d, log: d.Log.With().Str("component", "router").Logger()}
	mux := chi.NewRouter()

	mux.Use(chimw.RequestID)
	mux.Use(chimw.Recoverer)
	mux.Use(middleware.AccessLog(d.Log))
	mux.Use(d.Metrics.Middleware)
	if len(d.CORSOrigins) > 0 {
		mux.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	mux.Get("/health", middleware.LivenessHandler)
	mux.Get("/healthz", middleware.LivenessHandler)
	mux.Get("/readyz", middleware.HealthHandler(d.Checks))

	mux.Group(func(rt chi.Router) {
		if d.Auth != nil {
			rt.Use(d.Auth.Middleware)
		}
		if d.Limiter != nil {
			rt.Use(d.Limiter.Middleware)
		}
		rt.Get("/metrics", d.Metrics.Handler(d.Gauges))

		rt.Route("/v1", func(v1 chi.Router) {
			v1.Post("/scans", r.wrap(r.handleUpload))
			v1.Get("/scans/{id}", r.wrap(r.handleGet))
			v1.Patch("/scans/{id}", r.wrap(r.handleUpdate))
			v1.Delete("/scans/{id}", r.wrap(r.handleDelete))
			v1.Post("/scans/{id}/archive", r.wrap(r.handleArchive))
			v1.Post("/scans/{id}/analyze", r.wrap(r.handleAnalyze))
			v1.Get("/scans/{id}/analysis", r.wrap(r.handleStatus))
			v1.Get("/scans/{id}/report", r.wrap(r.handleReport))
			v1.Get("/scans/{id}/errors", r.wrap(r.handleErrors))

			v1.Get("/queue", r.wrap(r.handleQueue))
			v1.Post("/queue/clear", r.wrap(r.handleQueueClear))
			v1.Post("/queue/sweep", r.wrap(r.handleQueueSweep))
		})
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps error kinds to status codes.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}
		code := StatusFor(err, application.PrincipalFrom(req.Context()))
		if code >= http.StatusInternalServerError {
			r.log.Error().Err(err).Str("path", req.URL.Path).Int("status", code).Msg("request failed")
		}
		msg := err.Error()
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
		writeJSON(w, code, map[string]string{"error": msg})
	}
}

// StatusFor returns the HTTP status of err for caller p.
func StatusFor(err error, p application.Principal) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, inference.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrInference), errors.Is(err, apperr.ErrStorage):
		return http.StatusBadGateway
	case errors.Is(err, apperr.ErrPermission):
		if !p.Authenticated() {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrInvalid):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// POST /v1/scans (multipart: patient_id, type, body_region, priority, notes, images[])
func (r *Router) handleUpload(w http.ResponseWriter, req *http.Request) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.d.MaxUploadBytes)
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		return apperr.E(apperr.KindInvalid, "http.upload", err)
	}
	defer req.MultipartForm.RemoveAll()

	files := req.MultipartForm.File["images"]
	if len(files) == 0 {
		files = req.MultipartForm.File["file"]
	}

	cmd := appscans.UploadCommand{
		PatientID:  middleware.SanitizeString(req.FormValue("patient_id")),
		Type:       req.FormValue("type"),
		BodyRegion: middleware.SanitizeString(req.FormValue("body_region")),
		Priority:   req.FormValue("priority"),
		Notes:      middleware.SanitizeString(req.FormValue("notes")),
	}
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return apperr.E(apperr.KindInvalid, "http.upload", err)
		}
		defer f.Close()
		cmd.Images = append(cmd.Images, appscans.Image{
			Name:        fh.Filename,
			ContentType: contentType(fh),
			Size:        fh.Size,
			Body:        f,
		})
	}
	if err := middleware.ValidateStruct(cmd); err != nil {
		return apperr.E(apperr.KindInvalid, "http.upload", err)
	}

	scan, err := r.d.Scans.Upload(req.Context(), cmd)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, scan)
}

// GET /v1/scans/{id}
func (r *Router) handleGet(w http.ResponseWriter, req *http.Request) error {
	scan, err := r.d.Scans.Get(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, scan)
}

// PATCH /v1/scans/{id}
func (r *Router) handleUpdate(w http.ResponseWriter, req *http.Request) error {
	var cmd appscans.UpdateCommand
	if err := decode(req, &cmd); err != nil {
		return err
	}
	if cmd.Notes != nil {
		n := middleware.SanitizeString(*cmd.Notes)
		cmd.Notes = &n
	}
	if err := middleware.ValidateStruct(cmd); err != nil {
		return apperr.E(apperr.KindInvalid, "http.update", err)
	}
	scan, err := r.d.Scans.Update(req.Context(), scanID(req), cmd)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, scan)
}

// DELETE /v1/scans/{id} (admin)
func (r *Router) handleDelete(w http.ResponseWriter, req *http.Request) error {
	p := application.PrincipalFrom(req.Context())
	if err := r.d.Scans.Delete(req.Context(), p, scanID(req)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// POST /v1/scans/{id}/archive (admin)
func (r *Router) handleArchive(w http.ResponseWriter, req *http.Request) error {
	p := application.PrincipalFrom(req.Context())
	scan, err := r.d.Scans.Archive(req.Context(), p, scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, scan)
}

// POST /v1/scans/{id}/analyze
// Body (optional): {"image_index": 0}
func (r *Router) handleAnalyze(w http.ResponseWriter, req *http.Request) error {
	var body struct {
		ImageIndex int `json:"image_index"`
	}
	if err := decode(req, &body); err != nil {
		return err
	}
	areq := appanalysis.AnalyzeRequest{ScanID: scanID(req), ImageIndex: body.ImageIndex}
	if err := middleware.ValidateStruct(areq); err != nil {
		return apperr.E(apperr.KindInvalid, "http.analyze", err)
	}

	ack, err := r.d.Analysis.Analyze(req.Context(), areq)
	if err != nil {
		// sudah jalan: balikin ack-nya juga biar client bisa polling
		if ack.AlreadyRunning {
			return writeJSON(w, http.StatusConflict, map[string]any{
				"error":           err.Error(),
				"scan_id":         ack.ScanID,
				"status":          ack.Status,
				"estimated_time":  ack.EstimatedTime,
				"already_running": true,
			})
		}
		return err
	}
	r.d.Metrics.AnalysesStarted.Add(1)
	return writeJSON(w, http.StatusAccepted, ack)
}

// GET /v1/scans/{id}/analysis
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) error {
	v, err := r.d.Analysis.Status(req.Context(), scanID(req))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, v)
}

// GET /v1/scans/{id}/report?format=csv|json
func (r *Router) handleReport(w http.ResponseWriter, req *http.Request) error {
	format, err := report.ParseFormat(req.URL.Query().Get("format"))
	if err != nil {
		return err
	}
	id := scanID(req)
	out, err := r.d.Reports.Generate(req.Context(), id, format)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format == report.FormatCSV {
		w.Header().Set("Content-Disposition", `attachment; filename="scan-`+string(id)+`.csv"`)
	}
	w.WriteHeader(http.StatusOK)
	_, err = w.Write(out)
	return err
}

// GET /v1/scans/{id}/errors?limit=20
func (r *Router) handleErrors(w http.ResponseWriter, req *http.Request) error {
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	list, err := r.d.Scans.Errors(req.Context(), scanID(req), middleware.ValidateLimit(limit))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// GET /v1/queue?page=&page_size=
func (r *Router) handleQueue(w http.ResponseWriter, req *http.Request) error {
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	size, _ := strconv.Atoi(req.URL.Query().Get("page_size"))

	list, err := r.d.Queue.Page(req.Context(), page, middleware.ValidateLimit(size))
	if err != nil {
		return err
	}
	stats, err := r.d.Queue.Stats(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"queue": list,
		"stats": stats,
	})
}

// POST /v1/queue/clear (admin)
func (r *Router) handleQueueClear(w http.ResponseWriter, req *http.Request) error {
	res, err := r.d.Queue.Clear(req.Context(), application.PrincipalFrom(req.Context()))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, res)
}

// POST /v1/queue/sweep (admin)
func (r *Router) handleQueueSweep(w http.ResponseWriter, req *http.Request) error {
	if !application.PrincipalFrom(req.Context()).IsAdmin() {
		return apperr.E(apperr.KindPermission, "http.sweep", errors.New("admin role required"))
	}
	n, err := r.d.Analysis.Sweep(req.Context())
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
}

// helper

func scanID(req *http.Request) domain.ScanID {
	return domain.ScanID(chi.URLParam(req, "id"))
}

// decode reads a JSON body; an empty body leaves v untouched.
func decode(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.E(apperr.KindInvalid, "http.decode", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

func contentType(fh *multipart.FileHeader) string {
	if ct := fh.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
