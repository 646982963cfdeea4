package transport

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/biome/gateway/internal/engine"
	"github.com/biome/gateway/internal/imaging"
	"github.com/biome/gateway/internal/monitoring"
	"github.com/biome/gateway/internal/safety"
	"github.com/biome/gateway/internal/seeds"
	"github.com/biome/gateway/internal/session"
)

// thumbnailSize is the bounding box for seed thumbnails.
const thumbnailSize = 80

// Server holds the long-lived components the handlers close over.
type Server struct {
	orch        *engine.Orchestrator
	checker     *safety.Checker
	cache       *seeds.Cache
	metrics     *monitoring.Metrics
	sessionOpts session.Options
	log         *slog.Logger
}

// NewServer wires the transport to its backing components.
func NewServer(orch *engine.Orchestrator, checker *safety.Checker, cache *seeds.Cache,
	metrics *monitoring.Metrics, sessionOpts session.Options) *Server {
	return &Server{
		orch:        orch,
		checker:     checker,
		cache:       cache,
		metrics:     metrics,
		sessionOpts: sessionOpts,
		log:         slog.Default().With("component", "transport"),
	}
}

// Router builds the full HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWS)
	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/safety/check_image", s.HandleCheckImage).Methods(http.MethodPost)
	r.HandleFunc("/safety/check_batch", s.HandleCheckBatch).Methods(http.MethodPost)
	r.HandleFunc("/seeds/list", s.HandleSeedsList).Methods(http.MethodGet)
	r.HandleFunc("/seeds/image/{filename}", s.HandleSeedImage).Methods(http.MethodGet)
	r.HandleFunc("/seeds/thumbnail/{filename}", s.HandleSeedThumbnail).Methods(http.MethodGet)
	r.HandleFunc("/seeds/upload", s.HandleSeedUpload).Methods(http.MethodPost)
	r.HandleFunc("/seeds/rescan", s.HandleSeedRescan).Methods(http.MethodPost)
	r.HandleFunc("/seeds/{filename}", s.HandleSeedDelete).Methods(http.MethodDelete)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// seedStatusCode maps the cache sentinels onto the HTTP taxonomy:
// validation 400, safety/ownership 403, unknown resource 404.
func seedStatusCode(err error) int {
	switch {
	case errors.Is(err, seeds.ErrUnsupportedExtension), errors.Is(err, seeds.ErrInvalidFilename):
		return http.StatusBadRequest
	case errors.Is(err, seeds.ErrUnsafe), errors.Is(err, seeds.ErrDefaultSeedImmutable):
		return http.StatusForbidden
	case errors.Is(err, seeds.ErrNotFound), errors.Is(err, seeds.ErrFileMissing):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// HandleHealth reports gateway liveness and engine/safety readiness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.orch.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"world_engine": map[string]any{
			"loaded":    st.Loaded,
			"warmed_up": st.WarmedUp,
			"has_seed":  st.HasSeed,
		},
		"safety": map[string]any{
			"loaded": s.checker.Loaded(),
		},
	})
}

// HandleCheckImage classifies one image by path.
func (s *Server) HandleCheckImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "missing path")
		return
	}
	verdict, err := s.checker.CheckOne(req.Path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSafetyCheck(verdict.IsSafe)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"is_safe": verdict.IsSafe,
		"scores":  verdict.Scores,
	})
}

// HandleCheckBatch classifies several images in one pass.
func (s *Server) HandleCheckBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paths []string `json:"paths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Paths) == 0 {
		writeError(w, http.StatusBadRequest, "missing paths")
		return
	}
	verdicts, err := s.checker.CheckBatch(req.Paths)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	results := make([]map[string]any, len(verdicts))
	for i, v := range verdicts {
		if s.metrics != nil {
			s.metrics.RecordSafetyCheck(v.IsSafe)
		}
		results[i] = map[string]any{
			"path":    req.Paths[i],
			"is_safe": v.IsSafe,
			"scores":  v.Scores,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// HandleSeedsList returns the seed cache contents. Unsafe records are
// hidden unless the operator passes include_unsafe=1.
func (s *Server) HandleSeedsList(w http.ResponseWriter, r *http.Request) {
	includeUnsafe := r.URL.Query().Get("include_unsafe") == "1"
	list := s.cache.List(includeUnsafe)
	writeJSON(w, http.StatusOK, map[string]any{
		"seeds": list,
		"count": len(list),
	})
}

// HandleSeedImage serves the raw bytes of a safe seed.
func (s *Server) HandleSeedImage(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	rec, ok := s.cache.Get(filename)
	if !ok {
		writeError(w, http.StatusNotFound, "seed not found")
		return
	}
	if !rec.IsSafe {
		writeError(w, http.StatusForbidden, "seed marked as unsafe")
		return
	}
	data, err := os.ReadFile(rec.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "seed file not found")
		return
	}
	w.Header().Set("Content-Type", imaging.MIMEByExt(filename))
	_, _ = w.Write(data)
}

// HandleSeedThumbnail serves an 80x80 JPEG preview, alpha composited onto
// white.
func (s *Server) HandleSeedThumbnail(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	rec, ok := s.cache.Get(filename)
	if !ok {
		writeError(w, http.StatusNotFound, "seed not found")
		return
	}
	data, err := imaging.Thumbnail(rec.Path, thumbnailSize, imaging.DefaultJPEGQuality)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

// HandleSeedUpload stores and classifies a base64 payload.
func (s *Server) HandleSeedUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename string `json:"filename"`
		Data     string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Filename == "" || req.Data == "" {
		writeError(w, http.StatusBadRequest, "missing filename or data")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 data")
		return
	}
	rec, err := s.cache.Upload(r.Context(), req.Filename, payload)
	if err != nil {
		writeError(w, seedStatusCode(err), err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.RecordSafetyCheck(rec.IsSafe)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"filename": req.Filename,
		"hash":     rec.Hash,
		"is_safe":  rec.IsSafe,
		"scores":   rec.Scores,
	})
}

// HandleSeedRescan revalidates the cache, or rebuilds it from scratch when
// force_full_rescan is set.
func (s *Server) HandleSeedRescan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ForceFullRescan bool `json:"force_full_rescan"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body means incremental
	}

	method := "validate_and_update"
	var err error
	if req.ForceFullRescan {
		method = "full_rescan"
		err = s.cache.Rescan(r.Context())
	} else {
		err = s.cache.ValidateAndUpdate(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, safe := s.cache.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"total_seeds": total,
		"safe_seeds":  safe,
		"method":      method,
	})
}

// HandleSeedDelete removes an uploaded seed; default seeds are immutable.
func (s *Server) HandleSeedDelete(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if err := s.cache.Delete(filename); err != nil {
		writeError(w, seedStatusCode(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "filename": filename})
}
