package main

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"appletrainer/app"
	"appletrainer/buffer"
	"appletrainer/dataset"
	"appletrainer/memory"
	"appletrainer/mlerr"
	"appletrainer/trainer"
)

const maxRequestBody = 32 << 20

type server struct {
	app *app.App
	hub *hub
	log *zap.SugaredLogger
	// limit throttles /classify; nil means unlimited.
	limit *rate.Limiter
}

func newServer(a *app.App, h *hub, log *zap.SugaredLogger) *server {
	s := &server{app: a, hub: h, log: log.Named("http")}
	if r := a.Config.ClassifyRate; r > 0 {
		s.limit = rate.NewLimiter(rate.Limit(r), a.Config.ClassifyBurst)
	}
	return s
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/train", s.handleTrain)
	mux.HandleFunc("/classify", s.handleClassify)
	mux.HandleFunc("/reset", s.handleReset)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/usage", s.handleUsage)
	mux.HandleFunc("/preview", s.handlePreview)
	mux.HandleFunc("/ws", s.hub.serveWS)
	return mux
}

type trainRequest struct {
	Examples []trainer.LabeledExample `json:"examples"`
}

type classifyRequest struct {
	ImageRef  string `json:"imageRef"`
	TimeoutMs int    `json:"timeoutMs"`
}

type readyResponse struct {
	Extractor      string `json:"extractor"`
	Training       bool   `json:"training"`
	Classification bool   `json:"classification"`
}

type usageResponse struct {
	Usage   buffer.Usage      `json:"usage"`
	Safe    bool              `json:"safe"`
	History []memory.Snapshot `json:"history"`
	Trend   memory.Trend      `json:"trend"`
	Live    []buffer.Info     `json:"live,omitempty"`
}

type errorResponse struct {
	Kind    mlerr.Kind `json:"kind"`
	Summary string     `json:"summary"`
	Error   string     `json:"error"`
}

func (s *server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req trainRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.app.Trainer.Train(r.Context(), req.Examples); err != nil {
		s.fail(w, err)
		return
	}
	report := s.app.Trainer.LastRun()
	s.hub.publish("trained", report)
	s.reply(w, http.StatusOK, report)
}

func (s *server) handleClassify(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.limit != nil && !s.limit.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "too many classification requests", http.StatusTooManyRequests)
		return
	}
	var req classifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.app.Engine.Classify(r.Context(), req.ImageRef, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.reply(w, http.StatusOK, res)
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.app.Trainer.Reset()
	s.hub.publish("reset", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	s.reply(w, http.StatusOK, readyResponse{
		Extractor:      s.app.Loader.State().String(),
		Training:       s.app.Trainer.IsReadyForTraining(),
		Classification: s.app.Engine.IsReadyForClassification(),
	})
}

func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	t := s.app.Tracker
	resp := usageResponse{
		Usage:   t.CurrentUsage(),
		Safe:    t.IsUsageSafe(),
		History: t.History(),
		Trend:   t.Trend(),
	}
	if r.URL.Query().Get("live") != "" {
		resp.Live = s.app.Registry.Live()
	}
	s.reply(w, http.StatusOK, resp)
}

// handlePreview renders the preprocessed input for ?ref= as a PNG.
func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	img, err := s.app.Decoder.Decode(r.Context(), r.URL.Query().Get("ref"))
	if err != nil {
		s.fail(w, err)
		return
	}
	defer s.app.Tracker.SafeDispose(img)
	w.Header().Set("Content-Type", "image/png")
	if err := dataset.EncodePNG(w, img); err != nil {
		s.log.Warnw("write preview", "error", err)
	}
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func (s *server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.reply(w, http.StatusBadRequest, errorResponse{
			Kind:    mlerr.KindValidation,
			Summary: "The request could not be read.",
			Error:   err.Error(),
		})
		return false
	}
	return true
}

func (s *server) fail(w http.ResponseWriter, err error) {
	kind := mlerr.KindOf(err)
	status := statusFor(kind)
	if status >= 500 {
		s.log.Errorw("request failed", "kind", kind, "error", err)
	}
	s.reply(w, status, errorResponse{Kind: kind, Summary: mlerr.SummaryOf(err), Error: err.Error()})
}

func statusFor(k mlerr.Kind) int {
	switch k {
	case mlerr.KindValidation:
		return http.StatusBadRequest
	case mlerr.KindImageProcessing:
		return http.StatusUnprocessableEntity
	case mlerr.KindNotReady, mlerr.KindModelLoad:
		return http.StatusServiceUnavailable
	case mlerr.KindMemory:
		return http.StatusInsufficientStorage
	}
	return http.StatusInternalServerError
}

func (s *server) reply(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnw("write response", "error", err)
	}
}
