package httptrigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dcshock/topicpipe/pipeline"
)

// Dispatcher runs the pipelines of a topic; *pipeline.Engine implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, topicName string, kind pipeline.TriggerKind, payload pipeline.Payload) error
}

// Store is a record store that can also read a record by key.
type Store interface {
	pipeline.RecordStore
	Get(ctx context.Context, topic, key string) (pipeline.Record, bool, error)
}

// Options configures a Handler.
type Options struct {
	// Retry is the conflict policy for PATCH; zero values use the defaults.
	Retry  pipeline.ConflictPolicy
	Logger *slog.Logger
	// Mount adds extra routes (e.g. /metrics) to the router.
	Mount func(r chi.Router)
}

// Handler serves topic writes.
type Handler struct {
	dispatcher Dispatcher
	store      Store
	topics     pipeline.TopicLoader
	retry      pipeline.ConflictPolicy
	logger     *slog.Logger
	mount      func(r chi.Router)
}

// New returns a Handler writing to store and dispatching through d.
func New(d Dispatcher, store Store, topics pipeline.TopicLoader, opts Options) *Handler {
	h := &Handler{
		dispatcher: d,
		store:      store,
		topics:     topics,
		retry:      opts.Retry,
		logger:     opts.Logger,
		mount:      opts.Mount,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Router returns the chi router serving the topic routes and /healthz.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/topics/{topic}", func(r chi.Router) {
		r.Post("/records", h.insertRecord)
		r.Get("/records/{key}", h.getRecord)
		r.Patch("/records/{key}", h.mergeRecord)
		r.Post("/triggers", h.trigger)
	})
	if h.mount != nil {
		h.mount(r)
	}
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// recordResponse is the body returned for a stored record.
type recordResponse struct {
	Topic         string         `json:"topic"`
	Key           string         `json:"key"`
	Version       int64          `json:"version"`
	Data          map[string]any `json:"data"`
	DispatchError string         `json:"dispatch_error,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, err.Error())
}

func (h *Handler) insertRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic, err := requireTopic(ctx, h.topics, chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var data map[string]any
	if err := decodeObject(w, r, &data); err != nil {
		h.fail(w, r, err)
		return
	}
	if data == nil {
		h.fail(w, r, badRequest("body must be a JSON object"))
		return
	}
	rec, err := h.store.InsertRecord(ctx, topic.Name, data)
	if err != nil {
		h.fail(w, r, fmt.Errorf("insert into %s: %w", topic.Name, err))
		return
	}
	resp := recordResponse{Topic: topic.Name, Key: rec.Key, Version: rec.Version, Data: rec.Data}
	resp.DispatchError = h.dispatch(ctx, topic.Name, pipeline.TriggerInsert, pipeline.Payload{New: rec.Data})
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic, err := requireTopic(ctx, h.topics, chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	key := chi.URLParam(r, "key")
	rec, ok, err := h.store.Get(ctx, topic.Name, key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !ok {
		h.fail(w, r, notFound(fmt.Sprintf("no %s record %q", topic.Name, key)))
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{Topic: topic.Name, Key: rec.Key, Version: rec.Version, Data: rec.Data})
}

func (h *Handler) mergeRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic, err := requireTopic(ctx, h.topics, chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var fields map[string]any
	if err := decodeObject(w, r, &fields); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(fields) == 0 {
		h.fail(w, r, badRequest("body must be a non-empty JSON object"))
		return
	}
	key := chi.URLParam(r, "key")
	type merged struct{ old, cur pipeline.Record }
	res, err := pipeline.WithRetry(ctx, h.retry, func(ctx context.Context, _ int) (merged, error) {
		old, ok, err := h.store.Get(ctx, topic.Name, key)
		if err != nil {
			return merged{}, err
		}
		if !ok {
			return merged{}, notFound(fmt.Sprintf("no %s record %q", topic.Name, key))
		}
		cur, err := h.store.UpdateRecord(ctx, topic.Name, old, fields)
		return merged{old: old, cur: cur}, err
	}, nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := recordResponse{Topic: topic.Name, Key: res.cur.Key, Version: res.cur.Version, Data: res.cur.Data}
	resp.DispatchError = h.dispatch(ctx, topic.Name, pipeline.TriggerUpdate, pipeline.Payload{Old: res.old.Data, New: res.cur.Data})
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topic, err := requireTopic(ctx, h.topics, chi.URLParam(r, "topic"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req triggerRequest
	if err := decodeObject(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.dispatcher.Dispatch(ctx, topic.Name, req.Kind, pipeline.Payload{Old: req.Old, New: req.New}); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// dispatch runs the cascade after a write. The record is already stored, so
// a dispatch error is reported in the response body instead of failing it.
func (h *Handler) dispatch(ctx context.Context, topic string, kind pipeline.TriggerKind, payload pipeline.Payload) string {
	err := h.dispatcher.Dispatch(ctx, topic, kind, payload)
	if err == nil {
		return ""
	}
	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	h.logger.Log(ctx, level, "dispatch after write failed", "topic", topic, "kind", kind, "error", err)
	return err.Error()
}
