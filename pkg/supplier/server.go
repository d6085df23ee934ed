// Package supplier implements the downstream order sink the reference route
// delivers to. It accepts JSON orders, stamps them with an order date and
// lists everything it has stored.
package supplier

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/polisai/polis-esb/pkg/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxOrderBytes = 1 << 20

// Server is the supplier HTTP API.
type Server struct {
	store  storage.OrderStore
	logger *slog.Logger
	now    func() time.Time
}

// NewServer creates a supplier backed by store.
func NewServer(store storage.OrderStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: store, logger: logger, now: time.Now}
}

// Handler returns the instrumented router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Supplier is running. POST orders to /ingest, list them at /orders.\n"))
	})
	r.Post("/ingest", s.ingest)
	r.Post("/ingest/", s.ingest)
	r.Get("/orders", s.listOrders)

	return otelhttp.NewHandler(r, "supplier")
}

type ingestReply struct {
	Status string `json:"status"`
	Stored bool   `json:"stored"`
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOrderBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "order exceeds size limit")
			return
		}
		s.writeError(w, http.StatusBadRequest, "READ_FAILED", "could not read request body")
		return
	}
	s.logger.Info("order received", "bytes", len(body), "content_type", r.Header.Get("Content-Type"))

	orderDate := s.now().Format(time.RFC3339)
	var payload []byte
	if isJSON(r.Header.Get("Content-Type")) {
		payload, err = stampJSON(body, orderDate)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
			return
		}
	} else {
		payload, err = json.Marshal(struct {
			Raw       string `json:"raw"`
			OrderDate string `json:"orderDate"`
		}{Raw: string(body), OrderDate: orderDate})
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "ENCODE_FAILED", "could not encode order")
			return
		}
	}

	order, err := s.store.Save(r.Context(), payload)
	if err != nil {
		s.logger.Error("storing order failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "STORE_FAILED", "could not store order")
		return
	}
	s.logger.Info("order stored", "seq", order.Seq)
	s.writeJSON(w, http.StatusCreated, ingestReply{Status: "ok", Stored: true})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("listing orders failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "STORE_FAILED", "could not list orders")
		return
	}
	out := make([]json.RawMessage, len(orders))
	for i, o := range orders {
		out[i] = json.RawMessage(o.Payload)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

var errNotObject = errors.New("order must be a JSON object")

// stampJSON adds orderDate to a JSON object unless it already has one. The
// existing fields keep their order.
func stampJSON(body []byte, orderDate string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errNotObject
		}
		return nil, err
	}
	if fields == nil {
		return nil, errNotObject
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, err
	}
	if _, ok := fields["orderDate"]; ok {
		return compact.Bytes(), nil
	}

	date, err := json.Marshal(orderDate)
	if err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(compact.Bytes(), []byte("}"))
	if len(fields) > 0 {
		out = append(out, ',')
	}
	out = append(out, `"orderDate":`...)
	out = append(out, date...)
	return append(out, '}'), nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, domain.ErrorResponse{Code: code, Message: message})
}
