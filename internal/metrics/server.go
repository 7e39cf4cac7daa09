package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/npuctl/internal/errors"
	"codeberg.org/mutker/npuctl/internal/logger"
	"codeberg.org/mutker/npuctl/internal/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricsPath = "/metrics"
	AttrsPath   = "/attrs/"

	maxAttrBody       = 256
	readHeaderTimeout = 5 * time.Second
)

// AttrStore is the control surface served under AttrsPath.
type AttrStore interface {
	Names() []string
	Read(name string) (string, error)
	Write(name, value string) error
}

// NewHandler serves the gatherer on MetricsPath and, when attrs is not nil,
// GET/PUT access to the attributes under AttrsPath.
func NewHandler(g prometheus.Gatherer, attrs AttrStore, log logger.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	if attrs != nil {
		mux.Handle(AttrsPath, &attrHandler{attrs: attrs, log: log})
	}
	return mux
}

type attrHandler struct {
	attrs AttrStore
	log   logger.Logger
}

func (h *attrHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, AttrsPath)

	switch {
	case name == "" && r.Method == http.MethodGet:
		io.WriteString(w, strings.Join(h.attrs.Names(), "\n")+"\n")
	case name == "":
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	case r.Method == http.MethodGet:
		v, err := h.attrs.Read(name)
		if err != nil {
			h.fail(w, name, err)
			return
		}
		if !strings.HasSuffix(v, "\n") {
			v += "\n"
		}
		io.WriteString(w, v)
	case r.Method == http.MethodPut || r.Method == http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxAttrBody))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.attrs.Write(name, string(body)); err != nil {
			h.fail(w, name, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *attrHandler) fail(w http.ResponseWriter, name string, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.HasCode(err, scheduler.ErrUnknownAttr):
		status = http.StatusNotFound
	case errors.HasCode(err, scheduler.ErrReadOnlyAttr):
		status = http.StatusMethodNotAllowed
	}

	h.log.Debug().Err(err).Str("attr", name).Int("status", status).Msg("Attribute request rejected")
	http.Error(w, string(errors.CodeOf(err)), status)
}

// Server is the HTTP endpoint of the daemon.
type Server struct {
	srv *http.Server
	log logger.Logger
}

// Start listens on addr and serves handler in the background.
func Start(addr string, handler http.Handler, log logger.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New().WithData(ErrListen, struct {
			Addr  string
			Error string
		}{addr, err.Error()})
	}

	s := &Server{
		srv: &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout},
		log: log,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server listening")

	return s, nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	return nil
}
