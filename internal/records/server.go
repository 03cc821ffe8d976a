package records

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fieldlog/internal/httputil"
	"github.com/banshee-data/fieldlog/internal/monitoring"
)

const maxCreateBody = 4 << 20

// Server exposes a Store over the same REST API as the remote backend.
type Server struct {
	store *Store
	token string
}

// NewServer wraps store. When token is non-empty every API request must
// carry it as a bearer token.
func NewServer(store *Store, token string) *Server {
	return &Server{store: store, token: token}
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(createPath, s.auth(s.handleCreate))
	mux.HandleFunc(nearbyPath, s.auth(s.handleNearby))
	mux.HandleFunc(enrichPath, s.auth(s.handleEnrich))
	mux.HandleFunc("/api/objects/{id}", s.auth(s.handleObject))
	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				httputil.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody+1))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("read body: %v", err))
		return
	}
	if len(body) > maxCreateBody {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	var p CreatePayload
	if err := json.Unmarshal(body, &p); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	res, err := s.store.CreateRecord(r.Context(), p)
	if err != nil {
		monitoring.Logf("[Records] create failed: %v", err)
		httputil.WriteJSONOK(w, Result{Success: false, Error: err.Error()})
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		httputil.BadRequest(w, "lat is required")
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		httputil.BadRequest(w, "lng is required")
		return
	}
	radius := 500.0
	if v := q.Get("radius"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil || radius <= 0 {
			httputil.BadRequest(w, "radius must be a positive number")
			return
		}
	}

	recs, err := s.store.QueryNearby(r.Context(), lat, lng, radius)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if recs == nil {
		recs = []Record{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var in struct {
		Label string `json:"label"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&in); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid body: %v", err))
		return
	}
	out, err := TableEnricher{}.Enrich(r.Context(), in.Label)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		rec, err := s.store.Get(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, rec)
	case http.MethodDelete:
		err := s.store.Delete(r.Context(), id)
		if errors.Is(err, ErrNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]bool{"success": true})
	default:
		httputil.MethodNotAllowed(w, "GET, DELETE")
	}
}

// AttachAdminRoutes mounts the tsweb debug index on mux with a tailsql
// console over the records database.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.store.path, s.store.DB(), &tailsql.DBOptions{
		Label: "Field records",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}
