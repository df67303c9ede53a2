// Package nameserver is an HTTP name store that a namecache.HTTPGateway can
// talk to. It keeps names in memory, optionally persisted in a store.Store,
// and is used for local development and tests.
package nameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/walletnames/go-namecache/address"
	"github.com/walletnames/go-namecache/apierror"
	"github.com/walletnames/go-namecache/model"
	"github.com/walletnames/go-namecache/store"
	"golang.org/x/time/rate"
)

var log = logging.Logger("nameserver")

// maxBodySize limits request bodies.
const maxBodySize = 1 << 20

// Server serves names over HTTP:
//
//	GET  /names            all names
//	GET  /names/{address}  one name
//	POST /names/batch      names of the addresses in a model.BatchRequest
//	PUT  /names/{address}  set a name from a model.WriteRequest
type Server struct {
	mutex sync.RWMutex
	names map[string]string

	limiter      *rate.Limiter
	maxBatchSize int
	mux          *http.ServeMux
	normalize    address.Normalizer
	preferJSON   bool
	store        *store.Store
	token        string
}

var _ http.Handler = (*Server)(nil)

// New creates a Server.
func New(options ...Option) (*Server, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	s := &Server{
		names:        make(map[string]string),
		limiter:      rate.NewLimiter(opts.rateLimit, opts.rateBurst),
		maxBatchSize: opts.maxBatchSize,
		normalize:    opts.normalize,
		preferJSON:   opts.preferJSON,
		store:        opts.store,
		token:        opts.token,
	}
	for addr, name := range opts.names {
		if addr = s.normalize(addr); addr != "" && name != "" {
			s.names[addr] = name
		}
	}
	if s.store != nil {
		for addr, name := range s.store.Load(context.Background()) {
			s.names[addr] = name
		}
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /names", s.listNames)
	s.mux.HandleFunc("GET /names/{addr}", s.getName)
	s.mux.HandleFunc("POST /names/batch", s.batchNames)
	s.mux.HandleFunc("PUT /names/{addr}", s.putName)
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		writeError(w, apierror.New(apierror.Unavailable, errors.New("rate limit exceeded"), http.StatusTooManyRequests))
		return
	}
	s.mux.ServeHTTP(w, r)
}

// Name returns the name stored for addr.
func (s *Server) Name(addr string) (string, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	name, ok := s.names[s.normalize(addr)]
	return name, ok
}

// SetName stores a name without going through HTTP.
func (s *Server) SetName(addr, name string) error {
	addr = s.normalize(addr)
	name = strings.TrimSpace(name)
	if addr == "" || name == "" {
		return errors.New("address and name must not be empty")
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.names[addr] = name
	return s.persistLocked()
}

// Len returns the number of stored names.
func (s *Server) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.names)
}

// Close closes the store, if any.
func (s *Server) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

func (s *Server) listNames(w http.ResponseWriter, r *http.Request) {
	rw, err := NewResponseWriter(w, r, s.preferJSON, true)
	if err != nil {
		writeError(w, err)
		return
	}

	s.mutex.RLock()
	records := make([]model.NameRecord, 0, len(s.names))
	for addr, name := range s.names {
		records = append(records, model.NameRecord{Address: addr, Name: name})
	}
	s.mutex.RUnlock()
	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})

	nw := NewNameResponseWriter(rw)
	for _, rec := range records {
		if err = nw.WriteNameRecord(rec); err != nil {
			log.Errorw("Cannot write name record", "err", err)
			return
		}
	}
	if err = nw.Close(); err != nil {
		log.Errorw("Cannot write names", "err", err)
	}
	log.Debugw("Served names", "count", nw.Count(), "ndjson", nw.IsND())
}

func (s *Server) getName(w http.ResponseWriter, r *http.Request) {
	rw, err := NewResponseWriter(w, r, s.preferJSON, false)
	if err != nil {
		writeError(w, err)
		return
	}
	addr := s.normalize(r.PathValue("addr"))
	name, ok := s.Name(addr)
	if !ok {
		writeError(w, apierror.New(apierror.Rejected, fmt.Errorf("no name for %s", addr), http.StatusNotFound))
		return
	}
	if err = rw.Encoder().Encode(model.NameRecord{Address: addr, Name: name}); err != nil {
		log.Errorw("Cannot write name record", "err", err)
	}
}

func (s *Server) batchNames(w http.ResponseWriter, r *http.Request) {
	rw, err := NewResponseWriter(w, r, s.preferJSON, false)
	if err != nil {
		writeError(w, err)
		return
	}

	var req model.BatchRequest
	if err = decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Addresses) > s.maxBatchSize {
		writeError(w, apierror.New(apierror.Rejected,
			fmt.Errorf("batch of %d addresses exceeds limit of %d", len(req.Addresses), s.maxBatchSize),
			http.StatusRequestEntityTooLarge))
		return
	}

	resp := model.BatchResponse{Names: make(map[string]string, len(req.Addresses))}
	s.mutex.RLock()
	for _, addr := range req.Addresses {
		if name, ok := s.names[s.normalize(addr)]; ok {
			// Answer with the address as asked.
			resp.Names[addr] = name
		}
	}
	s.mutex.RUnlock()

	data, err := model.MarshalBatchResponse(&resp)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err = rw.Write(data); err != nil {
		log.Errorw("Cannot write batch response", "err", err)
	}
}

func (s *Server) putName(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		writeError(w, apierror.New(apierror.Rejected, errors.New("not authorized"), http.StatusUnauthorized))
		return
	}

	addr := s.normalize(r.PathValue("addr"))
	if addr == "" {
		writeError(w, apierror.New(apierror.Rejected, model.ErrMissingAddress, http.StatusBadRequest))
		return
	}
	var req model.WriteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, apierror.New(apierror.Rejected, model.ErrMissingName, http.StatusBadRequest))
		return
	}

	s.mutex.Lock()
	s.names[addr] = name
	err := s.persistLocked()
	s.mutex.Unlock()
	if err != nil {
		log.Errorw("Cannot persist name", "address", addr, "err", err)
		writeError(w, err)
		return
	}
	log.Infow("Stored name", "address", addr)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) persistLocked() error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(context.Background(), s.names, time.Time{})
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return apierror.New(apierror.Rejected, err, http.StatusBadRequest)
	}
	if err = json.Unmarshal(body, v); err != nil {
		return apierror.New(apierror.Rejected, fmt.Errorf("cannot decode request: %w", err), http.StatusBadRequest)
	}
	return nil
}

// writeError writes err as a JSON error message. Errors that are not
// *apierror.Error are internal server errors.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) && apiErr.Status() != 0 {
		status = apiErr.Status()
	} else {
		err = apierror.New(apierror.Unavailable, err, status)
	}
	w.Header().Set("Content-Type", mediaTypeJson)
	w.WriteHeader(status)
	w.Write(apierror.EncodeError(err))
}
