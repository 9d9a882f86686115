// Package server exposes document collections over HTTP: a checkpoint-based
// replication protocol (pull, push, pullStream) and a REST facade (query,
// get, set, delete, observe). Endpoints are mounted under
// /{name}/{version}/ and every older version of a mounted name answers 426.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/c0deZ3R0/go-replica-kit/access"
	"github.com/c0deZ3R0/go-replica-kit/auth"
	"github.com/c0deZ3R0/go-replica-kit/errors"
	"github.com/c0deZ3R0/go-replica-kit/logging"
	"github.com/c0deZ3R0/go-replica-kit/store"
)

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// CORS is the default Access-Control-Allow-Origin value for all
	// endpoints. Defaults to "*". Individual endpoints may override it.
	CORS string

	// AuthHandler resolves the auth context for every request. Defaults to
	// auth.AllowAll.
	AuthHandler auth.Handler

	// Logger is the structured logger. Defaults to logging.Default().
	Logger *logging.Logger
}

// Server hosts replication and REST endpoints over a shared mux.
type Server struct {
	mux         *http.ServeMux
	httpServer  *http.Server
	logger      *logging.Logger
	cors        string
	authHandler auth.Handler

	mu        sync.Mutex
	started   bool
	endpoints map[string]struct{} // "{kind}/{name}" registrations
	gated     map[string]struct{} // names with version gates installed
}

// New creates a Server. Endpoints must be added before Start.
func New(opts Options) *Server {
	if opts.CORS == "" {
		opts.CORS = "*"
	}
	if opts.AuthHandler == nil {
		opts.AuthHandler = auth.AllowAll()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	mux := http.NewServeMux()
	return &Server{
		mux:         mux,
		httpServer:  &http.Server{Addr: opts.Addr, Handler: mux},
		logger:      opts.Logger.WithComponent("server"),
		cors:        opts.CORS,
		authHandler: opts.AuthHandler,
		endpoints:   make(map[string]struct{}),
		gated:       make(map[string]struct{}),
	}
}

// EndpointOptions configures one mounted endpoint over a document store.
type EndpointOptions struct {
	// Store is the backing collection. Its Name and SchemaVersion determine
	// the mount path /{name}/{version}/.
	Store store.DocumentStore

	// QueryModifier restricts reads and writes to what the caller may see.
	// Defaults to access.IdentityModifier.
	QueryModifier access.QueryModifier

	// ChangeValidator vets individual change rows on writes. Defaults to
	// access.AllowAllValidator.
	ChangeValidator access.ChangeValidator

	// ServerOnlyFields are stripped from every outgoing document and
	// preserved from the stored copy on incoming writes.
	ServerOnlyFields []string

	// CORS overrides the server-wide allow-origin value for this endpoint.
	CORS string
}

func (o *EndpointOptions) setDefaults(s *Server) {
	if o.QueryModifier == nil {
		o.QueryModifier = access.IdentityModifier()
	}
	if o.ChangeValidator == nil {
		o.ChangeValidator = access.AllowAllValidator()
	}
	if o.CORS == "" {
		o.CORS = s.cors
	}
}

// AddReplicationEndpoint mounts pull, push and pullStream handlers for the
// given store at /{name}/{version}/.
func (s *Server) AddReplicationEndpoint(opts EndpointOptions) (*ReplicationEndpoint, error) {
	opts.setDefaults(s)
	ep := &ReplicationEndpoint{endpoint: s.newEndpoint(opts, "replication")}
	if err := s.register("replication", ep.endpoint, func(base string) {
		s.mux.HandleFunc("GET "+base+"/pull", ep.handlePull)
		s.mux.HandleFunc("POST "+base+"/push", ep.handlePush)
		s.mux.HandleFunc("GET "+base+"/pullStream", ep.handlePullStream)
	}); err != nil {
		return nil, err
	}
	return ep, nil
}

// AddRestEndpoint mounts query, get, set, delete and observe handlers for
// the given store at /{name}/{version}/.
func (s *Server) AddRestEndpoint(opts EndpointOptions) (*RestEndpoint, error) {
	opts.setDefaults(s)
	ep := &RestEndpoint{endpoint: s.newEndpoint(opts, "rest")}
	if err := s.register("rest", ep.endpoint, func(base string) {
		s.mux.HandleFunc("POST "+base+"/query", ep.handleQuery)
		s.mux.HandleFunc("GET "+base+"/query/observe", ep.handleObserve)
		s.mux.HandleFunc("POST "+base+"/get", ep.handleGet)
		s.mux.HandleFunc("POST "+base+"/set", ep.handleSet)
		s.mux.HandleFunc("POST "+base+"/delete", ep.handleDelete)
	}); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *Server) newEndpoint(opts EndpointOptions, kind string) *endpoint {
	st := opts.Store
	return &endpoint{
		store:       st,
		modifier:    opts.QueryModifier,
		validator:   opts.ChangeValidator,
		serverOnly:  opts.ServerOnlyFields,
		cors:        opts.CORS,
		authHandler: s.authHandler,
		logger: s.logger.WithEndpoint(st.Name(), st.SchemaVersion()).
			WithComponent(kind),
	}
}

func (s *Server) register(kind string, ep *endpoint, mount func(base string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started, cannot add %s endpoint %q", kind, ep.store.Name())
	}
	key := kind + "/" + ep.store.Name()
	if _, exists := s.endpoints[key]; exists {
		return fmt.Errorf("%s endpoint %q already registered", kind, ep.store.Name())
	}
	s.endpoints[key] = struct{}{}

	name := ep.store.Name()
	version := ep.store.SchemaVersion()
	base := "/" + name + "/" + strconv.Itoa(version)

	mount(base)
	s.mux.HandleFunc("OPTIONS "+base+"/", preflightHandler(ep.cors))
	if _, done := s.gated[name]; !done {
		blockPreviousVersionPaths(s.mux, name, version)
		s.gated[name] = struct{}{}
	}

	s.logger.Info("endpoint mounted",
		slog.String("kind", kind),
		slog.String("name", name),
		slog.Int("version", version))
	return nil
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins serving. It blocks until the listener fails or Close is
// called.
func (s *Server) Start() error {
	s.mu.Lock()
	s.started = true
	addr := s.httpServer.Addr
	s.mu.Unlock()

	s.logger.Info("server listening", slog.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close gracefully shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// endpoint is the state shared by all handlers mounted for one store.
type endpoint struct {
	store       store.DocumentStore
	modifier    access.QueryModifier
	validator   access.ChangeValidator
	serverOnly  []string
	cors        string
	authHandler auth.Handler
	logger      *logging.Logger
}

// resolveAuth runs the auth handler against the request headers.
func (e *endpoint) resolveAuth(r *http.Request) (auth.Data, error) {
	data, err := e.authHandler(r.Header)
	if err != nil {
		return auth.Data{}, errors.NewUnauthorized(errors.OpAuth, err)
	}
	return data, nil
}
