package devserver

import (
	"fmt"
	"net/http"

	"connectrpc.com/grpcreflect"
	"github.com/mcdev12/empire/go/internal/rpc"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RealtimePath is where the hub accepts push connections
const RealtimePath = "/realtime"

// NewServerHandler builds the dev server's root handler: the game state service,
// reflection, the push hub, health and info endpoints, behind CORS and h2c.
func NewServerHandler(handler *Handler, hub *Hub) http.Handler {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	handler.Register(mux)
	setupReflection(mux)
	mux.Handle(RealtimePath, hub)
	setupHealthCheck(mux)
	setupInfo(mux, hub)

	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// setupReflection serves grpcurl/grpcui
func setupReflection(mux *http.ServeMux) {
	reflector := grpcreflect.NewStaticReflector(rpc.ServiceName)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func setupInfo(mux *http.ServeMux, hub *Hub) {
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := hub.GetConnectionStats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"gamestate-devserver","connections":%d,"active_users":%d}`,
			stats["total_connections"], stats["active_users"])
	})
}
