package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"nuha.dev/fleettrack/internal/gps/manager"
	"nuha.dev/fleettrack/internal/util"
	"nuha.dev/fleettrack/internal/web/service"
)

type ApiConfig struct {
	ListenAddr string
	// AdminKeyHash is the bcrypt hash every X-Admin-Key header is
	// checked against. Empty disables the control functions.
	AdminKeyHash string
	LogRoot      string
	ReceiverHost string
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	mgr    *manager.Manager
	log    zerolog.Logger
}

func NewApi(mgr *manager.Manager, config *ApiConfig) *Api {
	api := &Api{config: config, mgr: mgr}
	api.log = log.With().Str("module", "api").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	svc := service.NewServiceRegistry(mgr, config.ReceiverHost, config.LogRoot)
	svc.RegisterService()
	r.Get("/monitoring", api.monitoring)
	r.With(api.adminKey).Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		svc.Call(chi.URLParam(r, "name"), w, r)
	})

	api.r = r
	api.s = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Run() {
	err := api.s.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(err)
	}
}

func (api *Api) Shutdown(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if err := api.s.Shutdown(ctx); err != nil {
		api.log.Warn().Err(err).Msg("api shutdown")
	}
}

// monitoring is the unauthenticated liveness view: one snapshot per
// running receiver.
func (api *Api) monitoring(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, api.mgr.GetAll())
}

func (api *Api) adminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if api.config.AdminKeyHash == "" || key == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		err := bcrypt.CompareHashAndPassword([]byte(api.config.AdminKeyHash), []byte(key))
		if err != nil {
			api.log.Debug().Msg("rejected admin key")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
