package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ds2openai/internal/account"
	"ds2openai/internal/adapter/openai"
	"ds2openai/internal/admin"
	"ds2openai/internal/apikey"
	"ds2openai/internal/auth"
	"ds2openai/internal/chat"
	"ds2openai/internal/config"
	"ds2openai/internal/deepseek"
	"ds2openai/internal/devcapture"
	"ds2openai/internal/login"
	"ds2openai/internal/pow"
	"ds2openai/internal/session"
	"ds2openai/internal/store/jsonfile"
	"ds2openai/internal/store/sqlite"
)

type App struct {
	Config   config.Config
	Pool     *account.Pool
	Registry *apikey.Registry
	Sessions *session.Store
	Login    *login.Service
	Chat     *chat.Service
	DS       *deepseek.Client
	Router   http.Handler

	closers []io.Closer
	wasm    *pow.WASMSearch
	cancel  context.CancelFunc
	done    chan struct{}
	closing sync.Once
}

// NewApp wires every component from cfg. The registry is loaded and the
// session sweeper started before it returns; Close stops both.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	app := &App{Config: cfg}

	var backend pow.Backend
	if cfg.Pow.Backend == config.PowWASM {
		wasm := pow.NewWASMSearch(cfg.Pow.WASMPath)
		if err := wasm.Load(ctx); err != nil {
			return nil, fmt.Errorf("load pow wasm: %w", err)
		}
		config.Logger.Info("[WASM] module preloaded", "path", cfg.Pow.WASMPath)
		app.wasm = wasm
		backend = wasm
	}
	solver := pow.NewSolver(backend, cfg.Pow.MaxConcurrent)

	var captures *devcapture.Store
	if cfg.DevCapture {
		captures = devcapture.New(devcapture.DefaultLimit, devcapture.DefaultMaxBodyBytes)
	}
	app.DS = deepseek.NewClient(deepseek.Options{
		BaseURL:        cfg.Upstream.BaseURL,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		Capture:        captures,
	})
	app.Login = login.NewService(app.DS, solver, cfg.Upstream.LoginTimeout)

	persister, err := app.openPersister(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	var registry *apikey.Registry
	app.Pool = account.NewPool(account.Options{
		Login: app.Login.Login,
		OnToken: func(accountID, token string) {
			if registry != nil {
				registry.UpdateToken(context.Background(), accountID, token)
			}
		},
		CooldownBase: cfg.Pool.CooldownBase,
		CooldownMax:  cfg.Pool.CooldownMax,
	})
	registry = apikey.NewRegistry(persister, app.Pool, app.Login.Login)
	if err := registry.Load(ctx); err != nil {
		app.Close()
		return nil, err
	}
	app.Registry = registry

	app.Sessions = session.NewStore(cfg.Sessions.IdleTimeout)
	sweepCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.done = make(chan struct{})
	go func() {
		defer close(app.done)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.RunUsageFlush(sweepCtx, cfg.Sessions.SweepInterval)
		}()
		app.Sessions.Run(sweepCtx, cfg.Sessions.SweepInterval)
		wg.Wait()
	}()

	app.Chat = chat.NewService(app.DS, solver, registry, app.Pool, app.Sessions, chat.Options{
		KeepAlive:   cfg.Upstream.KeepAlive,
		IdleTimeout: cfg.Upstream.StreamIdleTimeout,
	})

	openaiHandler := &openai.Handler{Auth: auth.NewResolver(registry), Chat: app.Chat, Conversations: app.Sessions}
	adminHandler := &admin.Handler{
		AdminKey: cfg.AdminKey,
		Registry: registry,
		Pool:     app.Pool,
		Sessions: app.Sessions,
		Login:    app.Login,
		Captures: captures,
	}
	if cfg.AdminKey == "" {
		config.Logger.Warn("[admin] no admin key configured; admin routes are open")
	}
	app.Router = NewRouter(openaiHandler, adminHandler)
	return app, nil
}

func (a *App) openPersister(ctx context.Context) (apikey.Persister, error) {
	path := a.Config.Registry.Path
	if path == "" {
		path = config.RegistryPath(a.Config.Registry.Backend)
	}
	if a.Config.Registry.Backend == config.RegistrySQLite {
		st, err := sqlite.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open registry db: %w", err)
		}
		a.closers = append(a.closers, st)
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate registry db: %w", err)
		}
		config.Logger.Info("[apikey] using sqlite registry", "path", path)
		return st, nil
	}
	config.Logger.Info("[apikey] using json registry", "path", path)
	return jsonfile.New(path), nil
}

// Close stops background work and releases storage. It is safe to call on
// a partially built App and more than once.
func (a *App) Close() {
	a.closing.Do(a.shutdown)
}

func (a *App) shutdown() {
	if a.cancel != nil {
		a.cancel()
		<-a.done
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			config.Logger.Warn("[server] close failed", "error", err)
		}
	}
	if a.wasm != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.wasm.Close(ctx)
	}
}

func NewRouter(openaiHandler *openai.Handler, adminHandler *admin.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	openai.RegisterRoutes(r, openaiHandler)
	r.Route("/admin", func(ar chi.Router) {
		admin.RegisterRoutes(ar, adminHandler)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, errors.New("route not found"))
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Conversation-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Conversation-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"type": "api_error", "message": http.StatusText(status), "detail": err.Error()}})
}
