package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iudanet/ankisyncd/internal/config"
	"github.com/iudanet/ankisyncd/internal/media"
	"github.com/iudanet/ankisyncd/internal/server/middleware"
	"github.com/iudanet/ankisyncd/internal/session"
	"github.com/iudanet/ankisyncd/internal/syncer"
)

// hostKey защищён лимитером: подбор пароля не должен стоить дёшево.
const (
	hostKeyRateLimit  = 30
	hostKeyRateWindow = time.Minute
)

// Server транспортный слой: принимает POST /sync/{op} и /msync/{op},
// разбирает заголовок anki-sync и передаёт операции движкам.
type Server struct {
	logger   *slog.Logger
	codec    *codec
	sessions *session.Registry
	engine   *syncer.Engine
	media    *media.Manager

	maxUpload  int64 // предел тела /sync/upload
	maxPayload int64 // предел тел остальных операций

	http *http.Server
}

// New собирает сервер синхронизации поверх готовых движков.
func New(cfg *config.Config, sessions *session.Registry, engine *syncer.Engine, mediaMgr *media.Manager, logger *slog.Logger) (*Server, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:     logger,
		codec:      c,
		sessions:   sessions,
		engine:     engine,
		media:      mediaMgr,
		maxUpload:  cfg.MaxUploadBytes,
		maxPayload: cfg.MaxMediaPayloadBytes,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Router собирает маршруты. Отдельно, чтобы тесты ходили через httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RecoveryMiddleware(s.logger))
	r.Use(middleware.LoggingMiddleware(s.logger))

	r.With(middleware.RateLimitMiddleware(hostKeyRateLimit, hostKeyRateWindow, s.logger)).
		Post("/sync/hostKey", s.syncOp("hostKey"))
	r.Post("/sync/{op}", s.handleSyncOp)
	r.Post("/msync/{op}", s.handleMediaOp)
	r.Get("/health", s.handleHealth)

	return r
}

// Run запускает сервер и ждёт отмены контекста, после чего гасит его
// с дедлайном.
func (s *Server) Run(ctx context.Context) error {
	errC := make(chan error, 1)
	go func() {
		s.logger.Info("sync server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	s.logger.Info("sync server stopped")
	return nil
}

func (s *Server) handleSyncOp(w http.ResponseWriter, r *http.Request) {
	s.syncOp(chi.URLParam(r, "op"))(w, r)
}

func (s *Server) handleMediaOp(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")
	h, body, ok := s.decodeRequest(w, r, s.maxPayload)
	if !ok {
		return
	}
	s.handleMedia(w, r, op, h, body)
}

// syncOp общий вход операций /sync: разбор заголовка, гейт версии
// протокола, чтение тела.
func (s *Server) syncOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := s.maxPayload
		if op == "upload" {
			limit = s.maxUpload
		}
		h, body, ok := s.decodeRequest(w, r, limit)
		if !ok {
			return
		}
		if op == "hostKey" {
			s.handleHostKey(w, r, h, body)
			return
		}
		s.handleSync(w, r, op, h, body)
	}
}

// decodeRequest разбирает заголовок anki-sync и тело запроса. Клиенты с
// протоколом старше 11 (и без заголовка вовсе) не поддерживаются: им
// отвечаем 501, чтобы они не зацикливались на повторных попытках.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, limit int64) (*SyncHeader, []byte, bool) {
	h, err := parseSyncHeader(r)
	if err != nil {
		writeError(w, s.logger, r, err)
		return nil, nil, false
	}
	if h == nil || h.Version < MinProtocolVersion {
		s.logger.Warn("unsupported client protocol", "path", r.URL.Path)
		http.Error(w, "Your client is too old; please update.", http.StatusNotImplemented)
		return nil, nil, false
	}

	body, err := s.codec.readBody(w, r, limit)
	if err != nil {
		writeError(w, s.logger, r, err)
		return nil, nil, false
	}
	return h, body, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		s.logger.Error("failed to encode health response", "error", err)
	}
}
