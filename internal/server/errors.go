package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/iudanet/ankisyncd/internal/models"
)

// expectedAuthBody канонический ответ на запрос без учётных данных:
// клиент показывает диалог логина только на такой форме.
const expectedAuthBody = `{"err":"expected auth"}`

// writeError транслирует доменную ошибку в HTTP-статус. Тела ошибок
// нарочно скупые: клиенту важен статус, детали остаются в логе.
func writeError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrExpectedAuth):
		logger.Info("auth probe", "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(expectedAuthBody))
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrInvalidCredentials):
		logger.Warn("unauthorized request", "path", r.URL.Path, "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, models.ErrBusy):
		logger.Warn("user busy", "path", r.URL.Path)
		http.Error(w, "Another sync in progress", http.StatusConflict)
	case errors.Is(err, models.ErrBadRequest):
		logger.Warn("bad request", "path", r.URL.Path, "error", err)
		http.Error(w, "Bad Request", http.StatusBadRequest)
	case errors.Is(err, models.ErrTemporary):
		logger.Error("temporary failure", "path", r.URL.Path, "error", err)
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error("internal error", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
