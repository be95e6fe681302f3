package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/iudanet/ankisyncd/internal/models"
	"github.com/iudanet/ankisyncd/pkg/api"
)

// handleHostKey выдаёт ключ сессии по паре логин/пароль. Пустые учётные
// данные — зонд обнаружения: клиент ждёт канонический ответ 400, чтобы
// показать диалог логина.
func (s *Server) handleHostKey(w http.ResponseWriter, r *http.Request, h *SyncHeader, body []byte) {
	req := &api.HostKeyRequest{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, req); err != nil {
			writeError(w, s.logger, r, fmt.Errorf("%w: malformed hostKey body", models.ErrBadRequest))
			return
		}
	}
	if req.Username == "" && req.Password == "" {
		writeError(w, s.logger, r, models.ErrExpectedAuth)
		return
	}

	var clientVer, hostID string
	if h != nil {
		clientVer, hostID = h.ClientVer, h.HostID
	}
	sess, err := s.sessions.Login(r.Context(), req.Username, req.Password, clientVer, hostID)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}

	if err := s.codec.writeJSON(w, h, &api.HostKeyResponse{Key: sess.Key}); err != nil {
		s.logger.Error("failed to write hostKey response", "error", err)
	}
}

// handleSync диспетчеризует операции /sync/{op}.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, op string, h *SyncHeader, body []byte) {
	ctx := r.Context()

	sess, err := s.resolveHost(h)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}

	var resp any
	switch op {
	case "meta":
		req := &api.MetaRequest{}
		if err = decodeJSON(body, req); err == nil {
			resp, err = s.engine.Meta(ctx, sess, req)
		}
	case "start":
		req := &api.StartRequest{}
		if err = decodeJSON(body, req); err == nil {
			resp, err = s.engine.Start(ctx, sess, req)
		}
	case "applyGraves":
		req := &api.ApplyGravesRequest{}
		if err = decodeJSON(body, req); err == nil {
			if err = s.engine.ApplyGraves(ctx, sess, req.Chunk); err == nil {
				resp = struct{}{}
			}
		}
	case "applyChanges":
		req := &api.ApplyChangesRequest{}
		if err = decodeJSON(body, req); err == nil {
			resp, err = s.engine.ApplyChanges(ctx, sess, req.Changes)
		}
	case "chunk":
		resp, err = s.engine.Chunk(ctx, sess)
	case "applyChunk":
		req := &api.ApplyChunkRequest{}
		if err = decodeJSON(body, req); err == nil {
			if err = s.engine.ApplyChunk(ctx, sess, req.Chunk); err == nil {
				resp = struct{}{}
			}
		}
	case "sanityCheck2":
		req := &api.SanityCheckRequest{}
		if err = decodeJSON(body, req); err == nil {
			resp, err = s.engine.SanityCheck(ctx, sess, req.Client)
		}
	case "finish":
		var mod int64
		if mod, err = s.engine.Finish(ctx, sess); err == nil {
			resp = &api.FinishResponse{Mod: mod}
		}
	case "abort":
		if err = s.engine.Abort(ctx, sess); err == nil {
			resp = struct{}{}
		}
	case "upload":
		if err = s.engine.Upload(ctx, sess, bytes.NewReader(body)); err == nil {
			resp = &api.UploadResponse{Status: "OK"}
		}
	case "download":
		var data []byte
		if data, err = s.engine.Download(ctx, sess); err == nil {
			if err := s.codec.writeData(w, h, "application/octet-stream", data); err != nil {
				s.logger.Error("failed to write collection", "error", err)
			}
			return
		}
	default:
		err = fmt.Errorf("%w: unknown sync operation %q", models.ErrBadRequest, op)
	}

	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if err := s.codec.writeJSON(w, h, resp); err != nil {
		s.logger.Error("failed to write sync response", "op", op, "error", err)
	}
}

// resolveHost находит сессию по hostKey из заголовка. Пустой ключ — зонд
// обнаружения, незнакомый — отказ в доступе.
func (s *Server) resolveHost(h *SyncHeader) (*models.Session, error) {
	if h == nil || h.Key == "" {
		return nil, models.ErrExpectedAuth
	}
	return s.sessions.Resolve(h.Key)
}

func decodeJSON(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed request body", models.ErrBadRequest)
	}
	return nil
}
