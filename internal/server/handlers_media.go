package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/iudanet/ankisyncd/internal/models"
	"github.com/iudanet/ankisyncd/pkg/api"
)

// handleMedia диспетчеризует операции /msync/{op}. begin принимает полный
// hostKey, остальные операции — короткий ключ из его ответа.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request, op string, h *SyncHeader, body []byte) {
	ctx := r.Context()

	sess, err := s.resolveMedia(h)
	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}

	var resp any
	switch op {
	case "begin":
		var data *api.MediaBeginData
		if data, err = s.media.Begin(ctx, sess); err == nil {
			resp = &api.MediaBeginResponse{Data: *data}
		}
	case "mediaChanges":
		req := &api.MediaChangesRequest{}
		if err = decodeJSON(body, req); err == nil {
			// прямой массив, без обёртки {data}
			resp, err = s.media.Changes(ctx, sess, req.LastUsn)
		}
	case "uploadChanges":
		var data *api.MediaUploadData
		if data, err = s.media.ProcessUpload(ctx, sess, body); err == nil {
			resp = &api.MediaUploadResponse{Data: *data}
		}
	case "downloadFiles":
		req := &api.MediaDownloadRequest{}
		if err = decodeJSON(body, req); err == nil {
			var archive []byte
			if archive, err = s.media.DownloadArchive(ctx, sess, req.Files); err == nil {
				if err := s.codec.writeData(w, h, "application/octet-stream", archive); err != nil {
					s.logger.Error("failed to write media archive", "error", err)
				}
				return
			}
		}
	case "mediaSanity":
		req := &api.MediaSanityRequest{}
		if err = decodeJSON(body, req); err == nil {
			var status string
			if status, err = s.media.Sanity(ctx, sess, req.Local); err == nil {
				resp = &api.MediaSanityResponse{Data: status}
			}
		}
	default:
		err = fmt.Errorf("%w: unknown media operation %q", models.ErrBadRequest, op)
	}

	if err != nil {
		writeError(w, s.logger, r, err)
		return
	}
	if err := s.codec.writeJSON(w, h, resp); err != nil {
		s.logger.Error("failed to write media response", "op", op, "error", err)
	}
}

// resolveMedia находит сессию по полному либо короткому ключу.
func (s *Server) resolveMedia(h *SyncHeader) (*models.Session, error) {
	if h == nil || h.Key == "" {
		return nil, models.ErrExpectedAuth
	}
	sess, err := s.sessions.Resolve(h.Key)
	if errors.Is(err, models.ErrUnauthorized) {
		return s.sessions.ResolveSkey(h.Key)
	}
	return sess, err
}
