package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wa-instances/internal/engine"
	"wa-instances/internal/infra/logger"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const keepAliveInterval = 25 * time.Second

// instanceView — снимок инстанса для API.
type instanceView struct {
	engine.State
	Polling bool `json:"polling"`
}

func (s *Server) view(st engine.State) instanceView {
	return instanceView{State: st, Polling: s.opts.Engine.Polling(st.InstanceID)}
}

func pathID(r *http.Request) string {
	return strings.TrimSpace(r.PathValue("id"))
}

// handleList возвращает снимки всех известных инстансов.
func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	snaps := s.opts.Engine.Snapshots()
	views := make([]instanceView, 0, len(snaps))
	for _, st := range snaps {
		views = append(views, s.view(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	st, ok := s.opts.Engine.Snapshot(pathID(r))
	if !ok {
		writeError(w, http.StatusNotFound, "instance not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(st))
}

// handleDelete забывает инстанс, удалённый во внешней системе.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	removed := s.opts.Engine.Remove(id)
	if s.opts.Records != nil {
		if err := s.opts.Records.Delete(id); err != nil {
			logger.Error("Delete: record removal failed", zap.String("instance", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()

	id := pathID(r)
	if err := s.opts.Engine.RequestConnect(ctx, id); err != nil {
		logger.Errorf("Connect command failed: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	st, _ := s.opts.Engine.Snapshot(id)
	writeJSON(w, http.StatusAccepted, s.view(st))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()

	id := pathID(r)
	if err := s.opts.Engine.RequestDisconnect(ctx, id); err != nil {
		logger.Errorf("Disconnect command failed: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	st, _ := s.opts.Engine.Snapshot(id)
	writeJSON(w, http.StatusOK, s.view(st))
}

// handleCheck — ручная проверка «действительно подключён».
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), mediumTimeOut)
	defer cancel()

	res, err := s.opts.Engine.ForceCheck(ctx, pathID(r))
	if err != nil {
		logger.Warnf("Check command failed: %v", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleQR отдаёт текущий QR инстанса картинкой.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	st, ok := s.opts.Engine.Snapshot(pathID(r))
	if !ok || st.QRCode == "" {
		writeError(w, http.StatusNotFound, "no qr code")
		return
	}
	mime, data, err := engine.DecodeDataURI(st.QRCode)
	if err != nil {
		logger.Warn("QR: bad data uri", zap.String("instance", st.InstanceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "qr code is not decodable")
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "no-store")
	writeResponse(w, data)
}

// handleEvents — поток снимков инстанса в формате SSE. Подписка держит опрос
// активным, пока открыто соединение.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	updates, err := s.opts.Engine.Watch(ctx, pathID(r))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	rc := http.NewResponseController(w)
	// поток бессрочный, общий WriteTimeout сервера к нему неприменим
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Warn("SSE: flush unsupported", zap.Error(err))
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case st, ok := <-updates:
			if !ok {
				return
			}
			payload, err := json.Marshal(s.view(st))
			if err != nil {
				logger.Error("SSE: encode snapshot", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: state\ndata: %s\n\n", uuid.NewString(), payload); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
