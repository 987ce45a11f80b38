package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/virasat-app/virasat/internal/models"
)

// trialsHandler serves GET /trials/{id} and GET /trials/attention for
// support tooling.
func (s *Server) trialsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/trials/")
	if rest == "" || strings.Contains(rest, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	if rest == "attention" {
		s.attentionHandler(w, r)
		return
	}

	trial, err := s.store.GetTrial(rest)
	if err != nil {
		slog.Error("Server.trialsHandler: failed to load trial", "error", err, "trialID", rest)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load trial"))
		return
	}
	if trial == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Trial not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(trial))
}

// attentionHandler lists trials that exhausted the readiness retry budget
// and wait on human follow-up.
func (s *Server) attentionHandler(w http.ResponseWriter, _ *http.Request) {
	flagged, err := s.store.ListTrialsNeedingAttention()
	if err != nil {
		slog.Error("Server.attentionHandler: failed to list flagged trials", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list trials"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flagged))
}

func (s *Server) listAlbumsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	albums, err := s.albums.Albums(r.Context())
	if err != nil {
		slog.Error("Server.listAlbumsHandler: failed to list albums", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list albums"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(albums))
}

func (s *Server) getAlbumHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/albums/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}

	album, err := s.albums.Album(r.Context(), id)
	if errors.Is(err, models.ErrAlbumNotFound) || errors.Is(err, models.ErrAlbumInactive) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Album not found"))
		return
	}
	if err != nil {
		slog.Error("Server.getAlbumHandler: failed to load album", "error", err, "albumID", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load album"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(album))
}
