package api

import (
	"bms-can-monitor/internal/protocol"
	"bms-can-monitor/internal/settings"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type builtinInfo struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Messages     int    `json:"messages"`
}

type activeProtocol struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

func protocolErrorStatus(err error) int {
	switch {
	case errors.Is(err, protocol.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrFetch):
		return http.StatusBadGateway
	case errors.Is(err, protocol.ErrStorage):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// describeActive derives the reported source from a stored reference such
// as "builtin:Generic BMS"
func describeActive(ref string, def *protocol.Definition) activeProtocol {
	if def == nil {
		return activeProtocol{Source: "none"}
	}
	active := activeProtocol{Source: protocol.SourceCustom, Name: def.Name}
	if source, _, found := strings.Cut(ref, ":"); found {
		active.Source = source
	} else if _, ok := protocol.Builtin(def.Name); ok {
		active.Source = protocol.SourceBuiltin
	}
	return active
}

func (s *Server) currentProtocol() activeProtocol {
	s.mu.Lock()
	defer s.mu.Unlock()
	return describeActive(s.activeRef, s.deps.Decoder.Definition())
}

// handleListProtocols lists builtin and stored definitions
// GET /api/protocols
func (s *Server) handleListProtocols(w http.ResponseWriter, r *http.Request) {
	builtins := []builtinInfo{}
	for _, d := range protocol.Builtins() {
		builtins = append(builtins, builtinInfo{
			Name:         d.Name,
			Manufacturer: d.Manufacturer,
			Messages:     d.Messages.Len(),
		})
	}

	custom, err := s.deps.Loader.List()
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"builtin": builtins,
		"custom":  custom,
		"active":  s.currentProtocol(),
	})
}

// handleGetProtocol returns one definition as protocol JSON
// GET /api/protocols/{name}?source=builtin|custom
func (s *Server) handleGetProtocol(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ref := name
	if source := r.URL.Query().Get("source"); source != "" {
		ref = source + ":" + name
	}

	d, err := s.deps.Loader.Resolve(ref)
	if err != nil {
		respondWithError(w, protocolErrorStatus(err), err.Error())
		return
	}
	doc, err := protocol.Encode(d)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(doc)
}

// handleUploadProtocol stores the request body as the next custom_N.json
// POST /api/protocols
func (s *Server) handleUploadProtocol(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, protocol.MaxDocumentSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("protocol document too large (max %d bytes)", protocol.MaxDocumentSize))
			return
		}
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("failed to read body: %v", err))
		return
	}

	name, d, err := s.deps.Loader.Upload(doc)
	if err != nil {
		respondWithError(w, protocolErrorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{
		"filename": name,
		"name":     d.Name,
		"messages": d.Messages.Len(),
	})
}

// handleFetchProtocol downloads a definition into the library
// POST /api/protocols/fetch {"url": "...", "name": "optional.json"}
func (s *Server) handleFetchProtocol(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	}
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		respondWithError(w, http.StatusBadRequest, "url must be http or https")
		return
	}

	name, d, err := s.deps.Loader.FetchFromURL(r.Context(), req.URL, req.Name)
	if err != nil {
		respondWithError(w, protocolErrorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusCreated, map[string]any{
		"filename": name,
		"name":     d.Name,
		"messages": d.Messages.Len(),
	})
}

// handleDeleteProtocol removes a stored definition
// DELETE /api/protocols/{name}
func (s *Server) handleDeleteProtocol(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Loader.Delete(r.PathValue("name")); err != nil {
		respondWithError(w, protocolErrorStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActiveProtocol reports the installed definition
// GET /api/protocols/active
func (s *Server) handleActiveProtocol(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, s.currentProtocol())
}

// handleActivateProtocol installs a definition in the decoder and persists
// the choice
// POST /api/protocols/active {"source": "builtin|custom|none", "name": "..."}
func (s *Server) handleActivateProtocol(w http.ResponseWriter, r *http.Request) {
	var req activeProtocol
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	var (
		def *protocol.Definition
		ref string
		err error
	)
	switch req.Source {
	case "none", "":
		ref = "none"
	case protocol.SourceBuiltin, protocol.SourceCustom:
		if req.Name == "" {
			respondWithError(w, http.StatusBadRequest, "name is required")
			return
		}
		ref = req.Source + ":" + req.Name
		if def, err = s.deps.Loader.Resolve(ref); err != nil {
			respondWithError(w, protocolErrorStatus(err), err.Error())
			return
		}
	default:
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("unknown source %q", req.Source))
		return
	}

	if err := s.deps.Decoder.SetDefinition(def); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.Lock()
	s.activeRef = ref
	s.mu.Unlock()
	s.persist(func(v *settings.Settings) { v.ActiveProtocol = ref })

	respondWithJSON(w, http.StatusOK, s.currentProtocol())
}
