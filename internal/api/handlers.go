package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AaronLay10/SentientNarrative/internal/engine"
	"github.com/AaronLay10/SentientNarrative/internal/events"
	"github.com/AaronLay10/SentientNarrative/internal/program"
)

// StartRequest is the body of POST .../start.
type StartRequest struct {
	ProgramID string         `json:"programId"`
	Variables map[string]any `json:"variables,omitempty"`
}

// ValidateResponse lists the issues of a submitted program.
type ValidateResponse struct {
	Valid  bool            `json:"valid"`
	Issues []program.Issue `json:"issues"`
}

// decodeProgram reads a program body as JSON, or YAML when the content type
// says so.
func decodeProgram(r *http.Request) (*program.Program, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return program.ParseYAML(data)
	}
	return program.Parse(data)
}

func (s *Server) listPrograms(w http.ResponseWriter, r *http.Request) {
	list, err := s.programs.ListPrograms(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, engine.CodeInternal, "failed to list programs")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getProgram(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "programID")
	p, err := s.programs.GetProgram(r.Context(), id)
	if errors.Is(err, program.ErrNotFound) {
		writeError(w, http.StatusNotFound, engine.CodeProgramNotFound, "program "+id+" not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, engine.CodeInternal, "failed to load program")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) validateProgram(w http.ResponseWriter, r *http.Request) {
	p, err := decodeProgram(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, engine.CodeProgramInvalid, err.Error())
		return
	}
	issues := program.Validate(p)
	if issues == nil {
		issues = []program.Issue{}
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: !program.Fatal(issues), Issues: issues})
}

// putProgram registers a program. Programs with fatal issues are refused.
func (s *Server) putProgram(w http.ResponseWriter, r *http.Request) {
	p, err := decodeProgram(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, engine.CodeProgramInvalid, err.Error())
		return
	}

	issues := program.Validate(p)
	if program.Fatal(issues) {
		_, _ = events.Emit("warn", "program.invalid", "rejected program upload", map[string]interface{}{
			"program_id": p.ID,
			"version":    p.Version,
			"issues":     len(program.Errors(issues)),
		})
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error: &engine.ErrorDescriptor{
				Code:    engine.CodeProgramInvalid,
				Message: "program has fatal validation issues",
			},
			Issues: issues,
		})
		return
	}

	if err := s.programs.PutProgram(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, engine.CodeInternal, "failed to store program")
		return
	}
	s.engine.Forget(p.ID)
	_, _ = events.Emit("info", "program.registered", "", map[string]interface{}{
		"program_id": p.ID,
		"version":    p.Version,
		"nodes":      len(p.Nodes),
	})
	writeJSON(w, http.StatusCreated, p.Summarize())
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, engine.CodeInvalidRequest, "invalid JSON")
		return
	}
	if req.ProgramID == "" {
		writeError(w, http.StatusBadRequest, engine.CodeInvalidRequest, "programId required")
		return
	}

	began := time.Now()
	res, err := s.engine.Start(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "npcID"), req.ProgramID, req.Variables)
	s.metrics.observe("start", began, res, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) step(w http.ResponseWriter, r *http.Request) {
	var in engine.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, engine.CodeInvalidRequest, "invalid JSON")
		return
	}

	began := time.Now()
	res, err := s.engine.Step(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "npcID"), in)
	s.metrics.observe("step", began, res, err)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	rs, err := s.engine.GetState(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "npcID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
