package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/raaihank/record-sentinel/internal/formula"
	"github.com/raaihank/record-sentinel/internal/search"
)

type evaluateRequest struct {
	Definition  *formula.ComputedField  `json:"definition,omitempty"`
	Definitions []formula.ComputedField `json:"definitions,omitempty"`
	Record      map[string]any          `json:"record"`
	Related     formula.RelatedSet      `json:"related,omitempty"`
}

type evaluateResponse struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type evaluateAllResponse struct {
	Values map[string]any    `json:"values"`
	Errors map[string]string `json:"errors,omitempty"`
}

// writeFormulaError maps definition problems to 400 and runtime failures to 422
func writeFormulaError(w http.ResponseWriter, err error) {
	var cfgErr *formula.ConfigError
	if errors.As(err, &cfgErr) {
		writeError(w, http.StatusBadRequest, "invalid_definition", err.Error())
		return
	}
	writeError(w, http.StatusUnprocessableEntity, "evaluation_failed", err.Error())
}

// handleEvaluate evaluates one computed field, or several when definitions is set
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Record == nil {
		req.Record = map[string]any{}
	}

	if len(req.Definitions) > 0 {
		values, errs := s.evaluator.EvaluateAll(req.Definitions, req.Record, req.Related)
		resp := evaluateAllResponse{Values: values}
		if len(errs) > 0 {
			resp.Errors = make(map[string]string, len(errs))
			for name, err := range errs {
				resp.Errors[name] = err.Error()
			}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if req.Definition == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "definition or definitions is required")
		return
	}
	value, err := s.evaluator.Evaluate(*req.Definition, req.Record, req.Related)
	if err != nil {
		writeFormulaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluateResponse{Name: req.Definition.Name, Value: value})
}

type templateResponse struct {
	Name       string                `json:"name"`
	Definition formula.ComputedField `json:"definition"`
}

// handleListTemplates lists the computed field presets
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	names := formula.TemplateNames()
	out := make([]templateResponse, 0, len(names))
	for _, name := range names {
		def, _ := formula.Template(name)
		out = append(out, templateResponse{Name: name, Definition: def})
	}
	writeJSON(w, http.StatusOK, out)
}

type applyTemplateRequest struct {
	Overrides formula.ComputedField `json:"overrides"`
}

// handleApplyTemplate merges overrides onto a preset and validates the result
func (s *Server) handleApplyTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var req applyTemplateRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	def, err := formula.ApplyTemplate(name, req.Overrides)
	if err != nil {
		if errors.Is(err, formula.ErrUnknownTemplate) {
			writeError(w, http.StatusNotFound, "unknown_template", err.Error())
			return
		}
		writeFormulaError(w, err)
		return
	}
	if err := s.evaluator.Validate(def); err != nil {
		writeFormulaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templateResponse{Name: name, Definition: def})
}

type relativeDateRequest struct {
	Token  string `json:"token"`
	Strict bool   `json:"strict"`
}

// handleRelativeDate resolves a relative date token to an absolute range
func (s *Server) handleRelativeDate(w http.ResponseWriter, r *http.Request) {
	var req relativeDateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if !req.Strict {
		writeJSON(w, http.StatusOK, s.resolver.ResolveRelativeDate(req.Token))
		return
	}
	rng, err := s.resolver.ResolveRelativeDateStrict(req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_token", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rng)
}

type groupRequest struct {
	Group *search.ConditionGroup `json:"group"`
}

type flattenResponse struct {
	Empty      bool               `json:"empty"`
	Conditions []search.Condition `json:"conditions"`
}

func decodeGroup(w http.ResponseWriter, r *http.Request) (*search.ConditionGroup, bool) {
	var req groupRequest
	if !decodeJSON(w, r, &req) {
		return nil, false
	}
	if search.IsEmptyConditionGroup(req.Group) {
		return req.Group, true
	}
	if err := req.Group.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_group", err.Error())
		return nil, false
	}
	return req.Group, true
}

// handleFlatten lists the leaf conditions of a group in order
func (s *Server) handleFlatten(w http.ResponseWriter, r *http.Request) {
	g, ok := decodeGroup(w, r)
	if !ok {
		return
	}
	if search.IsEmptyConditionGroup(g) {
		writeJSON(w, http.StatusOK, flattenResponse{Empty: true, Conditions: []search.Condition{}})
		return
	}
	writeJSON(w, http.StatusOK, flattenResponse{Conditions: search.FlattenConditions(*g)})
}

// handleExpand rewrites relative date conditions into absolute ranges
func (s *Server) handleExpand(w http.ResponseWriter, r *http.Request) {
	g, ok := decodeGroup(w, r)
	if !ok {
		return
	}
	if search.IsEmptyConditionGroup(g) {
		writeJSON(w, http.StatusOK, search.ConditionGroup{Logic: search.LogicAnd, Conditions: []search.Condition{}})
		return
	}
	expanded, err := s.resolver.ExpandRelativeDates(*g)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown_token", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, expanded)
}
