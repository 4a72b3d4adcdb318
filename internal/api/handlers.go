package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/checker"
	"github.com/sells-group/municipality-check/internal/datasets"
	"github.com/sells-group/municipality-check/internal/model"
)

// AdminTokenHeader authenticates dataset refreshes.
const AdminTokenHeader = "X-Admin-Token"

const maxBodyBytes = 1 << 20

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	switch {
	case fe.Field() == "address" && fe.Tag() == "required":
		return checker.ErrAddressRequired.Error()
	case fe.Tag() == "latitude":
		return "lat must be between -90 and 90"
	case fe.Tag() == "longitude":
		return "lon must be between -180 and 180"
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req model.CheckRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationDetail(err))
		return
	}

	result, err := s.deps.Checker.Check(r.Context(), req)
	switch {
	case errors.Is(err, checker.ErrAddressRequired):
		writeError(w, http.StatusBadRequest, checker.ErrAddressRequired.Error())
		return
	case errors.Is(err, checker.ErrCoordinatesOutOfRange):
		writeError(w, http.StatusBadRequest, checker.ErrCoordinatesOutOfRange.Error())
		return
	case err != nil:
		zap.L().Error("api: check failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := s.deps.Checker.History(r.Context(), limit)
	if err != nil {
		zap.L().Error("api: history failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if rows == nil {
		rows = []model.CheckLog{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Collector == nil {
		writeError(w, http.StatusNotFound, "Stats are disabled")
		return
	}
	hours, err := intParam(r, "hours", 24)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if hours < 1 || hours > 24*90 {
		writeError(w, http.StatusBadRequest, "hours must be between 1 and 2160")
		return
	}

	snap, err := s.deps.Collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("api: stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Layers == nil {
		writeError(w, http.StatusNotFound, "Datasets are not loaded")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Layers.Stats())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.AdminToken == "" || s.deps.Refresher == nil {
		writeError(w, http.StatusNotFound, "Admin refresh is disabled")
		return
	}
	token := r.Header.Get(AdminTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.AdminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "Invalid admin token")
		return
	}

	which := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("which")))
	if which == "" {
		which = "all"
	}

	result, err := s.deps.Refresher.Refresh(r.Context(), which)
	if err != nil {
		var missing *datasets.MissingURLError
		switch {
		case errors.Is(err, datasets.ErrInvalidWhich):
			writeError(w, http.StatusBadRequest, datasets.ErrInvalidWhich.Error())
		case errors.As(err, &missing):
			writeError(w, http.StatusBadRequest, missing.Error())
		default:
			zap.L().Error("api: dataset refresh failed", zap.String("which", which), zap.Error(err))
			writeError(w, http.StatusBadGateway, "Dataset refresh failed: "+err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"which":  which,
		"result": result,
	})
}
