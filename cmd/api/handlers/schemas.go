package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/controller"
	"github.com/docuvision/docuvision/internal/observability"
)

// SchemasHandler serves the /schemas routes (SPEC_FULL.md §6).
type SchemasHandler struct {
	logger *observability.Logger
	ctrl   *controller.Controller
}

// NewSchemasHandler creates a SchemasHandler.
func NewSchemasHandler(logger *observability.Logger, ctrl *controller.Controller) *SchemasHandler {
	return &SchemasHandler{logger: logger, ctrl: ctrl}
}

// List handles GET /schemas/.
func (h *SchemasHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"schemas": h.ctrl.ListSchemas()})
}

// Get handles GET /schemas/{name}.
func (h *SchemasHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, err := h.ctrl.GetSchema(name)
	if err != nil {
		if apperror.Is(err, apperror.KindUnknownSchema) {
			err = apperror.New(apperror.KindNotFound, "schema not found", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// DetectRequestDTO is the body of POST /schemas/detect.
type DetectRequestDTO struct {
	SampleImageBase64 string `json:"sample_image_base64"`
	Description       string `json:"description"`
}

// Detect handles POST /schemas/detect.
func (h *SchemasHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var reqDTO DetectRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, apperror.InvalidFile("malformed request body", err))
		return
	}
	samplePNG, err := base64.StdEncoding.DecodeString(reqDTO.SampleImageBase64)
	if err != nil {
		writeError(w, apperror.InvalidFile("sample_image_base64 is not valid base64", err))
		return
	}

	result, err := h.ctrl.DetectSchema(r.Context(), samplePNG, reqDTO.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
