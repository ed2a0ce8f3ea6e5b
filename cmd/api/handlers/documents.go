// Package handlers provides HTTP handlers for the docuvision API.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/docuvision/docuvision/internal/apperror"
	"github.com/docuvision/docuvision/internal/controller"
	"github.com/docuvision/docuvision/internal/metadatastore"
	"github.com/docuvision/docuvision/internal/observability"
)

// DocumentsHandler serves the /documents routes (SPEC_FULL.md §6).
type DocumentsHandler struct {
	logger *observability.Logger
	ctrl   *controller.Controller
}

// NewDocumentsHandler creates a DocumentsHandler.
func NewDocumentsHandler(logger *observability.Logger, ctrl *controller.Controller) *DocumentsHandler {
	return &DocumentsHandler{logger: logger, ctrl: ctrl}
}

// DocumentDTO is the JSON representation of a Document.
type DocumentDTO struct {
	ID               int64       `json:"id"`
	Status           string      `json:"status"`
	OriginalFilename string      `json:"original_filename"`
	ByteLength       int64       `json:"byte_length"`
	PageCount        int         `json:"page_count"`
	Progress         float64     `json:"progress"`
	ExtractedFields  interface{} `json:"extracted_fields,omitempty"`
	Confidence       interface{} `json:"confidence_scores,omitempty"`
	ErrorMessage     string      `json:"error_message,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

func toDocumentDTO(doc *metadatastore.Document) DocumentDTO {
	return DocumentDTO{
		ID:               doc.ID,
		Status:           string(doc.Status),
		OriginalFilename: doc.OriginalFilename,
		ByteLength:       doc.ByteLength,
		PageCount:        doc.PageCount,
		Progress:         doc.Progress,
		ExtractedFields:  doc.ExtractedFields,
		Confidence:       doc.Confidence,
		ErrorMessage:     doc.Metadata.ErrorMessage,
		CreatedAt:        doc.CreatedAt,
	}
}

// StatusDTO is the JSON representation of a status snapshot, matching
// the field set named in SPEC_FULL.md §6.
type StatusDTO struct {
	DocumentID      int64       `json:"document_id"`
	Status          string      `json:"status"`
	Progress        float64     `json:"progress"`
	PageCount       int         `json:"page_count"`
	ExtractedFields interface{} `json:"extracted_data,omitempty"`
	Confidence      interface{} `json:"confidence_scores,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

func toStatusDTO(snap *controller.StatusSnapshot) StatusDTO {
	return StatusDTO{
		DocumentID:      snap.DocumentID,
		Status:          string(snap.Status),
		Progress:        snap.Progress,
		PageCount:       snap.PageCount,
		ExtractedFields: snap.ExtractedFields,
		Confidence:      snap.Confidence,
		ErrorMessage:    snap.ErrorMessage,
	}
}

const maxUploadMemory = 32 << 20 // 32 MiB buffered in memory; rest spills to temp files.

// Upload handles POST /documents/upload.
func (h *DocumentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, apperror.InvalidFile("malformed multipart form", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apperror.InvalidFile("missing file field", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.ctrl.Config.Upload.MaxUploadBytes+1))
	if err != nil {
		writeError(w, apperror.Internal("read upload", err))
		return
	}

	doc, err := h.ctrl.Upload(r.Context(), data, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDocumentDTO(doc))
}

// ProcessRequestDTO is the body of POST /documents/process/{id}.
type ProcessRequestDTO struct {
	Schema       *string `json:"schema"`
	TemplateMode bool    `json:"template_mode"`
}

// Process handles POST /documents/process/{id}.
func (h *DocumentsHandler) Process(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	var reqDTO ProcessRequestDTO
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
			writeError(w, apperror.InvalidFile("malformed request body", err))
			return
		}
	}

	opts := controller.ProcessOptions{}
	if reqDTO.Schema != nil {
		opts.Schema = *reqDTO.Schema
	}
	if err := h.ctrl.StartProcessing(r.Context(), id, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"document_id": id, "status": "accepted"})
}

// BatchProcessRequestDTO is the body of POST /documents/batch/process.
type BatchProcessRequestDTO struct {
	DocumentIDs []int64 `json:"document_ids"`
	Schema      *string `json:"schema"`
}

// BatchProcess handles POST /documents/batch/process.
func (h *DocumentsHandler) BatchProcess(w http.ResponseWriter, r *http.Request) {
	var reqDTO BatchProcessRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&reqDTO); err != nil {
		writeError(w, apperror.InvalidFile("malformed request body", err))
		return
	}

	opts := controller.ProcessOptions{}
	if reqDTO.Schema != nil {
		opts.Schema = *reqDTO.Schema
	}

	accepted := make([]int64, 0, len(reqDTO.DocumentIDs))
	for _, id := range reqDTO.DocumentIDs {
		if err := h.ctrl.StartProcessing(r.Context(), id, opts); err != nil {
			writeError(w, err)
			return
		}
		accepted = append(accepted, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"document_ids": accepted, "status": "accepted"})
}

// Status handles GET /documents/{id}/status.
func (h *DocumentsHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.ctrl.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusDTO(snap))
}

// Stream handles GET /documents/{id}/stream as a text/event-stream of
// status snapshots (SPEC_FULL.md §4.1, §9's polling-as-default note).
func (h *DocumentsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	ch, err := h.ctrl.StreamStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperror.Internal("streaming unsupported by response writer", nil))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for snap := range ch {
		payload, err := json.Marshal(toStatusDTO(&snap))
		if err != nil {
			h.logger.Error().Err(err).Int64("document_id", id).Msg("encode stream snapshot")
			return
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return
		}
		flusher.Flush()
	}
}

// List handles GET /documents/.
func (h *DocumentsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	skip := parseIntDefault(q.Get("skip"), 0)
	limit := parseIntDefault(q.Get("limit"), 20)
	status := metadatastore.StatusFilter(q.Get("status"))

	page, err := h.ctrl.List(r.Context(), skip, limit, status)
	if err != nil {
		writeError(w, err)
		return
	}

	docs := make([]DocumentDTO, 0, len(page.Documents))
	for _, d := range page.Documents {
		docs = append(docs, toDocumentDTO(d))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs, "total": page.Total})
}

// Delete handles DELETE /documents/{id}.
func (h *DocumentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.ctrl.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadSingle handles GET /documents/{id}/download/excel.
func (h *DocumentsHandler) DownloadSingle(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.ctrl.DownloadSingle(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXLSX(w, fmt.Sprintf("document-%d.xlsx", id), data)
}

// DownloadBatch handles GET /documents/batch/download/excel.
func (h *DocumentsHandler) DownloadBatch(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDList(r.URL.Query().Get("document_ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.ctrl.DownloadBatch(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXLSX(w, "documents-batch.xlsx", data)
}

// DownloadTemplate handles GET /documents/template/download/excel.
func (h *DocumentsHandler) DownloadTemplate(w http.ResponseWriter, r *http.Request) {
	ids, err := parseIDList(r.URL.Query().Get("document_ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := h.ctrl.DownloadTemplate(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	writeXLSX(w, "documents-template.xlsx", data)
}

func writeXLSX(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func parseID(r *http.Request, param string) (int64, error) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperror.InvalidFile(fmt.Sprintf("invalid %s", param), err)
	}
	return id, nil
}

func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, apperror.InvalidFile("document_ids is required", nil)
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, apperror.InvalidFile("invalid document_ids", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
