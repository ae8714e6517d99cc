package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"progress-server-go/backup"
	"progress-server-go/db"
	"progress-server-go/models"
)

// APIHandler holds the dependencies for API handlers: the record store, the optional
// snapshot uploader and the logger.
type APIHandler struct {
	Store     db.StudentStore
	Snapshots *backup.Snapshotter
	Logger    *zap.Logger

	now func() time.Time
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(store db.StudentStore, snapshots *backup.Snapshotter, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		Store:     store,
		Snapshots: snapshots,
		Logger:    logger,
		now:       time.Now,
	}
}

// nameRequest is the body of add and rename requests.
type nameRequest struct {
	Name *string `json:"name"`
}

// importRequest is the JSON body of a roster import.
type importRequest struct {
	Names []string `json:"names"`
}

func (h *APIHandler) internalError(c *gin.Context, msg string, err error) {
	h.Logger.Error(msg, zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "message": err.Error()})
}

// bindName reads {"name": "..."} and rejects a missing, non-string or blank name.
func bindName(c *gin.Context) (string, bool) {
	var req nameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == nil || strings.TrimSpace(*req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or missing 'name'"})
		return "", false
	}
	return *req.Name, true
}

// --- Progress Handlers ---

// GetProgress handles GET /students/:slug
func (h *APIHandler) GetProgress(c *gin.Context) {
	student, err := h.Store.FindBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.internalError(c, "Failed to fetch progress", err)
		return
	}
	if student == nil || student.Progress == nil {
		c.JSON(http.StatusOK, models.Progress{})
		return
	}
	c.JSON(http.StatusOK, student.Progress)
}

// SetProgress handles POST /students/:slug
func (h *APIHandler) SetProgress(c *gin.Context) {
	var progress models.Progress
	if err := c.ShouldBindJSON(&progress); err != nil || progress == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Progress must be a JSON object"})
		return
	}
	if err := h.Store.UpsertProgress(c.Request.Context(), c.Param("slug"), progress); err != nil {
		h.internalError(c, "Failed to save progress", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Student Handlers ---

// ListStudents handles GET /students
func (h *APIHandler) ListStudents(c *gin.Context) {
	students, err := h.Store.ListSummaries(c.Request.Context())
	if err != nil {
		h.internalError(c, "Internal server error", err)
		return
	}
	if students == nil {
		// Return empty list instead of null for JSON consistency
		students = []models.StudentSummary{}
	}
	c.JSON(http.StatusOK, students)
}

// AddStudent handles POST /students
func (h *APIHandler) AddStudent(c *gin.Context) {
	name, ok := bindName(c)
	if !ok {
		return
	}
	slug, err := h.Store.InsertNew(c.Request.Context(), name)
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, gin.H{"slug": slug})
	case errors.Is(err, db.ErrEmptySlug):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name must contain letters or digits"})
	case errors.Is(err, db.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": "Student already exists", "message": err.Error()})
	default:
		h.internalError(c, "Failed to add student", err)
	}
}

// RenameStudent handles PUT /students/:slug
func (h *APIHandler) RenameStudent(c *gin.Context) {
	name, ok := bindName(c)
	if !ok {
		return
	}
	newSlug, err := h.Store.Rename(c.Request.Context(), c.Param("slug"), name)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"slug": newSlug})
	case errors.Is(err, db.ErrEmptySlug):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name must contain letters or digits"})
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
	case errors.Is(err, db.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": "Another student already uses that name", "message": err.Error()})
	default:
		h.internalError(c, "Failed to rename student", err)
	}
}

// DeleteStudent handles DELETE /students/:slug
func (h *APIHandler) DeleteStudent(c *gin.Context) {
	deleted, err := h.Store.Delete(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.internalError(c, "Failed to delete student", err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Student not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// --- Import Handler ---

// rosterNames reads the names to import either from an uploaded spreadsheet ("file"
// form field) or from a JSON body {"names": [...]}.
func (h *APIHandler) rosterNames(c *gin.Context) ([]string, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		header, err := c.FormFile("file")
		if err != nil {
			return nil, err
		}
		file, err := header.Open()
		if err != nil {
			return nil, err
		}
		defer file.Close()

		h.Logger.Info("received roster upload", zap.String("file", header.Filename), zap.Int64("size", header.Size))
		return db.ReadRosterNames(file)
	}

	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, err
	}
	return req.Names, nil
}

// ImportStudents handles POST /import-active-students
func (h *APIHandler) ImportStudents(c *gin.Context) {
	names, err := h.rosterNames(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid roster", "message": err.Error()})
		return
	}
	names = db.CleanNames(names)
	if len(names) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No student names supplied"})
		return
	}

	inserted, err := h.Store.BulkInsert(c.Request.Context(), names)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"insertedCount": inserted})
	case errors.Is(err, db.ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "Some duplicates skipped",
			"insertedCount": inserted,
			"message":       err.Error(),
		})
	default:
		h.internalError(c, "Bulk insert failed", err)
	}
}

// --- Backup / Restore Handlers ---

// flushEvery controls how many records are buffered before the backup stream is flushed.
const flushEvery = 100

// Backup handles GET /backup. Headers are only committed once the first record is
// ready, so a store failure before that still gets a proper 500.
func (h *APIHandler) Backup(c *gin.Context) {
	filename := backup.Filename(h.now())
	bw := backup.NewWriter(c.Writer)
	bw.OnStart = func() {
		c.Header("Content-Type", "application/json")
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Status(http.StatusOK)
	}

	err := h.Store.ScanAll(c.Request.Context(), func(st models.Student) error {
		if err := bw.Write(st); err != nil {
			return err
		}
		if bw.Count()%flushEvery == 0 {
			c.Writer.Flush()
		}
		return nil
	})
	if err != nil {
		if !bw.Started() {
			h.internalError(c, "Backup failed", err)
			return
		}
		// Too late for a status code; the client gets a truncated array.
		h.Logger.Error("backup stream aborted", zap.Error(err), zap.Int("written", bw.Count()))
		c.Abort()
		return
	}
	if err := bw.Close(); err != nil {
		h.Logger.Error("failed to finish backup stream", zap.Error(err))
		return
	}
	h.Logger.Info("backup exported", zap.String("file", filename), zap.Int("records", bw.Count()))
}

// Restore handles POST /restore
func (h *APIHandler) Restore(c *gin.Context) {
	var body interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Body must be a JSON array"})
		return
	}
	items, ok := body.([]interface{})
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Body must be a JSON array"})
		return
	}

	docs := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		if doc, ok := item.(map[string]interface{}); ok {
			docs = append(docs, doc)
		}
	}

	res, err := h.Store.BulkUpsert(c.Request.Context(), docs)
	switch {
	case err == nil:
		h.Logger.Info("restore applied",
			zap.Int64("upserted", res.Upserted), zap.Int64("modified", res.Modified), zap.Int64("matched", res.Matched))
		c.JSON(http.StatusOK, gin.H{
			"ok":       true,
			"upserted": res.Upserted,
			"modified": res.Modified,
			"matched":  res.Matched,
		})
	case errors.Is(err, db.ErrEmptyBatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No valid records to restore"})
	default:
		h.internalError(c, "Restore failed", err)
	}
}

// Snapshot handles POST /backup/snapshot
func (h *APIHandler) Snapshot(c *gin.Context) {
	if h.Snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": backup.ErrSnapshotsDisabled.Error()})
		return
	}
	snap, err := h.Snapshots.Take(c.Request.Context(), h.Store)
	if err != nil {
		h.internalError(c, "Snapshot failed", err)
		return
	}
	h.Logger.Info("backup snapshot uploaded", zap.String("key", snap.Key), zap.Int("records", snap.Count))
	c.JSON(http.StatusOK, snap)
}

// --- Ping Handler ---

// Ping handles GET /ping and checks the store connection as well.
func (h *APIHandler) Ping(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		h.Logger.Warn("store ping failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"message": "Store unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Pong!"})
}
