package handlers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/codebuildervaibhav/speaker-transcript/internal/queue"
	"github.com/codebuildervaibhav/speaker-transcript/internal/transcription"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// UploadHandler handles video uploads
type UploadHandler struct {
	dispatcher      Dispatcher
	uploadDir       string
	maxSizeMB       int
	defaultEstimate float64
	log             *slog.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(d Dispatcher, uploadDir string, maxSizeMB int, defaultEstimate float64, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{
		dispatcher:      d,
		uploadDir:       uploadDir,
		maxSizeMB:       maxSizeMB,
		defaultEstimate: defaultEstimate,
		log:             logger.With("component", "upload"),
	}
}

// Handle processes the upload request
func (h *UploadHandler) Handle(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "No file uploaded", "ERR_NO_FILE")
	}

	requestName := c.FormValue("name")
	if requestName == "" {
		requestName = strings.TrimSuffix(file.Filename, filepath.Ext(file.Filename))
	}
	if requestName == "" {
		requestName = "untitled"
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return errorJSON(c, fiber.StatusBadRequest, fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB), "ERR_FILE_TOO_LARGE")
	}
	if !transcription.ValidateMediaFormat(file.Filename) {
		return errorJSON(c, fiber.StatusBadRequest, "Unsupported video format", "ERR_INVALID_FORMAT")
	}

	estimate := h.defaultEstimate
	if v := c.FormValue("estimated_minutes"); v != "" {
		estimate, err = strconv.ParseFloat(v, 64)
		if err != nil || estimate <= 0 {
			return errorJSON(c, fiber.StatusBadRequest, "Invalid estimated_minutes", "ERR_INVALID_ESTIMATE")
		}
	}

	if isBusy(h.dispatcher) {
		return busyJSON(c, h.dispatcher)
	}

	tempPath := uploadPath(h.uploadDir, file.Filename)
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to save file", "ERR_SAVE_FAILED")
	}
	if err := c.SaveFile(file, tempPath); err != nil {
		h.log.Error("failed to save uploaded file", "error", err)
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to save file", "ERR_SAVE_FAILED")
	}

	req := queue.Request{
		Name:             requestName,
		Source:           types.SourceUpload,
		VideoPath:        tempPath,
		Holder:           c.FormValue("user"),
		EstimatedMinutes: estimate,
		RemoveSource:     true,
	}
	if err := submit(c, h.dispatcher, req, "File uploaded successfully, processing started"); err != nil {
		return err
	}
	if c.Response().StatusCode() != fiber.StatusAccepted {
		os.Remove(tempPath)
	}
	return nil
}

// uploadPath names an upload after the original file with a unique prefix,
// so the job's working directory stays recognisable.
func uploadPath(dir, filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = strings.Map(func(r rune) rune {
		if r == ' ' || r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, base)
	if base == "" || base == "." {
		base = "video"
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", uuid.New().String()[:8], base, ext))
}
