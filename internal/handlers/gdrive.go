package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codebuildervaibhav/speaker-transcript/internal/queue"
	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// DownloadFunc fetches a shared Drive file into dest.
type DownloadFunc func(ctx context.Context, fileID, dest string) error

// GDriveHandler handles Google Drive link processing
type GDriveHandler struct {
	dispatcher      Dispatcher
	uploadDir       string
	defaultEstimate float64
	download        DownloadFunc
	log             *slog.Logger
}

// NewGDriveHandler creates a new Google Drive handler. A nil download uses
// the public Drive download endpoint.
func NewGDriveHandler(d Dispatcher, uploadDir string, defaultEstimate float64, download DownloadFunc, logger *slog.Logger) *GDriveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if download == nil {
		download = HTTPDownloader(&http.Client{Timeout: 30 * time.Minute})
	}
	return &GDriveHandler{
		dispatcher:      d,
		uploadDir:       uploadDir,
		defaultEstimate: defaultEstimate,
		download:        download,
		log:             logger.With("component", "gdrive"),
	}
}

// GDriveRequest represents the request body
type GDriveRequest struct {
	URL              string  `json:"url"`
	Name             string  `json:"name"`
	User             string  `json:"user"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
}

// Handle processes Google Drive link requests
func (h *GDriveHandler) Handle(c *fiber.Ctx) error {
	var req GDriveRequest
	if err := c.BodyParser(&req); err != nil {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid request body", "ERR_INVALID_BODY")
	}
	if req.URL == "" {
		return errorJSON(c, fiber.StatusBadRequest, "URL is required", "ERR_NO_URL")
	}

	fileID := extractGDriveFileID(req.URL)
	if fileID == "" {
		return errorJSON(c, fiber.StatusBadRequest, "Invalid Google Drive URL", "ERR_INVALID_URL")
	}
	if req.Name == "" {
		req.Name = "gdrive_file"
	}
	if req.EstimatedMinutes <= 0 {
		req.EstimatedMinutes = h.defaultEstimate
	}

	if isBusy(h.dispatcher) {
		return busyJSON(c, h.dispatcher)
	}

	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		return errorJSON(c, fiber.StatusInternalServerError, "Failed to save downloaded file", "ERR_SAVE_FAILED")
	}
	tempPath := uploadPath(h.uploadDir, req.Name+".mp4")

	h.log.Info("downloading from Google Drive", "file_id", fileID)
	if err := h.download(c.UserContext(), fileID, tempPath); err != nil {
		os.Remove(tempPath)
		h.log.Warn("Google Drive download failed", "file_id", fileID, "error", err)
		return errorJSON(c, fiber.StatusBadRequest, "File not accessible (may be private or doesn't exist)", "ERR_FILE_NOT_ACCESSIBLE")
	}

	jobReq := queue.Request{
		Name:             req.Name,
		Source:           types.SourceGDrive,
		VideoPath:        tempPath,
		Holder:           req.User,
		EstimatedMinutes: req.EstimatedMinutes,
		RemoveSource:     true,
	}
	if err := submit(c, h.dispatcher, jobReq, "Google Drive file downloaded, processing started"); err != nil {
		return err
	}
	if c.Response().StatusCode() != fiber.StatusAccepted {
		os.Remove(tempPath)
	}
	return nil
}

// HTTPDownloader downloads publicly shared files with client.
func HTTPDownloader(client *http.Client) DownloadFunc {
	return func(ctx context.Context, fileID, dest string) error {
		downloadURL := fmt.Sprintf("https://drive.google.com/uc?export=download&id=%s", fileID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %s", resp.Status)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.Create(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, resp.Body); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}

var (
	// https://drive.google.com/file/d/{ID}/view
	fileIDPath = regexp.MustCompile(`/file/d/([a-zA-Z0-9_-]+)`)
	// https://drive.google.com/open?id={ID}
	fileIDQuery = regexp.MustCompile(`[?&]id=([a-zA-Z0-9_-]+)`)
	// Bare ID (25-40 characters)
	fileIDBare = regexp.MustCompile(`^([a-zA-Z0-9_-]{25,40})$`)
)

// extractGDriveFileID extracts the file ID from various Google Drive URL formats
func extractGDriveFileID(url string) string {
	for _, re := range []*regexp.Regexp{fileIDPath, fileIDQuery, fileIDBare} {
		if matches := re.FindStringSubmatch(url); len(matches) > 1 {
			return matches[1]
		}
	}
	return ""
}
