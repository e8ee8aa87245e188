package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/codebuildervaibhav/speaker-transcript/internal/types"
)

// ErrNoToken means the Drive client has not been authorized yet.
var ErrNoToken = errors.New("google drive token missing, run `transcribe drive-auth`")

const folderMimeType = "application/vnd.google-apps.folder"

// DriveClient handles uploading to Google Drive
type DriveClient struct {
	service    *drive.Service
	folderName string

	mu       sync.Mutex
	folderID string
}

// NewDriveClient creates a client from OAuth credentials and a cached token.
// The root folder is resolved lazily on the first upload.
func NewDriveClient(ctx context.Context, credentialsFile, tokenFile, folderName string) (*DriveClient, error) {
	config, err := loadOAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := tokenFromFile(tokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("unable to read token: %w", err)
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %w", err)
	}
	return NewDriveClientWithService(srv, folderName), nil
}

// NewDriveClientWithService wraps an existing Drive service.
func NewDriveClientWithService(srv *drive.Service, folderName string) *DriveClient {
	if folderName == "" {
		folderName = "Transcripts"
	}
	return &DriveClient{service: srv, folderName: folderName}
}

// AuthorizeDrive runs the interactive OAuth flow and caches the token.
func AuthorizeDrive(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	config, err := loadOAuthConfig(credentialsFile)
	if err != nil {
		return err
	}

	authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser:\n%v\n", authURL)
	fmt.Fprint(out, "Enter authorization code: ")

	authCode, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && authCode == "" {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	tok, err := config.Exchange(ctx, strings.TrimSpace(authCode))
	if err != nil {
		return fmt.Errorf("unable to retrieve token from web: %w", err)
	}
	return saveToken(tokenFile, tok)
}

func loadOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %w", err)
	}
	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %w", err)
	}
	return config, nil
}

// tokenFromFile retrieves a token from a local file
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// saveToken saves a token to a file path
func saveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to cache oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Name identifies the publisher.
func (dc *DriveClient) Name() string { return "gdrive" }

// Publish uploads the transcript and returns a link to it.
func (dc *DriveClient) Publish(ctx context.Context, name string, result *types.TranscriptionResult) (string, error) {
	return dc.Upload(ctx, name, result)
}

// Upload uploads transcript and metadata to Google Drive
func (dc *DriveClient) Upload(ctx context.Context, requestName string, result *types.TranscriptionResult) (string, error) {
	// Transcripts/2025/01/23/
	now := time.Now()
	folderID, err := dc.ensureDateFolder(ctx, now)
	if err != nil {
		return "", err
	}

	baseFilename := fmt.Sprintf("%s_%s", now.Format("20060102_150405"), sanitizeFilename(requestName))

	txtFile := &drive.File{
		Name:     baseFilename + ".txt",
		Parents:  []string{folderID},
		MimeType: "text/plain",
	}
	created, err := dc.service.Files.Create(txtFile).
		Media(strings.NewReader(result.Text)).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript: %w", err)
	}

	metaJSON, err := json.MarshalIndent(newMetadata(requestName, result, ""), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaFile := &drive.File{
		Name:     baseFilename + "_meta.json",
		Parents:  []string{folderID},
		MimeType: "application/json",
	}
	if _, err := dc.service.Files.Create(metaFile).
		Media(strings.NewReader(string(metaJSON))).
		Context(ctx).
		Do(); err != nil {
		return "", fmt.Errorf("failed to upload metadata: %w", err)
	}

	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id), nil
}

func (dc *DriveClient) rootFolder(ctx context.Context) (string, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.folderID != "" {
		return dc.folderID, nil
	}
	id, err := dc.findOrCreateFolder(ctx, dc.folderName, "")
	if err != nil {
		return "", fmt.Errorf("unable to resolve folder %q: %w", dc.folderName, err)
	}
	dc.folderID = id
	return id, nil
}

// ensureDateFolder creates nested year/month/day folders
func (dc *DriveClient) ensureDateFolder(ctx context.Context, t time.Time) (string, error) {
	parent, err := dc.rootFolder(ctx)
	if err != nil {
		return "", err
	}
	for _, name := range []string{
		fmt.Sprintf("%d", t.Year()),
		fmt.Sprintf("%02d", t.Month()),
		fmt.Sprintf("%02d", t.Day()),
	} {
		parent, err = dc.findOrCreateFolder(ctx, name, parent)
		if err != nil {
			return "", err
		}
	}
	return parent, nil
}

// findOrCreateFolder finds or creates a folder under parentID, or at the
// top level when parentID is empty.
func (dc *DriveClient) findOrCreateFolder(ctx context.Context, name, parentID string) (string, error) {
	r, err := dc.service.Files.List().
		Q(folderQuery(name, parentID)).
		Spaces("drive").
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{Name: name, MimeType: folderMimeType}
	if parentID != "" {
		folder.Parents = []string{parentID}
	}
	file, err := dc.service.Files.Create(folder).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return file.Id, nil
}

func folderQuery(name, parentID string) string {
	q := fmt.Sprintf("name='%s' and mimeType='%s' and trashed=false", escapeQuery(name), folderMimeType)
	if parentID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(parentID))
	}
	return q
}

func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
