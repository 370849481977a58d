// Package nzbget implements a client for NZBGet's JSON-RPC API.
//
// The post-processing pipeline never downloads through this client, but its
// contract shapes the pipeline's inputs: NZBGet hands back a completed local
// path that becomes the task's original download path.
package nzbget

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shelfarr/shelfarr/internal/config"
	"github.com/shelfarr/shelfarr/internal/httpclient"
)

// ErrNotConfigured is returned when the NZBGet URL is missing.
var ErrNotConfigured = errors.New("nzbget url is required")

// State tags a download's lifecycle phase.
type State string

// Download states.
const (
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateQueued      State = "queued"
	StateProcessing  State = "processing"
	StateComplete    State = "complete"
	StateError       State = "error"
	StateUnknown     State = "unknown"
)

// Status is a point-in-time view of one download.
type Status struct {
	Progress      float64
	State         State
	Message       string
	Complete      bool
	FilePath      string
	DownloadSpeed int64
	ETA           int64
}

// errorStatus builds a terminal error Status.
func errorStatus(message string) Status {
	return Status{State: StateError, Message: message, Complete: true}
}

// Client talks to one NZBGet server over JSON-RPC.
type Client struct {
	url      string
	username string
	password string
	category string
	timeout  time.Duration
	http     *httpclient.Client
	logger   *slog.Logger
}

// New creates a Client from configuration.
func New(cfg config.NZBGetConfig, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = httpclient.DefaultTimeout
	}

	hc := httpclient.DefaultConfig()
	hc.Timeout = timeout
	hc.Logger = logger

	category := cfg.Category
	if category == "" {
		category = "Books"
	}

	return &Client{
		url:      strings.TrimRight(cfg.URL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		category: category,
		timeout:  timeout,
		http:     httpclient.New(hc),
		logger:   logger,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call makes one JSON-RPC call and decodes its result into out.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding rpc request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/jsonrpc", strings.NewReader(string(payload)))
	if err != nil {
		return fmt.Errorf("creating rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("rpc %s returned status %d", method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decoding rpc response: %w", err)
	}
	if decoded.Error != nil {
		msg := decoded.Error.Message
		if msg == "" {
			msg = "RPC error"
		}
		return errors.New(msg)
	}

	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("decoding rpc result: %w", err)
		}
	}
	return nil
}

// TestConnection makes a single status call and maps connection failures to
// stable messages.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	var status struct {
		Version string `json:"Version"`
	}
	err := c.call(ctx, "status", nil, &status)
	if err == nil {
		version := status.Version
		if version == "" {
			version = "unknown"
		}
		return true, fmt.Sprintf("Connected to NZBGet %s", version)
	}

	switch {
	case isConnectionError(err):
		return false, "Could not connect to NZBGet"
	case errors.Is(err, context.DeadlineExceeded):
		return false, "Connection timed out"
	default:
		return false, fmt.Sprintf("Connection failed: %v", err)
	}
}

// Add fetches the NZB metafile from the given URL and appends it to the
// queue. The content is fetched here rather than handed to NZBGet as a URL
// because indexer proxy URLs often redirect in ways NZBGet mishandles.
// Returns the NZBGet download id.
func (c *Client) Add(ctx context.Context, nzbURL, name, category string) (string, error) {
	if category == "" {
		category = c.category
	}

	c.logger.Debug("fetching nzb", slog.String("url", nzbURL))
	resp, err := c.http.Get(ctx, nzbURL)
	if err != nil {
		return "", fmt.Errorf("fetching nzb: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetching nzb: status %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading nzb: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(content)

	filename := name
	if !strings.HasSuffix(filename, ".nzb") {
		filename += ".nzb"
	}

	// NZBGet's append method requires all ten parameters:
	// NZBFilename, Content, Category, Priority, AddToTop, AddPaused,
	// DupeKey, DupeScore, DupeMode, PPParameters.
	var nzbID int
	err = c.call(ctx, "append", []any{
		filename,
		encoded,
		category,
		0,
		false,
		false,
		"",
		0,
		"SCORE",
		[]any{},
	}, &nzbID)
	if err != nil {
		return "", fmt.Errorf("appending nzb: %w", err)
	}
	if nzbID <= 0 {
		return "", errors.New("nzbget returned invalid id")
	}

	c.logger.Info("added nzb to nzbget", slog.Int("nzb_id", nzbID))
	return strconv.Itoa(nzbID), nil
}

type groupEntry struct {
	NZBID           int    `json:"NZBID"`
	Status          string `json:"Status"`
	FileSizeHi      int64  `json:"FileSizeHi"`
	FileSizeLo      int64  `json:"FileSizeLo"`
	RemainingSizeHi int64  `json:"RemainingSizeHi"`
	RemainingSizeLo int64  `json:"RemainingSizeLo"`
	DownloadRate    int64  `json:"DownloadRate"`
	RemainingSec    int64  `json:"RemainingSec"`
}

type historyEntry struct {
	NZBID    int    `json:"NZBID"`
	Status   string `json:"Status"`
	FinalDir string `json:"FinalDir"`
	DestDir  string `json:"DestDir"`
}

// Status looks up a download, first in the active queue, then in history.
func (c *Client) Status(ctx context.Context, downloadID string) Status {
	nzbID, err := strconv.Atoi(downloadID)
	if err != nil {
		return errorStatus(fmt.Sprintf("invalid download id: %s", downloadID))
	}

	var groups []groupEntry
	if err := c.call(ctx, "listgroups", []any{0}, &groups); err != nil {
		return errorStatus(c.logError("status", err))
	}
	for _, group := range groups {
		if group.NZBID != nzbID {
			continue
		}
		return groupStatus(group)
	}

	var history []historyEntry
	if err := c.call(ctx, "history", []any{false}, &history); err != nil {
		return errorStatus(c.logError("status", err))
	}
	for _, item := range history {
		if item.NZBID != nzbID {
			continue
		}

		// Prefer FinalDir (post-processing result) over the original DestDir.
		filePath := item.FinalDir
		if filePath == "" {
			filePath = item.DestDir
		}

		if strings.Contains(item.Status, "SUCCESS") {
			return Status{
				Progress: 100,
				State:    StateComplete,
				Message:  "Complete",
				Complete: true,
				FilePath: filePath,
			}
		}
		return Status{
			Progress: 100,
			State:    StateError,
			Message:  fmt.Sprintf("Download failed: %s", item.Status),
			Complete: true,
		}
	}

	return errorStatus("Download not found")
}

// groupStatus maps an active queue entry to a Status. NZBGet reports sizes
// as 32-bit halves for 32-bit servers.
func groupStatus(group groupEntry) Status {
	fileSize := group.FileSizeHi<<32 + group.FileSizeLo
	remaining := group.RemainingSizeHi<<32 + group.RemainingSizeLo

	var progress float64
	if fileSize > 0 {
		progress = float64(fileSize-remaining) / float64(fileSize) * 100
	}

	var state State
	switch {
	case strings.Contains(group.Status, "DOWNLOADING"):
		state = StateDownloading
	case strings.Contains(group.Status, "PAUSED"):
		state = StatePaused
	case strings.Contains(group.Status, "QUEUED"):
		state = StateQueued
	case strings.Contains(group.Status, "POST-PROCESSING"),
		strings.Contains(group.Status, "UNPACKING"):
		state = StateProcessing
	default:
		state = StateUnknown
	}

	var eta int64
	if group.RemainingSec > 0 {
		eta = group.RemainingSec
	}

	return Status{
		Progress:      progress,
		State:         state,
		Message:       titleCase(group.Status),
		DownloadSpeed: group.DownloadRate,
		ETA:           eta,
	}
}

// Remove deletes a download from the queue or history. NZBGet addresses the
// active queue with Group* commands and history with History* commands, so
// a prioritized list is tried and the first success wins. HistoryDelete is
// kept as a compatibility fallback for older servers that predate
// HistoryFinalDelete.
func (c *Client) Remove(ctx context.Context, downloadID string, deleteFiles bool) bool {
	nzbID, err := strconv.Atoi(downloadID)
	if err != nil {
		c.logError("remove", err)
		return false
	}

	var commands []string
	if deleteFiles {
		commands = []string{"GroupFinalDelete", "HistoryFinalDelete", "HistoryDelete"}
	} else {
		commands = []string{"GroupDelete", "HistoryDelete"}
	}

	var lastErr error
	for _, command := range commands {
		var ok bool
		if err := c.call(ctx, "editqueue", []any{command, 0, "", nzbID}, &ok); err != nil {
			lastErr = err
			continue
		}
		if ok {
			c.logger.Info("removed nzb from nzbget",
				slog.String("command", command),
				slog.String("download_id", downloadID))
			return true
		}
	}

	if lastErr != nil {
		c.logError("remove", lastErr)
	}
	return false
}

// DownloadPath returns the local path where a completed download landed.
func (c *Client) DownloadPath(ctx context.Context, downloadID string) string {
	return c.Status(ctx, downloadID).FilePath
}

func (c *Client) logError(op string, err error) string {
	c.logger.Error("nzbget operation failed",
		slog.String("op", op),
		slog.String("error", err.Error()))
	return err.Error()
}

// isConnectionError reports whether err looks like a transport-level
// connection failure rather than a server-side error.
func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "connect:")
}

// titleCase renders an NZBGet status constant as a readable message.
func titleCase(status string) string {
	words := strings.Split(strings.ReplaceAll(status, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
