package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/4xmen/echat/internal/auth"
	"github.com/4xmen/echat/internal/db"
	"github.com/4xmen/echat/pkg/config"
)

type appStatus struct {
	GeneratedAt  time.Time
	Environment  string
	APIURL       string
	WSEndpoint   string
	ListenAddr   string
	DatabasePath string

	LoggedIn       bool
	UserID         int
	Email          string
	SavedAt        time.Time
	TokenExpiresAt time.Time

	ClientRunning   bool
	ConnectionState string
	Active          string

	DBSize          int64
	DBWALSize       int64
	DBSHMSize       int64
	DBWarning       string
	StorageWarnings []string
}

type statusOptions struct {
	JSON bool
}

var probeClient = &http.Client{Timeout: 2 * time.Second}

func runStatus(cfg *config.Config, out io.Writer, opts statusOptions) error {
	status := collectStatus(cfg)
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(cfg *config.Config) appStatus {
	status := appStatus{
		GeneratedAt:  time.Now(),
		Environment:  cfg.Environment,
		APIURL:       cfg.APIURL,
		WSEndpoint:   cfg.WebSocketEndpoint(),
		ListenAddr:   cfg.ListenAddr,
		DatabasePath: cfg.DatabasePath,
	}

	probeClientStatus(cfg.ListenAddr, &status)

	if size, err := fileSize(cfg.DatabasePath); err == nil {
		status.DBSize = size
	} else {
		status.StorageWarnings = append(status.StorageWarnings, fmt.Sprintf("database file: %v", err))
	}
	if size, err := fileSize(cfg.DatabasePath + "-wal"); err == nil {
		status.DBWALSize = size
	}
	if size, err := fileSize(cfg.DatabasePath + "-shm"); err == nil {
		status.DBSHMSize = size
	}

	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		status.DBWarning = fmt.Sprintf("database unavailable: %v", err)
		return status
	}
	defer database.Close()

	cred, err := database.LoadCredential()
	if errors.Is(err, db.ErrNoCredential) {
		return status
	}
	if err != nil {
		status.DBWarning = fmt.Sprintf("could not read credential: %v", err)
		return status
	}

	status.LoggedIn = true
	status.UserID = cred.UserID
	status.Email = cred.Email
	status.SavedAt = cred.SavedAt
	if claims, err := auth.ParseClaims(cred.Token); err == nil && claims.ExpiresAt != nil {
		status.TokenExpiresAt = claims.ExpiresAt.Time
	} else if err != nil {
		status.DBWarning = fmt.Sprintf("stored token unreadable: %v", err)
	}
	return status
}

// probeClientStatus asks a running `echat run` for its connection state.
func probeClientStatus(addr string, status *appStatus) {
	resp, err := probeClient.Get("http://" + addr + "/api/status")
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var live struct {
		State  string `json:"state"`
		Active string `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&live); err != nil {
		return
	}
	status.ClientRunning = true
	status.ConnectionState = live.State
	status.Active = live.Active
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "n/a"
	}
	return t.Format(time.RFC3339)
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func printStatus(out io.Writer, status appStatus) {
	fmt.Fprintln(out, "E-Chat Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "API         : %s\n", status.APIURL)
	fmt.Fprintf(out, "Realtime    : %s\n", status.WSEndpoint)
	fmt.Fprintf(out, "View API    : %s\n", status.ListenAddr)
	fmt.Fprintf(out, "Database    : %s\n", status.DatabasePath)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Credential")
	if status.LoggedIn {
		fmt.Fprintf(out, "  User          : %s (id %d)\n", status.Email, status.UserID)
		fmt.Fprintf(out, "  Saved at      : %s\n", formatTime(status.SavedAt))
		fmt.Fprintf(out, "  Token expires : %s\n", formatTime(status.TokenExpiresAt))
	} else {
		fmt.Fprintln(out, "  Logged in     : no")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Client")
	if status.ClientRunning {
		fmt.Fprintf(out, "  Connection    : %s\n", status.ConnectionState)
		fmt.Fprintf(out, "  Active        : %s\n", orNA(status.Active))
	} else {
		fmt.Fprintln(out, "  Running       : no")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "Storage")
	fmt.Fprintf(out, "  DB file       : %s\n", formatBytes(status.DBSize))
	fmt.Fprintf(out, "  DB WAL file   : %s\n", formatBytes(status.DBWALSize))
	fmt.Fprintf(out, "  DB SHM file   : %s\n", formatBytes(status.DBSHMSize))
	fmt.Fprintf(out, "  DB footprint  : %s\n", formatBytes(status.DBSize+status.DBWALSize+status.DBSHMSize))

	if status.DBWarning != "" {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Warning: %s\n", status.DBWarning)
	}
	if len(status.StorageWarnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.StorageWarnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	payload := map[string]any{
		"generated_at":  status.GeneratedAt.Format(time.RFC3339),
		"environment":   status.Environment,
		"api_url":       status.APIURL,
		"ws_endpoint":   status.WSEndpoint,
		"listen_addr":   status.ListenAddr,
		"database_path": status.DatabasePath,
		"credential": map[string]any{
			"logged_in":        status.LoggedIn,
			"user_id":          status.UserID,
			"email":            status.Email,
			"saved_at":         formatTime(status.SavedAt),
			"token_expires_at": formatTime(status.TokenExpiresAt),
		},
		"client": map[string]any{
			"running":    status.ClientRunning,
			"connection": status.ConnectionState,
			"active":     status.Active,
		},
		"storage": map[string]any{
			"db_file_bytes":      status.DBSize,
			"db_wal_bytes":       status.DBWALSize,
			"db_shm_bytes":       status.DBSHMSize,
			"db_footprint_bytes": status.DBSize + status.DBWALSize + status.DBSHMSize,
			"db_footprint_hum":   formatBytes(status.DBSize + status.DBWALSize + status.DBSHMSize),
		},
		"warnings": map[string]any{
			"database": status.DBWarning,
			"storage":  status.StorageWarnings,
		},
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
