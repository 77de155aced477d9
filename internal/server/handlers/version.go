package handlers

import (
	"net/http"
	"runtime"
	"sync"

	apperrors "github.com/3leaps/tunedispatch/internal/errors"
)

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionResponse{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo sets the build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionResponse{Version: version, Commit: commit, BuildDate: buildDate}
}

// VersionHandler reports build metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	resp := versionInfo
	versionMu.RUnlock()
	resp.GoVersion = runtime.Version()
	apperrors.WriteJSON(w, http.StatusOK, resp)
}
