package handlers

import "net/http"

// VersionResponse identifies the running build.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// VersionHandler returns a handler serving static build metadata.
func VersionHandler(version, commit, buildDate string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		})
	}
}
