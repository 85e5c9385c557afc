package handlers

import (
	"net/http"

	"github.com/surveyor/intake/internal/common/constants"
)

// Version reports the running version of the service.
func Version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": constants.Version})
}
