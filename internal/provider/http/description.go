package http

import (
	"net/http"

	"github.com/globus/action-provider-tools/internal/provider/domain"
	"github.com/globus/action-provider-tools/pkg/httpx"
)

// DescriptionHandler serves GET /. Access is decided by the visible_to
// middleware in front of it.
func DescriptionHandler(d domain.ProviderDescription) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, d)
	}
}
