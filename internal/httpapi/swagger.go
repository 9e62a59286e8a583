//go:build swagger

package httpapi

import (
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

// MountSwagger serves the swagger UI under /swagger/. The doc.json it loads
// comes from `swag init -g cmd/inferd/main.go`; run that before building
// with -tags=swagger.
func MountSwagger(r chi.Router) {
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
}
