/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for browser-facing deployments.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// TransferRoutes creates and returns a new router for the settlement service.
func TransferRoutes(h *TransferHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Device-Fingerprint", "X-Internal-Api-Key", "X-Operator-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", h.HealthHandler)

	// Group routes that require end-user authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Get("/banks", h.ListBanksHandler)
		r.Post("/transfers", h.CreateTransferHandler)
		r.Get("/transfers/{transferID}", h.GetTransferHandler)
		r.Post("/transfers/{transferID}/verify-2fa", h.VerifyTwoFAHandler)

		// Guard verification on an in-flight transfer.
		r.Post("/transfers/{transferID}/guards/{guard}/challenge", h.FaceChallengeHandler)
		r.Post("/transfers/{transferID}/guards/{guard}/verify-face", h.VerifyFaceHandler)
		r.Post("/transfers/{transferID}/guards/{guard}/verify-fallback", h.VerifyFallbackHandler)

		// Guard configuration.
		r.Get("/guards/{guard}/settings", h.GetGuardSettingsHandler)
		r.Put("/guards/{guard}/settings", h.UpdateGuardSettingsHandler)
		r.Post("/guards/{guard}/enroll-face", h.EnrollFaceHandler)
	})

	// Privileged back-office routes behind the internal API key.
	r.Group(func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Get("/failures", h.ListFailuresHandler)
		r.Post("/failures/{failureID}/resolve", h.ResolveFailureHandler)
		r.Post("/transfers/{transferID}/retry", h.RetryTransferHandler)
		r.Post("/transfers/{transferID}/approve", h.ApproveTransferHandler)
		r.Post("/transfers/{transferID}/reject", h.RejectTransferHandler)
	})

	return r
}
