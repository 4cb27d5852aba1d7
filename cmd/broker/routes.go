package main

import (
	"net/http"
	"strings"

	"github.com/ainp-broker/broker/pkg/api"
	"github.com/golang-jwt/jwt/v5"
)

// registerRoutes wires every handler in cmd/broker's handlers_*.go files to
// the paths spec §6 names. Go 1.22's method-prefixed ServeMux patterns do
// the same job chi would (method matching plus {name} path params via
// r.PathValue); the teacher's own HTTP servers (pkg/console) are built the
// same way, on plain net/http rather than a router package.
func registerRoutes(mux *http.ServeMux, svc *Services) {
	mux.HandleFunc("POST /api/intents/send", handleIntentSend(svc))

	mux.HandleFunc("POST /api/discovery/search", handleDiscoverySearch(svc))
	mux.HandleFunc("POST /api/discovery/envelope", handleDiscoveryEnvelope(svc))

	mux.HandleFunc("GET /api/mail/inbox", handleMailInbox(svc))
	mux.HandleFunc("GET /api/mail/threads/{conversation_id}", handleMailThread(svc))
	mux.HandleFunc("POST /api/mail/read", handleMailRead(svc))
	mux.HandleFunc("POST /api/mail/label", handleMailLabel(svc))

	mux.HandleFunc("POST /api/negotiations", handleNegotiationCreate(svc))
	mux.HandleFunc("GET /api/negotiations", handleNegotiationList(svc))
	mux.HandleFunc("GET /api/negotiations/{id}", handleNegotiationGet(svc))
	mux.HandleFunc("POST /api/negotiations/{id}/propose", handleNegotiationAction(svc, "propose"))
	mux.HandleFunc("POST /api/negotiations/{id}/accept", handleNegotiationAction(svc, "accept"))
	mux.HandleFunc("POST /api/negotiations/{id}/reject", handleNegotiationAction(svc, "reject"))
	mux.HandleFunc("POST /api/negotiations/{id}/settle", handleNegotiationAction(svc, "settle"))

	mux.HandleFunc("POST /api/usefulness/proofs", handleUsefulnessProofs(svc))
	mux.HandleFunc("POST /api/usefulness/aggregate", requireAdmin(svc, handleUsefulnessAggregate(svc)))
	mux.HandleFunc("GET /api/usefulness/agents/{did}", handleUsefulnessAgent(svc))

	mux.HandleFunc("GET /api/receipts/{task_id}", handleReceiptGet(svc))
	mux.HandleFunc("GET /api/receipts/{task_id}/committee", handleReceiptCommittee(svc))
	mux.HandleFunc("POST /api/receipts/{task_id}/attestations", handleReceiptAttest(svc))
	mux.HandleFunc("POST /api/receipts/{task_id}/finalize", handleReceiptFinalize(svc))

	mux.HandleFunc("POST /api/payments/requests", handlePaymentsCreate(svc))
	mux.HandleFunc("GET /api/payments/requests/{id}", handlePaymentsGet(svc))
	mux.HandleFunc("POST /api/payments/webhook", handlePaymentsWebhook(svc))

	mux.HandleFunc("/ws", handleSocket(svc))
}

// adminClaims is the HS256 JWT shape an operator's admin token carries;
// deliberately separate from pkg/identity's ed25519-based KeySet, which
// signs the broker's own agent-facing tokens rather than verifying
// operator-issued ones.
type adminClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// requireAdmin gates spec §6's "POST /api/usefulness/aggregate (admin
// trigger)" behind an HS256 bearer token signed with ADMIN_JWT_SECRET. An
// unset secret leaves the endpoint open, matching this repo's other
// "unconfigured secret disables the check" dev-mode defaults (e.g.
// lite_mode.go's generated signing key) rather than failing closed in
// local/test runs.
func requireAdmin(svc *Services, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		secret := svc.cfg.JWTSigningSecret
		if secret == "" {
			next(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenStr == "" {
			api.WriteUnauthorized(w, "missing bearer admin token")
			return
		}
		claims := &adminClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			api.WriteUnauthorized(w, "invalid admin token")
			return
		}
		for _, role := range claims.Roles {
			if role == "admin" {
				next(w, r)
				return
			}
		}
		api.WriteForbidden(w, "admin role required")
	}
}
