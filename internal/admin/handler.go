// AngelaMos | 2026
// handler.go

package admin

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/carterperez-dev/haven-auth/internal/auth"
	"github.com/carterperez-dev/haven-auth/internal/core"
	"github.com/carterperez-dev/haven-auth/internal/user"
)

// AccountStats reports how many live accounts hold each role.
type AccountStats interface {
	CountByRole(ctx context.Context) ([]user.RoleCount, error)
}

// SessionStats reports refresh token counts from the configured store.
type SessionStats interface {
	SessionStats(ctx context.Context) (*auth.SessionStats, error)
}

type Handler struct {
	sessions   SessionStats
	accounts   AccountStats
	tokenStore string
}

type HandlerConfig struct {
	Sessions   SessionStats
	Accounts   AccountStats
	TokenStore string
}

func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		sessions:   cfg.Sessions,
		accounts:   cfg.Accounts,
		tokenStore: cfg.TokenStore,
	}
}

func (h *Handler) RegisterRoutes(
	r chi.Router,
	authenticator, adminOnly func(http.Handler) http.Handler,
) {
	r.Route("/admin", func(r chi.Router) {
		r.Use(authenticator)
		r.Use(adminOnly)

		r.Get("/stats", h.GetOverview)
		r.Get("/stats/sessions", h.GetSessionStats)
		r.Get("/stats/accounts", h.GetAccountStats)
	})
}

// GetOverview combines session and account counts for the admin dashboard.
func (h *Handler) GetOverview(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionStats(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	accounts, err := h.accountStats(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, OverviewResponse{Sessions: sessions, Accounts: accounts})
}

func (h *Handler) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionStats(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, sessions)
}

func (h *Handler) GetAccountStats(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accountStats(r.Context())
	if err != nil {
		core.InternalServerError(w, err)
		return
	}

	core.OK(w, accounts)
}

func (h *Handler) sessionStats(ctx context.Context) (SessionStatsResponse, error) {
	resp := SessionStatsResponse{
		TokenStore:      h.tokenStore,
		RevokedByReason: map[string]int64{},
	}
	if h.sessions == nil {
		return resp, nil
	}

	stats, err := h.sessions.SessionStats(ctx)
	if err != nil {
		return resp, err
	}

	resp.Active = stats.Active
	resp.ActiveUsers = stats.ActiveUsers
	resp.Expired = stats.Expired
	resp.Revoked = stats.TotalRevoked()
	resp.ReuseDetected = stats.Revoked[auth.RevokeReasonReuseDetected]
	for reason, n := range stats.Revoked {
		resp.RevokedByReason[reason] = n
	}

	return resp, nil
}

func (h *Handler) accountStats(ctx context.Context) (AccountStatsResponse, error) {
	resp := AccountStatsResponse{Roles: []user.RoleCount{}}
	if h.accounts == nil {
		return resp, nil
	}

	counts, err := h.accounts.CountByRole(ctx)
	if err != nil {
		return resp, err
	}

	resp.Roles = counts
	for _, c := range counts {
		resp.Total += c.Count
	}

	return resp, nil
}

type OverviewResponse struct {
	Sessions SessionStatsResponse `json:"sessions"`
	Accounts AccountStatsResponse `json:"accounts"`
}

// SessionStatsResponse counts refresh tokens. ReuseDetected repeats the
// reuse_detected entry of RevokedByReason.
type SessionStatsResponse struct {
	TokenStore      string           `json:"token_store"`
	Active          int64            `json:"active"`
	ActiveUsers     int64            `json:"active_users"`
	Expired         int64            `json:"expired"`
	Revoked         int64            `json:"revoked"`
	ReuseDetected   int64            `json:"reuse_detected"`
	RevokedByReason map[string]int64 `json:"revoked_by_reason"`
}

type AccountStatsResponse struct {
	Total int              `json:"total"`
	Roles []user.RoleCount `json:"roles"`
}
