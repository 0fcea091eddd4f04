package handler

import (
	"log/slog"
	"net/http"

	"github.com/hitoshi/couponledger/internal/coupon"
	"github.com/hitoshi/couponledger/internal/middleware"
	"github.com/hitoshi/couponledger/internal/model"
)

// TokenIssuer は認証済みの参加者にアクセストークンを発行する。
type TokenIssuer interface {
	Issue(p *model.Participant) (string, error)
}

// authResponse は認証成功時のレスポンス。
type authResponse struct {
	Token string            `json:"token"`
	User  model.Participant `json:"user"`
}

// AuthHandler は認証と参加者登録のHTTPハンドラー。
type AuthHandler struct {
	service CouponService
	tokens  TokenIssuer
	logger  *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service CouponService, tokens TokenIssuer, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{service: service, tokens: tokens, logger: logger}
}

// ProviderAuthenticate は発行元を認証する。
// POST /provider/authenticate
func (h *AuthHandler) ProviderAuthenticate(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, model.ClassServiceProvider)
}

// UserAuthenticate は利用者を認証する。
// POST /user/authenticate
func (h *AuthHandler) UserAuthenticate(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, model.ClassServiceUser)
}

// authenticate は成功時に {token, user}、失敗時に401の {error} を返す。
func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request, class model.ParticipantClass) {
	var in coupon.Credentials
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}

	p, err := h.service.Authenticate(r.Context(), class, in)
	if err != nil {
		kind := model.KindOf(err)
		if kind == model.KindAuthentication || kind == model.KindValidation {
			middleware.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": model.MessageOf(err)})
			return
		}
		middleware.WriteError(w, err)
		return
	}

	token, err := h.tokens.Issue(p)
	if err != nil {
		h.logger.Error("failed to issue token",
			slog.String("participant_id", p.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteError(w, model.NewInternalError("failed to issue token", err))
		return
	}

	middleware.WriteJSON(w, http.StatusOK, authResponse{Token: token, User: p.Public()})
}

// RegisterUser は消費者を登録する。
// POST /user/register
func (h *AuthHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var in coupon.RegisterParticipantInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	reg, err := h.service.RegisterUser(r.Context(), in)
	respond(w, reg, err)
}

// RegisterProvider は発行元を登録する。管理APIキーが必要。
// POST /admin/provider/register
func (h *AuthHandler) RegisterProvider(w http.ResponseWriter, r *http.Request) {
	var in coupon.RegisterParticipantInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteError(w, err)
		return
	}
	reg, err := h.service.RegisterProvider(r.Context(), in)
	respond(w, reg, err)
}
