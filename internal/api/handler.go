package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/transfer"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	view      *ledger.View
	transfers *transfer.Service
	rules     []string
	version   string
	now       func() time.Time
}

// NewHandler creates a new API handler. cache and bus may be nil.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, view *ledger.View, transfers *transfer.Service, rules []string, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		view:      view,
		transfers: transfers,
		rules:     rules,
		version:   version,
		now:       time.Now,
	}
}

// CreateAccountRequest is the request body for POST /accounts.
type CreateAccountRequest struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	FirstName string `json:"firstName" validate:"required,min=3,max=100"`
}

// UpdateAccountRequest is the request body for PATCH /accounts/{id}.
type UpdateAccountRequest struct {
	Tier      *domain.Tier `json:"tier,omitempty" validate:"omitempty,tier"`
	IsFlagged *bool        `json:"isFlagged,omitempty"`
}

// TransferRequest is the request body for POST /transfers and POST /evaluate.
// The sender is the calling account.
type TransferRequest struct {
	Recipient string      `json:"recipient" validate:"required"`
	Amount    json.Number `json:"amount" validate:"required,positive_amount"`
}

// TransferResponse is the response for POST /transfers.
type TransferResponse struct {
	TransferID string   `json:"transferId"`
	IsFlagged  bool     `json:"isFlagged"`
	Violations []string `json:"violations"`
}

// EvaluateResponse is the response for POST /evaluate.
type EvaluateResponse struct {
	IsFlagged  bool     `json:"isFlagged"`
	Violations []string `json:"violations"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			slog.Warn("repository health check failed", "error", err)
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			slog.Warn("cache health check failed", "error", err)
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			slog.Warn("event bus health check failed", "error", err)
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.transfers == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// ListRules returns the rule names in evaluation order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": h.rules,
		"count": len(h.rules),
	})
}

// CreateAccount onboards a new account at tier T1.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateAccountRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := h.repo.GetAccountByEmail(ctx, email); err == nil {
		writeServiceError(w, domain.ErrDuplicateAccount)
		return
	} else if !errors.Is(err, domain.ErrAccountNotFound) {
		slog.Error("failed to check account email", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	now := h.now().UTC()
	account := &domain.Account{
		ID:        uuid.New().String(),
		Email:     email,
		FirstName: strings.TrimSpace(req.FirstName),
		Tier:      domain.TierOne,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.SaveAccount(ctx, account); err != nil {
		slog.Error("failed to save account", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	slog.Info("account created", "account_id", account.ID)
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount retrieves an account by ID.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")

	account, err := h.view.Account(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		slog.Error("failed to get account", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get account")
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// UpdateAccount changes an account's tier or flag and drops its cached profile.
func (h *Handler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := chi.URLParam(r, "id")

	var req UpdateAccountRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Tier == nil && req.IsFlagged == nil {
		writeError(w, http.StatusBadRequest, "tier or isFlagged is required")
		return
	}

	account, err := h.repo.UpdateAccount(ctx, accountID, domain.AccountUpdate{
		Tier:      req.Tier,
		IsFlagged: req.IsFlagged,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAccountNotFound):
			writeError(w, http.StatusNotFound, "account not found")
		case errors.Is(err, repository.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			slog.Error("failed to update account", "account_id", accountID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update account")
		}
		return
	}

	if err := h.view.Invalidate(ctx, accountID); err != nil {
		slog.Warn("failed to invalidate cached account", "account_id", accountID, "error", err)
	}

	slog.Info("account updated",
		"account_id", accountID,
		"tier", account.Tier,
		"flagged", account.IsFlagged,
	)
	writeJSON(w, http.StatusOK, account)
}

// CreateTransfer evaluates and commits a transfer from the calling account.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	req, err := h.transferRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	result, err := h.transfers.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TransferResponse{
		TransferID: result.Transfer.ID,
		IsFlagged:  result.Decision.IsFlagged,
		Violations: violations(result.Decision.Report),
	})
}

// Evaluate returns the decision a transfer would get without committing it.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	req, err := h.transferRequest(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	decision, err := h.transfers.Evaluate(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, EvaluateResponse{
		IsFlagged:  decision.IsFlagged,
		Violations: violations(decision.Report),
	})
}

// ListTransfers returns the calling account's transfers, newest first.
func (h *Handler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	transfers, err := h.repo.ListTransfersByAccount(ctx, accountID, limit)
	if err != nil {
		slog.Error("failed to list transfers", "account_id", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}
	if transfers == nil {
		transfers = []*domain.Transfer{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"transfers": transfers,
		"count":     len(transfers),
	})
}

// GetTransfer retrieves a transfer the calling account is a party to.
func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := GetAccountID(ctx)
	transferID := chi.URLParam(r, "id")

	tr, err := h.repo.GetTransfer(ctx, transferID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Error("failed to get transfer", "transfer_id", transferID, "error", err)
		}
		writeError(w, http.StatusNotFound, "transfer not found")
		return
	}

	// Non-parties get the same answer as for a missing transfer.
	if tr.SenderID != accountID && tr.ReceiverID != accountID {
		writeError(w, http.StatusNotFound, "transfer not found")
		return
	}

	writeJSON(w, http.StatusOK, tr)
}

func (h *Handler) transferRequest(r *http.Request) (domain.TransferRequest, error) {
	var body TransferRequest
	if err := decodeAndValidate(r, &body); err != nil {
		return domain.TransferRequest{}, err
	}

	amount, err := decimal.NewFromString(body.Amount.String())
	if err != nil {
		return domain.TransferRequest{}, fmt.Errorf("%w: amount: %w", domain.ErrInvalidRequest, err)
	}

	return domain.TransferRequest{
		SenderID:   GetAccountID(r.Context()),
		ReceiverID: body.Recipient,
		Amount:     amount,
	}, nil
}

func violations(report domain.ViolationReport) []string {
	if report == nil {
		return []string{}
	}
	return report
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrDuplicateAccount):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrContentionTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "another transfer from this account is in progress, retry shortly")
	case errors.Is(err, domain.ErrLookupFailure) && errors.Is(err, domain.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrLookupFailure):
		slog.Error("account lookup failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "account lookup failed, retry later")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
