package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/volbet/internal/domain"
)

// AdminService is the operator surface of the engine.
type AdminService interface {
	UpdateEntryFee(ctx context.Context, fee uint256.Int, actor string) error
	PauseBetting(ctx context.Context, paused bool, actor string)
	RetryFailedPayouts(ctx context.Context, actor string) ([]domain.Payout, error)
	ProtocolBalance() uint256.Int
	AuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// AdminHandler serves the API-key protected admin endpoints. archives may
// be nil when no archive bucket is configured.
type AdminHandler struct {
	admin    AdminService
	archives domain.BlobReader
	prefix   string
	logger   *slog.Logger
}

func NewAdminHandler(admin AdminService, archives domain.BlobReader, archivePrefix string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:    admin,
		archives: archives,
		prefix:   archivePrefix,
		logger:   logger.With(slog.String("handler", "admin")),
	}
}

type entryFeeRequest struct {
	EntryFee string `json:"entry_fee"`
}

// SetEntryFee changes the wager required from the next bet on.
// PUT /api/admin/entry-fee
func (h *AdminHandler) SetEntryFee(w http.ResponseWriter, r *http.Request) {
	var req entryFeeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	fee, err := uint256.FromDecimal(strings.TrimSpace(req.EntryFee))
	if err != nil || fee.IsZero() {
		writeError(w, http.StatusBadRequest, "BadRequest", "entry_fee must be a positive decimal wei amount")
		return
	}
	if err := h.admin.UpdateEntryFee(r.Context(), *fee, actor(r)); err != nil {
		writeDomainError(w, r, h.logger, "update entry fee", err)
		return
	}
	writeJSON(w, http.StatusOK, entryFeeRequest{EntryFee: fee.Dec()})
}

type pauseRequest struct {
	Paused *bool `json:"paused"`
}

// SetPause blocks or re-allows betting.
// PUT /api/admin/pause
func (h *AdminHandler) SetPause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Paused == nil {
		writeError(w, http.StatusBadRequest, "BadRequest", `body must be {"paused": true|false}`)
		return
	}
	h.admin.PauseBetting(r.Context(), *req.Paused, actor(r))
	writeJSON(w, http.StatusOK, map[string]bool{"paused": *req.Paused})
}

// RetryPayouts re-attempts every failed payout.
// POST /api/admin/payouts/retry
func (h *AdminHandler) RetryPayouts(w http.ResponseWriter, r *http.Request) {
	retried, err := h.admin.RetryFailedPayouts(r.Context(), actor(r))
	if err != nil && retried == nil {
		writeDomainError(w, r, h.logger, "retry payouts", err)
		return
	}
	resp := map[string]any{"payouts": newPayoutDTOs(retried)}
	if err != nil {
		h.logger.WarnContext(r.Context(), "retried payouts not saved", slog.String("error", err.Error()))
		resp["warning"] = "payout status not persisted"
	}
	writeJSON(w, http.StatusOK, resp)
}

// Balance returns what the protocol has retained since start.
// GET /api/admin/balance
func (h *AdminHandler) Balance(w http.ResponseWriter, r *http.Request) {
	bal := h.admin.ProtocolBalance()
	writeJSON(w, http.StatusOK, map[string]string{"protocol_balance": bal.Dec()})
}

type auditEntryDTO struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Actor     string         `json:"actor"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Audit lists administrative actions newest first, optionally narrowed to
// one event or actor.
// GET /api/admin/audit?event=&actor=&limit=&offset=&since=&until=
func (h *AdminHandler) Audit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	q := r.URL.Query()
	entries, err := h.admin.AuditLog(r.Context(), domain.AuditFilter{
		Event:    q.Get("event"),
		Actor:    q.Get("actor"),
		ListOpts: opts,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditEntryDTO, len(entries))
	for i, e := range entries {
		out[i] = auditEntryDTO{ID: e.ID, Event: e.Event, Actor: e.Actor, Detail: e.Detail, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

type archiveDTO struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ListArchives lists archived round files.
// GET /api/admin/archives
func (h *AdminHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "NotFound", "archiving is not configured")
		return
	}
	infos, err := h.archives.List(r.Context(), h.prefix)
	if err != nil {
		writeDomainError(w, r, h.logger, "list archives", err)
		return
	}
	out := make([]archiveDTO, len(infos))
	for i, info := range infos {
		out[i] = archiveDTO{Path: info.Path, Size: info.Size}
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive streams one archived day as JSONL.
// GET /api/admin/archives/{day}
func (h *AdminHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusNotFound, "NotFound", "archiving is not configured")
		return
	}
	day := r.PathValue("day")
	if _, err := domain.ParseArchiveDay(day); err != nil {
		writeError(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	body, err := h.archives.Get(r.Context(), h.prefix+day+".jsonl")
	if err != nil {
		writeDomainError(w, r, h.logger, "get archive", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.WarnContext(r.Context(), "archive stream interrupted", slog.String("error", err.Error()))
	}
}
