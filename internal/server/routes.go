package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"CrashLedger/internal/apperr"
	"CrashLedger/internal/ledger"
	"CrashLedger/internal/outcome"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
)

type route struct {
	method  string
	pattern string
	name    string
	handler runtime.HandlerFunc
}

func registerRoutes(mux *runtime.ServeMux, deps *ServerDeps) error {
	h := &handlers{deps: deps}
	routes := []route{
		{"GET", "/v1/rounds/current", "rounds_current", h.currentRound},
		{"GET", "/v1/rounds/history", "rounds_history", h.roundHistory},
		{"GET", "/v1/accounts/{account}/balances", "balances", h.balances},
		{"GET", "/v1/accounts/{account}/entries", "entries", h.entries},
		{"POST", "/v1/fairness/verify", "fairness_verify", h.verifyFairness},
		{"GET", "/v1/admin/integrity", "admin_integrity", h.integrity},
	}
	if deps.Admin != nil {
		routes = append(routes,
			route{"POST", "/v1/admin/deposits", "admin_deposit", h.deposit},
			route{"POST", "/v1/accounts/{account}/transfers", "transfer", h.transfer},
		)
	}
	if deps.Subscriptions != nil {
		routes = append(routes, route{"POST", "/v1/accounts/{account}/subscriptions", "subscribe", h.subscribe})
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, h.instrument(rt.name, rt.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type handlers struct {
	deps *ServerDeps
}

func (h *handlers) instrument(name string, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if m := h.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(name).Inc()
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r, params)
		if m := h.deps.Metrics; m != nil && rec.status >= 400 {
			m.QueryErrors.WithLabelValues(name).Inc()
		}
	}
}

func (h *handlers) currentRound(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, h.deps.QueryService.CurrentRound())
}

func (h *handlers) roundHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rounds, err := h.deps.QueryService.RoundHistory(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds})
}

func (h *handlers) balances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := h.deps.QueryService.GetBalances(r.Context(), params["account"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) entries(w http.ResponseWriter, r *http.Request, params map[string]string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.deps.QueryService.ListEntries(r.Context(), params["account"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type verifyRequest struct {
	ServerSeed string `json:"server_seed"`
	ClientSeed string `json:"client_seed"`
	Nonce      uint64 `json:"nonce"`
	SeedHash   string `json:"seed_hash"`
}

func (h *handlers) verifyFairness(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "invalid body", err))
		return
	}
	res, err := h.deps.QueryService.VerifyFairness(outcome.VerifyRequest{
		ServerSeed: req.ServerSeed,
		ClientSeed: req.ClientSeed,
		Nonce:      req.Nonce,
		SeedHash:   req.SeedHash,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "verify", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"seed_hash":    res.SeedHash,
		"hash_matches": res.HashMatches,
		"crash_point":  res.CrashPoint,
	})
}

func (h *handlers) integrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := h.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type depositRequest struct {
	Account   string          `json:"account"`
	Bucket    string          `json:"bucket"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (h *handlers) deposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "invalid body", err))
		return
	}
	bucket := ledger.BucketSpendable
	if req.Bucket != "" {
		b, err := ledger.ParseBucket(req.Bucket)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "bucket", err))
			return
		}
		bucket = b
	}
	entry, err := h.deps.Admin.InjectDeposit(r.Context(), req.Account, bucket, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry_id":      entry.ID,
		"balance_after": entry.BalanceAfter,
		"version":       entry.Version,
	})
}

type transferRequest struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

func (h *handlers) transfer(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "invalid body", err))
		return
	}
	from, err := ledger.ParseBucket(req.From)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "from", err))
		return
	}
	to, err := ledger.ParseBucket(req.To)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "to", err))
		return
	}
	res, mode, err := h.deps.Admin.Transfer(r.Context(), params["account"], from, to, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debited":  res.Debit.Amount,
		"credited": res.Credit.Amount,
		"fee":      res.Fee,
		"mode":     mode.String(),
	})
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidAmount, "invalid body", err))
		return
	}
	p, err := h.deps.Subscriptions.Purchase(r.Context(), params["account"], req.Plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"purchase_id":     p.ID,
		"plan":            p.Plan.Name,
		"price":           p.Plan.Price,
		"expires_at":      p.ExpiresAt,
		"referral_levels": len(p.Referral),
		"mode":            p.Mode.String(),
	})
}

// ============================================================================
// Helpers
// ============================================================================

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain codes onto HTTP statuses via their gRPC codes.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	if code != "" {
		status = runtime.HTTPStatusFromCode(code.GRPCCode())
	}
	msg := err.Error()
	if code == "" {
		code = "INTERNAL"
	}
	writeJSON(w, status, map[string]string{"code": string(code), "message": msg})
}
