// Package server exposes the marketplace command surface over HTTP. It maps
// typed core errors to status codes and owns no business rules of its own.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"microlend/audit"
	"microlend/escrow"
	"microlend/loan"
	"microlend/market"
	"microlend/marketplace"
	"microlend/observability/metrics"
	"microlend/reputation"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server is the HTTP front-end for the loan marketplace core.
type Server struct {
	loans       *loan.Engine
	queries     *marketplace.Query
	escrows     *escrow.Engine
	reputations *reputation.Engine
	audits      *audit.Log
	logger      *slog.Logger
	metrics     *metrics.MarketplaceMetrics
}

// New assembles the server. The audit log is optional.
func New(loans *loan.Engine, queries *marketplace.Query, escrows *escrow.Engine, reputations *reputation.Engine, audits *audit.Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		loans:       loans,
		queries:     queries,
		escrows:     escrows,
		reputations: reputations,
		audits:      audits,
		logger:      logger,
		metrics:     metrics.Marketplace(),
	}
}

// Router builds the chi routing table. Mutating routes sit behind the rate
// limiter; reads and health checks do not.
func (s *Server) Router(limit RateLimit) http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/loans", s.handleListLoans)
	r.Get("/loans/{id}", s.handleGetLoan)
	r.Get("/reputation/{did}", s.handleGetReputation)
	r.Get("/users/{id}/escrows", s.handleUserEscrows)
	r.Get("/audit/recent", s.handleAuditRecent)

	r.Group(func(r chi.Router) {
		r.Use(rateLimiter(limit))
		r.Post("/loans", s.handleCreateLoan)
		r.Post("/loans/{id}/fund", s.handleFundLoan)
		r.Post("/loans/{id}/repay", s.handleRepayLoan)
		r.Post("/loans/{id}/cancel", s.handleCancelLoan)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createLoanRequest struct {
	BorrowerAddress     string   `json:"borrowerAddress"`
	Amount              float64  `json:"amount"`
	Currency            string   `json:"currency,omitempty"`
	Purpose             string   `json:"purpose"`
	Tags                []string `json:"tags,omitempty"`
	RepaymentPeriodDays int      `json:"repaymentPeriodDays"`
	TrustScoreHint      int      `json:"trustScoreHint,omitempty"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.loans.Create(r.Context(), loan.CreateRequest{
		Borrower:            req.BorrowerAddress,
		Amount:              req.Amount,
		Currency:            req.Currency,
		Purpose:             req.Purpose,
		Tags:                req.Tags,
		RepaymentPeriodDays: req.RepaymentPeriodDays,
		TrustScoreHint:      req.TrustScoreHint,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.RecordTransition(string(record.Status))
	s.refreshOpenLoans()
	s.writeJSON(w, http.StatusCreated, record)
}

type fundLoanRequest struct {
	LenderAddress string  `json:"lenderAddress"`
	Amount        float64 `json:"amount"`
}

func (s *Server) handleFundLoan(w http.ResponseWriter, r *http.Request) {
	var req fundLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.loans.Fund(r.Context(), chi.URLParam(r, "id"), req.LenderAddress, req.Amount)
	if err != nil {
		if errors.Is(err, market.ErrExternalService) {
			s.metrics.RecordLedgerFailure("fund")
		}
		s.writeError(w, err)
		return
	}
	s.metrics.RecordTransition(string(record.Status))
	s.refreshOpenLoans()
	s.writeJSON(w, http.StatusOK, record)
}

type repayLoanRequest struct {
	BorrowerAddress string `json:"borrowerAddress"`
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	var req repayLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.loans.Repay(r.Context(), chi.URLParam(r, "id"), req.BorrowerAddress)
	if err != nil {
		if errors.Is(err, market.ErrExternalService) {
			s.metrics.RecordLedgerFailure("repay")
		}
		s.writeError(w, err)
		return
	}
	s.metrics.RecordTransition(string(record.Status))
	s.writeJSON(w, http.StatusOK, record)
}

type cancelLoanRequest struct {
	RequesterAddress string `json:"requesterAddress"`
}

func (s *Server) handleCancelLoan(w http.ResponseWriter, r *http.Request) {
	var req cancelLoanRequest
	if !s.decode(w, r, &req) {
		return
	}
	record, err := s.loans.Cancel(chi.URLParam(r, "id"), req.RequesterAddress)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.metrics.RecordTransition(string(record.Status))
	s.refreshOpenLoans()
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := marketplace.Filter{
		RiskLevel:  query.Get("risk"),
		AmountBand: query.Get("amount"),
		Tag:        query.Get("tag"),
		Search:     query.Get("q"),
		SortBy:     query.Get("sort"),
		Descending: strings.EqualFold(query.Get("order"), "desc"),
	}
	loans, err := s.queries.ListAvailable(filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"loans": loans, "count": len(loans)})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	record, err := s.loans.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetReputation(w http.ResponseWriter, r *http.Request) {
	score, err := s.reputations.Score(chi.URLParam(r, "did"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, score)
}

func (s *Server) handleUserEscrows(w http.ResponseWriter, r *http.Request) {
	records, err := s.escrows.ForUser(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []*market.EscrowRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"escrows": records, "count": len(records)})
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.audits == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"entries": []audit.Entry{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, market.Validationf("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	entries, err := s.audits.Recent(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) refreshOpenLoans() {
	loans, err := s.queries.ListAvailable(marketplace.Filter{})
	if err != nil {
		return
	}
	s.metrics.SetOpenLoans(len(loans))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		s.writeError(w, market.Validationf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	var typed *market.Error
	if errors.As(err, &typed) {
		kind = typed.Kind.String()
		switch typed.Kind {
		case market.KindValidation:
			status = http.StatusBadRequest
		case market.KindNotFound:
			status = http.StatusNotFound
		case market.KindStateConflict:
			status = http.StatusConflict
		case market.KindExternalService:
			status = http.StatusBadGateway
		}
	}
	if status >= 500 {
		s.logger.Error("request failed", "kind", kind, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
