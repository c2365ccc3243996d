package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fanlume/pointscore/internal/core/ledger/domain"
	"github.com/fanlume/pointscore/internal/core/ledger/repository"
	ledgerservice "github.com/fanlume/pointscore/internal/core/ledger/service"
	apperrors "github.com/fanlume/pointscore/internal/shared/errors"
)

// LedgerHandler serves read-only views of the immutable ledger
type LedgerHandler struct {
	ledger *ledgerservice.LedgerService
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledger *ledgerservice.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// EntryResponse is the wire shape of one ledger entry
type EntryResponse struct {
	EntryID         string            `json:"entry_id"`
	IdempotencyKey  string            `json:"idempotency_key"`
	TransactionID   string            `json:"transaction_id"`
	AccountID       string            `json:"account_id"`
	AccountType     string            `json:"account_type"`
	Amount          int64             `json:"amount"`
	Type            string            `json:"type"`
	BalanceState    string            `json:"balance_state"`
	StateTransition string            `json:"state_transition,omitempty"`
	Reason          string            `json:"reason"`
	BalanceBefore   int64             `json:"balance_before"`
	BalanceAfter    int64             `json:"balance_after"`
	Currency        string            `json:"currency"`
	EscrowID        string            `json:"escrow_id,omitempty"`
	QueueItemID     string            `json:"queue_item_id,omitempty"`
	FeatureType     string            `json:"feature_type,omitempty"`
	CorrelationID   string            `json:"correlation_id,omitempty"`
	RequestID       string            `json:"request_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

func entryResponse(e *domain.Entry) EntryResponse {
	return EntryResponse{
		EntryID:         e.EntryID,
		IdempotencyKey:  e.IdempotencyKey,
		TransactionID:   e.TransactionID,
		AccountID:       e.AccountID,
		AccountType:     string(e.AccountType),
		Amount:          e.Amount,
		Type:            string(e.Type),
		BalanceState:    string(e.BalanceState),
		StateTransition: e.StateTransition,
		Reason:          e.Reason,
		BalanceBefore:   e.BalanceBefore,
		BalanceAfter:    e.BalanceAfter,
		Currency:        e.Currency,
		EscrowID:        e.EscrowID,
		QueueItemID:     e.QueueItemID,
		FeatureType:     e.FeatureType,
		CorrelationID:   e.CorrelationID,
		RequestID:       e.RequestID,
		Metadata:        e.Metadata,
		CreatedAt:       e.CreatedAt,
	}
}

func entryResponses(entries []*domain.Entry) []EntryResponse {
	out := make([]EntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryResponse(e))
	}
	return out
}

// EntryPageResponse is one page of ledger query results
type EntryPageResponse struct {
	Entries    []EntryResponse `json:"entries"`
	TotalCount int64           `json:"total_count"`
	HasMore    bool            `json:"has_more"`
}

// QueryEntries handles GET /api/v1/ledger/entries
func (h *LedgerHandler) QueryEntries(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEntryFilter(r)
	if err != nil {
		respondAppError(w, err)
		return
	}

	page, err := h.ledger.QueryEntries(r.Context(), filter)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, EntryPageResponse{
		Entries:    entryResponses(page.Entries),
		TotalCount: page.TotalCount,
		HasMore:    page.HasMore,
	})
}

// GetEntry handles GET /api/v1/ledger/entries/{id}
func (h *LedgerHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entryResponse(entry))
}

// GetAuditTrail handles GET /api/v1/ledger/transactions/{id}. All entries of
// one logical transaction, in posting order.
func (h *LedgerHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.GetAuditTrail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id": chi.URLParam(r, "id"),
		"entries":        entryResponses(entries),
	})
}

// SnapshotResponse is a point-in-time account balance derived from the ledger
type SnapshotResponse struct {
	AccountID   string    `json:"account_id"`
	AccountType string    `json:"account_type"`
	Available   *int64    `json:"available_balance,omitempty"`
	Escrow      *int64    `json:"escrow_balance,omitempty"`
	Earned      *int64    `json:"earned_balance,omitempty"`
	AsOf        time.Time `json:"as_of"`
	Currency    string    `json:"currency"`
}

// GetBalanceSnapshot handles GET /api/v1/ledger/accounts/{id}/snapshot
func (h *LedgerHandler) GetBalanceSnapshot(w http.ResponseWriter, r *http.Request) {
	accountType, err := parseAccountType(r.URL.Query().Get("account_type"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondAppError(w, apperrors.InvalidInput("as_of must be RFC3339"))
			return
		}
		asOf = &t
	}

	snapshot, err := h.ledger.GetBalanceSnapshot(r.Context(), chi.URLParam(r, "id"), accountType, asOf)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, SnapshotResponse{
		AccountID:   snapshot.AccountID,
		AccountType: string(snapshot.AccountType),
		Available:   snapshot.Available,
		Escrow:      snapshot.Escrow,
		Earned:      snapshot.Earned,
		AsOf:        snapshot.AsOf,
		Currency:    snapshot.Currency,
	})
}

// ReconciliationResponse compares the recomputed balance against storage
type ReconciliationResponse struct {
	AccountID         string    `json:"account_id"`
	AccountType       string    `json:"account_type"`
	BalanceState      string    `json:"balance_state"`
	PeriodStart       time.Time `json:"period_start"`
	PeriodEnd         time.Time `json:"period_end"`
	StartingBalance   int64     `json:"starting_balance"`
	TotalCredits      int64     `json:"total_credits"`
	TotalDebits       int64     `json:"total_debits"`
	CalculatedBalance int64     `json:"calculated_balance"`
	ActualBalance     int64     `json:"actual_balance"`
	Difference        int64     `json:"difference"`
	Reconciled        bool      `json:"reconciled"`
}

// GetReconciliation handles GET /api/v1/ledger/accounts/{id}/reconciliation
func (h *LedgerHandler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	accountType, err := parseAccountType(q.Get("account_type"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	state, err := parseBalanceState(q.Get("state"))
	if err != nil {
		respondAppError(w, err)
		return
	}

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		respondAppError(w, apperrors.InvalidInput("from must be RFC3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		respondAppError(w, apperrors.InvalidInput("to must be RFC3339"))
		return
	}

	report, err := h.ledger.GenerateReconciliationReport(r.Context(), chi.URLParam(r, "id"), accountType, state, from, to)
	if err != nil {
		respondAppError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ReconciliationResponse{
		AccountID:         report.AccountID,
		AccountType:       string(report.AccountType),
		BalanceState:      string(report.BalanceState),
		PeriodStart:       report.PeriodStart,
		PeriodEnd:         report.PeriodEnd,
		StartingBalance:   report.StartingBalance,
		TotalCredits:      report.TotalCredits,
		TotalDebits:       report.TotalDebits,
		CalculatedBalance: report.CalculatedBalance,
		ActualBalance:     report.ActualBalance,
		Difference:        report.Difference,
		Reconciled:        report.Reconciled,
	})
}

func parseEntryFilter(r *http.Request) (repository.EntryFilter, error) {
	q := r.URL.Query()
	filter := repository.EntryFilter{
		AccountID:   q.Get("account_id"),
		Reason:      q.Get("reason"),
		EscrowID:    q.Get("escrow_id"),
		QueueItemID: q.Get("queue_item_id"),
		FeatureType: q.Get("feature_type"),
	}

	if raw := q.Get("account_type"); raw != "" {
		accountType, err := parseAccountType(raw)
		if err != nil {
			return filter, err
		}
		filter.AccountType = accountType
	}

	switch raw := q.Get("type"); raw {
	case "":
	case string(domain.Credit):
		filter.Type = domain.Credit
	case string(domain.Debit):
		filter.Type = domain.Debit
	default:
		return filter, apperrors.InvalidInput("type must be credit or debit")
	}

	if raw := q.Get("state"); raw != "" {
		state, err := parseBalanceState(raw)
		if err != nil {
			return filter, err
		}
		filter.BalanceState = state
	}

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, apperrors.InvalidInput("from must be RFC3339")
		}
		filter.From = &t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, apperrors.InvalidInput("to must be RFC3339")
		}
		filter.To = &t
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, apperrors.InvalidInput("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, apperrors.InvalidInput("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}

	switch raw := q.Get("sort_by"); raw {
	case "", string(repository.SortByTimestamp):
		filter.SortBy = repository.SortByTimestamp
	case string(repository.SortByAmount):
		filter.SortBy = repository.SortByAmount
	default:
		return filter, apperrors.InvalidInput("sort_by must be timestamp or amount")
	}
	filter.SortAsc = q.Get("order") == "asc"

	return filter, nil
}

func parseAccountType(raw string) (domain.AccountType, error) {
	switch raw {
	case string(domain.AccountUser):
		return domain.AccountUser, nil
	case string(domain.AccountModel):
		return domain.AccountModel, nil
	default:
		return "", apperrors.InvalidInput("account_type must be user or model")
	}
}

func parseBalanceState(raw string) (domain.BalanceState, error) {
	switch raw {
	case string(domain.StateAvailable):
		return domain.StateAvailable, nil
	case string(domain.StateEscrow):
		return domain.StateEscrow, nil
	case string(domain.StateEarned):
		return domain.StateEarned, nil
	case string(domain.StateReserved):
		return domain.StateReserved, nil
	default:
		return "", apperrors.InvalidInput("state must be available, escrow, earned or reserved")
	}
}
