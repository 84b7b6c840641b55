package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/shopspring/decimal"
)

type ctxKey string

const ctxKeyUsername ctxKey = "username"

type errorResponse struct {
	Error string `json:"error"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

// eventRequest is the polymorphic event envelope; Type selects which of
// Origin/Destination matter.
type eventRequest struct {
	Type        TransactionType `json:"type"`
	Origin      string          `json:"origin"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
}

type depositResponse struct {
	Destination *Account `json:"destination"`
}

type withdrawResponse struct {
	Origin *Account `json:"origin"`
}

type transferResponse struct {
	Origin      *Account `json:"origin"`
	Destination *Account `json:"destination"`
}

type transactionsResponse struct {
	Transactions []Transaction `json:"transactions"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Encode response error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (s *Server) authorizationCheckMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		username, err := s.parseToken(token, true)
		if err != nil {
			log.Printf("Parse access token error: %v", err)
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUsername, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	balance, err := s.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, errAccountNotFound) {
			writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		log.Printf("Get balance error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})
}

// handleEvent dispatches the deposit/withdraw/transfer envelope on its
// type discriminant and maps core errors to the wire contract.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var event eventRequest
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid event data")
		return
	}
	if event.Type == "" || event.Amount.IsZero() {
		writeError(w, http.StatusBadRequest, "Invalid event data")
		return
	}

	var body interface{}
	var err error

	switch event.Type {
	case TransactionDeposit:
		var destination *Account
		destination, err = s.ledger.Deposit(r.Context(), event.Destination, event.Amount)
		if err == nil {
			body = depositResponse{Destination: destination}
		}
	case TransactionWithdraw:
		var origin *Account
		origin, err = s.ledger.Withdraw(r.Context(), event.Origin, event.Amount)
		if err == nil {
			body = withdrawResponse{Origin: origin}
		}
	case TransactionTransfer:
		var origin, destination *Account
		origin, destination, err = s.ledger.Transfer(r.Context(), event.Origin, event.Destination, event.Amount)
		if err == nil {
			body = transferResponse{Origin: origin, Destination: destination}
		}
	default:
		err = errInvalidEventType
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, body)
	case errors.Is(err, errAccountNotFound):
		writeError(w, http.StatusNotFound, "Not Found")
	case errors.Is(err, errInsufficientFunds):
		writeError(w, http.StatusBadRequest, "Insufficient funds")
	case errors.Is(err, errInvalidAmount), errors.Is(err, errInvalidEventType):
		writeError(w, http.StatusBadRequest, "Invalid event data")
	default:
		log.Printf("Handle event error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.Reset(r.Context()); err != nil {
		log.Printf("Reset error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) getTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}

	transactions, err := s.ledger.GetTransactions(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, errAccountNotFound) {
			writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		log.Printf("Get transactions error: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, transactionsResponse{Transactions: transactions})
}
