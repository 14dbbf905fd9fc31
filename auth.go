package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	allowedAccountsKey contextKey = "allowedAccounts"
	WILDCARD_ACCOUNT              = "*"
)

// Account authorization structures
type accountAuth struct {
	Accounts     []string
	Unrestricted bool
}

// isUnrestrictedAccess checks if the request has unrestricted account access
func isUnrestrictedAccess(r *http.Request) bool {
	if auth, ok := r.Context().Value(allowedAccountsKey).(accountAuth); ok {
		return auth.Unrestricted
	}
	return true // Default to unrestricted if not set
}

// getAllowedAccounts returns the list of allowed accounts from the request
func getAllowedAccounts(r *http.Request) []string {
	if auth, ok := r.Context().Value(allowedAccountsKey).(accountAuth); ok {
		return auth.Accounts
	}
	return nil
}

// validateRequestAccount validates an account specified in a request body.
// Returns true if valid, or responds with error and returns false.
func (h *APIHandler) validateRequestAccount(w http.ResponseWriter, r *http.Request, accountID string) bool {
	if isUnrestrictedAccess(r) {
		return true
	}

	allowedAccounts := getAllowedAccounts(r)
	for _, allowed := range allowedAccounts {
		if accountID == allowed {
			return true
		}
	}

	allowedList := strings.Join(allowedAccounts, ", ")
	h.respondError(w, r,
		fmt.Sprintf("Account '%s' is not in your allowed accounts: [%s]", accountID, allowedList),
		http.StatusForbidden)
	return false
}

// canAccessCall reports whether the request may see or act on a call.
func canAccessCall(r *http.Request, info CallInfo) bool {
	if isUnrestrictedAccess(r) {
		return true
	}
	for _, allowed := range getAllowedAccounts(r) {
		if info.AccountID == allowed {
			return true
		}
	}
	return false
}

// accountAuthMiddleware extracts X-Allowed-Accounts header and stores it in
// the request context. No header means unrestricted (trusted gateway).
func accountAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("X-Allowed-Accounts")

		var allowedAccounts []string
		isUnrestricted := false

		if header == "" {
			isUnrestricted = true
		} else {
			for _, account := range strings.Split(header, ",") {
				trimmed := strings.TrimSpace(account)
				if trimmed == "" {
					continue
				}
				if trimmed == WILDCARD_ACCOUNT {
					isUnrestricted = true
					break
				}
				allowedAccounts = append(allowedAccounts, trimmed)
			}
		}

		auth := accountAuth{
			Accounts:     allowedAccounts,
			Unrestricted: isUnrestricted,
		}

		ctx := context.WithValue(r.Context(), allowedAccountsKey, auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
