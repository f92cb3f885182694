package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Routes serves the subscription-management and callback HTTP endpoints.
// It is invoked directly from the repo-root Caddy handler, alongside (not
// through) the framework-neutral request pipeline — subscription
// management was never part of that engine (SPEC_FULL §9/§11).
type Routes struct {
	Manager *Manager
}

// NewRoutes builds a Routes bound to manager.
func NewRoutes(manager *Manager) *Routes {
	return &Routes{Manager: manager}
}

// HandleRequest tries to handle r as a webhook route. Returns true if it
// did, false if the caller should fall through to the core protocol
// dispatch.
func (rt *Routes) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if strings.HasPrefix(path, "/callback/") {
		rt.handleCallback(w, r, path)
		return true
	}

	query := r.URL.Query()
	_, hasSubscription := query["subscription"]
	_, hasSubscriptions := query["subscriptions"]

	if !hasSubscription && !hasSubscriptions {
		return false
	}

	if hasSubscription {
		subscriptionID := query.Get("subscription")

		switch r.Method {
		case http.MethodPut:
			rt.handleCreateSubscription(w, r, path, subscriptionID)
			return true
		case http.MethodGet:
			rt.handleGetSubscription(w, subscriptionID)
			return true
		case http.MethodDelete:
			rt.handleDeleteSubscription(w, subscriptionID)
			return true
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return true
		}
	}

	if hasSubscriptions && r.Method == http.MethodGet {
		rt.handleListSubscriptions(w, path)
		return true
	}

	return false
}

func (rt *Routes) handleCreateSubscription(w http.ResponseWriter, r *http.Request, pattern, subscriptionID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var parsed struct {
		Webhook     string `json:"webhook"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if parsed.Webhook == "" {
		http.Error(w, "missing required field: webhook", http.StatusBadRequest)
		return
	}

	sub, created, err := rt.Manager.Store.CreateSubscription(subscriptionID, pattern, parsed.Webhook, parsed.Description)
	if err != nil {
		if strings.Contains(err.Error(), "different configuration") {
			http.Error(w, "subscription already exists with different configuration", http.StatusConflict)
			return
		}
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"subscription_id": sub.SubscriptionID,
		"pattern":         sub.Pattern,
		"webhook":         sub.Webhook,
	}
	if sub.Description != "" {
		resp["description"] = sub.Description
	}
	if created {
		resp["webhook_secret"] = sub.WebhookSecret
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (rt *Routes) handleGetSubscription(w http.ResponseWriter, subscriptionID string) {
	sub := rt.Manager.Store.GetSubscription(subscriptionID)
	if sub == nil {
		http.Error(w, "subscription not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"subscription_id": sub.SubscriptionID,
		"pattern":         sub.Pattern,
		"webhook":         sub.Webhook,
	}
	if sub.Description != "" {
		resp["description"] = sub.Description
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (rt *Routes) handleDeleteSubscription(w http.ResponseWriter, subscriptionID string) {
	rt.Manager.Store.DeleteSubscription(subscriptionID)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) handleListSubscriptions(w http.ResponseWriter, pattern string) {
	subs := rt.Manager.Store.ListSubscriptions(pattern)

	items := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		item := map[string]interface{}{
			"subscription_id": sub.SubscriptionID,
			"pattern":         sub.Pattern,
			"webhook":         sub.Webhook,
		}
		if sub.Description != "" {
			item["description"] = sub.Description
		}
		items = append(items, item)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"subscriptions": items})
}

func (rt *Routes) handleCallback(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	consumerID := path[len("/callback/"):]

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		rt.writeCallbackError(w, http.StatusUnauthorized, ErrCodeTokenInvalid, "missing or malformed Authorization header")
		return
	}
	token := authHeader[len("Bearer "):]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rt.writeCallbackError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "failed to read request body")
		return
	}

	var rawParsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &rawParsed); err != nil {
		rt.writeCallbackError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	if _, hasEpoch := rawParsed["epoch"]; !hasEpoch {
		rt.writeCallbackError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "missing required field: epoch")
		return
	}

	var request CallbackRequest
	if err := json.Unmarshal(body, &request); err != nil {
		rt.writeCallbackError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}

	result := rt.Manager.HandleCallback(consumerID, token, request)

	w.Header().Set("Content-Type", "application/json")
	switch res := result.(type) {
	case CallbackSuccess:
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(res)
	case CallbackErrorResponse:
		status, ok := ErrorCodeToHTTPStatus[res.Error.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(res)
	}
}

func (rt *Routes) writeCallbackError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(CallbackErrorResponse{
		OK:    false,
		Error: CallbackErrObj{Code: code, Message: message},
	})
}
