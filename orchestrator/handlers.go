// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// TurnRequest is the body of POST /api/v1/turn. An empty session id
// starts a new session.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
}

type errorResponse struct {
	Error string    `json:"error"`
	Code  ErrorCode `json:"code,omitempty"`
	Field string    `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message, field string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code, Field: field})
}

// turnHandler accepts one natural-language request and runs it through
// the turn state machine.
func turnHandler(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidArguments, "invalid JSON body", "")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidArguments, "text must not be empty", "text")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	if authenticator.Enabled() {
		claims, err := bearerClaims(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "", err.Error(), "")
			return
		}
		// Seed identity slots so specialists can personalize replies
		// and restrict actions by role. Get creates the session if this
		// is its first turn.
		if _, err := sessionStore.Get(r.Context(), req.SessionID); err != nil {
			log.Printf("[API] Failed to load session %s: %v", req.SessionID, err)
		}
		if err := sessionStore.SetSlots(r.Context(), req.SessionID, claims.IdentitySlots()); err != nil {
			log.Printf("[API] Failed to set identity slots for session %s: %v", req.SessionID, err)
		}
	}

	reply, err := supervisor.HandleTurn(r.Context(), req.SessionID, req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error(), "")
		return
	}

	status := http.StatusOK
	if reply.ErrorCode == ErrCodeSessionBusy {
		status = http.StatusConflict
	}
	writeJSON(w, status, reply)
}

func bearerClaims(r *http.Request) (*EmployeeClaims, error) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return nil, errMissingBearer
	}
	return authenticator.Verify(token)
}

var errMissingBearer = &TurnError{Code: "Unauthorized", Message: "missing bearer token"}

// sessionHandler returns the current state of a session, including its
// append-only turn history.
func sessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	session, err := sessionStore.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// policyReloadHandler re-reads the policy rules file and swaps the
// active rule set. In-flight turns keep the verdicts they already
// received; subsequent checks use the new rules.
func policyReloadHandler(w http.ResponseWriter, r *http.Request) {
	if runtimeConfig.PolicyRulesFile == "" {
		writeError(w, http.StatusBadRequest, "", "POLICY_RULES_FILE is not configured", "")
		return
	}
	rules, err := LoadPolicyRules(runtimeConfig.PolicyRulesFile)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "", err.Error(), "")
		return
	}
	policyFilter.UpdateRules(rules)
	log.Printf("[API] Reloaded policy rules from %s", runtimeConfig.PolicyRulesFile)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// catalogsHandler lists the registered domains and their action ids.
func catalogsHandler(w http.ResponseWriter, r *http.Request) {
	domains := specialistRouter.Domains()
	payload := make(map[string][]string, len(domains))
	for _, domain := range domains {
		catalog, ok := actionRegistry.Catalog(domain)
		if !ok {
			continue
		}
		ids := make([]string, 0, len(catalog.Spec.Actions))
		for _, action := range catalog.Spec.Actions {
			ids = append(ids, action.ID)
		}
		payload[domain] = ids
	}
	writeJSON(w, http.StatusOK, payload)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"service":   "opscenter-orchestrator",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC(),
		"components": map[string]bool{
			"policy_filter":   policyFilter != nil,
			"classifier":      intentClassifier != nil,
			"action_registry": actionRegistry != nil,
			"session_store":   sessionStore != nil,
		},
		"domains": specialistRouter.Domains(),
	}
	writeJSON(w, http.StatusOK, health)
}
