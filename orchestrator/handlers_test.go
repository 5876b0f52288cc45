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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// installTestComponents points the package-level handler wiring at an
// in-memory stack and restores the previous wiring on cleanup.
func installTestComponents(t *testing.T, authSecret string) *supervisorHarness {
	t.Helper()
	h := newHarness(t, &scriptedIntentClassifier{result: computeIntent(nil)})

	prevSupervisor, prevStore := supervisor, sessionStore
	prevAuth, prevRouter, prevRegistry := authenticator, specialistRouter, actionRegistry
	prevPolicy, prevClassifier := policyFilter, intentClassifier

	supervisor = h.supervisor
	sessionStore = h.store
	authenticator = NewAuthenticator(authSecret)
	specialistRouter = NewSpecialistRouter(map[string]string{"compute-lifecycle": "compute-lifecycle"}, 0.5)
	actionRegistry = NewActionRegistry(5, time.Second)
	actionRegistry.Register(computeCatalog(), h.handler)
	policyFilter = NewPolicyFilter(NewLexiconClassifier(), nil)
	intentClassifier = &scriptedIntentClassifier{result: computeIntent(nil)}

	t.Cleanup(func() {
		supervisor, sessionStore = prevSupervisor, prevStore
		authenticator, specialistRouter, actionRegistry = prevAuth, prevRouter, prevRegistry
		policyFilter, intentClassifier = prevPolicy, prevClassifier
	})
	return h
}

func postTurn(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turn", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	turnHandler(w, req)
	return w
}

func TestTurnHandler_Success(t *testing.T) {
	installTestComponents(t, "")

	w := postTurn(t, `{"session_id": "s-1", "text": "list instances"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var reply Reply
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != OutcomeDone || reply.SessionID != "s-1" || reply.TurnID == "" {
		t.Errorf("Unexpected reply %+v", reply)
	}
}

func TestTurnHandler_ValidatesBody(t *testing.T) {
	installTestComponents(t, "")

	if w := postTurn(t, `{not json`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", w.Code)
	}

	w := postTurn(t, `{"text": "   "}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for empty text, got %d", w.Code)
	}
	var resp errorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Field != "text" {
		t.Errorf("Expected the offending field named, got %+v", resp)
	}
}

func TestTurnHandler_GeneratesSessionID(t *testing.T) {
	installTestComponents(t, "")

	w := postTurn(t, `{"text": "list instances"}`, nil)
	var reply Reply
	json.Unmarshal(w.Body.Bytes(), &reply)
	if reply.SessionID == "" {
		t.Error("An omitted session id must be generated")
	}
}

func TestTurnHandler_RequiresBearerWhenConfigured(t *testing.T) {
	h := installTestComponents(t, testAuthSecret)

	if w := postTurn(t, `{"session_id": "s-1", "text": "list instances"}`, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a token, got %d", w.Code)
	}

	token := signToken(t, testAuthSecret, employeeClaims())
	w := postTurn(t, `{"session_id": "s-1", "text": "list instances"}`,
		map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 with a valid token, got %d: %s", w.Code, w.Body.String())
	}

	// Identity claims are seeded into the session's slots.
	sess, _ := h.store.Get(context.Background(), "s-1")
	if sess.Slots["employee_id"] != "emp-42" {
		t.Errorf("Expected identity slots seeded, got %+v", sess.Slots)
	}
}

func TestTurnHandler_SessionBusyIsConflict(t *testing.T) {
	h := installTestComponents(t, "")

	release, err := h.store.Acquire(context.Background(), "s-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	w := postTurn(t, `{"session_id": "s-1", "text": "list instances"}`, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for a busy session, got %d", w.Code)
	}
}

func TestSessionHandler_ReturnsHistory(t *testing.T) {
	h := installTestComponents(t, "")
	ctx := context.Background()
	h.store.Append(ctx, "s-1", Turn{ID: "t-1", Request: "list", Outcome: OutcomeDone}, "compute-lifecycle")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-1", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "s-1"})
	w := httptest.NewRecorder()
	sessionHandler(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var sess Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}
	if len(sess.Turns) != 1 || sess.Turns[0].ID != "t-1" {
		t.Errorf("Unexpected session payload %+v", sess)
	}
}

func TestCatalogsHandler_ListsDomainsAndActions(t *testing.T) {
	installTestComponents(t, "")

	w := httptest.NewRecorder()
	catalogsHandler(w, httptest.NewRequest(http.MethodGet, "/api/v1/catalogs", nil))

	var payload map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatal(err)
	}
	actions, ok := payload["compute-lifecycle"]
	if !ok || len(actions) != 2 {
		t.Errorf("Unexpected catalogue listing %+v", payload)
	}
}

func TestHealthHandler(t *testing.T) {
	installTestComponents(t, "")

	w := httptest.NewRecorder()
	healthHandler(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "healthy" || health["service"] != "opscenter-orchestrator" {
		t.Errorf("Unexpected health payload %+v", health)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, http.StatusBadRequest, ErrCodeInvalidArguments, "bad input", "text")

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Unexpected content type %q", ct)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"code":"InvalidArguments"`)) {
		t.Errorf("Unexpected error body %s", w.Body.String())
	}
}
