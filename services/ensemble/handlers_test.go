// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ensemble

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, cfg Config) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t, cfg, genAgent("primary", 0.8), genAgent("backup", 0.6))
	return NewRouter(NewHandlers(f.svc), "ensemble-test"), f
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleSubmit(t *testing.T) {
	r, f := newTestRouter(t, DefaultConfig())

	w := doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", genTask())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var res struct {
		TaskID   string `json:"task_id"`
		Strategy string `json:"strategy"`
		Output   struct {
			AgentRef string `json:"agent_ref"`
		} `json:"output"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, string(datatypes.StrategySequential), res.Strategy)
	assert.EqualValues(t, 1, f.agents["primary"].Calls())
}

func TestHandleSubmit_Errors(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/ensemble/tasks", strings.NewReader("{"))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
	})

	t.Run("invalid task", func(t *testing.T) {
		task := genTask()
		task.Kind = "astrology"
		w := doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", task)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_TASK")
	})

	t.Run("no capable agent", func(t *testing.T) {
		task := genTask()
		task.RequiredCapabilities = datatypes.NewCapabilitySet(datatypes.CapSecurity)
		w := doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", task)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "NO_CAPABLE_AGENT", resp.Code)
		assert.Equal(t, datatypes.KindNoCapableAgent, resp.Kind)
	})
}

func TestHandleSubmit_RateLimited(t *testing.T) {
	r, _ := newTestRouter(t, Config{RateLimit: 0.001, Burst: 1})

	w := doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", genTask())
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", genTask())
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}

func TestSubmitError_StrategyFailed(t *testing.T) {
	partial := []datatypes.AgentOutput{{AgentRef: "bad", ErrKind: datatypes.KindAgentExecution}}
	err := datatypes.NewError(datatypes.KindStrategyFailed, "execute", assert.AnError, partial)

	status, resp := submitError(err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "EXECUTION_FAILED", resp.Code)
	require.Len(t, resp.Partial, 1)
	assert.Equal(t, "bad", resp.Partial[0].AgentRef)

	status, _ = submitError(datatypes.NewError(datatypes.KindCancelled, "execute", assert.AnError, nil))
	assert.Equal(t, http.StatusGatewayTimeout, status)

	status, _ = submitError(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestHandleAgentsAndHealth(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())

	w := doJSON(t, r, http.MethodGet, "/v1/ensemble/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Agents []AgentInfo `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Agents, 2)
	assert.Equal(t, "primary", body.Agents[0].Name)
	assert.True(t, body.Agents[0].Capabilities.Has(datatypes.CapCodeGeneration))

	w = doJSON(t, r, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 2, health.Agents)

	w = doJSON(t, r, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPolicyEndpoints(t *testing.T) {
	r, f := newTestRouter(t, DefaultConfig())
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", genTask()).Code)
	f.loop.Flush()

	w := doJSON(t, r, http.MethodGet, "/v1/ensemble/policy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var st PolicyStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.EqualValues(t, 1, st.Samples)

	w = doJSON(t, r, http.MethodGet, "/v1/ensemble/policy/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	blob := w.Body.Bytes()
	require.NotEmpty(t, blob)

	other, g := newTestRouter(t, DefaultConfig())
	req := httptest.NewRequest(http.MethodPut, "/v1/ensemble/policy", bytes.NewReader(blob))
	w = httptest.NewRecorder()
	other.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, g.policy.Samples())

	req = httptest.NewRequest(http.MethodPut, "/v1/ensemble/policy", strings.NewReader("not a checkpoint"))
	w = httptest.NewRecorder()
	other.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_CHECKPOINT")

	w = doJSON(t, r, http.MethodPost, "/v1/ensemble/policy/checkpoint", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"backend":"memory"`)
}

func TestHandleEvents_ReplaysFilteredBacklog(t *testing.T) {
	r, _ := newTestRouter(t, DefaultConfig())
	require.Equal(t, http.StatusOK, doJSON(t, r, http.MethodPost, "/v1/ensemble/tasks", genTask()).Code)

	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ensemble/events?types=execution_completed&replay=10"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev struct {
		Type   telemetry.EventType `json:"type"`
		TaskID string              `json:"task_id"`
	}
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, telemetry.EventExecutionCompleted, ev.Type)
	assert.NotEmpty(t, ev.TaskID)
}

func TestParseEventTypes(t *testing.T) {
	assert.Nil(t, parseEventTypes(""))
	assert.Equal(t,
		[]telemetry.EventType{telemetry.EventRoutingDecision, telemetry.EventCollapsePerformed},
		parseEventTypes(" routing_decision,,collapse_performed "))
	assert.True(t, matchesType(telemetry.EventPolicyCheckpoint, nil))
	assert.False(t, matchesType(telemetry.EventPolicyCheckpoint, []telemetry.EventType{telemetry.EventRoutingDecision}))
}
