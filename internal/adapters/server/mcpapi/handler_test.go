package mcpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hylla/changeflow/internal/adapters/server/common"
)

// stubWorkflowService provides deterministic workflow responses for MCP tool tests.
type stubWorkflowService struct {
	runResult   common.RunStepResult
	workItem    common.WorkItem
	entries     []common.JournalEntry
	err         error
	lastRun     common.RunStepRequest
	lastJournal common.ListJournalRequest
}

// RunStep records the request and returns the configured result.
func (s *stubWorkflowService) RunStep(_ context.Context, req common.RunStepRequest) (common.RunStepResult, error) {
	s.lastRun = req
	if s.err != nil {
		return common.RunStepResult{}, s.err
	}
	return s.runResult, nil
}

// GetWorkItem returns the configured work item.
func (s *stubWorkflowService) GetWorkItem(_ context.Context, _ string) (common.WorkItem, error) {
	if s.err != nil {
		return common.WorkItem{}, s.err
	}
	return s.workItem, nil
}

// ListJournal records the request and returns fixture entries.
func (s *stubWorkflowService) ListJournal(_ context.Context, req common.ListJournalRequest) ([]common.JournalEntry, error) {
	s.lastJournal = req
	if s.err != nil {
		return nil, s.err
	}
	return append([]common.JournalEntry(nil), s.entries...), nil
}

// AddJournalEntry is not exposed over MCP.
func (s *stubWorkflowService) AddJournalEntry(_ context.Context, _ common.AddJournalEntryRequest) (common.JournalEntry, error) {
	return common.JournalEntry{}, errors.New("not exposed")
}

// jsonRPCResponse models minimal JSON-RPC response fields used in MCP adapter tests.
type jsonRPCResponse struct {
	ID     float64        `json:"id"`
	Result map[string]any `json:"result"`
}

// callToolRequest constructs one deterministic tools/call JSON-RPC request payload.
func callToolRequest(id int, toolName string, arguments map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": arguments,
		},
	}
}

// toolResultText decodes the first text entry from one tool-call result payload.
func toolResultText(t *testing.T, result map[string]any) string {
	t.Helper()
	contentRaw, ok := result["content"].([]any)
	if !ok || len(contentRaw) == 0 {
		t.Fatalf("content missing in tool result: %#v", result)
	}
	first, ok := contentRaw[0].(map[string]any)
	if !ok {
		t.Fatalf("first content entry has unexpected type: %#v", contentRaw[0])
	}
	text, ok := first["text"].(string)
	if !ok {
		t.Fatalf("content text missing in tool result: %#v", first)
	}
	return text
}

// postJSONRPC sends one JSON-RPC payload and decodes the response body.
func postJSONRPC(t *testing.T, client *http.Client, url string, payload any) (*http.Response, jsonRPCResponse) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	var decoded jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if err := resp.Body.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return resp, decoded
}

// initializeRequest builds a deterministic MCP initialize request payload.
func initializeRequest() map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
			"clientInfo": map[string]any{
				"name":    "changeflow-test",
				"version": "1.0.0",
			},
		},
	}
}

// startServer builds the handler over svc and serves it.
func startServer(t *testing.T, svc common.WorkflowService) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(Config{}, svc)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	_, _ = postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	return server
}

// TestNewHandlerRequiresService verifies construction fails without a workflow service.
func TestNewHandlerRequiresService(t *testing.T) {
	if _, err := NewHandler(Config{}, nil); err == nil {
		t.Fatal("expected error without workflow service")
	}
}

// TestHandlerUsesStatelessTransport verifies MCP transport does not issue session ids.
func TestHandlerUsesStatelessTransport(t *testing.T) {
	handler, err := NewHandler(Config{}, &stubWorkflowService{})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, decoded := postJSONRPC(t, server.Client(), server.URL, initializeRequest())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if decoded.ID != 1 {
		t.Fatalf("id = %v, want 1", decoded.ID)
	}
	if got := resp.Header.Get("Mcp-Session-Id"); got != "" {
		t.Fatalf("Mcp-Session-Id header = %q, want empty (stateless transport)", got)
	}
}

// TestHandlerRegistersWorkflowTools verifies tool discovery lists every workflow tool.
func TestHandlerRegistersWorkflowTools(t *testing.T) {
	server := startServer(t, &stubWorkflowService{})
	_, toolsResp := postJSONRPC(t, server.Client(), server.URL, map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})

	toolsRaw, ok := toolsResp.Result["tools"].([]any)
	if !ok {
		t.Fatalf("tools list payload missing tools: %#v", toolsResp.Result)
	}
	toolNames := make([]string, 0, len(toolsRaw))
	for _, toolRaw := range toolsRaw {
		toolMap, ok := toolRaw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		toolNames = append(toolNames, name)
	}
	for _, required := range []string{
		"changeflow.run_step",
		"changeflow.get_work_item",
		"changeflow.list_journal",
	} {
		if !slices.Contains(toolNames, required) {
			t.Fatalf("tool list missing %q: %#v", required, toolNames)
		}
	}
}

// TestHandlerRunStepToolCall verifies run_step arguments and structured results.
func TestHandlerRunStepToolCall(t *testing.T) {
	svc := &stubWorkflowService{
		runResult: common.RunStepResult{WorkItemID: "w1", TaskName: "Check", Outcome: "FINISH", MatchedRules: []int{1}},
	}
	server := startServer(t, svc)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "changeflow.run_step", map[string]any{
		"work_item_id": "w1",
		"task_name":    "Check",
	}))
	result, ok := callResp.Result["structuredContent"].(map[string]any)
	if !ok {
		t.Fatalf("structuredContent missing in response: %#v", callResp.Result)
	}
	if got, _ := result["outcome"].(string); got != "FINISH" {
		t.Fatalf("outcome = %q, want FINISH", got)
	}
	if svc.lastRun.WorkItemID != "w1" || svc.lastRun.TaskName != "Check" {
		t.Fatalf("unexpected run request %#v", svc.lastRun)
	}
}

// TestHandlerToolErrors verifies missing arguments and mapped service errors.
func TestHandlerToolErrors(t *testing.T) {
	svc := &stubWorkflowService{err: errors.Join(common.ErrNoRuleConfig, errors.New("Books/Scan"))}
	server := startServer(t, svc)

	_, missingArgResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(2, "changeflow.run_step", map[string]any{
		"work_item_id": "w1",
	}))
	if isError, _ := missingArgResp.Result["isError"].(bool); !isError {
		t.Fatalf("isError = %v, want true", missingArgResp.Result["isError"])
	}
	if got := toolResultText(t, missingArgResp.Result); !strings.Contains(got, `required argument "task_name" not found`) {
		t.Fatalf("unexpected missing-arg text %q", got)
	}

	_, mappedErrResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(3, "changeflow.run_step", map[string]any{
		"work_item_id": "w1",
		"task_name":    "Scan",
	}))
	if isError, _ := mappedErrResp.Result["isError"].(bool); !isError {
		t.Fatalf("isError = %v, want true", mappedErrResp.Result["isError"])
	}
	if got := toolResultText(t, mappedErrResp.Result); !strings.HasPrefix(got, "no_rule_config:") {
		t.Fatalf("unexpected mapped error text %q", got)
	}
}

// TestHandlerRunStepSaveFailure verifies failed saves are reported with the persist_failed prefix.
func TestHandlerRunStepSaveFailure(t *testing.T) {
	svc := &stubWorkflowService{err: errors.Join(common.ErrPersistFailed, errors.New("disk full"))}
	server := startServer(t, svc)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(5, "changeflow.run_step", map[string]any{
		"work_item_id": "w1",
		"task_name":    "Check",
	}))
	if isError, _ := callResp.Result["isError"].(bool); !isError {
		t.Fatalf("isError = %v, want true", callResp.Result["isError"])
	}
	if got := toolResultText(t, callResp.Result); !strings.HasPrefix(got, "persist_failed:") {
		t.Fatalf("unexpected tool error text %q", got)
	}
}

// TestHandlerListJournalToolCall verifies the limit argument is forwarded.
func TestHandlerListJournalToolCall(t *testing.T) {
	svc := &stubWorkflowService{
		entries: []common.JournalEntry{{ID: "j1", WorkItemID: "w1", Severity: "info", Message: "hello"}},
	}
	server := startServer(t, svc)

	_, callResp := postJSONRPC(t, server.Client(), server.URL, callToolRequest(4, "changeflow.list_journal", map[string]any{
		"work_item_id": "w1",
		"limit":        5,
	}))
	if isError, _ := callResp.Result["isError"].(bool); isError {
		t.Fatalf("unexpected tool error %#v", callResp.Result)
	}
	if svc.lastJournal.WorkItemID != "w1" || svc.lastJournal.Limit != 5 {
		t.Fatalf("unexpected journal request %#v", svc.lastJournal)
	}
	if got := toolResultText(t, callResp.Result); !strings.Contains(got, "hello") {
		t.Fatalf("expected entry text in result, got %q", got)
	}
}
