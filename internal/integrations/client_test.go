package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/connections", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method == http.MethodPost {
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			params, _ := req["params"].(map[string]any)
			if req["app"] != "jira" || params["subdomain"] != "acme" || req["user_id"] != "u1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"redirect_url":"https://auth.example/jira"}`))
			return
		}
		if r.URL.Query().Get("user_id") != "u1" {
			t.Errorf("expected user_id filter")
		}
		w.Write([]byte(`{"items":[
			{"id":"c1","app":"gmail","account_id":"acc-1","status":"ACTIVE"},
			{"id":"c2","app":"slack","account_id":"acc-2","status":"expired"}
		]}`))
	})
	mux.HandleFunc("/tools", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[{"name":"GMAIL_LIST","description":"List mail","parameters":{"type":"object"}}]}`))
	})
	mux.HandleFunc("/tools/GMAIL_LIST/execute", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["account_id"] != "acc-1" {
			w.Write([]byte(`{"successful":false,"error":"wrong account"}`))
			return
		}
		w.Write([]byte(`{"successful":true,"data":{"messages":2}}`))
	})
	mux.HandleFunc("/apps/jira", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"required_params":[{"name":"subdomain","display_name":"Jira subdomain"},{"name":"email"}]}`))
	})
	return httptest.NewServer(mux)
}

func TestClientRoundTrips(t *testing.T) {
	srv := newHub(t)
	defer srv.Close()
	c := NewClient(srv.URL, "key", "u1")
	ctx := context.Background()

	conns, err := c.ListConnections(ctx)
	if err != nil {
		t.Fatalf("list connections: %v", err)
	}
	if len(conns) != 1 || conns[0].App != "gmail" {
		t.Fatalf("expected only the active gmail connection, got %+v", conns)
	}

	tools, err := c.ListTools(ctx, "gmail")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].App != "gmail" {
		t.Fatalf("expected app filled in, got %+v", tools)
	}

	out, err := c.Execute(ctx, "GMAIL_LIST", "acc-1", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != `{"messages":2}` {
		t.Errorf("unexpected result %q", out)
	}
	if _, err := c.Execute(ctx, "GMAIL_LIST", "other", nil); err == nil {
		t.Error("expected unsuccessful execution to error")
	}

	params, err := c.RequiredParams(ctx, "jira")
	if err != nil {
		t.Fatalf("required params: %v", err)
	}
	if len(params) != 2 || params[0].Label() != "Jira subdomain" || params[1].Label() != "email" {
		t.Errorf("unexpected params %+v", params)
	}

	link, err := c.Connect(ctx, "jira", map[string]string{"subdomain": "acme", "email": "a@b.c"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if link != "https://auth.example/jira" {
		t.Errorf("unexpected redirect %q", link)
	}
}

func TestClientAPIError(t *testing.T) {
	srv := newHub(t)
	defer srv.Close()
	c := NewClient(srv.URL, "wrong", "u1")

	_, err := c.ListConnections(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
}
