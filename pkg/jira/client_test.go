package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*ClientConfig)) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := ClientConfig{URL: server.URL, User: "bot@example.com", APIToken: "secret"}
	for _, m := range mutate {
		m(&cfg)
	}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	return client
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(ClientConfig{URL: "https://jira.example.com"}); err == nil {
		t.Fatal("expected error without credentials")
	}
	if _, err := NewClient(ClientConfig{URL: "https://jira.example.com", BearerToken: "pat", APIVersion: "9"}); err == nil {
		t.Fatal("expected error for unsupported api version")
	}
}

func TestSearchPagesWithToken(t *testing.T) {
	t.Parallel()

	var calls int
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/3/search/jql" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "bot@example.com" || pass != "secret" {
			t.Fatalf("expected basic auth, got %q/%q", user, pass)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		calls++

		w.Header().Set("Content-Type", "application/json")
		switch calls {
		case 1:
			if _, ok := body["nextPageToken"]; ok {
				t.Fatalf("first page must not send a token")
			}
			fmt.Fprint(w, `{"issues":[{"id":"1","key":"VULN-1"}],"nextPageToken":"abc","isLast":false}`)
		case 2:
			if body["nextPageToken"] != "abc" {
				t.Fatalf("expected token abc, got %v", body["nextPageToken"])
			}
			fmt.Fprint(w, `{"issues":[{"id":"2","key":"VULN-2"}],"isLast":true}`)
		default:
			t.Fatalf("unexpected call %d", calls)
		}
	})

	var keys []string
	err := client.SearchAll(context.Background(), `project = "VULN"`, []string{"id"}, 1, 10, func(issues []Issue) error {
		for _, issue := range issues {
			keys = append(keys, issue.Key)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if strings.Join(keys, ",") != "VULN-1,VULN-2" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestSearchAllIsBounded(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"issues":[{"id":"1","key":"VULN-1"}],"nextPageToken":"again","isLast":false}`)
	})

	err := client.SearchAll(context.Background(), "x", nil, 1, 3, func([]Issue) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "exceeded 3 pages") {
		t.Fatalf("expected page bound error, got %v", err)
	}
}

func TestSearchOffsetPagingV2(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/2/search" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pat" {
			t.Fatalf("expected bearer auth, got %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["startAt"].(float64) == 0 {
			fmt.Fprint(w, `{"issues":[{"id":"1"}],"startAt":0,"maxResults":1,"total":2}`)
			return
		}
		fmt.Fprint(w, `{"issues":[{"id":"2"}],"startAt":1,"maxResults":1,"total":2}`)
	}, func(cfg *ClientConfig) {
		cfg.APIVersion = APIv2
		cfg.User, cfg.APIToken = "", ""
		cfg.BearerToken = "pat"
	})

	page, err := client.Search(context.Background(), "x", nil, 1, "")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if page.Next != "1" {
		t.Fatalf("expected next cursor 1, got %q", page.Next)
	}
	page, err = client.Search(context.Background(), "x", nil, 1, page.Next)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if page.Next != "" || page.Issues[0].ID != "2" {
		t.Fatalf("unexpected last page %+v", page)
	}
}

func TestCreateUpdateAndTransition(t *testing.T) {
	t.Parallel()

	var transitionBody map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/3/issue":
			var body map[string]map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["fields"]["summary"] != "hello" {
				t.Fatalf("unexpected create body %v", body)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"10001","key":"VULN-7"}`)
		case r.Method == http.MethodPut && r.URL.Path == "/rest/api/3/issue/10001":
			if r.URL.Query().Get("notifyUsers") != "false" {
				t.Fatalf("expected notifyUsers=false")
			}
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/3/issue/10001/transitions":
			fmt.Fprint(w, `{"transitions":[{"id":"31","name":"Done"}]}`)
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/3/issue/10001/transitions":
			_ = json.NewDecoder(r.Body).Decode(&transitionBody)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	ctx := context.Background()
	created, err := client.Create(ctx, map[string]any{"summary": "hello"})
	if err != nil || created.Key != "VULN-7" {
		t.Fatalf("create failed: %v %+v", err, created)
	}
	if err := client.Update(ctx, created.ID, map[string]any{"summary": "bye"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	transitions, err := client.Transitions(ctx, created.ID)
	if err != nil || len(transitions) != 1 || transitions[0].Name != "Done" {
		t.Fatalf("transitions failed: %v %+v", err, transitions)
	}
	if err := client.Transition(ctx, created.ID, "31", "resolved upstream"); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	if transitionBody["transition"].(map[string]any)["id"] != "31" {
		t.Fatalf("unexpected transition body %v", transitionBody)
	}
	comment := transitionBody["update"].(map[string]any)["comment"].([]any)[0].(map[string]any)
	body := comment["add"].(map[string]any)["body"].(map[string]any)
	if body["type"] != "doc" {
		t.Fatalf("expected ADF comment body, got %v", body)
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"errorMessages":["No project could be found with key 'NOPE'."]}`)
	})

	_, err := client.GetProject(context.Background(), "NOPE")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if StatusCode(err) != http.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", StatusCode(err))
	}
}

func TestFieldsAndProject(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/rest/api/3/field":
			fmt.Fprint(w, `[{"id":"summary","name":"Summary"},{"id":"customfield_1","name":"Tenable Plugin ID","custom":true}]`)
		case r.Method == http.MethodPost && r.URL.Path == "/rest/api/3/field":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["type"] != customFieldTypePrefix+"labels" || body["searcherKey"] != customFieldTypePrefix+"labelsearcher" {
				t.Fatalf("unexpected field body %v", body)
			}
			fmt.Fprint(w, `{"id":"customfield_9","name":"Tags"}`)
		case r.URL.Path == "/rest/api/3/project/VULN":
			fmt.Fprint(w, `{"id":"1","key":"VULN","issueTypes":[{"id":"10001","name":"Task"},{"id":"10002","name":"Sub-task","subtask":true}]}`)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	ctx := context.Background()
	fields, err := client.ListFields(ctx)
	if err != nil || len(fields) != 2 {
		t.Fatalf("list fields failed: %v %+v", err, fields)
	}
	field, err := client.CreateField(ctx, FieldSpec{Name: "Tags", Type: "labels", Searcher: "labelsearcher"})
	if err != nil || field.ID != "customfield_9" {
		t.Fatalf("create field failed: %v %+v", err, field)
	}
	project, err := client.GetProject(ctx, "VULN")
	if err != nil {
		t.Fatalf("get project failed: %v", err)
	}
	it, ok := project.IssueTypeByName("sub-task")
	if !ok || it.ID != "10002" || !it.Subtask {
		t.Fatalf("unexpected issue type %+v", it)
	}
}

func TestADF(t *testing.T) {
	t.Parallel()

	doc := ADF([]Section{{Heading: "Solution", Text: "Patch it."}})
	content := doc["content"].([]any)
	if len(content) != 2 {
		t.Fatalf("expected heading and paragraph, got %d nodes", len(content))
	}
	heading := content[0].(map[string]any)
	if heading["type"] != "heading" || heading["attrs"].(map[string]any)["level"] != 1 {
		t.Fatalf("unexpected heading %v", heading)
	}
}
