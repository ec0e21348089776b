package tagger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func seededEndpoints(t *testing.T) (*Endpoints, *SourceMap) {
	t.Helper()
	sm := NewSourceMap()
	sm.ReplaceFile("/src/App.tsx", []Entry{
		{ID: "demo-ab12cd34", File: "/src/App.tsx", Line: 3, Column: 14, ElementName: "div"},
		{ID: "demo-ef56ab78", File: "/src/App.tsx", Line: 4, Column: 6, ElementName: "span"},
	})
	return NewEndpoints(sm), sm
}

func TestServeSourceMap(t *testing.T) {
	e, _ := seededEndpoints(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, SourceMapPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	var m map[string]Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("body is not a JSON map: %v", err)
	}
	if len(m) != 2 {
		t.Errorf("map has %d entries, want 2", len(m))
	}

	// Conditional revalidation.
	req := httptest.NewRequest(http.MethodGet, SourceMapPath, nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("revalidation status = %d, want 304", rec.Code)
	}
}

func TestServeLocate(t *testing.T) {
	e, _ := seededEndpoints(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, LocatePath+"?id=demo-ab12cd34", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var entry Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.Line != 3 || entry.ElementName != "div" {
		t.Errorf("entry = %+v", entry)
	}

	// Runtime loop suffix resolves to the base entry.
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, LocatePath+"?id=demo-ab12cd34-2", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("loop-suffixed lookup status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, LocatePath+"?id=demo-00000000", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestServeByFile(t *testing.T) {
	e, _ := seededEndpoints(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ByFilePath+"?file=/src/App.tsx", nil))
	var entries []Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2", len(entries))
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ByFilePath+"?file=/src/None.tsx", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("unknown file returned %d entries", len(entries))
	}
}

func TestOptionsPreflight(t *testing.T) {
	e, _ := seededEndpoints(t)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, SourceMapPath, nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestSourceMapReplaceFile(t *testing.T) {
	sm := NewSourceMap()
	sm.ReplaceFile("/a.tsx", []Entry{{ID: "11111111", File: "/a.tsx"}})
	sm.ReplaceFile("/b.tsx", []Entry{{ID: "22222222", File: "/b.tsx"}})
	sm.ReplaceFile("/a.tsx", []Entry{{ID: "33333333", File: "/a.tsx"}})

	if _, ok := sm.Lookup("11111111"); ok {
		t.Error("stale entry survived ReplaceFile")
	}
	if _, ok := sm.Lookup("33333333"); !ok {
		t.Error("fresh entry missing after ReplaceFile")
	}
	if _, ok := sm.Lookup("22222222"); !ok {
		t.Error("other file's entry dropped by ReplaceFile")
	}
	if sm.Len() != 2 {
		t.Errorf("Len() = %d, want 2", sm.Len())
	}
}
