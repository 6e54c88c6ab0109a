package models

import (
	"testing"
	"time"
)

func TestSanitizeTenantID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"acme", "acme"},
		{"acme-corp_2", "acme-corp_2"},
		{"acme/../../etc", "acme________etc"},
		{"tenant with spaces", "tenant_with_spaces"},
		{"t@nant!", "t_nant_"},
	}
	for _, tc := range cases {
		if got := SanitizeTenantID(tc.in); got != tc.want {
			t.Errorf("SanitizeTenantID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildStorageURI(t *testing.T) {
	cases := []struct {
		name   string
		root   string
		prefix string
		want   string
	}{
		{"s3 with prefix", "s3://bucket", "models", "s3://bucket/models/acme/llama/v1"},
		{"gs no prefix", "gs://bucket", "", "gs://bucket/acme/llama/v1"},
		{"file trailing slash", "file:///data/", "models", "file:///data/models/acme/llama/v1"},
		{"prefix gets trimmed", "s3://bucket", "/models/", "s3://bucket/models/acme/llama/v1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildStorageURI(tc.root, tc.prefix, "acme", "llama", "v1")
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestBuildStorageURISanitizesTenant(t *testing.T) {
	got, err := BuildStorageURI("s3://bucket", "", "a/../b", "llama", "v1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "s3://bucket/a____b/llama/v1" {
		t.Errorf("got %q", got)
	}
}

func TestBuildStorageURIRejectsUnknownScheme(t *testing.T) {
	if _, err := BuildStorageURI("ftp://host", "", "acme", "llama", "v1"); err == nil {
		t.Error("ftp scheme should be rejected")
	}
	if _, err := BuildStorageURI("http://host", "", "acme", "llama", "v1"); err == nil {
		t.Error("http scheme should be rejected")
	}
}

func TestCatalogRegisterAndLookup(t *testing.T) {
	c := NewMemoryCatalog()
	if err := c.Register(Manifest{ModelID: "llama", Version: "v1", Format: "gguf"}); err != nil {
		t.Fatal(err)
	}

	m, ok := c.Lookup("llama", "v1")
	if !ok || m.Format != "gguf" {
		t.Errorf("lookup = %+v, %v", m, ok)
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on register")
	}
	if _, ok := c.Lookup("llama", "v9"); ok {
		t.Error("unknown version should miss")
	}
	if _, ok := c.Lookup("other", ""); ok {
		t.Error("unknown model should miss")
	}
}

func TestCatalogEmptyVersionResolvesLatest(t *testing.T) {
	c := NewMemoryCatalog()
	if err := c.Register(Manifest{ModelID: "llama", Version: "v1"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := c.Register(Manifest{ModelID: "llama", Version: "v2"}); err != nil {
		t.Fatal(err)
	}

	m, ok := c.Lookup("llama", "")
	if !ok {
		t.Fatal("expected a hit")
	}
	if m.Version != "v2" {
		t.Errorf("latest = %q, want v2", m.Version)
	}
}

func TestCatalogRejectsIncompleteManifest(t *testing.T) {
	c := NewMemoryCatalog()
	if err := c.Register(Manifest{ModelID: "llama"}); err == nil {
		t.Error("missing version should be rejected")
	}
	if err := c.Register(Manifest{Version: "v1"}); err == nil {
		t.Error("missing model id should be rejected")
	}
}
