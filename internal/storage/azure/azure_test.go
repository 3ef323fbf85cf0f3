package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"pkt.systems/gardenpub/internal/storage"
)

func TestBlobNameRoundTrip(t *testing.T) {
	store := &Store{prefix: "registry"}
	name, err := store.blobName("garden/dev/my app.json")
	if err != nil {
		t.Fatalf("blob name: %v", err)
	}
	if name != "registry/garden/dev/my%20app.json" {
		t.Fatalf("unexpected blob name %q", name)
	}
	key, ok := store.logicalKey(name)
	if !ok || key != "garden/dev/my app.json" {
		t.Fatalf("unexpected logical key %q (%v)", key, ok)
	}
	if _, ok := store.logicalKey("other/garden/dev/x.json"); ok {
		t.Fatal("blob outside the prefix should be skipped")
	}
	if _, err := store.blobName("/"); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestListPrefixKeepsTrailingSlash(t *testing.T) {
	cases := []struct {
		prefix string
		store  *Store
		want   string
	}{
		{prefix: "garden/dev/backups/apps/", store: &Store{}, want: "garden/dev/backups/apps/"},
		{prefix: "garden/dev/apps", store: &Store{}, want: "garden/dev/apps"},
		{prefix: "garden/", store: &Store{prefix: "p"}, want: "p/garden/"},
		{prefix: "", store: &Store{prefix: "p"}, want: "p/"},
	}
	for _, tc := range cases {
		if got := tc.store.listPrefix(tc.prefix); got != tc.want {
			t.Fatalf("listPrefix(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestAccessConditions(t *testing.T) {
	if accessConditions("", false) != nil {
		t.Fatal("expected no conditions")
	}
	cond := accessConditions("0x1", true)
	if cond.IfMatch == nil || string(*cond.IfMatch) != "0x1" || cond.IfNoneMatch != nil {
		t.Fatalf("expected IfMatch only, got %+v", cond)
	}
	cond = accessConditions("", true)
	if cond.IfNoneMatch == nil || *cond.IfNoneMatch != azcore.ETagAny {
		t.Fatalf("expected IfNoneMatch *, got %+v", cond)
	}
}

func TestErrorClassification(t *testing.T) {
	if !isNotFound(&azcore.ResponseError{StatusCode: http.StatusNotFound}) {
		t.Fatal("404 should be not found")
	}
	if !isPreconditionFailed(&azcore.ResponseError{StatusCode: http.StatusPreconditionFailed}) {
		t.Fatal("412 should be precondition failed")
	}
	if !isContainerExists(&azcore.ResponseError{StatusCode: http.StatusConflict, ErrorCode: "ContainerAlreadyExists"}) {
		t.Fatal("expected container exists")
	}
	err := wrapError(&azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}, "azure: upload object")
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	err = wrapError(errors.New("denied"), "azure: upload object")
	if storage.IsTransient(err) {
		t.Fatalf("plain error should not be transient")
	}
}
