package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	base := stderrors.New("connection refused")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "without cause",
			err:  New(KindBridgeNotFound, "no bridge for request"),
			want: "bridge_not_found: no bridge for request",
		},
		{
			name: "with cause",
			err:  Wrap(KindStorage, base, "bridge lookup"),
			want: "storage: bridge lookup: connection refused",
		},
		{
			name: "formatted",
			err:  Newf(KindBadRequest, "depth %d exceeds bound", 65),
			want: "bad_request: depth 65 exceeds bound",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWrapNilCause(t *testing.T) {
	if err := Wrap(KindStorage, nil, "lookup"); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
	if err := Wrapf(KindStorage, nil, "lookup %s", "x"); err != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", err)
	}
}

func TestKindOf(t *testing.T) {
	inner := New(KindTimeout, "upstream deadline")
	wrapped := fmt.Errorf("forward failed: %w", inner)

	if got := KindOf(wrapped); got != KindTimeout {
		t.Errorf("KindOf(wrapped) = %v, want %v", got, KindTimeout)
	}
	if got := KindOf(stderrors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %v, want %v", got, KindInternal)
	}
}

func TestIsKindWalksChain(t *testing.T) {
	cause := New(KindBridgeNotFound, "exhausted")
	outer := Wrap(KindInternal, cause, "context build")

	if !IsKind(outer, KindBridgeNotFound) {
		t.Error("IsKind should find the inner kind through the chain")
	}
	if IsKind(outer, KindTimeout) {
		t.Error("IsKind matched a kind not present in the chain")
	}
}

func TestUnwrapInterop(t *testing.T) {
	base := stderrors.New("row not found")
	err := Wrap(KindBridgeNotFound, base, "as_token lookup")

	if !stderrors.Is(err, base) {
		t.Error("errors.Is should reach the wrapped cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindBridgeNotFound, http.StatusNotFound},
		{KindRouteNotFound, http.StatusNotFound},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindStorage, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
