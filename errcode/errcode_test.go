package errcode_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/errcode"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{errcode.Unsupportedf("table %s is a view", "v"), errcode.ErrUnsupported},
		{errcode.Unimplementedf("rand() is not deterministic"), errcode.ErrUnimplemented},
		{errcode.Entitlementf("computed column"), errcode.ErrEntitlement},
		{errcode.Conflictf("seq %d", 3), errcode.ErrConflict},
		{errcode.Internalf("two tasks"), errcode.ErrInternal},
		{errcode.MarkTransient(io.ErrUnexpectedEOF), errcode.ErrTransient},
		{errors.Wrap(errcode.Conflictf("seq %d", 3), "commit"), errcode.ErrConflict},
		{errors.New("plain"), nil},
	}

	for _, c := range cases {
		kind := errcode.Kind(c.err)
		if kind != c.kind {
			t.Errorf("Kind(%s) got %v want %v", c.err, kind, c.kind)
		}
	}

	if !errcode.IsRetryable(errcode.MarkTransient(io.EOF)) {
		t.Errorf("IsRetryable(transient) got false want true")
	}
	if errcode.IsRetryable(errcode.Internalf("bad")) {
		t.Errorf("IsRetryable(internal) got true want false")
	}
	if errcode.MarkTransient(nil) != nil {
		t.Errorf("MarkTransient(nil) got non-nil")
	}
	if !errors.Is(errcode.MarkTransient(io.EOF), io.EOF) {
		t.Errorf("MarkTransient(io.EOF) lost the cause")
	}
}
