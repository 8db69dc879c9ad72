// Package license checks whether enterprise features may be used. A Checker is passed
// to whatever needs it; denial is an entitlement error.
package license

import (
	"fmt"

	"github.com/leftmike/fuse/errcode"
)

type Feature int

const (
	ComputedColumn Feature = iota + 1
	ChangeTracking
)

func (f Feature) String() string {
	switch f {
	case ComputedColumn:
		return "computed_column"
	case ChangeTracking:
		return "change_tracking"
	}
	return fmt.Sprintf("feature(%d)", int(f))
}

type Checker interface {
	CheckEnterpriseEnabled(f Feature) error
}

type allowed map[Feature]struct{}

func (a allowed) CheckEnterpriseEnabled(f Feature) error {
	if _, ok := a[f]; ok {
		return nil
	}
	return errcode.Entitlementf("license: %s requires an enterprise license", f)
}

// Allow returns a Checker which allows only features.
func Allow(features ...Feature) Checker {
	a := allowed{}
	for _, f := range features {
		a[f] = struct{}{}
	}
	return a
}

type allowAll struct{}

func (_ allowAll) CheckEnterpriseEnabled(f Feature) error {
	return nil
}

var (
	AllowAll Checker = allowAll{}
	DenyAll  Checker = Allow()
)
