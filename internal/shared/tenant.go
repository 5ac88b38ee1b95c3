package shared

import (
	"fmt"
	"strconv"
	"strings"
)

// TenantID identifies the tenant owning a data set. It is always passed explicitly.
type TenantID int64

// Validate rejects the zero and negative tenant ids.
func (t TenantID) Validate() error {
	if t <= 0 {
		return ErrTenantRequired
	}
	return nil
}

func (t TenantID) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// ParseTenantID parses a tenant id from its decimal form.
func ParseTenantID(raw string) (TenantID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, ErrTenantRequired
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrTenantRequired, raw)
	}
	id := TenantID(v)
	if err := id.Validate(); err != nil {
		return 0, err
	}
	return id, nil
}
