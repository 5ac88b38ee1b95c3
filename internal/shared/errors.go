package shared

import "errors"

// ErrTenantRequired indicates a missing or malformed tenant id.
var ErrTenantRequired = errors.New("tenant id required")
