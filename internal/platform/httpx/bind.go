package httpx

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	// TenantHeader carries the tenant of every API request.
	TenantHeader = "X-Tenant-ID"
	// ActorHeader optionally names the user recorded in audit logs.
	ActorHeader = "X-Actor-ID"
)

// NewValidator returns a validator that understands decimal.Decimal fields.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Bind decodes the JSON body into dst and validates it. On failure the problem
// response is already written and false is returned.
func Bind(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any) bool {
	if err := DecodeJSON(r, dst); err != nil {
		Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return false
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		ValidationProblem(w, fields)
		return false
	}
	return true
}

// Tenant reads the tenant id header, writing a 400 problem when it is missing.
func Tenant(w http.ResponseWriter, r *http.Request) (shared.TenantID, bool) {
	tenantID, err := shared.ParseTenantID(r.Header.Get(TenantHeader))
	if err != nil {
		Problem(w, http.StatusBadRequest, "Tenant Required", err.Error())
		return 0, false
	}
	return tenantID, true
}

// QueryInt64 parses an optional integer query parameter.
func QueryInt64(r *http.Request, name string) (int64, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}

// Actor returns the acting user id, or zero when the header is absent or malformed.
func Actor(r *http.Request) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(ActorHeader)), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
