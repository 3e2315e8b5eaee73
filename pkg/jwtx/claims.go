package jwtx

import (
	"bytes"
	"encoding/json"
	"maps"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the payload carried by every token the service issues.
//
// Registered claims and the session id are typed fields. Anything else the
// caller attaches lives in Extra and is flattened into the payload next to
// them on encode, and collected back into Extra on decode.
type Claims struct {
	jwt.RegisteredClaims

	// Session ID, optional correlation between an access/refresh pair
	SID string `json:"sid,omitempty"`

	// Caller supplied claims, opaque to the service
	Extra map[string]any `json:"-"`
}

// reserved claim names can never be set through Extra.
var reserved = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "nbf": {}, "iat": {}, "jti": {}, "sid": {},
}

// IsReserved reports whether name is a claim the codec owns.
func IsReserved(name string) bool {
	_, ok := reserved[name]
	return ok
}

// NewJTI returns a random identifier for the "jti" claim.
func NewJTI() string {
	return uuid.NewString()
}

// registered is Claims without its JSON methods, so it can be encoded with
// the default struct rules.
type registered Claims

func (c Claims) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(registered(c))
	if err != nil || len(c.Extra) == 0 {
		return base, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}

	out := make(map[string]any, len(fields)+len(c.Extra))
	for k, v := range c.Extra {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

func (c *Claims) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	// Some issuers use numeric subjects. Keep them as their decimal text.
	if sub, ok := fields["sub"]; ok {
		sub = bytes.TrimSpace(sub)
		if len(sub) > 0 && (sub[0] == '-' || (sub[0] >= '0' && sub[0] <= '9')) {
			quoted, err := json.Marshal(string(sub))
			if err != nil {
				return err
			}
			fields["sub"] = quoted
		}
	}

	normalized, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	var r registered
	if err := json.Unmarshal(normalized, &r); err != nil {
		return err
	}

	r.Extra = nil
	for k, raw := range fields {
		if IsReserved(k) {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[k] = v
	}

	*c = Claims(r)
	return nil
}

// Clone returns a copy of c whose Extra map can be modified independently.
func (c Claims) Clone() Claims {
	out := c
	if c.Extra != nil {
		out.Extra = maps.Clone(c.Extra)
	}
	if c.Audience != nil {
		out.Audience = append(jwt.ClaimStrings(nil), c.Audience...)
	}
	return out
}
