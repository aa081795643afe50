// Package initdatatest builds signed launch payloads for tests.
package initdatatest

import (
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/and161185/miniapp-gate/internal/initdata"
)

// Sign adds a valid hash to fields for botToken and returns the encoded payload.
func Sign(fields url.Values, botToken string) string {
	out := url.Values{}
	for k, v := range fields {
		if k != "hash" {
			out[k] = append([]string(nil), v...)
		}
	}
	out.Set("hash", initdata.Sign(initdata.CanonicalString(out), initdata.DeriveKey(botToken)))
	return out.Encode()
}

// Payload signs a launch payload for user issued at authDate.
func Payload(botToken string, authDate int64, user any, extra url.Values) string {
	f := url.Values{}
	for k, v := range extra {
		f[k] = v
	}
	b, err := json.Marshal(user)
	if err != nil {
		panic(err)
	}
	f.Set("user", string(b))
	f.Set("auth_date", strconv.FormatInt(authDate, 10))
	return Sign(f, botToken)
}
