/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"encoding/base64"

	"github.com/bytedance/sonic"
)

// decodeJSON and encodeJSON centralize the JSON codec so every payload
// in the library, gateway and REST alike, goes through the same fast
// path, grounded on the teacher's per-type fillFromJson methods
// (gateway.go, restapi.go) which each called sonic.Unmarshal directly;
// pulled up to one pair of helpers so codec choice is a single
// substitution point.
func decodeJSON(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

func encodeJSON(v any) ([]byte, error) {
	return sonic.Marshal(v)
}

// base64Encode is used for the X-Super-Properties header, which is a
// base64-encoded JSON blob rather than a JSON body; encoding/base64 is
// used directly because sonic's base64 acceleration (cloudwego/base64x)
// is an internal dependency of sonic's own codec and exposes no stable
// standalone API for this use.
func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
