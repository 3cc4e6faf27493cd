/************************************************************************************
 *
 * relay, a Discord Gateway + REST connection substrate for Go
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package relay

import (
	"strconv"
	"time"
)

// discordEpochMS is 2015-01-01T00:00:00.000Z, the zero point Discord
// snowflake IDs are measured from.
const discordEpochMS int64 = 1420070400000

// Snowflake is a Discord-format 64-bit ID: a millisecond timestamp
// relative to discordEpochMS in the high 42 bits, followed by worker,
// process, and increment bits.
type Snowflake uint64

// Timestamp returns the creation time encoded in the snowflake.
func (s Snowflake) Timestamp() time.Time {
	ms := int64(s>>22) + discordEpochMS
	return time.UnixMilli(ms)
}

func (s Snowflake) String() string {
	return strconv.FormatUint(uint64(s), 10)
}

// ParseSnowflake parses a decimal snowflake string.
func ParseSnowflake(s string) (Snowflake, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Snowflake(n), nil
}

func (s Snowflake) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Snowflake) UnmarshalJSON(data []byte) error {
	str := string(data)
	if len(str) >= 2 && str[0] == '"' && str[len(str)-1] == '"' {
		str = str[1 : len(str)-1]
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}
	*s = Snowflake(n)
	return nil
}
