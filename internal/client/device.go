package client

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// DeviceIDPrefix marks identifiers generated by this client.
const DeviceIDPrefix = "dev-"

// newDeviceID returns an opaque, lower-case identifier. The ULID's time
// component only helps ordering in logs; nothing parses it back.
func newDeviceID(now time.Time) string {
	id := ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy())
	return DeviceIDPrefix + strings.ToLower(id.String())
}
