package client

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/muvusoft/talkscribe-license/pkg/licensing"
)

// UserAgent identifies the agent in fingerprints. cmd/talkscribe sets the version.
var UserAgent = "talkscribe-agent"

// HostFingerprint describes the machine the agent runs on. Screen size is not
// available outside a browser and stays empty.
func HostFingerprint() licensing.Fingerprint {
	return licensing.Fingerprint{
		UA:       fmt.Sprintf("%s (%s; %s)", UserAgent, runtime.GOOS, runtime.GOARCH),
		Platform: runtime.GOOS,
		TZ:       localTimeZone(),
		Lang:     localLanguage(),
	}
}

func localTimeZone() string {
	if tz := strings.TrimSpace(os.Getenv("TZ")); tz != "" {
		return strings.TrimPrefix(tz, ":")
	}
	return time.Local.String()
}

// localLanguage turns a POSIX locale such as en_US.UTF-8 into en-US.
func localLanguage() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}
