package version

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// AppVersion is overridden at build time via -ldflags.
var AppVersion = "v0.0.0"

const releasesURL = "https://api.github.com/repos/nkamura/llm-gateway/releases/latest"

type gitHubRelease struct {
	TagName string `json:"tag_name"`
}

// CheckForUpdates compares the running build against the latest GitHub
// release. Best effort with a short budget; any failure is silent.
func CheckForUpdates(logger *zap.Logger) {
	client := http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(releasesURL)
	if err != nil {
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var release gitHubRelease
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return
	}

	current, err := version.NewVersion(AppVersion)
	if err != nil {
		return
	}
	latest, err := version.NewVersion(release.TagName)
	if err != nil {
		return
	}

	if current.LessThan(latest) {
		logger.Warn(fmt.Sprintf("running an outdated version (%s); latest is %s", AppVersion, release.TagName))
	}
}
