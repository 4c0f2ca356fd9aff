package health

import (
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/saiset-co/sai-portal/types"
)

type BuildInfo struct {
	Version   string
	GitCommit string
	GitBranch string
	BuildTime time.Time
}

var buildInfoPaths = []string{"build.info", "/app/build.info"}

// versionInfo merges BUILD_* environment variables with an optional
// build.info file, the file taking precedence.
func versionInfo(name, version string) types.VersionInfo {
	info := &BuildInfo{
		Version:   getEnvOrDefault("BUILD_VERSION", "dev"),
		GitCommit: getEnvOrDefault("BUILD_COMMIT", "unknown"),
		GitBranch: getEnvOrDefault("BUILD_BRANCH", "unknown"),
	}

	if t, err := time.Parse(time.RFC3339, os.Getenv("BUILD_TIME")); err == nil {
		info.BuildTime = t
	}

	if file := readBuildInfoFile(buildInfoPaths); file != nil {
		if file.Version != "" {
			info.Version = file.Version
		}
		if file.GitCommit != "" {
			info.GitCommit = file.GitCommit
		}
		if file.GitBranch != "" {
			info.GitBranch = file.GitBranch
		}
		if !file.BuildTime.IsZero() {
			info.BuildTime = file.BuildTime
		}
	}

	out := types.VersionInfo{
		Name:      name,
		Version:   version,
		Build:     info.Version,
		Commit:    info.GitCommit[:min(len(info.GitCommit), 7)],
		Branch:    info.GitBranch,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if !info.BuildTime.IsZero() {
		out.BuildTime = info.BuildTime.UTC().Format(time.RFC3339)
	}
	return out
}

func readBuildInfoFile(paths []string) *BuildInfo {
	for _, path := range paths {
		if data, err := os.ReadFile(path); err == nil {
			return parseBuildInfoFile(string(data))
		}
	}
	return nil
}

// parseBuildInfoFile reads KEY=VALUE lines; unknown keys and comments are skipped.
func parseBuildInfoFile(content string) *BuildInfo {
	info := &BuildInfo{}

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "VERSION":
			info.Version = value
		case "GIT_COMMIT":
			info.GitCommit = value
		case "GIT_BRANCH":
			info.GitBranch = value
		case "BUILD_TIME":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				info.BuildTime = t
			}
		}
	}

	return info
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
