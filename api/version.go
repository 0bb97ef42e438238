package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Version describes the running build
type Version struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	GitCommit  string `json:"git_commit,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	APIVersion string `json:"api_version"`
}

// Set with -ldflags "-X github.com/flowdash-app/flowdash-backend/api.GitCommit=..."
var (
	VersionMajor = "0"
	VersionMinor = "4"
	VersionPatch = "0"
	GitCommit    = "development"
	BuildDate    = "unknown"
	APIVersion   = "v1"
)

// GetVersion returns the build information
func GetVersion() Version {
	return Version{
		Major:      atoiOrZero(VersionMajor),
		Minor:      atoiOrZero(VersionMinor),
		Patch:      atoiOrZero(VersionPatch),
		GitCommit:  GitCommit,
		BuildDate:  BuildDate,
		APIVersion: APIVersion,
	}
}

func atoiOrZero(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}

// GetVersionString formats the version for logs and --version
func GetVersionString() string {
	v := GetVersion()
	return fmt.Sprintf("flowdash %d.%d.%d (%s, built %s)", v.Major, v.Minor, v.Patch, v.GitCommit, v.BuildDate)
}

// GetVersionInfo serves the build information
func GetVersionInfo(c *gin.Context) {
	c.JSON(http.StatusOK, GetVersion())
}
