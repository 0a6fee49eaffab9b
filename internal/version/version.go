/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package version

import (
	"bytes"
	"runtime"
	"strconv"
	"time"
)

const (
	DevelopmentVersion = "dev"
)

// Set at build time via -ldflags "-X".
var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

type BuildTime struct {
	time.Time
}

func (t BuildTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return []byte("\"" + t.Format(time.RFC3339) + "\""), nil
}

// UnmarshalJSON expects a quoted RFC 3339 timestamp, or null.
func (t *BuildTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	parsed, err := time.Parse("\""+time.RFC3339+"\"", string(data))
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type VersionOutput struct {
	Version    string    `json:"version"`
	CommitHash string    `json:"commitHash,omitempty"`
	BuildTime  BuildTime `json:"buildTimestamp"`
	GoVersion  string    `json:"goVersion"`
	Platform   string    `json:"platform"`
}

func Version() VersionOutput {
	var buildTime time.Time
	if BuildTimestamp != "" {
		// Either Unix seconds or RFC 3339.
		if parsedTimestamp, err := strconv.ParseInt(BuildTimestamp, 10, 64); err == nil {
			buildTime = time.Unix(parsedTimestamp, 0).UTC()
		} else if maybeTime, timeErr := time.Parse(time.RFC3339, BuildTimestamp); timeErr == nil {
			buildTime = maybeTime
		}
	}

	productVersion := ProductVersion
	if productVersion == "" {
		productVersion = DevelopmentVersion
	}

	return VersionOutput{
		Version:    productVersion,
		CommitHash: CommitHash,
		BuildTime:  BuildTime{buildTime},
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
