/*
Copyright 2024 OpenLink Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signal

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ClientInfo is what the server knows about the software behind a peer
// channel, pre-filled from the upgrade request headers and later refined
// by a client-info frame
type ClientInfo struct {
	// Platform is the coarse device class: desktop, mobile or web
	Platform string `json:"platform,omitempty"`
	// OS is the operating system family
	OS string `json:"os,omitempty"`
	// OSVersion is the detected release
	OSVersion string `json:"osVersion,omitempty"`
	// Arch is the machine architecture
	Arch string `json:"arch,omitempty"`
	// Locale is the preferred language
	Locale string `json:"locale,omitempty"`
	// AppVersion is the client application semver
	AppVersion string `json:"appVersion,omitempty"`
}

// Merge overlays non-empty fields of update onto the detected info
func (c ClientInfo) Merge(update ClientInfo) ClientInfo {
	out := c
	if update.Platform != "" {
		out.Platform = update.Platform
	}
	if update.OS != "" {
		out.OS = update.OS
	}
	if update.OSVersion != "" {
		out.OSVersion = update.OSVersion
	}
	if update.Arch != "" {
		out.Arch = update.Arch
	}
	if update.Locale != "" {
		out.Locale = update.Locale
	}
	if update.AppVersion != "" {
		out.AppVersion = update.AppVersion
	}
	return out
}

// windowsReleases maps NT kernel versions to marketing names. NT 10.0 is
// ambiguous between Windows 10 and 11 without the build number, which
// browsers no longer send.
var windowsReleases = map[string]string{
	"10.0": "10",
	"6.3":  "8.1",
	"6.2":  "8",
	"6.1":  "7",
	"6.0":  "Vista",
	"5.1":  "XP",
}

var (
	windowsNTRe  = regexp.MustCompile(`Windows NT (\d+\.\d+)`)
	macOSRe      = regexp.MustCompile(`Mac OS X (\d+[._]\d+(?:[._]\d+)?)`)
	electronRe   = regexp.MustCompile(`Electron/([\d.]+)`)
	androidRe    = regexp.MustCompile(`Android (\d+(?:\.\d+)*)`)
	iosRe        = regexp.MustCompile(`(?:iPhone|iPad).* OS (\d+[._]\d+(?:[._]\d+)?)`)
	linuxDistros = []string{"Ubuntu", "Debian", "Fedora", "CentOS", "Arch", "Mint"}
)

// uaCache memoizes parses: the same few user agent strings arrive with
// every reconnect of the same fleet
var uaCache, _ = lru.New[string, ClientInfo](512)

// ParseUserAgent pre-fills client info from an upgrade request user agent
func ParseUserAgent(ua string) ClientInfo {
	if ua == "" {
		return ClientInfo{Platform: "unknown"}
	}
	if cached, ok := uaCache.Get(ua); ok {
		return cached
	}
	info := parseUserAgent(ua)
	uaCache.Add(ua, info)
	return info
}

func parseUserAgent(ua string) ClientInfo {
	info := ClientInfo{Platform: "desktop", Arch: parseArch(ua)}

	switch {
	case strings.Contains(ua, "Windows NT"):
		info.OS = "Windows"
		if m := windowsNTRe.FindStringSubmatch(ua); m != nil {
			if release, ok := windowsReleases[m[1]]; ok {
				info.OSVersion = release
			} else {
				info.OSVersion = m[1]
			}
		}
	case iosRe.MatchString(ua):
		info.Platform = "mobile"
		info.OS = "iOS"
		if m := iosRe.FindStringSubmatch(ua); m != nil {
			info.OSVersion = strings.ReplaceAll(m[1], "_", ".")
		}
	case strings.Contains(ua, "Mac OS X"):
		info.OS = "macOS"
		if m := macOSRe.FindStringSubmatch(ua); m != nil {
			info.OSVersion = strings.ReplaceAll(m[1], "_", ".")
		}
	case strings.Contains(ua, "Android"):
		info.Platform = "mobile"
		info.OS = "Android"
		if m := androidRe.FindStringSubmatch(ua); m != nil {
			info.OSVersion = m[1]
		}
	case strings.Contains(ua, "Linux"):
		info.OS = "Linux"
		for _, distro := range linuxDistros {
			if strings.Contains(ua, distro) {
				info.OSVersion = distro
				break
			}
		}
	default:
		info.Platform = "unknown"
	}

	// Electron wraps any of the above, its presence marks the desktop app
	// and carries the runtime version
	if m := electronRe.FindStringSubmatch(ua); m != nil {
		info.Platform = "desktop"
		info.AppVersion = m[1]
	} else if info.OS != "" && !strings.Contains(ua, "Electron") {
		// a plain browser UA without the app wrapper is a web client
		if strings.Contains(ua, "Mozilla/") && info.Platform == "desktop" {
			info.Platform = "web"
		}
	}
	return info
}

func parseArch(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "arm64"), strings.Contains(lower, "aarch64"):
		return "arm64"
	case strings.Contains(lower, "x86_64"), strings.Contains(lower, "win64"),
		strings.Contains(lower, "wow64"), strings.Contains(lower, "x64"):
		return "amd64"
	case strings.Contains(lower, "i686"), strings.Contains(lower, "i386"):
		return "386"
	default:
		return ""
	}
}
