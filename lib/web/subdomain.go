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

package web

import (
	"net"
	"strings"
)

// SubdomainHint extracts the label a request arrived under when the Host
// header names a subdomain of one of the configured base domains. Hosts
// connecting through a provisioned subdomain get it offered back as their
// link ID. Returns "" when the host does not match any base.
func SubdomainHint(hostHeader string, baseDomains []string) string {
	host := strings.TrimSpace(hostHeader)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, base := range baseDomains {
		suffix := "." + strings.ToLower(strings.TrimSpace(base))
		if suffix == "." {
			continue
		}
		if strings.HasSuffix(host, suffix) {
			if label := strings.TrimSuffix(host, suffix); label != "" {
				return label
			}
		}
	}
	return ""
}
